// Package block holds the structural program model: block definitions from
// the catalog, block instances, the forest they form, the selection cursor
// that addresses the next structural edit, and the mutator operations that
// rebuild the forest.
package block

import "sort"

// Param types understood by the editor. The catalog may declare others; they
// are treated as free text.
const (
	ParamText   = "text"
	ParamNumber = "number"
	ParamHex    = "hex"
	ParamSelect = "select"
)

// Param describes one parameter of a block definition.
type Param struct {
	Name    string `json:"name" toml:"name"`
	Type    string `json:"type" toml:"type"`
	Label   string `json:"label" toml:"label"`
	Default string `json:"default,omitempty" toml:"default"`

	// Options names an option source in the catalog (select params only).
	Options string `json:"options,omitempty" toml:"options"`
}

// Definition is a catalog entry describing a block type. Its identity is the
// key it is stored under in Catalog.Blocks.
type Definition struct {
	Name      string   `json:"name" toml:"name"`
	Category  string   `json:"category" toml:"category"`
	Container bool     `json:"is_container,omitempty" toml:"is_container"`
	Params    []Param  `json:"params" toml:"params"`
	Code      string   `json:"code" toml:"code"`
	Input     string   `json:"input,omitempty" toml:"input"`
	Output    string   `json:"output,omitempty" toml:"output"`
	Imports   []string `json:"imports,omitempty" toml:"imports"`
	Custom    bool     `json:"is_custom,omitempty" toml:"-"`
}

// Category is display metadata for a group of definitions.
type Category struct {
	Name  string `json:"name" toml:"name"`
	Color string `json:"color" toml:"color"`
	Icon  string `json:"icon" toml:"icon"`
}

// Catalog is the vocabulary the editor can place.
type Catalog struct {
	Categories    map[string]Category   `json:"categories" toml:"categories"`
	Blocks        map[string]Definition `json:"blocks" toml:"blocks"`
	OptionSources map[string][]string   `json:"option_sources,omitempty" toml:"option_sources"`
}

// Vocabulary resolves block ids to definitions.
type Vocabulary interface {
	Definition(blockID string) (Definition, bool)
}

// NewCatalog returns an empty, usable catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		Categories:    make(map[string]Category),
		Blocks:        make(map[string]Definition),
		OptionSources: make(map[string][]string),
	}
}

// Definition looks up a block definition by id. A nil catalog has none.
func (c *Catalog) Definition(blockID string) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	def, ok := c.Blocks[blockID]
	return def, ok
}

// OptionsFor returns the option set of a select parameter.
func (c *Catalog) OptionsFor(p Param) []string {
	if c == nil || p.Options == "" {
		return nil
	}
	return c.OptionSources[p.Options]
}

// InCategory returns the sorted ids of the definitions in a category.
func (c *Catalog) InCategory(category string) []string {
	if c == nil {
		return nil
	}
	var ids []string
	for id, def := range c.Blocks {
		if def.Category == category {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a copy that shares no maps with c.
func (c *Catalog) Clone() *Catalog {
	out := NewCatalog()
	if c == nil {
		return out
	}
	for k, v := range c.Categories {
		out.Categories[k] = v
	}
	for k, v := range c.Blocks {
		out.Blocks[k] = v
	}
	for k, v := range c.OptionSources {
		out.OptionSources[k] = append([]string(nil), v...)
	}
	return out
}
