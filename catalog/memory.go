package catalog

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/chazu/keysmith/block"
)

//go:embed builtin.toml
var builtinTOML []byte

// Builtin returns a fresh copy of the embedded vocabulary.
func Builtin() *block.Catalog {
	c, err := parse(builtinTOML)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded vocabulary: %v", err))
	}
	return c
}

// LoadFile parses a catalog from a TOML file.
func LoadFile(path string) (*block.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return c, nil
}

func parse(data []byte) (*block.Catalog, error) {
	c := block.NewCatalog()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Categories == nil {
		c.Categories = make(map[string]block.Category)
	}
	if c.Blocks == nil {
		c.Blocks = make(map[string]block.Definition)
	}
	if c.OptionSources == nil {
		c.OptionSources = make(map[string][]string)
	}
	return c, nil
}

// customFile is the on-disk form of the custom blocks.
type customFile struct {
	Blocks map[string]block.Definition `toml:"blocks"`
}

// Memory is a Source holding a fixed base vocabulary plus custom blocks.
// Custom blocks are marked Custom in listings. With a custom file set,
// every save and delete rewrites that file.
type Memory struct {
	mu     sync.Mutex
	base   *block.Catalog
	custom map[string]block.Definition
	path   string
}

// NewMemory creates a source over base. A nil base means the builtin
// vocabulary.
func NewMemory(base *block.Catalog) *Memory {
	if base == nil {
		base = Builtin()
	}
	return &Memory{
		base:   base.Clone(),
		custom: make(map[string]block.Definition),
	}
}

// OpenMemory is NewMemory with custom blocks persisted at path. An absent
// file starts empty.
func OpenMemory(base *block.Catalog, path string) (*Memory, error) {
	m := NewMemory(base)
	m.path = path
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var f customFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	for id, def := range f.Blocks {
		if _, builtin := m.base.Blocks[id]; builtin {
			continue
		}
		m.custom[id] = def
	}
	return m, nil
}

// List implements Source.
func (m *Memory) List(ctx context.Context) (*block.Catalog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.base.Clone()
	for id, def := range m.custom {
		def.Custom = true
		if def.Category == "" {
			def.Category = "custom"
		}
		c.Blocks[id] = def
	}
	return c, nil
}

// Save implements Source.
func (m *Memory) Save(ctx context.Context, blockID string, def block.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, builtin := m.base.Blocks[blockID]; builtin {
		return ErrBuiltin
	}
	prev, existed := m.custom[blockID]
	def.Custom = false
	m.custom[blockID] = def
	if err := m.persist(); err != nil {
		if existed {
			m.custom[blockID] = prev
		} else {
			delete(m.custom, blockID)
		}
		return err
	}
	return nil
}

// Delete implements Source.
func (m *Memory) Delete(ctx context.Context, blockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, builtin := m.base.Blocks[blockID]; builtin {
		return ErrBuiltin
	}
	prev, ok := m.custom[blockID]
	if !ok {
		return ErrNotFound
	}
	delete(m.custom, blockID)
	if err := m.persist(); err != nil {
		m.custom[blockID] = prev
		return err
	}
	return nil
}

// persist writes the custom blocks to the custom file, if there is one.
// Called with mu held.
func (m *Memory) persist() error {
	if m.path == "" {
		return nil
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(customFile{Blocks: m.custom}); err != nil {
		return fmt.Errorf("encoding custom blocks: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
