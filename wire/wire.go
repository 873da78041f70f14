// Package wire holds keysmith's binary encodings. Programs and catalogs are
// encoded as canonical CBOR, so equal values always produce equal bytes and
// a program's digest identifies it.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/keysmith/block"
)

// Version is the encoding version written into every payload.
const Version uint8 = 1

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	// Every container costs two levels (node map, children array), so the
	// default limit of 32 would cap programs at 15 nested containers.
	dm, err := cbor.DecOptions{MaxNestedLevels: 65535}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

// Node is the encoded form of a block instance. Container is carried
// explicitly because an empty container has no children to show for it.
type Node struct {
	ID        string            `cbor:"1,keyasint"`
	BlockID   string            `cbor:"2,keyasint"`
	Params    map[string]string `cbor:"3,keyasint,omitempty"`
	Container bool              `cbor:"4,keyasint,omitempty"`
	Children  []Node            `cbor:"5,keyasint,omitempty"`
}

// Program is an exported forest.
type Program struct {
	Version uint8  `cbor:"1,keyasint"`
	Nodes   []Node `cbor:"2,keyasint"`
}

// CatalogPayload is a cached catalog.
type CatalogPayload struct {
	Version       uint8                       `cbor:"1,keyasint"`
	Categories    map[string]block.Category   `cbor:"2,keyasint,omitempty"`
	Blocks        map[string]block.Definition `cbor:"3,keyasint,omitempty"`
	OptionSources map[string][]string         `cbor:"4,keyasint,omitempty"`
}

func toNodes(list []*block.Instance) []Node {
	nodes := make([]Node, 0, len(list))
	for _, inst := range list {
		n := Node{
			ID:        inst.ID,
			BlockID:   inst.BlockID,
			Params:    inst.Params,
			Container: inst.IsContainer(),
		}
		if len(inst.Children) > 0 {
			n.Children = toNodes(inst.Children)
		}
		nodes = append(nodes, n)
	}
	return nodes
}

func fromNodes(nodes []Node) []*block.Instance {
	list := make([]*block.Instance, 0, len(nodes))
	for _, n := range nodes {
		inst := &block.Instance{
			ID:      n.ID,
			BlockID: n.BlockID,
			Params:  block.Params(n.Params),
		}
		if inst.Params == nil {
			inst.Params = block.Params{}
		}
		if n.Container || len(n.Children) > 0 {
			inst.Children = fromNodes(n.Children)
		}
		list = append(list, inst)
	}
	return list
}

// MarshalProgram serializes a forest to CBOR bytes.
func MarshalProgram(f block.Forest) ([]byte, error) {
	return cborEncMode.Marshal(&Program{Version: Version, Nodes: toNodes(f)})
}

// UnmarshalProgram deserializes a forest from CBOR bytes.
func UnmarshalProgram(data []byte) (block.Forest, error) {
	var p Program
	if err := cborDecMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("wire: unmarshal program: %w", err)
	}
	if p.Version != Version {
		return nil, fmt.Errorf("wire: unsupported program version %d", p.Version)
	}
	return block.Forest(fromNodes(p.Nodes)), nil
}

// Digest returns the hex SHA-256 of a forest's canonical encoding.
func Digest(f block.Forest) (string, error) {
	data, err := MarshalProgram(f)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalCatalog serializes a catalog to CBOR bytes.
func MarshalCatalog(c *block.Catalog) ([]byte, error) {
	if c == nil {
		c = block.NewCatalog()
	}
	return cborEncMode.Marshal(&CatalogPayload{
		Version:       Version,
		Categories:    c.Categories,
		Blocks:        c.Blocks,
		OptionSources: c.OptionSources,
	})
}

// UnmarshalCatalog deserializes a catalog from CBOR bytes.
func UnmarshalCatalog(data []byte) (*block.Catalog, error) {
	var p CatalogPayload
	if err := cborDecMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("wire: unmarshal catalog: %w", err)
	}
	if p.Version != Version {
		return nil, fmt.Errorf("wire: unsupported catalog version %d", p.Version)
	}
	c := block.NewCatalog()
	for k, v := range p.Categories {
		c.Categories[k] = v
	}
	for k, v := range p.Blocks {
		c.Blocks[k] = v
	}
	for k, v := range p.OptionSources {
		c.OptionSources[k] = v
	}
	return c, nil
}
