package block

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Params maps parameter names to their values.
//
// Values are kept as strings, which is what the code templates substitute.
// JSON decoding accepts numbers and booleans because foreign parsers emit
// them for numeric parameters.
type Params map[string]string

// UnmarshalJSON decodes an object of scalar values.
func (p *Params) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*p = nil
		return nil
	}
	out := make(Params, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			return fmt.Errorf("param %q: unsupported value of type %T", k, v)
		}
	}
	*p = out
	return nil
}

// Clone returns a copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Instance is one placed block. Instances reachable from a Forest are
// immutable; the mutators build new instances along the edited path.
type Instance struct {
	ID      string
	BlockID string
	Params  Params

	// Children is non-nil (possibly empty) iff the block is a container.
	Children []*Instance
}

// IsContainer reports whether the instance can hold children.
func (i *Instance) IsContainer() bool {
	return i.Children != nil
}

type instanceJSON struct {
	ID       string       `json:"id"`
	BlockID  string       `json:"block_id"`
	Params   Params       `json:"params"`
	Children *[]*Instance `json:"children,omitempty"`
}

// MarshalJSON keeps the container distinction: children is emitted, even
// when empty, exactly when the instance is a container.
func (i *Instance) MarshalJSON() ([]byte, error) {
	out := instanceJSON{ID: i.ID, BlockID: i.BlockID, Params: i.Params}
	if out.Params == nil {
		out.Params = Params{}
	}
	if i.Children != nil {
		children := i.Children
		out.Children = &children
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (i *Instance) UnmarshalJSON(data []byte) error {
	var in instanceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	i.ID = in.ID
	i.BlockID = in.BlockID
	i.Params = in.Params
	i.Children = nil
	if in.Children != nil {
		i.Children = *in.Children
		if i.Children == nil {
			i.Children = []*Instance{}
		}
	}
	return nil
}

// withChildren returns a shallow copy of i holding children.
func (i *Instance) withChildren(children []*Instance) *Instance {
	cp := *i
	cp.Children = children
	return &cp
}

// withParams returns a shallow copy of i holding params.
func (i *Instance) withParams(params Params) *Instance {
	cp := *i
	cp.Params = params
	return &cp
}

var idSeq atomic.Uint64

// NewID returns a session-unique instance id: the block id, the creation
// time in milliseconds and a suffix made of a process-wide counter plus
// random hex.
func NewID(prefix string) string {
	seq := strconv.FormatUint(idSeq.Add(1), 36)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%d_%s%s", prefix, time.Now().UnixMilli(), seq, random)
}

// NewInstance creates a fresh instance of the block blockID described by
// def, with every declared parameter set to its default.
func NewInstance(blockID string, def Definition) *Instance {
	inst := &Instance{
		ID:      NewID(blockID),
		BlockID: blockID,
		Params:  make(Params, len(def.Params)),
	}
	for _, p := range def.Params {
		inst.Params[p.Name] = p.Default
	}
	if def.Container {
		inst.Children = []*Instance{}
	}
	return inst
}
