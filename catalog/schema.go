package catalog

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/chazu/keysmith/block"
)

const definitionSchema = `
#Param: {
	name:     string & =~"^[A-Za-z_][A-Za-z0-9_]*$"
	type:     "text" | "number" | "hex" | "select"
	label:    string
	default?: string
	options?: string
	if type == "select" {
		options: string & !=""
	}
}

#Definition: {
	name:          string & !=""
	category:      string
	is_container?: bool
	params:        null | [...#Param]
	code:          string & !=""
	input?:        string
	output?:       string
	imports?:      null | [...string]
	is_custom?:    bool
}
`

// Schema validates block definitions before they are saved.
type Schema struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

// NewSchema compiles the definition schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(definitionSchema)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("catalog: compile schema: %w", err)
	}
	def := v.LookupPath(cue.ParsePath("#Definition"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("catalog: schema: %w", err)
	}
	return &Schema{ctx: ctx, def: def}, nil
}

// Validate checks def. Params without a type are read as text.
func (s *Schema) Validate(def block.Definition) error {
	def.Params = append([]block.Param(nil), def.Params...)
	seen := make(map[string]bool, len(def.Params))
	for i, p := range def.Params {
		if p.Type == "" {
			def.Params[i].Type = block.ParamText
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate param %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.def.Unify(s.ctx.Encode(def))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalid, cueerrors.Details(err, nil))
	}
	return nil
}
