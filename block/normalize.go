package block

import "fmt"

// InvariantError reports a forest that breaks the structural rules.
type InvariantError struct {
	ID     string
	Reason string
}

func (e *InvariantError) Error() string {
	if e.ID == "" {
		return "block: " + e.Reason
	}
	return fmt.Sprintf("block: %s: %s", e.ID, e.Reason)
}

// Normalize checks a forest that came from outside the mutators (a parser,
// an import) and brings it in line with the model. Missing ids are
// generated, container children are made non-nil and declared parameters
// that are absent get their defaults. Duplicate ids, and children on a block
// the vocabulary knows is not a container, are errors. Blocks unknown to the
// vocabulary are kept as they are.
func Normalize(f Forest, vocab Vocabulary) (Forest, error) {
	seen := make(map[string]bool)
	out, err := normalizeList(f, vocab, seen)
	if err != nil {
		return nil, err
	}
	return Forest(out), nil
}

func normalizeList(list []*Instance, vocab Vocabulary, seen map[string]bool) ([]*Instance, error) {
	out := make([]*Instance, 0, len(list))
	for _, in := range list {
		if in == nil {
			return nil, &InvariantError{Reason: "nil instance"}
		}
		if in.BlockID == "" {
			return nil, &InvariantError{ID: in.ID, Reason: "missing block_id"}
		}
		inst := &Instance{
			ID:       in.ID,
			BlockID:  in.BlockID,
			Params:   in.Params.Clone(),
			Children: in.Children,
		}
		if inst.ID == "" {
			inst.ID = NewID(inst.BlockID)
		}
		if seen[inst.ID] {
			return nil, &InvariantError{ID: inst.ID, Reason: "duplicate id"}
		}
		seen[inst.ID] = true
		if inst.Params == nil {
			inst.Params = Params{}
		}

		var def Definition
		known := false
		if vocab != nil {
			def, known = vocab.Definition(inst.BlockID)
		}
		if known {
			for _, p := range def.Params {
				if _, ok := inst.Params[p.Name]; !ok {
					inst.Params[p.Name] = p.Default
				}
			}
			if !def.Container && len(inst.Children) > 0 {
				return nil, &InvariantError{ID: inst.ID, Reason: fmt.Sprintf("%s is not a container", inst.BlockID)}
			}
			if !def.Container {
				inst.Children = nil
			} else if inst.Children == nil {
				inst.Children = []*Instance{}
			}
		}
		if inst.Children != nil {
			children, err := normalizeList(inst.Children, vocab, seen)
			if err != nil {
				return nil, err
			}
			inst.Children = children
		}
		out = append(out, inst)
	}
	return out, nil
}
