package block

// The mutators are total: they never fail and never modify their input.
// Each returns a new forest that shares every instance not on the path from
// the root to the edited list, so callers can compare with SameForest.

// rewrite finds the list holding id and replaces it with edit(list, index),
// copying the containers on the way back up.
func rewrite(list []*Instance, id string, edit func([]*Instance, int) []*Instance) ([]*Instance, bool) {
	for i, inst := range list {
		if inst.ID == id {
			return edit(list, i), true
		}
	}
	for i, inst := range list {
		if len(inst.Children) == 0 {
			continue
		}
		children, ok := rewrite(inst.Children, id, edit)
		if !ok {
			continue
		}
		out := make([]*Instance, len(list))
		copy(out, list)
		out[i] = inst.withChildren(children)
		return out, true
	}
	return list, false
}

// Insert places inst at the position sel addresses. A root selection, or an
// anchor that no longer exists, appends inst to the root list. An inside
// selection on a block that is not a container inserts after it.
func Insert(f Forest, sel Selection, inst *Instance) Forest {
	if !sel.IsRoot() {
		out, ok := rewrite(f, sel.AnchorID, func(list []*Instance, i int) []*Instance {
			anchor := list[i]
			if sel.Position == Inside && anchor.IsContainer() {
				children := make([]*Instance, 0, len(anchor.Children)+1)
				children = append(children, anchor.Children...)
				children = append(children, inst)
				out := make([]*Instance, len(list))
				copy(out, list)
				out[i] = anchor.withChildren(children)
				return out
			}
			out := make([]*Instance, 0, len(list)+1)
			out = append(out, list[:i+1]...)
			out = append(out, inst)
			return append(out, list[i+1:]...)
		})
		if ok {
			return out
		}
	}
	out := make(Forest, 0, len(f)+1)
	out = append(out, f...)
	return append(out, inst)
}

// Delete removes the instance id together with its subtree. The selection is
// cleared when its anchor was the deleted instance or any of its
// descendants; otherwise it is returned unchanged.
func Delete(f Forest, sel Selection, id string) (Forest, Selection) {
	var removed *Instance
	out, ok := rewrite(f, id, func(list []*Instance, i int) []*Instance {
		removed = list[i]
		next := make([]*Instance, 0, len(list)-1)
		next = append(next, list[:i]...)
		return append(next, list[i+1:]...)
	})
	if !ok {
		return f, sel
	}
	if !sel.IsRoot() && Contains(removed, sel.AnchorID) {
		sel = RootSelection()
	}
	return out, sel
}

// Move swaps id with its previous (dir < 0) or next (dir > 0) sibling.
// Moving past either end of the list, or a zero dir, leaves the forest as
// it was.
func Move(f Forest, id string, dir int) Forest {
	switch {
	case dir < 0:
		dir = -1
	case dir > 0:
		dir = 1
	default:
		return f
	}
	moved := false
	out, ok := rewrite(f, id, func(list []*Instance, i int) []*Instance {
		j := i + dir
		if j < 0 || j >= len(list) {
			return list
		}
		next := make([]*Instance, len(list))
		copy(next, list)
		next[i], next[j] = next[j], next[i]
		moved = true
		return next
	})
	if !ok || !moved {
		return f
	}
	return out
}

// UpdateParams replaces the parameter map of id. Children are kept.
func UpdateParams(f Forest, id string, params Params) Forest {
	out, ok := rewrite(f, id, func(list []*Instance, i int) []*Instance {
		next := make([]*Instance, len(list))
		copy(next, list)
		cp := params.Clone()
		if cp == nil {
			cp = Params{}
		}
		next[i] = list[i].withParams(cp)
		return next
	})
	if !ok {
		return f
	}
	return out
}
