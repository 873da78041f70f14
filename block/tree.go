package block

// Forest is the ordered list of root-level instances. Order is generation
// order.
type Forest []*Instance

// location is where an instance lives: the list holding it, its index in
// that list and the container owning the list (nil for the root list).
type location struct {
	list   []*Instance
	index  int
	parent *Instance
}

// locate searches pre-order, checking every member of a list before
// descending into any member's children.
func locate(list []*Instance, parent *Instance, id string) (location, bool) {
	for i, inst := range list {
		if inst.ID == id {
			return location{list: list, index: i, parent: parent}, true
		}
	}
	for _, inst := range list {
		if len(inst.Children) == 0 {
			continue
		}
		if loc, ok := locate(inst.Children, inst, id); ok {
			return loc, true
		}
	}
	return location{}, false
}

// Find returns the instance with the given id.
func Find(f Forest, id string) (*Instance, bool) {
	loc, ok := locate(f, nil, id)
	if !ok {
		return nil, false
	}
	return loc.list[loc.index], true
}

// ParentOf returns the container holding id. A root-level instance has a nil
// parent; ok is false when id is not in the forest.
func ParentOf(f Forest, id string) (parent *Instance, ok bool) {
	loc, ok := locate(f, nil, id)
	if !ok {
		return nil, false
	}
	return loc.parent, true
}

// SiblingsOf returns the list that holds id and its index in it. The list is
// shared with the forest and must not be modified.
func SiblingsOf(f Forest, id string) ([]*Instance, int, bool) {
	loc, ok := locate(f, nil, id)
	if !ok {
		return nil, -1, false
	}
	return loc.list, loc.index, true
}

// Walk visits every instance in pre-order with its nesting depth. Returning
// false from fn skips the instance's children.
func Walk(f Forest, fn func(inst *Instance, depth int) bool) {
	walk(f, 0, fn)
}

func walk(list []*Instance, depth int, fn func(*Instance, int) bool) {
	for _, inst := range list {
		if fn(inst, depth) && len(inst.Children) > 0 {
			walk(inst.Children, depth+1, fn)
		}
	}
}

// Count returns the number of instances in the forest.
func Count(f Forest) int {
	n := 0
	Walk(f, func(*Instance, int) bool {
		n++
		return true
	})
	return n
}

// Contains reports whether id is inst itself or one of its descendants.
func Contains(inst *Instance, id string) bool {
	if inst == nil {
		return false
	}
	if inst.ID == id {
		return true
	}
	_, ok := locate(inst.Children, inst, id)
	return ok
}

// SameForest reports whether a and b hold the same root instances in the
// same order. Mutators share untouched nodes, so an unchanged forest compares
// equal without a deep walk.
func SameForest(a, b Forest) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
