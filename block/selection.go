package block

import "fmt"

// Position says where an insertion goes relative to the anchor.
type Position string

const (
	After  Position = "after"
	Inside Position = "inside"
)

// ParsePosition accepts "after" and "inside"; the empty string means after.
func ParsePosition(s string) (Position, error) {
	switch Position(s) {
	case "", After:
		return After, nil
	case Inside:
		return Inside, nil
	}
	return "", fmt.Errorf("block: unknown position %q", s)
}

// Selection is the insertion cursor. An empty AnchorID means "append to the
// root list" whatever the position.
type Selection struct {
	AnchorID string   `json:"anchor_id,omitempty"`
	Position Position `json:"position"`
}

// RootSelection is the cleared cursor.
func RootSelection() Selection {
	return Selection{Position: After}
}

// SelectHeader is the cursor set by clicking a block's header.
func SelectHeader(id string) Selection {
	return Selection{AnchorID: id, Position: After}
}

// SelectBody is the cursor set by clicking inside a container's body.
func SelectBody(id string) Selection {
	return Selection{AnchorID: id, Position: Inside}
}

// IsRoot reports whether the cursor addresses the end of the root list.
func (s Selection) IsRoot() bool {
	return s.AnchorID == ""
}

func (s Selection) String() string {
	if s.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%s %s", s.Position, s.AnchorID)
}
