// Package catalog supplies the block vocabulary. A Source lists, saves and
// deletes definitions; the Manager in front of it keeps serving the last
// catalog it loaded successfully when the source fails.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/keysmith/block"
)

// Source is where block definitions live.
type Source interface {
	List(ctx context.Context) (*block.Catalog, error)
	Save(ctx context.Context, blockID string, def block.Definition) error
	Delete(ctx context.Context, blockID string) error
}

var (
	// ErrNotFound is returned when deleting a block the source does not
	// hold.
	ErrNotFound = errors.New("block not found")

	// ErrBuiltin is returned when saving over or deleting a builtin block.
	ErrBuiltin = errors.New("builtin blocks are read-only")

	// ErrInvalid is returned for definitions that fail schema validation.
	ErrInvalid = errors.New("invalid definition")
)

// Error is a failed catalog operation.
type Error struct {
	Op      string // "list", "save" or "delete"
	BlockID string
	Err     error
}

func (e *Error) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("catalog %s %s: %v", e.Op, e.BlockID, e.Err)
	}
	return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, blockID string, err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Op: op, BlockID: blockID, Err: err}
}
