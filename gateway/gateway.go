// Package gateway connects the block forest to its textual projection:
// Generate turns a forest into source text and Parse turns text back into a
// forest. Both are implemented by an external collaborator; this package
// holds the interface, its errors, a Connect client for a remote gateway and
// an in-process template generator.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/chazu/keysmith/block"
)

// Defaults for the generated function's signature.
const (
	DefaultEntrypoint = "transform_key"
	DefaultArgName    = "data"
)

// Gateway generates text from a forest and parses text into a forest.
// Generate must be deterministic for a given forest.
type Gateway interface {
	Generate(ctx context.Context, f block.Forest, entrypoint, argName string) (string, error)
	Parse(ctx context.Context, text string) (block.Forest, error)
}

// ErrParserUnavailable is returned by gateways that cannot parse.
var ErrParserUnavailable = errors.New("parser not available")

// GenerateError is a failed generate call.
type GenerateError struct {
	Err error
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("generate: %v", e.Err)
}

func (e *GenerateError) Unwrap() error { return e.Err }

// ParseError is a failed parse: either the parser rejected the text or the
// call itself failed.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("parse: %s: %v", e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("parse: %v", e.Err)
	}
	return "parse: " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }
