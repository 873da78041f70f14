// Package editor keeps a block forest and its source text in step.
//
// An Engine owns one editing session. Structural edits go through the block
// mutators and regenerate the text through a gateway; free-form typing makes
// the text authoritative until the user asks for it to be parsed back into
// blocks. Generation runs asynchronously and only the most recently issued
// request may update the text.
package editor

import (
	"fmt"
	"time"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/gateway"
)

// State says which side of the session is authoritative.
type State int

const (
	// Clean means the text is derived from the forest.
	Clean State = iota
	// ManualEditing means the user has typed; the forest may be stale.
	ManualEditing
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case ManualEditing:
		return "manual_editing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "clean":
		*s = Clean
	case "manual_editing":
		*s = ManualEditing
	default:
		return fmt.Errorf("editor: unknown state %q", text)
	}
	return nil
}

// DefaultPlaceholder is shown while the forest is empty.
const DefaultPlaceholder = "# Add blocks from the palette to start building..."

// GenerationErrorPrefix starts the text shown when generation fails.
const GenerationErrorPrefix = "# generation error: "

// Options tune an Engine. Zero fields take their defaults.
type Options struct {
	Placeholder     string
	Entrypoint      string
	ArgName         string
	GenerateTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Placeholder == "" {
		o.Placeholder = DefaultPlaceholder
	}
	if o.Entrypoint == "" {
		o.Entrypoint = gateway.DefaultEntrypoint
	}
	if o.ArgName == "" {
		o.ArgName = gateway.DefaultArgName
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = 10 * time.Second
	}
	return o
}

// View is a snapshot of a session.
type View struct {
	Forest    block.Forest    `json:"chain"`
	Selection block.Selection `json:"selection"`
	Text      string          `json:"text"`
	State     State           `json:"state"`
	Revision  uint64          `json:"revision"`
	Pending   int             `json:"pending"`
	Error     string          `json:"error,omitempty"`

	// Err is the last generation or parse failure, if it still applies.
	Err error `json:"-"`
}

// Resync replaces the whole forest. SuppressNextGeneration keeps the
// current text instead of regenerating it, which is what a successful
// text-to-blocks sync wants.
type Resync struct {
	Forest                 block.Forest
	SuppressNextGeneration bool
}

// session is the state owned by the worker goroutine.
type session struct {
	forest    block.Forest
	selection block.Selection
	text      string
	state     State

	// issued is the sequence number of the latest generation request;
	// revision counts tree and text changes.
	issued   uint64
	revision uint64
	pending  int
	err      error

	// stopped is set by Stop before the worker exits; waiters registered
	// after that would never be released.
	stopped bool
	settled []chan struct{}
	subs    map[int]chan View
	nextSub int
}

func (s *session) view() View {
	v := View{
		Forest:    s.forest,
		Selection: s.selection,
		Text:      s.text,
		State:     s.state,
		Revision:  s.revision,
		Pending:   s.pending,
		Err:       s.err,
	}
	if v.Forest == nil {
		v.Forest = block.Forest{}
	}
	if s.err != nil {
		v.Error = s.err.Error()
	}
	return v
}
