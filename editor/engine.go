package editor

import (
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/gateway"
	"github.com/chazu/keysmith/wire"
)

var log = commonlog.GetLogger("keysmith.editor")

var (
	// ErrUnknownBlock is returned when adding a block the catalog does not
	// define.
	ErrUnknownBlock = errors.New("editor: unknown block")

	// ErrStaleResync is returned when the text or forest changed while a
	// sync to blocks was parsing. The parse result is discarded.
	ErrStaleResync = errors.New("editor: session changed during sync")
)

// Engine is one editing session.
type Engine struct {
	gw    gateway.Gateway
	vocab block.Vocabulary
	opts  Options
	w     *worker

	// ctx bounds every generate call and is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an engine with an empty forest and starts its worker.
func New(gw gateway.Gateway, vocab block.Vocabulary, opts Options) *Engine {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		gw:     gw,
		vocab:  vocab,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	e.w = newWorker(&session{
		forest:    block.Forest{},
		selection: block.RootSelection(),
		text:      opts.Placeholder,
		subs:      make(map[int]chan View),
	})
	return e
}

// Stop shuts the worker down and closes every subscription. Calls made
// afterwards return ErrStopped.
func (e *Engine) Stop() {
	_ = e.w.do(func(s *session) {
		s.stopped = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		for _, ch := range s.settled {
			close(ch)
		}
		s.settled = nil
	})
	e.cancel()
	e.w.stop()
}

// Snapshot returns the current view.
func (e *Engine) Snapshot() (View, error) {
	var v View
	err := e.w.do(func(s *session) { v = s.view() })
	return v, err
}

// --- structural edits ---

// AddBlock creates an instance of blockID with default params and inserts
// it at the selection.
func (e *Engine) AddBlock(blockID string) (*block.Instance, error) {
	def, ok := e.vocab.Definition(blockID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, blockID)
	}
	inst := block.NewInstance(blockID, def)
	if err := e.insert(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// insert places inst at the selection. inst must be freshly created; the
// forest takes ownership of it.
func (e *Engine) insert(inst *block.Instance) error {
	return e.w.do(func(s *session) {
		e.applyTree(s, block.Insert(s.forest, s.selection, inst))
	})
}

// Delete removes a block and its descendants. The selection is cleared if
// it pointed into the removed subtree.
func (e *Engine) Delete(id string) error {
	return e.w.do(func(s *session) {
		next, sel := block.Delete(s.forest, s.selection, id)
		s.selection = sel
		e.applyTree(s, next)
	})
}

// Move swaps a block with its neighbour in direction dir.
func (e *Engine) Move(id string, dir int) error {
	return e.w.do(func(s *session) {
		e.applyTree(s, block.Move(s.forest, id, dir))
	})
}

// UpdateParams replaces a block's parameters.
func (e *Engine) UpdateParams(id string, params block.Params) error {
	return e.w.do(func(s *session) {
		e.applyTree(s, block.UpdateParams(s.forest, id, params))
	})
}

// Replace swaps in a whole forest, as when importing a program. The forest
// is normalized against the vocabulary and the text regenerated.
func (e *Engine) Replace(f block.Forest) error {
	normalized, err := block.Normalize(f, e.vocab)
	if err != nil {
		return err
	}
	return e.w.do(func(s *session) {
		e.resync(s, Resync{Forest: normalized})
	})
}

// Select moves the cursor. The tree is not touched.
func (e *Engine) Select(sel block.Selection) error {
	if sel.Position == "" {
		sel.Position = block.After
	}
	if _, err := block.ParsePosition(string(sel.Position)); err != nil {
		return err
	}
	return e.w.do(func(s *session) {
		if s.selection == sel {
			return
		}
		s.selection = sel
		e.publish(s)
	})
}

// ClearSelection resets the cursor to the end of the root list.
func (e *Engine) ClearSelection() error {
	return e.Select(block.RootSelection())
}

// --- text side ---

// EditText replaces the text with what the user typed and suspends
// regeneration until the next structural edit or sync.
func (e *Engine) EditText(text string) error {
	return e.w.do(func(s *session) {
		if s.state == Clean && s.text == text {
			return
		}
		s.text = text
		s.state = ManualEditing
		s.revision++
		s.issued++
		s.err = nil
		e.publish(s)
	})
}

// SyncToBlocks parses the current text and, on success, replaces the
// forest with the result without regenerating the text. On failure the
// forest, text and state are left as they were and the *gateway.ParseError
// is returned and recorded in the view.
func (e *Engine) SyncToBlocks(ctx context.Context) (View, error) {
	var (
		text string
		rev  uint64
	)
	if err := e.w.do(func(s *session) {
		text = s.text
		rev = s.revision
	}); err != nil {
		return View{}, err
	}

	parsed, parseErr := e.gw.Parse(ctx, text)

	var (
		v   View
		out error
	)
	err := e.w.do(func(s *session) {
		defer func() { v = s.view() }()
		if s.revision != rev {
			log.Debugf("discarding sync of revision %d, session is at %d", rev, s.revision)
			out = ErrStaleResync
			return
		}
		if parseErr != nil {
			out = e.fail(s, parseErr)
			return
		}
		normalized, err := block.Normalize(parsed, e.vocab)
		if err != nil {
			out = e.fail(s, &gateway.ParseError{Message: "parsed program is malformed", Err: err})
			return
		}
		e.resync(s, Resync{Forest: normalized, SuppressNextGeneration: true})
	})
	if err != nil {
		return View{}, err
	}
	return v, out
}

func (e *Engine) fail(s *session, err error) error {
	var pe *gateway.ParseError
	if !errors.As(err, &pe) {
		err = &gateway.ParseError{Err: err}
	}
	log.Infof("sync to blocks failed: %v", err)
	s.err = err
	e.publish(s)
	return err
}

// --- waiting and watching ---

// Settle blocks until no generation request is in flight.
func (e *Engine) Settle(ctx context.Context) error {
	var ch chan struct{}
	var stopped bool
	if err := e.w.do(func(s *session) {
		if s.stopped {
			stopped = true
			return
		}
		if s.pending == 0 {
			return
		}
		ch = make(chan struct{})
		s.settled = append(s.settled, ch)
	}); err != nil {
		return err
	}
	if stopped {
		return ErrStopped
	}
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-e.w.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel that receives the view after every change,
// starting with the current one. Slow readers only see the latest view.
// The cancel func unsubscribes and closes the channel.
func (e *Engine) Subscribe() (<-chan View, func(), error) {
	ch := make(chan View, 1)
	var (
		id      int
		stopped bool
	)
	if err := e.w.do(func(s *session) {
		if s.stopped {
			stopped = true
			return
		}
		id = s.nextSub
		s.nextSub++
		s.subs[id] = ch
		ch <- s.view()
	}); err != nil {
		return nil, nil, err
	}
	if stopped {
		return nil, nil, ErrStopped
	}
	cancel := func() {
		_ = e.w.do(func(s *session) {
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// --- session goroutine internals ---

// applyTree installs the result of a structural edit. Structural edits
// always make the forest authoritative again.
func (e *Engine) applyTree(s *session, next block.Forest) {
	wasClean := s.state == Clean
	s.state = Clean
	if wasClean && block.SameForest(s.forest, next) {
		return
	}
	s.forest = next
	s.revision++
	e.regenerate(s)
	e.publish(s)
}

func (e *Engine) resync(s *session, r Resync) {
	s.forest = r.Forest
	s.state = Clean
	s.revision++
	s.err = nil
	if !s.selection.IsRoot() {
		if _, ok := block.Find(s.forest, s.selection.AnchorID); !ok {
			s.selection = block.RootSelection()
		}
	}
	if r.SuppressNextGeneration {
		// Keep the user's text; anything still generating is now stale.
		s.issued++
	} else {
		e.regenerate(s)
	}
	e.publish(s)
}

// regenerate issues a new generation request for the current forest.
func (e *Engine) regenerate(s *session) {
	s.issued++
	seq := s.issued
	if len(s.forest) == 0 {
		s.text = e.opts.Placeholder
		s.err = nil
		return
	}
	s.pending++
	go e.generate(seq, s.forest)
}

func (e *Engine) generate(seq uint64, f block.Forest) {
	if log.AllowLevel(commonlog.Debug) {
		if digest, err := wire.Digest(f); err == nil {
			log.Debugf("generate %d: program %s", seq, digest)
		}
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.opts.GenerateTimeout)
	defer cancel()
	text, err := e.gw.Generate(ctx, f, e.opts.Entrypoint, e.opts.ArgName)

	e.w.post(func(s *session) {
		s.pending--
		defer e.settle(s)
		if seq != s.issued {
			log.Debugf("dropping stale generation %d, latest is %d", seq, s.issued)
			return
		}
		if err != nil {
			var ge *gateway.GenerateError
			if !errors.As(err, &ge) {
				err = &gateway.GenerateError{Err: err}
			}
			log.Warningf("generation failed: %v", err)
			s.text = GenerationErrorPrefix + errorMessage(err)
			s.err = err
		} else {
			s.text = text
			s.err = nil
		}
		e.publish(s)
	})
}

// errorMessage strips the GenerateError wrapper so the marker carries the
// underlying message.
func errorMessage(err error) string {
	var ge *gateway.GenerateError
	if errors.As(err, &ge) && ge.Err != nil {
		return ge.Err.Error()
	}
	return err.Error()
}

func (e *Engine) settle(s *session) {
	if s.pending > 0 {
		return
	}
	for _, ch := range s.settled {
		close(ch)
	}
	s.settled = nil
}

func (e *Engine) publish(s *session) {
	if len(s.subs) == 0 {
		return
	}
	v := s.view()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}
