package editor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStopped is returned by calls made after the engine was stopped.
var ErrStopped = errors.New("editor: engine stopped")

// request is a unit of work to run on the session goroutine. Requests
// without a done channel are fire-and-forget (generation results).
type request struct {
	fn   func(*session)
	done chan error
}

// worker serializes all access to one session through a single goroutine.
// Engine methods and generation callbacks both go through it, so session
// state never needs a lock.
type worker struct {
	s        *session
	requests chan request
	quit     chan struct{}
	stopOnce sync.Once
}

func newWorker(s *session) *worker {
	w := &worker{
		s:        s,
		requests: make(chan request),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially until stop is called.
func (w *worker) loop() {
	for {
		select {
		case req := <-w.requests:
			err := w.execute(req.fn)
			if req.done != nil {
				req.done <- err
			}
		case <-w.quit:
			return
		}
	}
}

// execute runs fn against the session, recovering from panics.
func (w *worker) execute(fn func(*session)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("editor: panic: %v", r)
		}
	}()
	fn(w.s)
	return nil
}

// do runs fn on the session goroutine and blocks until it completes.
// fn must not call back into the worker.
func (w *worker) do(fn func(*session)) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return ErrStopped
	}
	return <-req.done
}

// post queues fn without waiting for it. It is dropped once the worker
// has stopped.
func (w *worker) post(fn func(*session)) {
	select {
	case w.requests <- request{fn: fn}:
	case <-w.quit:
	}
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}
