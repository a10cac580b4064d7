// Package cursor holds query streams open between calls: the stream resource
// with its one-row buffer, the table that hands out stream ids, and the advance
// task that pulls the next row.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/value"
)

// Sequence is a lazy, ordered stream of rows. Next returns io.EOF after the
// last row. Close must be idempotent.
type Sequence interface {
	Next(ctx context.Context) (*value.Map, error)
	Close() error
}

type State int

const (
	StateOpen State = iota
	StateBuffered
	StateExhausted
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateBuffered:
		return "buffered"
	case StateExhausted:
		return "exhausted"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Resource is an open query stream. At most one pull runs at a time; the
// buffer holds the latest pulled row until it is taken (last write wins).
type Resource struct {
	seq    Sequence
	ctx    context.Context
	cancel context.CancelFunc
	pull   chan struct{}

	mu        sync.Mutex
	state     State
	buf       *value.Map
	err       error
	seqClosed bool
}

func NewResource(seq Sequence) *Resource {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resource{
		seq:    seq,
		ctx:    ctx,
		cancel: cancel,
		pull:   make(chan struct{}, 1),
	}
	// A resource dropped without Close still gives back its sequence.
	runtime.AddCleanup(r, func(s Sequence) { _ = s.Close() }, seq)
	return r
}

// Done is closed once the resource is closed.
func (r *Resource) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Advance pulls the next row into the buffer. Exhaustion is success with an
// empty buffer. A sequence error is returned and sticks. Closing the resource
// interrupts a pending pull with ErrClosedResource.
func (r *Resource) Advance(ctx context.Context) error {
	select {
	case r.pull <- struct{}{}:
	case <-r.ctx.Done():
		return closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-r.pull }()

	r.mu.Lock()
	switch r.state {
	case StateClosed:
		r.closeSeqLocked()
		r.mu.Unlock()
		return closedErr()
	case StateExhausted:
		r.buf = nil
		r.mu.Unlock()
		return nil
	case StateErrored:
		err := r.err
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	pullCtx, stop := mergeCancel(ctx, r.ctx)
	row, err := r.seq.Next(pullCtx)
	stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		r.closeSeqLocked()
		return closedErr()
	}
	switch {
	case errors.Is(err, io.EOF):
		r.state = StateExhausted
		r.buf = nil
		r.closeSeqLocked()
		return nil
	case err != nil:
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// The caller gave up; the stream itself is still usable.
			return err
		}
		r.state = StateErrored
		r.err = err
		r.closeSeqLocked()
		return err
	}
	r.buf = row
	r.state = StateBuffered
	return nil
}

// Take returns and clears the buffered row without waiting.
func (r *Resource) Take() (*value.Map, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return nil, false
	}
	row := r.buf
	r.buf = nil
	if r.state == StateBuffered {
		r.state = StateOpen
	}
	return row, true
}

// Close cancels the resource. The sequence is closed here when no pull is in
// flight, otherwise by the pull when it returns.
func (r *Resource) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return
	}
	r.state = StateClosed
	r.buf = nil
	r.cancel()
	select {
	case r.pull <- struct{}{}:
		r.closeSeqLocked()
		<-r.pull
	default:
	}
}

func (r *Resource) closeSeqLocked() {
	if r.seqClosed {
		return
	}
	r.seqClosed = true
	_ = r.seq.Close()
}

func closedErr() error {
	return fmt.Errorf("%w: cursor was closed", dberror.ErrClosedResource)
}

// mergeCancel returns a context that ends when either parent ends.
func mergeCancel(ctx, token context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(token, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
