// Package broadcast implements a single-slot, latest-wins frame buffer shared
// by one producer and any number of readers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned once the broadcaster has been shut down.
	ErrClosed = errors.New("broadcaster closed")
	// ErrEmptyFrame is returned by Publish for nil or zero-length frames.
	ErrEmptyFrame = errors.New("empty frame")
)

// Frame is one complete encoded JPEG image together with the version it was
// published under. Data must be treated as read-only.
type Frame struct {
	Data      []byte
	Version   uint64
	Timestamp time.Time
}

// Stats is a point-in-time snapshot of the broadcaster.
type Stats struct {
	Version   uint64
	Published uint64
	Rejected  uint64
	Waiting   int
}

// Broadcaster holds the most recently published frame and wakes every
// waiting reader when it is replaced. It keeps no history: a frame that is
// overwritten before a reader gets to it is never delivered.
type Broadcaster struct {
	mu   sync.Mutex
	cond *sync.Cond

	frame   Frame
	closed  bool
	cause   error
	waiting int

	rejected uint64
}

// New creates an empty broadcaster at version 0.
func New() *Broadcaster {
	b := &Broadcaster{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish replaces the current frame and wakes all waiters. It never blocks
// on readers. The slice is stored as-is and must not be modified afterwards.
func (b *Broadcaster) Publish(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) == 0 {
		b.rejected++
		return ErrEmptyFrame
	}
	if b.closed {
		return b.closedErr()
	}

	b.frame = Frame{
		Data:      data,
		Version:   b.frame.Version + 1,
		Timestamp: time.Now(),
	}
	b.cond.Broadcast()
	return nil
}

// Next blocks until a frame newer than lastSeen is available and returns the
// latest one. Intermediate versions are skipped. It returns ctx.Err() when ctx
// is done and ErrClosed after Close.
func (b *Broadcaster) Next(ctx context.Context, lastSeen uint64) (Frame, error) {
	// sync.Cond cannot select on a channel, so cancellation is turned into a
	// broadcast. Taking the lock first makes sure the wakeup is not lost
	// between the ctx check and cond.Wait.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.waiting++
	defer func() { b.waiting-- }()

	for b.frame.Version <= lastSeen && !b.closed {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		b.cond.Wait()
	}

	if b.closed {
		return Frame{}, b.closedErr()
	}
	return b.frame, nil
}

// Current returns the held frame without waiting. ok is false until the
// first publish.
func (b *Broadcaster) Current() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.frame.Version > 0
}

// Version returns the version of the held frame, 0 if nothing has been
// published yet.
func (b *Broadcaster) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame.Version
}

// Close shuts the broadcaster down and wakes every waiter. A nil cause means
// an orderly shutdown; a non-nil cause records why frames stopped (e.g. the
// encoder died) and is wrapped into the errors returned afterwards.
// Only the first call has an effect.
func (b *Broadcaster) Close(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	b.cause = cause
	b.cond.Broadcast()
}

// Err returns the cause passed to Close, or nil.
func (b *Broadcaster) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}

// Closed reports whether Close has been called.
func (b *Broadcaster) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Stats returns counters for logging and metrics.
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Version:   b.frame.Version,
		Published: b.frame.Version,
		Rejected:  b.rejected,
		Waiting:   b.waiting,
	}
}

// closedErr must be called with mu held.
func (b *Broadcaster) closedErr() error {
	if b.cause != nil {
		return fmt.Errorf("%w: %w", ErrClosed, b.cause)
	}
	return ErrClosed
}
