package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wachiwi/picam-stream/pkg/broadcast"
)

var (
	// ErrClientGone is returned by Run when writing to the client failed.
	ErrClientGone = errors.New("mjpeg: client disconnected")
	// ErrIdleTimeout is returned by Run when no frame arrived within the
	// configured idle timeout.
	ErrIdleTimeout = errors.New("mjpeg: no frame within idle timeout")
)

// Source is what a Session reads frames from. *broadcast.Broadcaster
// satisfies it.
type Source interface {
	Next(ctx context.Context, lastSeen uint64) (broadcast.Frame, error)
	Version() uint64
}

// StartPolicy decides which frame a new session delivers first.
type StartPolicy int

const (
	// StartNext waits for the first frame published after the session starts.
	StartNext StartPolicy = iota
	// StartCurrent delivers the frame held at connect time right away, if any.
	StartCurrent
)

// ParseStartPolicy maps "next" and "current" to a StartPolicy.
func ParseStartPolicy(s string) (StartPolicy, error) {
	switch s {
	case "", "next":
		return StartNext, nil
	case "current":
		return StartCurrent, nil
	}
	return StartNext, fmt.Errorf("unknown start policy %q", s)
}

func (p StartPolicy) String() string {
	if p == StartCurrent {
		return "current"
	}
	return "next"
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithStartPolicy sets the connect-time policy. Default is StartNext.
func WithStartPolicy(p StartPolicy) SessionOption {
	return func(s *Session) { s.policy = p }
}

// WithIdleTimeout ends the session with ErrIdleTimeout if no frame arrives
// for d. Zero disables it, which is the default.
func WithIdleTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.idleTimeout = d }
}

// WithOnFrame registers a hook called after each frame is written, with the
// number of versions skipped since the previous one.
func WithOnFrame(fn func(f broadcast.Frame, skipped uint64)) SessionOption {
	return func(s *Session) { s.onFrame = fn }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// Session streams frames from a Source to a single client.
type Session struct {
	ID string

	src         Source
	policy      StartPolicy
	idleTimeout time.Duration
	onFrame     func(broadcast.Frame, uint64)
	log         *slog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
	written   atomic.Uint64
}

// SessionStats are the counters of one session.
type SessionStats struct {
	Delivered    uint64
	Dropped      uint64
	BytesWritten uint64
}

// NewSession creates a session reading from src.
func NewSession(src Source, opts ...SessionOption) *Session {
	s := &Session{
		ID:  uuid.NewString(),
		src: src,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("session", s.ID)
	return s
}

// Stats returns the session counters. Safe to call while Run is active.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Delivered:    s.delivered.Load(),
		Dropped:      s.dropped.Load(),
		BytesWritten: s.written.Load(),
	}
}

// Run writes frames to w until the client goes away, ctx is cancelled or the
// source is closed. Cancellation and an orderly source shutdown return nil.
// A failed write returns an error wrapping ErrClientGone. If the source was
// closed because the producer failed, that cause is returned.
//
// If w implements http.Flusher or interface{ Flush() error } it is flushed
// after every frame.
func (s *Session) Run(ctx context.Context, w io.Writer) error {
	var lastSeen uint64
	if s.policy == StartNext {
		lastSeen = s.src.Version()
	}

	s.log.Debug("Session started", "policy", s.policy, "version", lastSeen)

	for {
		frame, err := s.next(ctx, lastSeen)
		if err != nil {
			return s.finish(ctx, err)
		}

		n, err := WriteFrame(w, frame.Data)
		s.written.Add(uint64(n))
		if err == nil {
			err = flush(w)
		}
		if err != nil {
			s.log.Debug("Write to client failed", "error", err)
			return fmt.Errorf("%w: %w", ErrClientGone, err)
		}

		var skipped uint64
		if lastSeen > 0 {
			skipped = frame.Version - lastSeen - 1
		}
		s.delivered.Add(1)
		s.dropped.Add(skipped)
		if s.onFrame != nil {
			s.onFrame(frame, skipped)
		}
		lastSeen = frame.Version
	}
}

func (s *Session) next(ctx context.Context, lastSeen uint64) (broadcast.Frame, error) {
	if s.idleTimeout <= 0 {
		return s.src.Next(ctx, lastSeen)
	}
	waitCtx, cancel := context.WithTimeoutCause(ctx, s.idleTimeout, ErrIdleTimeout)
	defer cancel()
	f, err := s.src.Next(waitCtx, lastSeen)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(waitCtx), ErrIdleTimeout) {
		return f, ErrIdleTimeout
	}
	return f, err
}

// finish maps the error that ended the wait to Run's return value.
func (s *Session) finish(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		s.log.Debug("Session cancelled", "cause", context.Cause(ctx))
		return nil
	}
	// A bare ErrClosed means an orderly shutdown; a producer failure comes
	// back wrapped together with its cause.
	if err == broadcast.ErrClosed {
		s.log.Debug("Source closed")
		return nil
	}
	return err
}

func flush(w io.Writer) error {
	switch f := w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		return f.Flush()
	}
	return nil
}
