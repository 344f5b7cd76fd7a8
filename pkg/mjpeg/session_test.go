package mjpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wachiwi/picam-stream/pkg/broadcast"
)

// partWriter decodes the parts written to it and hands each image to a
// channel, so tests can follow a session frame by frame.
type partWriter struct {
	mu     sync.Mutex
	frames chan []byte
	fail   error
}

func newPartWriter() *partWriter {
	return &partWriter{frames: make(chan []byte, 64)}
}

func (w *partWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return 0, w.fail
	}
	frame, err := parsePart(p)
	if err != nil {
		return 0, err
	}
	w.frames <- frame
	return len(p), nil
}

func (w *partWriter) breakWith(err error) {
	w.mu.Lock()
	w.fail = err
	w.mu.Unlock()
}

func parsePart(p []byte) ([]byte, error) {
	r := bufio.NewReader(bytes.NewReader(p))
	if line, _ := r.ReadString('\n'); line != "--frame\r\n" {
		return nil, fmt.Errorf("bad boundary line %q", line)
	}
	if line, _ := r.ReadString('\n'); line != "Content-Type:image/jpeg\r\n" {
		return nil, fmt.Errorf("bad content type line %q", line)
	}
	line, _ := r.ReadString('\n')
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, "Content-Length: "), "\r\n"))
	if err != nil {
		return nil, fmt.Errorf("bad content length line %q", line)
	}
	if line, _ := r.ReadString('\n'); line != "\r\n" {
		return nil, fmt.Errorf("missing blank line, got %q", line)
	}
	body := make([]byte, n+2)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if string(body[n:]) != "\r\n" {
		return nil, errors.New("missing trailing CRLF")
	}
	return body[:n], nil
}

func expectFrame(t *testing.T, w *partWriter, want string) {
	t.Helper()
	select {
	case got := <-w.frames:
		if string(got) != want {
			t.Fatalf("Expected frame %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for frame %q", want)
	}
}

func expectNoFrame(t *testing.T, w *partWriter) {
	t.Helper()
	select {
	case got := <-w.frames:
		t.Fatalf("Expected no frame, got %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// startSession runs a session in the background and waits until it is
// parked in Next.
func startSession(t *testing.T, ctx context.Context, b *broadcast.Broadcaster, w io.Writer, opts ...SessionOption) (*Session, <-chan error) {
	t.Helper()
	waiting := b.Stats().Waiting
	s := NewSession(b, opts...)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, w) }()

	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Waiting <= waiting {
		if time.Now().After(deadline) {
			t.Fatal("Session never started waiting")
		}
		time.Sleep(time.Millisecond)
	}
	return s, errCh
}

func waitWaiting(t *testing.T, b *broadcast.Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Stats().Waiting != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d waiting sessions, have %d", n, b.Stats().Waiting)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Session did not terminate")
		return nil
	}
}

func TestSessionEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := broadcast.New()
	if err := b.Publish([]byte("frameA")); err != nil {
		t.Fatal(err)
	}

	// Default policy: the held frameA is not delivered, the next one is.
	w1 := newPartWriter()
	_, err1 := startSession(t, ctx, b, w1)
	expectNoFrame(t, w1)

	b.Publish([]byte("frameB"))
	expectFrame(t, w1, "frameB")

	w2 := newPartWriter()
	_, err2 := startSession(t, ctx, b, w2)
	// Session 1 is parked again once it has written frameB.
	waitWaiting(t, b, 2)

	b.Publish([]byte("frameC"))
	expectFrame(t, w1, "frameC")
	expectFrame(t, w2, "frameC")

	cancel()
	if err := waitErr(t, err1); err != nil {
		t.Errorf("Session 1: expected nil on cancel, got %v", err)
	}
	if err := waitErr(t, err2); err != nil {
		t.Errorf("Session 2: expected nil on cancel, got %v", err)
	}
}

func TestSessionStartCurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := broadcast.New()
	b.Publish([]byte("held"))

	w := newPartWriter()
	s := NewSession(b, WithStartPolicy(StartCurrent))
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, w) }()

	expectFrame(t, w, "held")
	cancel()
	waitErr(t, errCh)
}

func TestSessionIsolationOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := broadcast.New()
	healthy := newPartWriter()
	broken := newPartWriter()

	_, healthyErr := startSession(t, ctx, b, healthy)
	_, brokenErr := startSession(t, ctx, b, broken)

	broken.breakWith(io.ErrClosedPipe)
	b.Publish([]byte("one"))

	err := waitErr(t, brokenErr)
	if !errors.Is(err, ErrClientGone) || !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Expected ErrClientGone wrapping the write error, got %v", err)
	}

	expectFrame(t, healthy, "one")
	b.Publish([]byte("two"))
	expectFrame(t, healthy, "two")
	b.Publish([]byte("three"))
	expectFrame(t, healthy, "three")

	select {
	case err := <-healthyErr:
		t.Fatalf("Healthy session ended early: %v", err)
	default:
	}
}

func TestSessionShutdownWithoutPublish(t *testing.T) {
	b := broadcast.New()
	w := newPartWriter()
	_, errCh := startSession(t, context.Background(), b, w)

	b.Close(nil)

	if err := waitErr(t, errCh); err != nil {
		t.Errorf("Expected nil on orderly shutdown, got %v", err)
	}
}

func TestSessionProducerFailure(t *testing.T) {
	b := broadcast.New()
	w := newPartWriter()
	_, errCh := startSession(t, context.Background(), b, w)

	cause := errors.New("encoder exited")
	b.Close(cause)

	err := waitErr(t, errCh)
	if !errors.Is(err, cause) {
		t.Errorf("Expected producer failure to be returned, got %v", err)
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	b := broadcast.New()
	w := newPartWriter()
	s := NewSession(b, WithIdleTimeout(20*time.Millisecond))

	err := s.Run(context.Background(), w)
	if !errors.Is(err, ErrIdleTimeout) {
		t.Errorf("Expected ErrIdleTimeout, got %v", err)
	}
}

func TestSessionCountsDroppedFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := broadcast.New()
	w := newPartWriter()

	var mu sync.Mutex
	var skips []uint64
	s, errCh := startSession(t, ctx, b, w, WithOnFrame(func(_ broadcast.Frame, skipped uint64) {
		mu.Lock()
		skips = append(skips, skipped)
		mu.Unlock()
	}))

	b.Publish([]byte("first"))
	expectFrame(t, w, "first")

	waitWaiting(t, b, 1)

	// Hold the writer so "b" and "c" are published while "a" is in flight.
	w.mu.Lock()
	b.Publish([]byte("a"))
	waitWaiting(t, b, 0)
	b.Publish([]byte("b"))
	b.Publish([]byte("c"))
	w.mu.Unlock()

	expectFrame(t, w, "a")
	expectFrame(t, w, "c")

	cancel()
	waitErr(t, errCh)

	st := s.Stats()
	if st.Delivered != 3 {
		t.Errorf("Expected 3 delivered frames, got %d", st.Delivered)
	}
	if st.Dropped != 1 {
		t.Errorf("Expected 1 dropped frame, got %d", st.Dropped)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(skips) != 3 || skips[2] != 1 {
		t.Errorf("Unexpected skip counts %v", skips)
	}
}

func TestParseStartPolicy(t *testing.T) {
	for in, want := range map[string]StartPolicy{"": StartNext, "next": StartNext, "current": StartCurrent} {
		got, err := ParseStartPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseStartPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseStartPolicy("oldest"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
