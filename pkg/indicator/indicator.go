// Package indicator drives an output (usually an LED on a GPIO line) that is
// on while at least one client is watching the stream.
package indicator

import (
	"log/slog"
	"sync"
)

// Indicator counts viewers and switches its output on the 0 <-> 1 edges.
type Indicator struct {
	mu      sync.Mutex
	viewers int
	set     func(value int) error
	close   func() error
}

// New returns an Indicator writing through set. close may be nil.
func New(set func(value int) error, close func() error) *Indicator {
	return &Indicator{set: set, close: close}
}

// Nop returns an Indicator without output.
func Nop() *Indicator {
	return New(func(int) error { return nil }, nil)
}

// Watch registers a viewer. The returned func unregisters it and is safe to
// call more than once.
func (i *Indicator) Watch() (done func()) {
	i.mu.Lock()
	i.viewers++
	if i.viewers == 1 {
		i.apply(1)
	}
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			i.viewers--
			if i.viewers == 0 {
				i.apply(0)
			}
			i.mu.Unlock()
		})
	}
}

// Viewers returns the current number of viewers.
func (i *Indicator) Viewers() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.viewers
}

// Close switches the output off and releases it.
func (i *Indicator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.apply(0)
	if i.close != nil {
		return i.close()
	}
	return nil
}

func (i *Indicator) apply(v int) {
	if err := i.set(v); err != nil {
		slog.Warn("Failed to set indicator", "value", v, "error", err)
	}
}
