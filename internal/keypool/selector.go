package keypool

import (
	"time"
)

// DefaultWindow is the rotation window size.
const DefaultWindow = 10 * time.Second

// Selector implements deterministic time-sliced round robin: the window is
// divided into one slot per key, and the slot containing the current
// wall-clock offset picks the index. Requests arriving within the same slot
// pick the same key, which spreads load evenly without any shared counter.
//
// Selector is pure apart from reading the clock, so it is safe for
// concurrent use without locking.
type Selector struct {
	window time.Duration
	now    func() time.Time
}

// NewSelector creates a selector. A zero window defaults to 10s and a nil
// clock defaults to time.Now; both are injectable for tests.
func NewSelector(window time.Duration, now func() time.Time) *Selector {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Selector{window: window, now: now}
}

// Index returns the selected index for a pool of size n.
func (s *Selector) Index(n int) int {
	if n <= 1 {
		return 0
	}
	return s.IndexAt(s.now(), n)
}

// IndexAt computes the index for an explicit instant. The mapping from
// offset-in-window to index is a step function with n equal steps.
func (s *Selector) IndexAt(t time.Time, n int) int {
	if n <= 1 {
		return 0
	}
	windowMs := s.window.Milliseconds()
	offsetMs := t.UnixMilli() % windowMs
	slotMs := float64(windowMs) / float64(n)
	return int(float64(offsetMs)/slotMs) % n
}

// Pick returns the selected key from keys. Empty input returns "".
func (s *Selector) Pick(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[s.Index(len(keys))]
}
