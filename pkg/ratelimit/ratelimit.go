// Package ratelimit implements per-caller sliding-window admission control
// with interchangeable in-process and Redis backends.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limiter is the backend-agnostic admission contract consumed by the guard
// layer. Check admits or rejects one request for the given caller id; the
// reason is non-empty only on rejection.
type Limiter interface {
	Check(id string) (ok bool, reason string)
}

// Window is an in-process sliding-window limiter keyed by caller id. Safe
// for concurrent use.
type Window struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu    sync.Mutex
	calls map[string][]time.Time
}

// NewWindow creates an in-process limiter admitting at most max requests per
// caller within the given window. Non-positive arguments fall back to the
// defaults (60s / 20).
func NewWindow(window time.Duration, max int) *Window {
	if window <= 0 {
		window = 60 * time.Second
	}
	if max <= 0 {
		max = 20
	}
	return &Window{
		window: window,
		max:    max,
		now:    time.Now,
		calls:  make(map[string][]time.Time),
	}
}

// Check atomically evicts expired timestamps for id, then either rejects
// (window full) or admits and records the new timestamp.
func (w *Window) Check(id string) (bool, string) {
	now := w.now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	recent := w.calls[id]
	for len(recent) > 0 && recent[0].Before(cutoff) {
		recent = recent[1:]
	}
	if len(recent) >= w.max {
		w.calls[id] = recent
		return false, fmt.Sprintf("rate_limit_exceeded: %d/%d in %s", len(recent), w.max, w.window)
	}
	w.calls[id] = append(recent, now)
	return true, ""
}
