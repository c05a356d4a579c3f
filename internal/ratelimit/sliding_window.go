// Package ratelimit implements a per-caller sliding-window rate limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/vergil-db/vergil/internal/core/domain"
	"github.com/vergil-db/vergil/internal/core/port"
)

// SlidingWindow admits up to limit requests per caller within the trailing
// window. Expired timestamps are evicted lazily on each check; idle callers
// are removed by Sweep.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	callers map[string]*callerWindow
}

type callerWindow struct {
	mu    sync.Mutex
	times []time.Time
	// gone is set, under mu, when the window is removed from the map. A
	// goroutine that resolved the pointer before the removal must not append
	// to it: timestamps on a detached window are invisible to later checks.
	gone bool
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		callers: make(map[string]*callerWindow),
	}
}

// Allow performs the atomic check-and-append for one caller. It returns the
// remaining quota, or a *domain.RateLimitError with a positive wait estimate
// when the caller is at the cap. Two concurrent requests can never both be
// admitted into a single remaining slot: the per-caller lock spans both the
// count and the append.
func (s *SlidingWindow) Allow(callerID string) (int, error) {
	w := s.lockCaller(callerID)
	defer w.mu.Unlock()

	now := s.now()
	w.evict(now, s.window)

	if len(w.times) >= s.limit {
		oldest := w.times[0]
		wait := int(s.window.Seconds()-now.Sub(oldest).Seconds()) + 1
		if wait < 1 {
			wait = 1
		}
		return 0, &domain.RateLimitError{Limit: s.limit, WaitSeconds: wait}
	}

	w.times = append(w.times, now)
	return s.limit - len(w.times), nil
}

// Status reports a caller's quota without consuming a slot.
func (s *SlidingWindow) Status(callerID string) port.RateLimitStatus {
	w := s.lockCaller(callerID)
	defer w.mu.Unlock()

	w.evict(s.now(), s.window)
	used := len(w.times)
	remaining := s.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return port.RateLimitStatus{
		Used:          used,
		Remaining:     remaining,
		Limit:         s.limit,
		WindowSeconds: int(s.window.Seconds()),
	}
}

// Reset clears a caller's window entirely.
func (s *SlidingWindow) Reset(callerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.callers[callerID]; ok {
		w.mu.Lock()
		w.gone = true
		w.mu.Unlock()
		delete(s.callers, callerID)
	}
}

// Sweep drops callers whose windows have fully expired, bounding memory.
// Removal happens while the caller lock is held so a concurrent Allow cannot
// admit into a window that is no longer in the map.
func (s *SlidingWindow) Sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.callers {
		w.mu.Lock()
		w.evict(now, s.window)
		if len(w.times) == 0 {
			w.gone = true
			delete(s.callers, id)
		}
		w.mu.Unlock()
	}
}

// Run sweeps periodically until ctx is cancelled.
func (s *SlidingWindow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *SlidingWindow) caller(id string) *callerWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.callers[id]
	if !ok {
		w = &callerWindow{}
		s.callers[id] = w
	}
	return w
}

// lockCaller returns the live window for id with its lock held. A window
// swept out of the map between the lookup and the lock is discarded and the
// lookup retried.
func (s *SlidingWindow) lockCaller(id string) *callerWindow {
	for {
		w := s.caller(id)
		w.mu.Lock()
		if !w.gone {
			return w
		}
		w.mu.Unlock()
	}
}

func (w *callerWindow) evict(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(w.times) && now.Sub(w.times[cut]) > window {
		cut++
	}
	if cut > 0 {
		w.times = append(w.times[:0:0], w.times[cut:]...)
	}
}
