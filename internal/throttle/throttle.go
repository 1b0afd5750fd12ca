// Package throttle implements the per-source throttle tracker (C1): an
// AIMD-style backoff that records 429/503 responses and server-advised
// Retry-After hints, and recovers gradually on sustained success. It
// layers a token-bucket admission gate (golang.org/x/time/rate) on top,
// adapted from the teacher's infrastructure/ratelimit package, so a source
// can also be asked "would this request be admitted right now" without
// waiting on the AIMD deadline alone.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	baseDelay           = 1 * time.Second
	ceilingDelay        = 60 * time.Second
	recoveryThreshold   = 10 // consecutive non-throttled successes to decrement the count
	recentWindowSize    = 32
)

// State is one source's throttle bookkeeping (§3).
type State struct {
	mu                       sync.Mutex
	throttledUntil           time.Time
	consecutiveThrottleCount uint32
	consecutiveSuccesses     uint32
	totalBackoff             time.Duration
	recent429s               []time.Time
	admission                *rate.Limiter
}

// NewState returns a State with its admission gate disabled (nil limiter
// means "no token-bucket ceiling", only the AIMD deadline applies) until
// SetAdmissionRate is called.
func NewState() *State {
	return &State{}
}

// SetAdmissionRate installs a token-bucket ceiling independent of the AIMD
// throttle deadline, burst defaulting to 2x the rate when burst <= 0.
func (s *State) SetAdmissionRate(perSecond float64, burst int) {
	if perSecond <= 0 {
		return
	}
	if burst <= 0 {
		burst = int(perSecond * 2)
		if burst < 1 {
			burst = 1
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admission = rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Admit reports whether the token bucket (if configured) currently allows a
// request. Sources with no configured admission rate always admit.
func (s *State) Admit() bool {
	s.mu.Lock()
	limiter := s.admission
	s.mu.Unlock()
	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// RecordThrottle registers an observed 429/503. retryAfter is the server's
// advised wait, or 0 if absent (the exponential floor is used alone).
// maxTolerance, if non-zero, causes RecordThrottle to return false ("give
// up") when the resulting wait would exceed it, per §4.1's edge case.
func (s *State) RecordThrottle(retryAfter, maxTolerance time.Duration) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	floor := time.Duration(float64(baseDelay) * pow2(s.consecutiveThrottleCount))
	if floor > ceilingDelay {
		floor = ceilingDelay
	}

	wait := floor
	if retryAfter > wait {
		wait = retryAfter
	}

	if maxTolerance > 0 && wait > maxTolerance {
		return false
	}

	newDeadline := now.Add(wait)
	if newDeadline.Before(s.throttledUntil) {
		// throttled_until is monotonic: never moves backward (§3).
		newDeadline = s.throttledUntil
	}
	s.totalBackoff += newDeadline.Sub(now)
	s.throttledUntil = newDeadline
	s.consecutiveThrottleCount++
	s.consecutiveSuccesses = 0

	s.recent429s = append(s.recent429s, now)
	if len(s.recent429s) > recentWindowSize {
		s.recent429s = s.recent429s[len(s.recent429s)-recentWindowSize:]
	}

	return true
}

// RecordSuccess registers a successful, non-throttled response. After N
// (10) consecutive such successes following the throttle deadline's
// elapse, the consecutive-throttle counter decrements by one (floor 0).
func (s *State) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.throttledUntil.IsZero() && time.Now().Before(s.throttledUntil) {
		// Still within the backoff window; a success here (e.g. a retry that
		// landed on a fresher source) does not yet count toward recovery.
		return
	}

	s.consecutiveSuccesses++
	if s.consecutiveSuccesses >= recoveryThreshold {
		if s.consecutiveThrottleCount > 0 {
			s.consecutiveThrottleCount--
		}
		s.consecutiveSuccesses = 0
	}
}

// IsThrottled reports whether now is still within the backoff window.
func (s *State) IsThrottled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.throttledUntil.IsZero() && time.Now().Before(s.throttledUntil)
}

// BackoffRemaining reports how long until the throttle deadline elapses,
// or 0 if not currently throttled.
func (s *State) BackoffRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := time.Until(s.throttledUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ThrottledUntil returns the current backoff deadline (zero if none).
func (s *State) ThrottledUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.throttledUntil
}

// TotalBackoff returns the cumulative backoff time recorded for this source.
func (s *State) TotalBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBackoff
}

// Recent429Count returns how many throttle events landed within the
// tracked ring buffer (a bounded recent window, not wall-clock windowed).
func (s *State) Recent429Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recent429s)
}

func pow2(exp uint32) float64 {
	result := 1.0
	for i := uint32(0); i < exp; i++ {
		result *= 2
		if result > float64(ceilingDelay/baseDelay) {
			return result
		}
	}
	return result
}

// Tracker is the keyed, multi-source façade over per-source State used by
// the pool (C1's contract operates per source; Tracker owns the map).
type Tracker struct {
	mu      sync.RWMutex
	sources map[string]*State
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{sources: make(map[string]*State)}
}

func (t *Tracker) stateFor(source string) *State {
	t.mu.RLock()
	s, ok := t.sources[source]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sources[source]; ok {
		return s
	}
	s = NewState()
	t.sources[source] = s
	return s
}

// RecordSuccess records a non-throttled success for source.
func (t *Tracker) RecordSuccess(source string) { t.stateFor(source).RecordSuccess() }

// RecordThrottle records a throttle event for source. Returns false if the
// resulting wait exceeds maxTolerance ("give up").
func (t *Tracker) RecordThrottle(source string, retryAfter, maxTolerance time.Duration) bool {
	return t.stateFor(source).RecordThrottle(retryAfter, maxTolerance)
}

// IsThrottled reports whether source is currently throttled.
func (t *Tracker) IsThrottled(source string) bool { return t.stateFor(source).IsThrottled() }

// BackoffRemaining reports the remaining backoff for source.
func (t *Tracker) BackoffRemaining(source string) time.Duration {
	return t.stateFor(source).BackoffRemaining()
}

// State exposes the raw per-source State, e.g. so the pool can read
// ThrottledUntil for tie-breaking among throttled sources.
func (t *Tracker) State(source string) *State { return t.stateFor(source) }
