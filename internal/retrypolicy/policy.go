package retrypolicy

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/r3edge-labs/dataverse-migrate/internal/connection"
	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/throttle"
	"github.com/r3edge-labs/dataverse-migrate/pkg/errorcodes"
	"github.com/r3edge-labs/dataverse-migrate/pkg/logging"
)

// Config configures the retry policy (§4.4).
type Config struct {
	MaxRetries            int
	PoolExhaustionRetries int // resolves the spec's Open Question (a): retry once
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, PoolExhaustionRetries: 1}
}

// Operation is a unit of work the policy retries, given a freshly acquired
// client. It returns the platform fault (if the call completed but the
// server reported an error) and/or a transport error.
type Operation func(ctx context.Context, client platform.Client) (*platform.Fault, error)

// Policy executes Operations against the pool, classifying failures,
// computing delay, and coordinating with the throttle tracker. Each retry
// acquires a fresh client; a retry never reuses a throttled source because
// the pool's ThrottleAware strategy routes around it once the tracker has
// recorded the throttle event.
type Policy struct {
	pool    *connection.Pool
	tracker *throttle.Tracker
	cfg     Config
	logger  *logging.Logger

	// per-source circuit breakers guard against hammering a source stuck
	// in ServerDeadlock/TransientNetwork, adapted from the teacher's
	// infrastructure/resilience circuit breaker.
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// New builds a Policy bound to a pool and throttle tracker.
func New(pool *connection.Pool, tracker *throttle.Tracker, cfg Config, logger *logging.Logger) *Policy {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PoolExhaustionRetries < 0 {
		cfg.PoolExhaustionRetries = 1
	}
	return &Policy{
		pool:     pool,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

func (p *Policy) breakerFor(source string) *gobreaker.CircuitBreaker[any] {
	if cb, ok := p.breakers[source]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        source,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	p.breakers[source] = cb
	return cb
}

// Execute runs op with retries per §4.4. maxTolerance bounds how long the
// policy will wait on a throttle hint before giving up (§4.1 edge case);
// zero means no bound.
func (p *Policy) Execute(ctx context.Context, maxTolerance time.Duration, op Operation) (*platform.Fault, error) {
	var lastFault *platform.Fault
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		handle, acquireErr := p.pool.Acquire(ctx)
		if acquireErr != nil {
			return nil, acquireErr
		}

		source := handle.SourceName()
		cb := p.breakerFor(source)

		var fault *platform.Fault
		var opErr error
		_, cbErr := cb.Execute(func() (any, error) {
			fault, opErr = op(ctx, handle.Client())
			if opErr != nil {
				return nil, opErr
			}
			if fault != nil && Classify(fault, nil).Retryable() {
				return nil, fault
			}
			return nil, nil
		})
		handle.Release()

		breakerOpen := false
		if cbErr != nil && opErr == nil && fault == nil {
			// Circuit open: treat as a transient network failure on this source.
			opErr = cbErr
			breakerOpen = true
		}

		if !breakerOpen && opErr == nil && fault == nil {
			p.tracker.RecordSuccess(source)
			if attempt > 0 {
				p.pool.RecordRetrySuccess()
			}
			return nil, nil
		}

		class := Classify(fault, opErr)
		lastFault, lastErr = fault, opErr

		if !class.Retryable() {
			return fault, opErr
		}

		if attempt == p.cfg.MaxRetries {
			break
		}

		p.pool.RecordRetryAttempt()

		delay := p.delayFor(class, fault, attempt)

		if class == ThrottleResponse {
			retryAfter := time.Duration(0)
			if fault != nil && fault.RetryAfter > 0 {
				retryAfter = time.Duration(fault.RetryAfter) * time.Second
			}
			ok := p.tracker.RecordThrottle(source, retryAfter, maxTolerance)
			p.pool.RecordThrottleEvent()
			if !ok {
				return fault, errorcodes.ThrottleGaveUpError(source)
			}
		}

		select {
		case <-ctx.Done():
			return fault, ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastFault, lastErr
}

// delayFor computes the wait before the next attempt: Retry-After when
// present, else exponential backoff with jitter via cenkalti/backoff.
func (p *Policy) delayFor(class ErrorClass, fault *platform.Fault, attempt int) time.Duration {
	if fault != nil && fault.RetryAfter > 0 {
		return time.Duration(fault.RetryAfter) * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = bo.NextBackOff()
	}
	if d <= 0 {
		d = bo.MaxInterval
	}
	// Extra jitter so concurrent retries on the same source don't align.
	jitter := time.Duration(rand.Int63n(int64(50 * time.Millisecond)))
	return d + jitter
}

// ExecutePoolExhaustion runs fn and re-runs it while it fails with a
// PoolExhaustion error, up to PoolExhaustionRetries extra attempts (Open
// Question (a): retry once). The orchestrator does not call it.
func (p *Policy) ExecutePoolExhaustion(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.cfg.PoolExhaustionRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if me, ok := errorcodes.AsMigrationError(err); !ok || me.Pattern != errorcodes.PoolExhaustion {
			return err
		}
	}
	return err
}
