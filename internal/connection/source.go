// Package connection implements the Connection Source (C2) and Connection
// Pool (C3): a multi-credential, throttle-aware pool that multiplexes
// requests across several authenticated client identities.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/pkg/logging"
)

// SourceStatus is a Connection Source's lifecycle state (§3).
type SourceStatus string

const (
	StatusUninitialized SourceStatus = "uninitialized"
	StatusReady         SourceStatus = "ready"
	StatusFailed        SourceStatus = "failed"
)

// Source exclusively owns one underlying authenticated client and the
// mutex protecting its lazy initialization (§4.2). A Failed source is
// never silently retried within a pool acquisition.
type Source struct {
	Name       string
	credential platform.Credential
	provider   platform.AuthenticationProvider
	logger     *logging.Logger

	once      sync.Once
	mu        sync.Mutex
	status    SourceStatus
	client    platform.Client
	failure   *platform.InitFailure

	// health-check scheduling
	lastInitAttempt time.Time
}

// NewSource constructs an idle Source for the given credential.
func NewSource(cred platform.Credential, provider platform.AuthenticationProvider, logger *logging.Logger) *Source {
	return &Source{
		Name:       cred.Name,
		credential: cred,
		provider:   provider,
		logger:     logger,
		status:     StatusUninitialized,
	}
}

// EnsureReady idempotently authenticates the source. Concurrent callers
// rendezvous on a single initialization attempt via sync.Once; subsequent
// calls on a Failed source re-attempt only after Invalidate is called.
func (s *Source) EnsureReady(ctx context.Context) *platform.InitFailure {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()

	if status == StatusReady {
		return nil
	}

	s.once.Do(func() {
		s.attemptInit(ctx)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusReady {
		return nil
	}
	return s.failure
}

func (s *Source) attemptInit(ctx context.Context) {
	client, failure := s.provider.Authenticate(ctx, s.credential)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInitAttempt = time.Now()

	if failure != nil {
		s.status = StatusFailed
		s.failure = failure
		if s.logger != nil {
			s.logger.WithFields(map[string]any{"source": s.Name, "failure_kind": failure.Kind}).
				Warn("connection source initialization failed")
		}
		return
	}

	s.client = client
	s.status = StatusReady
	s.failure = nil
}

// Invalidate clears a cached failure so the next EnsureReady call
// re-attempts initialization. Used by the pool's optional background
// health check, never for Auth failures (§4.2).
func (s *Source) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFailed {
		return
	}
	s.status = StatusUninitialized
	s.once = sync.Once{}
}

// IsReady reports whether the source is currently ready.
func (s *Source) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusReady
}

// Status reports the source's current lifecycle state.
func (s *Source) Status() SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Failure returns the cached init failure, if any.
func (s *Source) Failure() *platform.InitFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Acquire returns the underlying client. Callers must have confirmed
// IsReady (typically via the pool, which calls EnsureReady during
// ensure_initialized) before calling Acquire.
func (s *Source) Acquire() platform.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// eligibleForHealthCheck reports whether a background health check should
// re-attempt this source: only Network/Service/ConnectionNotReady
// failures, never Auth (§4.2).
func (s *Source) eligibleForHealthCheck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusFailed || s.failure == nil {
		return false
	}
	switch s.failure.Kind {
	case platform.FailNetwork, platform.FailService, platform.FailConnectionNotReady:
		return true
	default:
		return false
	}
}
