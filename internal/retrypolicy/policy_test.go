package retrypolicy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/r3edge-labs/dataverse-migrate/internal/connection"
	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/throttle"
	"github.com/r3edge-labs/dataverse-migrate/pkg/errorcodes"
)

type fakeProvider struct{}

func (fakeProvider) Authenticate(ctx context.Context, cred platform.Credential) (platform.Client, *platform.InitFailure) {
	return platform.NewFakeClient(), nil
}

func newTestPolicy(t *testing.T, names []string) (*Policy, *connection.Pool, *throttle.Tracker) {
	t.Helper()
	tracker := throttle.NewTracker()
	sources := make([]*connection.Source, len(names))
	for i, name := range names {
		sources[i] = connection.NewSource(platform.Credential{Name: name}, fakeProvider{}, nil)
	}
	cfg := connection.DefaultConfig()
	cfg.MaxConcurrentRequests = 4
	pool := connection.New(sources, tracker, cfg, nil)
	for _, r := range pool.EnsureInitialized(context.Background()) {
		if !r.Ready {
			t.Fatalf("source %s failed to initialize", r.Name)
		}
	}
	return New(pool, tracker, Config{MaxRetries: 3}, nil), pool, tracker
}

func TestPolicy_SucceedsFirstTry(t *testing.T) {
	policy, _, _ := newTestPolicy(t, []string{"a"})

	calls := 0
	fault, err := policy.Execute(context.Background(), 0, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
		calls++
		return nil, nil
	})
	if err != nil || fault != nil {
		t.Fatalf("expected success, got fault=%v err=%v", fault, err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPolicy_RetriesTransientThenSucceeds(t *testing.T) {
	policy, pool, _ := newTestPolicy(t, []string{"a"})

	calls := 0
	fault, err := policy.Execute(context.Background(), 0, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("dial tcp: connection reset by peer")
		}
		return nil, nil
	})
	if err != nil || fault != nil {
		t.Fatalf("expected eventual success, got fault=%v err=%v", fault, err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	stats := pool.Statistics()
	if stats.RetriesAttempted != 1 || stats.RetriesSucceeded != 1 {
		t.Errorf("expected 1 attempted/1 succeeded retry, got %+v", stats)
	}
}

func TestPolicy_FatalBusinessNeverRetried(t *testing.T) {
	policy, _, _ := newTestPolicy(t, []string{"a"})

	calls := 0
	fault, err := policy.Execute(context.Background(), 0, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
		calls++
		return &platform.Fault{StatusCode: 400, Message: "required field missing"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if fault == nil || fault.StatusCode != 400 {
		t.Fatalf("expected fatal business fault to surface, got %v", fault)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for a non-retryable fault, got %d", calls)
	}
}

func TestPolicy_ExhaustsRetriesAndReturnsLastFault(t *testing.T) {
	policy, _, _ := newTestPolicy(t, []string{"a"})
	policy.cfg.MaxRetries = 2

	calls := 0
	fault, err := policy.Execute(context.Background(), 0, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
		calls++
		return &platform.Fault{StatusCode: 500, Message: "internal error"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	if fault == nil || fault.StatusCode != 500 {
		t.Fatalf("expected last fault to surface, got %v", fault)
	}
	if calls != 3 {
		t.Errorf("expected MaxRetries+1=3 calls, got %d", calls)
	}
}

func TestPolicy_ThrottleRecordedAndRoutesAroundSource(t *testing.T) {
	policy, _, tracker := newTestPolicy(t, []string{"a", "b"})

	calls := 0
	var clients []platform.Client
	fault, err := policy.Execute(context.Background(), 0, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
		calls++
		clients = append(clients, c)
		if calls == 1 {
			return &platform.Fault{StatusCode: 429, RetryAfter: 0, Message: "throttled"}, nil
		}
		return nil, nil
	})
	if err != nil || fault != nil {
		t.Fatalf("expected eventual success, got fault=%v err=%v", fault, err)
	}
	if !tracker.IsThrottled("a") && !tracker.IsThrottled("b") {
		t.Errorf("expected one source to be recorded throttled")
	}
	if len(clients) != 2 || clients[0] == clients[1] {
		t.Errorf("expected the retry to land on the other source, got %d calls", len(clients))
	}
}

func TestPolicy_ThrottleGivesUpPastMaxTolerance(t *testing.T) {
	policy, _, _ := newTestPolicy(t, []string{"a"})

	_, err := policy.Execute(context.Background(), 1*time.Millisecond, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
		return &platform.Fault{StatusCode: 429, RetryAfter: 3600, Message: "throttled"}, nil
	})
	if err == nil {
		t.Fatalf("expected give-up error when tolerance is exceeded")
	}
}

func TestPolicy_ContextCancellationDuringBackoff(t *testing.T) {
	policy, _, _ := newTestPolicy(t, []string{"a"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fault, err := policy.Execute(ctx, 0, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
		cancel()
		return nil, errors.New("i/o timeout")
	})
	if err == nil {
		t.Fatalf("expected cancellation error, got fault=%v", fault)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled from the backoff wait, got %v", err)
	}
}

func TestPolicy_PoolExhaustionRetriesOnce(t *testing.T) {
	policy, _, _ := newTestPolicy(t, []string{"a"})

	attempts := 0
	err := policy.ExecutePoolExhaustion(context.Background(), func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected single attempt on success, got %d", attempts)
	}

	policy.cfg.PoolExhaustionRetries = 1
	attempts = 0
	err = policy.ExecutePoolExhaustion(context.Background(), func() error {
		attempts++
		return errorcodes.PoolExhaustionError("1s")
	})
	if errorcodes.PatternOf(err) != errorcodes.PoolExhaustion {
		t.Fatalf("expected the pool-exhaustion error to surface, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected exactly one retry (2 attempts), got %d", attempts)
	}
}
