package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/throttle"
)

func newTestPool(t *testing.T, names []string, cfg Config) (*Pool, *throttle.Tracker) {
	t.Helper()
	provider := &scriptedProvider{}
	tracker := throttle.NewTracker()
	sources := make([]*Source, len(names))
	for i, name := range names {
		sources[i] = NewSource(platform.Credential{Name: name}, provider, nil)
	}
	pool := New(sources, tracker, cfg, nil)
	results := pool.EnsureInitialized(context.Background())
	for _, r := range results {
		if !r.Ready {
			t.Fatalf("source %s failed to initialize: %v", r.Name, r.Failure)
		}
	}
	return pool, tracker
}

func TestPool_AcquireRelease_RespectsCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 2
	cfg.AcquireTimeout = 200 * time.Millisecond
	pool, _ := newTestPool(t, []string{"a"}, cfg)

	h1, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	h2, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	// Third acquire should time out: capacity is 2 and both are held.
	_, err = pool.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected pool exhaustion error")
	}

	h1.Release()
	h2.Release()

	h3, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	h3.Release()
}

func TestPool_ThrottleAware_RoutesAroundThrottledSource(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 5
	pool, tracker := newTestPool(t, []string{"a", "b"}, cfg)

	tracker.RecordThrottle("a", 30*time.Second, 0)

	h, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.SourceName() != "b" {
		t.Errorf("expected throttle-aware selection to route to source b, got %s", h.SourceName())
	}
	h.Release()
}

func TestPool_AllThrottled_PicksSoonestDeadline(t *testing.T) {
	cfg := DefaultConfig()
	pool, tracker := newTestPool(t, []string{"a", "b"}, cfg)

	tracker.RecordThrottle("a", 30*time.Second, 0)
	tracker.RecordThrottle("b", 5*time.Second, 0)

	h, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.SourceName() != "b" {
		t.Errorf("expected source with soonest deadline (b), got %s", h.SourceName())
	}
	h.Release()
}

func TestPool_Invariant_ActiveNeverExceedsCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentRequests = 4
	pool, _ := newTestPool(t, []string{"a", "b", "c"}, cfg)

	var wg sync.WaitGroup
	var mu sync.Mutex
	maxObserved := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := pool.Acquire(context.Background())
			if err != nil {
				return
			}
			defer h.Release()

			mu.Lock()
			stats := pool.Statistics()
			if stats.Active > maxObserved {
				maxObserved = stats.Active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()

	if maxObserved > cfg.MaxConcurrentRequests {
		t.Errorf("observed active %d exceeds capacity %d", maxObserved, cfg.MaxConcurrentRequests)
	}
}

func TestEnsureInitialized_IdempotentOnReadyPool(t *testing.T) {
	cfg := DefaultConfig()
	pool, _ := newTestPool(t, []string{"a"}, cfg)

	results := pool.EnsureInitialized(context.Background())
	for _, r := range results {
		if !r.Ready {
			t.Errorf("expected already-ready source to remain ready")
		}
	}
}

func TestEffectiveParallelism(t *testing.T) {
	cases := []struct {
		poolCap, dop, configured, want int
	}{
		{10, 0, 0, 10},
		{10, 5, 0, 5},
		{10, 20, 4, 4},
		{10, 0, 3, 3},
	}
	for _, c := range cases {
		got := EffectiveParallelism(c.poolCap, c.dop, c.configured)
		if got != c.want {
			t.Errorf("EffectiveParallelism(%d,%d,%d) = %d, want %d", c.poolCap, c.dop, c.configured, got, c.want)
		}
	}
}
