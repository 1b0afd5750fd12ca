package connection

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/throttle"
	"github.com/r3edge-labs/dataverse-migrate/pkg/errorcodes"
	"github.com/r3edge-labs/dataverse-migrate/pkg/logging"
)

// SelectionStrategy picks among sources on acquire (§4.3).
type SelectionStrategy string

const (
	RoundRobin    SelectionStrategy = "round_robin"
	LeastBusy     SelectionStrategy = "least_busy"
	ThrottleAware SelectionStrategy = "throttle_aware"
)

// AffinityResettable is implemented by clients that carry a server-side
// session affinity cookie. The pool clears it on every acquired client by
// default, since pinning all requests to one backend node serializes
// throughput (§4.3 "Affinity policy").
type AffinityResettable interface {
	ClearAffinity()
}

// Config configures a Pool.
type Config struct {
	MaxConcurrentRequests int
	AcquireTimeout        time.Duration
	Strategy              SelectionStrategy
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRequests: 10,
		AcquireTimeout:        120 * time.Second,
		Strategy:              ThrottleAware,
	}
}

// Statistics is the pool's externally observable counters (§4.3).
type Statistics struct {
	Active           int
	Idle             int
	RequestsServed   int64
	ThrottleEvents   int64
	TotalBackoff     time.Duration
	RetriesAttempted int64
	RetriesSucceeded int64
}

// Pool multiplexes requests across several Connection Sources (§3, §4.3).
type Pool struct {
	sources  []*Source
	tracker  *throttle.Tracker
	sem      *semaphore.Weighted
	capacity int64
	cfg      Config
	logger   *logging.Logger

	mu          sync.Mutex
	activeBySrc map[string]int64
	lastUsed    map[string]time.Time
	rrIndex     int

	dopHint int64 // atomic; cached server-advised degrees of parallelism, 0 = unset

	requestsServed   int64
	throttleEvents   int64
	retriesAttempted int64
	retriesSucceeded int64
}

// New builds a Pool over the given sources.
func New(sources []*Source, tracker *throttle.Tracker, cfg Config, logger *logging.Logger) *Pool {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 120 * time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = ThrottleAware
	}

	return &Pool{
		sources:     sources,
		tracker:     tracker,
		sem:         semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		capacity:    int64(cfg.MaxConcurrentRequests),
		cfg:         cfg,
		logger:      logger,
		activeBySrc: make(map[string]int64, len(sources)),
		lastUsed:    make(map[string]time.Time, len(sources)),
	}
}

// SourceInitResult is one source's outcome from EnsureInitialized.
type SourceInitResult struct {
	Name    string
	Ready   bool
	Failure *platform.InitFailure
}

// EnsureInitialized drives EnsureReady on each source concurrently and
// returns per-source results. The pool is usable so long as at least one
// source becomes Ready (§7 Initialization). Calling this twice on an
// already-Ready pool is a no-op per source (EnsureReady is idempotent).
func (p *Pool) EnsureInitialized(ctx context.Context) []SourceInitResult {
	results := make([]SourceInitResult, len(p.sources))
	var wg sync.WaitGroup
	for i, src := range p.sources {
		wg.Add(1)
		go func(i int, src *Source) {
			defer wg.Done()
			failure := src.EnsureReady(ctx)
			results[i] = SourceInitResult{Name: src.Name, Ready: failure == nil, Failure: failure}
		}(i, src)
	}
	wg.Wait()
	return results
}

// AnyReady reports whether at least one source is ready.
func (p *Pool) AnyReady() bool {
	for _, s := range p.sources {
		if s.IsReady() {
			return true
		}
	}
	return false
}

// PooledClient is a scoped acquisition of (source, permit). Release must
// be called exactly once, typically via defer, even when the caller's
// function panics or returns an error (§3 "Pooled Client Handle").
type PooledClient struct {
	pool   *Pool
	source *Source
	client platform.Client
	start  time.Time
}

// Client returns the underlying platform client, with affinity cleared.
func (h *PooledClient) Client() platform.Client { return h.client }

// SourceName returns the owning source's name, for throttle bookkeeping.
func (h *PooledClient) SourceName() string { return h.source.Name }

// Release returns the permit to the semaphore and decrements the
// per-source active counter. Safe to call multiple times.
func (h *PooledClient) Release() {
	if h.pool == nil {
		return
	}
	h.pool.release(h.source)
	h.pool = nil
}

// Acquire returns a scoped handle holding a global permit and a selected
// source. Contention blocks on the semaphore up to AcquireTimeout, or
// until ctx is cancelled (§4.3).
func (p *Pool) Acquire(ctx context.Context) (*PooledClient, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, errorcodes.PoolExhaustionError(p.cfg.AcquireTimeout.String())
	}

	src := p.selectSource()
	if src == nil {
		p.sem.Release(1)
		return nil, errorcodes.Classify(errorcodes.CategoryResource, errorcodes.PoolExhaustion, "no ready source available", nil)
	}

	p.mu.Lock()
	p.activeBySrc[src.Name]++
	p.lastUsed[src.Name] = time.Now()
	p.requestsServed++
	p.mu.Unlock()

	client := src.Acquire()
	if resettable, ok := client.(AffinityResettable); ok {
		resettable.ClearAffinity()
	}

	return &PooledClient{pool: p, source: src, client: client, start: time.Now()}, nil
}

func (p *Pool) release(src *Source) {
	p.mu.Lock()
	if p.activeBySrc[src.Name] > 0 {
		p.activeBySrc[src.Name]--
	}
	p.mu.Unlock()
	p.sem.Release(1)
}

// selectSource implements the strategy table from §4.3.
func (p *Pool) selectSource() *Source {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.cfg.Strategy {
	case RoundRobin:
		return p.selectRoundRobinLocked()
	case LeastBusy:
		return p.selectLeastBusyLocked(false)
	default:
		return p.selectThrottleAwareLocked()
	}
}

func (p *Pool) selectRoundRobinLocked() *Source {
	n := len(p.sources)
	for i := 0; i < n; i++ {
		idx := (p.rrIndex + i) % n
		src := p.sources[idx]
		if src.Status() != StatusFailed {
			p.rrIndex = (idx + 1) % n
			return src
		}
	}
	return nil
}

func (p *Pool) selectLeastBusyLocked(skipThrottled bool) *Source {
	var best *Source
	var bestActive int64 = -1
	for _, src := range p.sources {
		if src.Status() == StatusFailed {
			continue
		}
		if skipThrottled && p.tracker.IsThrottled(src.Name) {
			continue
		}
		active := p.activeBySrc[src.Name]
		if bestActive == -1 || active < bestActive {
			best = src
			bestActive = active
		}
	}
	return best
}

func (p *Pool) selectThrottleAwareLocked() *Source {
	if best := p.selectLeastBusyLocked(true); best != nil {
		return best
	}

	// All (remaining) sources are throttled: choose the one whose
	// throttled_until is soonest.
	var candidates []*Source
	for _, src := range p.sources {
		if src.Status() != StatusFailed {
			candidates = append(candidates, src)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return p.tracker.State(candidates[i].Name).ThrottledUntil().Before(
			p.tracker.State(candidates[j].Name).ThrottledUntil())
	})
	return candidates[0]
}

// RecordThrottleEvent is called by the retry policy whenever a 429/503 is
// observed, so pool statistics stay in sync with the throttle tracker.
func (p *Pool) RecordThrottleEvent() {
	atomic.AddInt64(&p.throttleEvents, 1)
}

// RecordRetryAttempt/RecordRetrySuccess track retry-policy outcomes for
// PoolStatistics (§6 summary.json poolStatistics).
func (p *Pool) RecordRetryAttempt()  { atomic.AddInt64(&p.retriesAttempted, 1) }
func (p *Pool) RecordRetrySuccess()  { atomic.AddInt64(&p.retriesSucceeded, 1) }

// SetDOPHint caches the server-advised degrees-of-parallelism value. It is
// advisory only and never resizes the semaphore (§4.3).
func (p *Pool) SetDOPHint(hint int) {
	if hint > 0 {
		atomic.StoreInt64(&p.dopHint, int64(hint))
	}
}

// DOPHint returns the cached hint, or 0 if the server has never advised one.
func (p *Pool) DOPHint() int { return int(atomic.LoadInt64(&p.dopHint)) }

// Capacity returns the pool's total permit count.
func (p *Pool) Capacity() int { return int(p.capacity) }

// EffectiveParallelism implements the spec's Open Question (b) resolution:
// min(pool_capacity, dop_hint, configured), ignoring any factor that is
// zero/unset.
func EffectiveParallelism(poolCapacity, dopHint, configured int) int {
	result := 0
	for _, f := range []int{poolCapacity, dopHint, configured} {
		if f > 0 && (result == 0 || f < result) {
			result = f
		}
	}
	if result < 1 {
		result = 1
	}
	return result
}

// Statistics returns a snapshot of the pool's counters.
func (p *Pool) Statistics() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var active int64
	idle := 0
	for _, src := range p.sources {
		a := p.activeBySrc[src.Name]
		active += a
		if a == 0 && src.Status() != StatusFailed {
			idle++
		}
	}

	var totalBackoff time.Duration
	for _, src := range p.sources {
		totalBackoff += p.tracker.State(src.Name).TotalBackoff()
	}

	return Statistics{
		Active:           int(active),
		Idle:             idle,
		RequestsServed:   p.requestsServed,
		ThrottleEvents:   atomic.LoadInt64(&p.throttleEvents),
		TotalBackoff:     totalBackoff,
		RetriesAttempted: atomic.LoadInt64(&p.retriesAttempted),
		RetriesSucceeded: atomic.LoadInt64(&p.retriesSucceeded),
	}
}

// AnySourceCurrentlyThrottled reports whether any ready source is
// presently within its throttle backoff window, used by the executor to
// decide whether to drop to pool-capacity-only concurrency (§4.5).
func (p *Pool) AnySourceCurrentlyThrottled() bool {
	for _, src := range p.sources {
		if src.Status() != StatusFailed && p.tracker.IsThrottled(src.Name) {
			return true
		}
	}
	return false
}

// SourceStatuses returns each source's current status, for orchestrator
// health reporting.
func (p *Pool) SourceStatuses() []SourceInitResult {
	results := make([]SourceInitResult, len(p.sources))
	for i, src := range p.sources {
		results[i] = SourceInitResult{Name: src.Name, Ready: src.IsReady(), Failure: src.Failure()}
	}
	return results
}

// RunHealthChecks re-attempts initialization for every source eligible
// for a background health check (Failed with Network/Service/
// ConnectionNotReady, never Auth), per §4.2.
func (p *Pool) RunHealthChecks(ctx context.Context) {
	for _, src := range p.sources {
		if src.eligibleForHealthCheck() {
			src.Invalidate()
			src.EnsureReady(ctx)
		}
	}
}

// StartHealthCheckLoop runs RunHealthChecks on the given interval until ctx
// is cancelled, mirroring the teacher's RPC pool health-check loop.
func (p *Pool) StartHealthCheckLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunHealthChecks(ctx)
		}
	}
}
