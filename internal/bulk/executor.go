// Package bulk implements the Bulk Executor (C5): batches entity rows,
// dispatches sub-batches through the connection pool under a bounded
// concurrency budget, retries transient failures via the retry policy,
// and falls back to per-row execution when the server refuses bulk
// payloads. Grounded on the teacher's worker-pool dispatch shape
// (infrastructure/chain/rpcpool.go's bounded-concurrency request loop)
// generalized from "one RPC per worker" to "one sub-batch per worker".
package bulk

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/r3edge-labs/dataverse-migrate/internal/connection"
	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/progress"
	"github.com/r3edge-labs/dataverse-migrate/internal/retrypolicy"
	"github.com/r3edge-labs/dataverse-migrate/pkg/errorcodes"
	"github.com/r3edge-labs/dataverse-migrate/pkg/logging"
)

const defaultMaxBatchSize = 1000

// Request is an immutable batch descriptor (§3 "Batch Request").
type Request struct {
	Entity          string
	Operation       platform.OperationKind
	Rows            []platform.Row
	DeleteIDs       []string // used instead of Rows when Operation == OpDelete
	MaxBatchSize    int
	BypassPlugins   bool
	BypassFlows     bool
	ContinueOnError bool
}

// Diagnostic identifies which row/field in a failed sub-batch caused a
// "does not exist" failure (§3 "Batch Result").
type Diagnostic struct {
	RowIndex         int
	FieldName        string
	ReferencedEntity string
	ReferencedID     string
}

// RowError is one row-level failure, with its classified pattern and an
// optional diagnostic.
type RowError struct {
	Index       int
	ID          string
	Pattern     errorcodes.Pattern
	Message     string
	Diagnostics *Diagnostic
}

// Result is the aggregate outcome of Execute (§3 "Batch Result").
type Result struct {
	SuccessCount int
	FailureCount int
	Created      int // upsert only
	Updated      int // upsert only
	Errors       []RowError
	Duration     time.Duration
	BulkRefused  bool
}

// Config bounds the executor's own concurrency independent of what the
// pool and server report (§4.5).
type Config struct {
	ConfiguredParallelism int
}

// Executor runs Requests against a pool using a retry policy, with
// progress events published to a Sink.
type Executor struct {
	pool         *connection.Pool
	policy       *retrypolicy.Policy
	cfg          Config
	logger       *logging.Logger
	maxTolerance time.Duration
}

// New builds an Executor.
func New(pool *connection.Pool, policy *retrypolicy.Policy, cfg Config, logger *logging.Logger) *Executor {
	return &Executor{pool: pool, policy: policy, cfg: cfg, logger: logger}
}

// WithMaxTolerance sets the throttle give-up bound passed to the retry
// policy on every call this executor makes; returns the receiver for
// chaining at construction time.
func (e *Executor) WithMaxTolerance(d time.Duration) *Executor {
	e.maxTolerance = d
	return e
}

// Pool returns the underlying connection pool, for callers (the
// orchestrator's relationship phase) that need to issue a call the
// batching path doesn't cover.
func (e *Executor) Pool() *connection.Pool { return e.pool }

// subBatch is one chunk of a Request: either rows (create/update/upsert)
// or ids (delete).
type subBatch struct {
	rows []platform.Row
	ids  []string
}

func (b subBatch) size() int {
	if b.ids != nil {
		return len(b.ids)
	}
	return len(b.rows)
}

// Execute runs req's rows in sub-batches of req.MaxBatchSize (default
// 1000) concurrently, bounded by effective parallelism, emitting
// EntityProgress events to sink per completed batch. A batch the server
// refuses in bulk form falls back transparently to per-row calls under the
// same concurrency budget (§4.5).
func (e *Executor) Execute(ctx context.Context, req Request, sink progress.Sink) Result {
	start := time.Now()

	maxBatch := req.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatchSize
	}

	total := len(req.Rows)
	if req.Operation == platform.OpDelete {
		total = len(req.DeleteIDs)
	}
	if total == 0 {
		return Result{Duration: time.Since(start)}
	}

	batches := e.chunk(req, maxBatch)
	concurrency := e.effectiveConcurrency()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(concurrency)

	results := make([]Result, len(batches))
	var refusedAny atomic.Bool
	var processed atomic.Int64

	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			r := e.runBatch(gctx, req, b)
			results[i] = r
			if r.BulkRefused {
				refusedAny.Store(true)
			}

			if !req.ContinueOnError && r.FailureCount > 0 {
				cancel() // cooperative: outstanding batches observe gctx.Done()
			}

			done := processed.Add(int64(b.size()))
			sink.Publish(progress.Event{
				Kind:      progress.EntityProgress,
				Entity:    req.Entity,
				Processed: done,
				Total:     int64(total),
			})
			return nil
		})
	}
	g.Wait()

	if refusedAny.Load() {
		sink.Publish(progress.Event{Kind: progress.Warning, Message: "bulk operation not supported for entity " + req.Entity + "; fell back to per-row execution"})
	}

	return mergeResults(results, start)
}

func (e *Executor) chunk(req Request, maxBatch int) []subBatch {
	var batches []subBatch
	if req.Operation == platform.OpDelete {
		for i := 0; i < len(req.DeleteIDs); i += maxBatch {
			end := minInt(i+maxBatch, len(req.DeleteIDs))
			batches = append(batches, subBatch{ids: req.DeleteIDs[i:end]})
		}
		return batches
	}
	for i := 0; i < len(req.Rows); i += maxBatch {
		end := minInt(i+maxBatch, len(req.Rows))
		batches = append(batches, subBatch{rows: req.Rows[i:end]})
	}
	return batches
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// effectiveConcurrency applies §4.5: when any source is currently
// throttled, only pool capacity bounds concurrency (the dop hint and
// configured parallelism are dropped so the executor doesn't over-subscribe
// an already-shrunken budget).
func (e *Executor) effectiveConcurrency() int {
	poolCap := e.pool.Capacity()
	if e.pool.AnySourceCurrentlyThrottled() {
		if poolCap < 1 {
			return 1
		}
		return poolCap
	}
	return connection.EffectiveParallelism(poolCap, e.pool.DOPHint(), e.cfg.ConfiguredParallelism)
}

// runBatch executes one sub-batch through the retry policy. On bulk
// refusal it falls back to per-row calls; on a whole-batch fault that
// survives retries, every row in the batch is reported failed uniformly
// since the server gave no per-row breakdown.
func (e *Executor) runBatch(ctx context.Context, req Request, b subBatch) Result {
	var resp *platform.BulkResponse

	fault, err := e.policy.Execute(ctx, e.maxTolerance, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
		r, f, callErr := e.dispatch(ctx, c, req, b)
		if callErr != nil {
			return nil, callErr
		}
		if f != nil {
			return f, nil
		}
		resp = r
		return nil, nil
	})

	if retrypolicy.IsBulkRefusal(fault) {
		r := e.fallbackPerRow(ctx, req, b)
		r.BulkRefused = true
		return r
	}

	if fault != nil {
		return e.foldWholeBatchFailure(b, fault.Message, classifyNonReferenceFault(fault))
	}
	if err != nil {
		return e.foldWholeBatchFailure(b, err.Error(), errorcodes.Uncategorized)
	}

	return e.foldResponse(resp, req, b)
}

// dispatch issues the platform call matching req.Operation for this
// sub-batch.
func (e *Executor) dispatch(ctx context.Context, c platform.Client, req Request, b subBatch) (*platform.BulkResponse, *platform.Fault, error) {
	switch req.Operation {
	case platform.OpCreate:
		return c.CreateMultiple(ctx, req.Entity, b.rows, req.BypassPlugins, req.BypassFlows)
	case platform.OpUpdate:
		return c.UpdateMultiple(ctx, req.Entity, b.rows, req.BypassPlugins, req.BypassFlows)
	case platform.OpUpsert:
		return c.UpsertMultiple(ctx, req.Entity, b.rows, req.BypassPlugins, req.BypassFlows)
	case platform.OpDelete:
		return c.DeleteMultiple(ctx, req.Entity, b.ids)
	default:
		return nil, &platform.Fault{Message: "unknown operation kind"}, nil
	}
}

// fallbackPerRow re-runs the sub-batch as single-row operations in order,
// under the same retry policy, so each row's fault can be diagnosed
// independently (§4.5 "Bulk refusal").
func (e *Executor) fallbackPerRow(ctx context.Context, req Request, b subBatch) Result {
	var result Result

	if req.Operation == platform.OpDelete {
		for i, id := range b.ids {
			fault, err := e.policy.Execute(ctx, e.maxTolerance, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
				return c.Delete(ctx, req.Entity, id)
			})
			if fault != nil {
				result.FailureCount++
				result.Errors = append(result.Errors, RowError{Index: i, ID: id, Message: fault.Message, Pattern: classifyNonReferenceFault(fault)})
				continue
			}
			if err != nil {
				result.FailureCount++
				result.Errors = append(result.Errors, RowError{Index: i, ID: id, Message: err.Error(), Pattern: errorcodes.Uncategorized})
				continue
			}
			result.SuccessCount++
		}
		return result
	}

	for i, row := range b.rows {
		row := row
		fault, err := e.policy.Execute(ctx, e.maxTolerance, func(ctx context.Context, c platform.Client) (*platform.Fault, error) {
			switch req.Operation {
			case platform.OpCreate:
				_, f, callErr := c.Create(ctx, req.Entity, row)
				return f, callErr
			case platform.OpUpdate, platform.OpUpsert:
				id, _ := row["id"].(string)
				return c.Update(ctx, req.Entity, id, row)
			default:
				return &platform.Fault{Message: "unsupported per-row operation"}, nil
			}
		})

		if fault != nil {
			diag, pattern := extractDiagnostic(i, row, fault)
			result.FailureCount++
			result.Errors = append(result.Errors, RowError{Index: i, Message: fault.Message, Pattern: pattern, Diagnostics: diag})
			continue
		}
		if err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, RowError{Index: i, Message: err.Error(), Pattern: errorcodes.Uncategorized})
			continue
		}

		result.SuccessCount++
		if req.Operation == platform.OpCreate {
			result.Created++
		}
	}
	return result
}

// foldResponse maps a successful bulk call's per-row results into a
// Result, extracting diagnostics for any row that still failed within an
// otherwise-accepted batch.
func (e *Executor) foldResponse(resp *platform.BulkResponse, req Request, b subBatch) Result {
	if resp == nil {
		return Result{}
	}
	var result Result
	for _, rr := range resp.Results {
		if rr.Err == nil {
			result.SuccessCount++
			if req.Operation == platform.OpUpsert {
				if rr.Created {
					result.Created++
				} else {
					result.Updated++
				}
			}
			continue
		}

		result.FailureCount++
		var row platform.Row
		if rr.Index >= 0 && rr.Index < len(b.rows) {
			row = b.rows[rr.Index]
		}
		diag, pattern := extractDiagnostic(rr.Index, row, &platform.Fault{Message: rr.Err.Error()})
		result.Errors = append(result.Errors, RowError{Index: rr.Index, ID: rr.ID, Message: rr.Err.Error(), Pattern: pattern, Diagnostics: diag})
	}
	return result
}

// foldWholeBatchFailure marks every row in b failed with the same
// message/pattern, used when the server gave no per-row breakdown.
func (e *Executor) foldWholeBatchFailure(b subBatch, message string, pattern errorcodes.Pattern) Result {
	n := b.size()
	result := Result{FailureCount: n}
	for i := 0; i < n; i++ {
		result.Errors = append(result.Errors, RowError{Index: i, Message: message, Pattern: pattern})
	}
	return result
}

func mergeResults(batchResults []Result, start time.Time) Result {
	var out Result
	for _, r := range batchResults {
		out.SuccessCount += r.SuccessCount
		out.FailureCount += r.FailureCount
		out.Created += r.Created
		out.Updated += r.Updated
		out.Errors = append(out.Errors, r.Errors...)
		if r.BulkRefused {
			out.BulkRefused = true
		}
	}
	out.Duration = time.Since(start)
	return out
}
