// Package orchestrator implements the Migration Orchestrator (C9): drives
// the three-phase import (tier import, deferred fields, relationships),
// coordinating the bulk executor, dependency tier plan, progress channel,
// and output manager. Grounded on the teacher's service-lifecycle driver
// shape (infrastructure/service/base.go's phased start/run/stop sequencing)
// generalized from a long-running service loop to a bounded three-phase run.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/r3edge-labs/dataverse-migrate/internal/bulk"
	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/progress"
	"github.com/r3edge-labs/dataverse-migrate/internal/tier"
	"github.com/r3edge-labs/dataverse-migrate/pkg/logging"
)

// RowSource supplies the row payloads for one entity. Phase 1 calls it
// with the entity's full rows; Phase 2 calls it again (the source is
// expected to resolve target ids established during Phase 1, e.g. via an
// id map it maintains internally — that bookkeeping lives outside this
// component, consistent with the core consuming row payloads rather than
// owning the source-to-target identity mapping).
type RowSource interface {
	LoadRows(ctx context.Context, entity string) ([]platform.Row, error)
}

// RelationshipSource supplies many-to-many association pairs for one
// relationship, resolved against ids established in earlier phases.
type RelationshipSource interface {
	LoadPairs(ctx context.Context, rel tier.Relationship) ([]platform.AssociatePair, error)
}

// Request configures one orchestrator run (§6 "OrchestratorRequest",
// trimmed to the fields this component drives directly; CLI-only fields
// like source/target URLs are the collaborator's concern).
type Request struct {
	ImportMode      platform.OperationKind // Create, Update, or Upsert
	BypassPlugins   bool
	BypassFlows     bool
	ContinueOnError bool
	BatchSize       int
	Parallelism     int
	MaxThrottleTolerance time.Duration
}

// EntityOutcome is one entity's Phase-1 result, for the summary's
// per-entity breakdown.
type EntityOutcome struct {
	Entity       string
	Tier         int
	RecordCount  int
	SuccessCount int
	FailureCount int
	Created      int
	Updated      int
	Duration     time.Duration
}

// RelationshipOutcome records whether a relationship's pairs linked.
type RelationshipOutcome struct {
	Relationship string
	PairCount    int
	FailureCount int
}

// Result is the orchestrator's terminal outcome, shaped to feed directly
// into output.Summary.
type Result struct {
	Success          bool
	TiersProcessed   int
	RecordsImported  int64
	RecordsUpdated   int64
	RecordsFailed    int64
	Entities         []EntityOutcome
	Relationships    []RelationshipOutcome
	EntityImportTime time.Duration
	DeferredFieldsTime time.Duration
	RelationshipsTime  time.Duration
	Warnings         []string
}

// Orchestrator drives Run against a fixed Plan, row/relationship sources,
// and a bulk Executor.
type Orchestrator struct {
	executor  *bulk.Executor
	plan      tier.Plan
	rows      RowSource
	relations RelationshipSource
	sink      progress.Sink
	cfg       Request
	logger    *logging.Logger
}

// New builds an Orchestrator.
func New(executor *bulk.Executor, plan tier.Plan, rows RowSource, relations RelationshipSource, sink progress.Sink, cfg Request, logger *logging.Logger) *Orchestrator {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Orchestrator{executor: executor, plan: plan, rows: rows, relations: relations, sink: sink, cfg: cfg, logger: logger}
}

// Run drives all three phases per §4.9 and returns the aggregate Result.
// An error returned while loading an entity's rows in Phase 1 stops the
// remaining tiers and is folded into Result with Success=false; Phases 2
// and 3 still run. A panic raised by a collaborator is not recovered.
func (o *Orchestrator) Run(ctx context.Context) Result {
	result := Result{Success: true}

	entityFailedWholesale := make(map[string]bool)

	importStart := time.Now()
	entityOutcomes, fatal := o.runTierImport(ctx, entityFailedWholesale)
	result.EntityImportTime = time.Since(importStart)
	result.Entities = entityOutcomes
	result.TiersProcessed = len(o.plan.Tiers)
	for _, eo := range entityOutcomes {
		result.RecordsImported += int64(eo.SuccessCount)
		result.RecordsFailed += int64(eo.FailureCount)
	}
	if fatal != nil {
		result.Success = false
		result.Warnings = append(result.Warnings, fmt.Sprintf("phase 1 aborted: %v", fatal))
	}

	deferredStart := time.Now()
	updated, deferredFailed := o.runDeferredFields(ctx, entityFailedWholesale)
	result.DeferredFieldsTime = time.Since(deferredStart)
	result.RecordsUpdated += updated
	result.RecordsFailed += deferredFailed

	relStart := time.Now()
	result.Relationships = o.runRelationships(ctx)
	result.RelationshipsTime = time.Since(relStart)
	for _, ro := range result.Relationships {
		result.RecordsFailed += int64(ro.FailureCount)
	}

	if !o.cfg.ContinueOnError {
		for _, eo := range entityOutcomes {
			if eo.FailureCount > 0 {
				result.Success = false
			}
		}
	} else if result.RecordsFailed > 0 {
		// Exit code is still non-zero per §7, but Success records whether
		// every failure was a non-retried business-classified row error —
		// the nuance the summary is required to capture.
		result.Success = o.allFailuresAreBusiness(entityOutcomes)
	}

	return result
}

// runTierImport is Phase 1: for each tier in order, run every entity in
// the tier up to cfg.Parallelism concurrently, stripping deferred fields
// from each row before batching.
func (o *Orchestrator) runTierImport(ctx context.Context, entityFailedWholesale map[string]bool) ([]EntityOutcome, error) {
	var outcomes []EntityOutcome
	var mu sync.Mutex

	for tierIdx, entities := range o.plan.Tiers {
		o.sink.Publish(progress.Event{Kind: progress.TierStart, TierNumber: tierIdx, TierEntities: entities})

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.Parallelism)

		var fatalErr error
		for _, entity := range entities {
			entity := entity
			g.Go(func() error {
				outcome, err := o.importEntity(gctx, entity, tierIdx)
				mu.Lock()
				outcomes = append(outcomes, outcome)
				if outcome.RecordCount > 0 && outcome.FailureCount == outcome.RecordCount {
					entityFailedWholesale[entity] = true
				}
				mu.Unlock()
				if err != nil {
					fatalErr = err
				}
				return nil
			})
		}
		g.Wait()

		o.sink.Publish(progress.Event{Kind: progress.TierEnd, TierNumber: tierIdx})

		if fatalErr != nil {
			return outcomes, fatalErr
		}
	}

	return outcomes, nil
}

func (o *Orchestrator) importEntity(ctx context.Context, entity string, tierIdx int) (EntityOutcome, error) {
	start := time.Now()

	rows, err := o.rows.LoadRows(ctx, entity)
	if err != nil {
		return EntityOutcome{Entity: entity, Tier: tierIdx, Duration: time.Since(start)}, err
	}

	stripped := o.stripDeferredFields(entity, rows)

	req := bulk.Request{
		Entity:          entity,
		Operation:       o.cfg.ImportMode,
		Rows:            stripped,
		MaxBatchSize:    o.cfg.BatchSize,
		BypassPlugins:   o.cfg.BypassPlugins,
		BypassFlows:     o.cfg.BypassFlows,
		ContinueOnError: o.cfg.ContinueOnError,
	}

	result := o.executor.Execute(ctx, req, o.sink)

	for _, e := range result.Errors {
		o.sink.Publish(progress.Event{Kind: progress.ErrorSample, Entity: entity, Message: e.Message})
	}

	return EntityOutcome{
		Entity:       entity,
		Tier:         tierIdx,
		RecordCount:  len(rows),
		SuccessCount: result.SuccessCount,
		FailureCount: result.FailureCount,
		Created:      result.Created,
		Updated:      result.Updated,
		Duration:     time.Since(start),
	}, nil
}

// stripDeferredFields returns a copy of rows with every deferred field for
// this entity removed, so Phase 1 never sends a forward reference that
// Phase 2 is responsible for.
func (o *Orchestrator) stripDeferredFields(entity string, rows []platform.Row) []platform.Row {
	var fields []string
	for _, d := range o.plan.DeferredFields {
		if d.Entity == entity {
			fields = append(fields, d.Field)
		}
	}
	if len(fields) == 0 {
		return rows
	}

	out := make([]platform.Row, len(rows))
	for i, row := range rows {
		copied := make(platform.Row, len(row))
		for k, v := range row {
			copied[k] = v
		}
		for _, f := range fields {
			delete(copied, f)
		}
		out[i] = copied
	}
	return out
}

// runDeferredFields is Phase 2: for each (entity, field) not prevented by
// a wholesale Phase-1 failure, reload rows and issue updates that set only
// that field.
func (o *Orchestrator) runDeferredFields(ctx context.Context, entityFailedWholesale map[string]bool) (updated int64, failed int64) {
	o.sink.Publish(progress.Event{Kind: progress.PhaseStart, Phase: "deferred_fields"})
	defer o.sink.Publish(progress.Event{Kind: progress.PhaseEnd, Phase: "deferred_fields"})

	for _, d := range o.plan.DeferredFields {
		if entityFailedWholesale[d.Entity] {
			o.sink.Publish(progress.Event{Kind: progress.Warning, Entity: d.Entity, Message: fmt.Sprintf("skipping deferred field %s: entity failed entirely in phase 1", d.Field)})
			continue
		}

		rows, err := o.rows.LoadRows(ctx, d.Entity)
		if err != nil {
			o.sink.Publish(progress.Event{Kind: progress.Warning, Entity: d.Entity, Message: fmt.Sprintf("could not reload rows for deferred field %s: %v", d.Field, err)})
			continue
		}

		fieldOnly := make([]platform.Row, 0, len(rows))
		for _, row := range rows {
			id, hasID := row["id"]
			val, hasField := row[d.Field]
			if !hasID || !hasField {
				continue
			}
			fieldOnly = append(fieldOnly, platform.Row{"id": id, d.Field: val})
		}
		if len(fieldOnly) == 0 {
			continue
		}

		req := bulk.Request{
			Entity:          d.Entity,
			Operation:       platform.OpUpdate,
			Rows:            fieldOnly,
			MaxBatchSize:    o.cfg.BatchSize,
			ContinueOnError: true,
		}
		result := o.executor.Execute(ctx, req, o.sink)
		updated += int64(result.SuccessCount)
		failed += int64(result.FailureCount)
	}

	return updated, failed
}

// runRelationships is Phase 3: runs regardless of earlier-phase failures
// and records which relationships could not be linked (§4.9).
func (o *Orchestrator) runRelationships(ctx context.Context) []RelationshipOutcome {
	o.sink.Publish(progress.Event{Kind: progress.PhaseStart, Phase: "relationships"})
	defer o.sink.Publish(progress.Event{Kind: progress.PhaseEnd, Phase: "relationships"})

	if o.relations == nil {
		return nil
	}

	outcomes := make([]RelationshipOutcome, 0, len(o.plan.Relationships))
	for _, rel := range o.plan.Relationships {
		pairs, err := o.relations.LoadPairs(ctx, rel)
		if err != nil {
			outcomes = append(outcomes, RelationshipOutcome{Relationship: rel.Name, FailureCount: 1})
			o.sink.Publish(progress.Event{Kind: progress.Warning, Message: fmt.Sprintf("relationship %s: %v", rel.Name, err)})
			continue
		}
		if len(pairs) == 0 {
			outcomes = append(outcomes, RelationshipOutcome{Relationship: rel.Name})
			continue
		}

		failureCount := o.associate(ctx, pairs)
		outcomes = append(outcomes, RelationshipOutcome{Relationship: rel.Name, PairCount: len(pairs), FailureCount: failureCount})
	}
	return outcomes
}

func (o *Orchestrator) associate(ctx context.Context, pairs []platform.AssociatePair) int {
	handle, err := o.executor.Pool().Acquire(ctx)
	if err != nil {
		return len(pairs)
	}
	defer handle.Release()

	fault, err := handle.Client().Associate(ctx, pairs)
	if fault != nil || err != nil {
		return len(pairs)
	}
	return 0
}

func (o *Orchestrator) allFailuresAreBusiness(outcomes []EntityOutcome) bool {
	// Entity-level counts alone can't distinguish business-pattern
	// failures from structural/transient ones; the output manager's
	// pattern histogram is the authoritative source once wired by the CLI
	// collaborator. Conservatively, an orchestrator with only business
	// failures has no wholesale entity failures.
	for _, eo := range outcomes {
		if eo.RecordCount > 0 && eo.FailureCount == eo.RecordCount {
			return false
		}
	}
	return true
}
