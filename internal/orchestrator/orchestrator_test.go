package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/r3edge-labs/dataverse-migrate/internal/bulk"
	"github.com/r3edge-labs/dataverse-migrate/internal/connection"
	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/progress"
	"github.com/r3edge-labs/dataverse-migrate/internal/retrypolicy"
	"github.com/r3edge-labs/dataverse-migrate/internal/throttle"
	"github.com/r3edge-labs/dataverse-migrate/internal/tier"
)

type constProvider struct{ client platform.Client }

func (p constProvider) Authenticate(ctx context.Context, cred platform.Credential) (platform.Client, *platform.InitFailure) {
	return p.client, nil
}

// fakeRows hands back a fixed row set per entity; a test that needs Phase 2
// to update rows gives them their own "id" key.
type fakeRows struct {
	rows map[string][]platform.Row
}

func (f fakeRows) LoadRows(ctx context.Context, entity string) ([]platform.Row, error) {
	return f.rows[entity], nil
}

type fakeRelations struct {
	pairs map[string][]platform.AssociatePair
	err   error
}

func (f fakeRelations) LoadPairs(ctx context.Context, rel tier.Relationship) ([]platform.AssociatePair, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pairs[rel.Name], nil
}

func newTestOrchestrator(t *testing.T, plan tier.Plan, rows RowSource, relations RelationshipSource, script func(call int, entity string, rows []platform.Row) (*platform.BulkResponse, *platform.Fault), continueOnError bool) *Orchestrator {
	t.Helper()
	fc := platform.NewFakeClient()
	fc.Script = script

	provider := constProvider{client: fc}
	tracker := throttle.NewTracker()
	src := connection.NewSource(platform.Credential{Name: "a"}, provider, nil)
	cfg := connection.DefaultConfig()
	cfg.MaxConcurrentRequests = 4
	pool := connection.New([]*connection.Source{src}, tracker, cfg, nil)
	for _, r := range pool.EnsureInitialized(context.Background()) {
		if !r.Ready {
			t.Fatalf("source failed to init: %v", r.Failure)
		}
	}

	policy := retrypolicy.New(pool, tracker, retrypolicy.Config{MaxRetries: 2}, nil)
	exec := bulk.New(pool, policy, bulk.Config{ConfiguredParallelism: 4}, nil)

	req := Request{
		ImportMode:      platform.OpCreate,
		BatchSize:       100,
		Parallelism:     2,
		ContinueOnError: continueOnError,
	}
	return New(exec, plan, rows, relations, progress.NewChannel(), req, nil)
}

func TestRun_SingleTierAllSucceed(t *testing.T) {
	plan := tier.Build([]tier.EntitySchema{{Name: "account"}}, nil)
	rows := fakeRows{rows: map[string][]platform.Row{
		"account": {{"name": "a"}, {"name": "b"}},
	}}

	o := newTestOrchestrator(t, plan, rows, nil, nil, false)
	result := o.Run(context.Background())

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.RecordsImported != 2 {
		t.Errorf("expected 2 records imported, got %d", result.RecordsImported)
	}
	if len(result.Entities) != 1 || result.Entities[0].Entity != "account" {
		t.Fatalf("expected one account outcome, got %+v", result.Entities)
	}
}

func TestRun_TwoTiersInOrder(t *testing.T) {
	schemas := []tier.EntitySchema{
		{Name: "account"},
		{Name: "contact", ReferenceFields: map[string]string{"parentcustomerid": "account"}},
	}
	plan := tier.Build(schemas, nil)
	rows := fakeRows{rows: map[string][]platform.Row{
		"account": {{"name": "acme"}},
		"contact": {{"name": "jane", "parentcustomerid": "account-1"}},
	}}

	o := newTestOrchestrator(t, plan, rows, nil, nil, false)
	result := o.Run(context.Background())

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.TiersProcessed != 2 {
		t.Errorf("expected 2 tiers processed, got %d", result.TiersProcessed)
	}

	var accountTier, contactTier = -1, -1
	for _, eo := range result.Entities {
		switch eo.Entity {
		case "account":
			accountTier = eo.Tier
		case "contact":
			contactTier = eo.Tier
		}
	}
	if accountTier != 0 || contactTier != 1 {
		t.Errorf("expected account in tier 0 and contact in tier 1, got account=%d contact=%d", accountTier, contactTier)
	}
}

func TestRun_WholesaleFailurePreventsDeferredFieldPhase(t *testing.T) {
	schemas := []tier.EntitySchema{
		{Name: "contact", ReferenceFields: map[string]string{"parentcontactid": "contact"}},
	}
	plan := tier.Build(schemas, nil)
	if len(plan.DeferredFields) == 0 {
		t.Fatal("expected a self-loop deferred field in this fixture")
	}

	rows := fakeRows{rows: map[string][]platform.Row{
		"contact": {{"id": "c-1", "name": "jane", "parentcontactid": "c-1"}},
	}}

	script := func(call int, entity string, rs []platform.Row) (*platform.BulkResponse, *platform.Fault) {
		return nil, &platform.Fault{StatusCode: 400, Message: "something failed"}
	}

	o := newTestOrchestrator(t, plan, rows, nil, script, true)
	result := o.Run(context.Background())

	if result.RecordsUpdated != 0 {
		t.Errorf("expected no deferred-field updates after a wholesale phase-1 failure, got %d", result.RecordsUpdated)
	}
}

func TestRun_DeferredFieldAppliedAfterSuccessfulPhase1(t *testing.T) {
	schemas := []tier.EntitySchema{
		{Name: "contact", ReferenceFields: map[string]string{"parentcontactid": "contact"}},
	}
	plan := tier.Build(schemas, nil)

	rows := fakeRows{rows: map[string][]platform.Row{
		"contact": {{"id": "c-1", "name": "jane", "parentcontactid": "c-1"}},
	}}

	o := newTestOrchestrator(t, plan, rows, nil, nil, false)
	result := o.Run(context.Background())

	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.RecordsUpdated != 1 {
		t.Errorf("expected the deferred parentcontactid update to run, got %d updated", result.RecordsUpdated)
	}
}

func TestRun_RelationshipsRunRegardlessOfEarlierFailures(t *testing.T) {
	plan := tier.Build([]tier.EntitySchema{{Name: "account"}}, []tier.Relationship{
		{Name: "account_contacts", FromEntity: "account", ToEntity: "contact"},
	})
	rows := fakeRows{rows: map[string][]platform.Row{
		"account": {{"name": "a"}},
	}}
	relations := fakeRelations{pairs: map[string][]platform.AssociatePair{
		"account_contacts": {{RelationshipName: "account_contacts", FromID: "account-1", ToID: "contact-1"}},
	}}

	script := func(call int, entity string, rs []platform.Row) (*platform.BulkResponse, *platform.Fault) {
		return nil, &platform.Fault{StatusCode: 400, Message: "something failed"}
	}

	o := newTestOrchestrator(t, plan, rows, relations, script, true)
	result := o.Run(context.Background())

	if len(result.Relationships) != 1 {
		t.Fatalf("expected relationships phase to run despite phase-1 failures, got %+v", result.Relationships)
	}
	if result.Relationships[0].FailureCount != 0 {
		t.Errorf("expected the relationship to associate cleanly, got %+v", result.Relationships[0])
	}
}

func TestRun_RelationshipLoadFailureCountsAsFailure(t *testing.T) {
	plan := tier.Build([]tier.EntitySchema{{Name: "account"}}, []tier.Relationship{
		{Name: "account_contacts", FromEntity: "account", ToEntity: "contact"},
	})
	rows := fakeRows{rows: map[string][]platform.Row{"account": {{"name": "a"}}}}
	relations := fakeRelations{err: fmt.Errorf("could not load pairs")}

	o := newTestOrchestrator(t, plan, rows, relations, nil, false)
	result := o.Run(context.Background())

	if len(result.Relationships) != 1 || result.Relationships[0].FailureCount != 1 {
		t.Fatalf("expected one failed relationship outcome, got %+v", result.Relationships)
	}
	if result.RecordsFailed < 1 {
		t.Errorf("expected the relationship failure to count toward RecordsFailed")
	}
}
