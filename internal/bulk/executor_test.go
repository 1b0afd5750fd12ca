package bulk

import (
	"context"
	"errors"
	"testing"

	"github.com/r3edge-labs/dataverse-migrate/internal/connection"
	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/progress"
	"github.com/r3edge-labs/dataverse-migrate/internal/retrypolicy"
	"github.com/r3edge-labs/dataverse-migrate/internal/throttle"
)

var errRequiredField = errors.New("required field missing")

// newTestExecutor builds an Executor over a single-source pool whose
// FakeClient answers bulk calls through script.
func newTestExecutor(t *testing.T, script func(call int, entity string, rows []platform.Row) (*platform.BulkResponse, *platform.Fault)) (*Executor, *connection.Pool) {
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
	exec := New(pool, policy, Config{ConfiguredParallelism: 4}, nil)
	return exec, pool
}

type constProvider struct{ client platform.Client }

func (p constProvider) Authenticate(ctx context.Context, cred platform.Credential) (platform.Client, *platform.InitFailure) {
	return p.client, nil
}

func rowsOf(n int) []platform.Row {
	rows := make([]platform.Row, n)
	for i := range rows {
		rows[i] = platform.Row{"name": "row"}
	}
	return rows
}

func TestExecute_EmptyRequest_NoNetworkCalls(t *testing.T) {
	exec, _ := newTestExecutor(t, nil)
	sink := progress.NewChannel()

	result := exec.Execute(context.Background(), Request{Entity: "account", Operation: platform.OpCreate}, sink)
	if result.SuccessCount != 0 || result.FailureCount != 0 {
		t.Fatalf("expected zero counts for empty request, got %+v", result)
	}
	if len(sink.Drain()) != 0 {
		t.Errorf("expected no progress events for an empty request")
	}
}

func TestExecute_AllRowsSucceed(t *testing.T) {
	exec, _ := newTestExecutor(t, nil)
	sink := progress.NewChannel()

	req := Request{Entity: "account", Operation: platform.OpCreate, Rows: rowsOf(5), MaxBatchSize: 100}
	result := exec.Execute(context.Background(), req, sink)

	if result.SuccessCount != 5 || result.FailureCount != 0 {
		t.Fatalf("expected 5 successes, got %+v", result)
	}
}

func TestExecute_BulkRefusal_FallsBackPerRow(t *testing.T) {
	script := func(call int, entity string, rows []platform.Row) (*platform.BulkResponse, *platform.Fault) {
		return nil, &platform.Fault{StatusCode: 400, Message: "create_multiple is not enabled on the entity " + entity}
	}
	exec, _ := newTestExecutor(t, script)
	sink := progress.NewChannel()

	req := Request{Entity: "account", Operation: platform.OpCreate, Rows: rowsOf(10), MaxBatchSize: 100}
	result := exec.Execute(context.Background(), req, sink)

	if !result.BulkRefused {
		t.Errorf("expected BulkRefused=true")
	}
	if result.SuccessCount != 10 {
		t.Errorf("expected all 10 rows to succeed via per-row fallback, got %d", result.SuccessCount)
	}

	sawWarning := false
	for _, ev := range sink.Drain() {
		if ev.Kind == progress.Warning {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Errorf("expected a BulkNotSupported warning event")
	}
}

func TestExecute_ContinueOnError_ProcessesAllBatches(t *testing.T) {
	script := func(call int, entity string, rows []platform.Row) (*platform.BulkResponse, *platform.Fault) {
		results := make([]platform.RowResult, len(rows))
		for i := range rows {
			if call == 0 {
				results[i] = platform.RowResult{Index: i, Err: errRequiredField}
			} else {
				results[i] = platform.RowResult{Index: i, ID: "ok"}
			}
		}
		return &platform.BulkResponse{Results: results}, nil
	}
	exec, _ := newTestExecutor(t, script)
	sink := progress.NewChannel()

	req := Request{Entity: "account", Operation: platform.OpCreate, Rows: rowsOf(20), MaxBatchSize: 10, ContinueOnError: true}
	result := exec.Execute(context.Background(), req, sink)

	if result.SuccessCount+result.FailureCount != 20 {
		t.Fatalf("expected all 20 rows accounted for, got success=%d failure=%d", result.SuccessCount, result.FailureCount)
	}
}

func TestExecute_DeleteOperation(t *testing.T) {
	exec, _ := newTestExecutor(t, nil)
	sink := progress.NewChannel()

	req := Request{Entity: "account", Operation: platform.OpDelete, DeleteIDs: []string{"1", "2", "3"}, MaxBatchSize: 10}
	result := exec.Execute(context.Background(), req, sink)

	if result.SuccessCount != 3 {
		t.Fatalf("expected 3 deletes to succeed, got %+v", result)
	}
}
