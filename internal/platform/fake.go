package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeClient is an in-memory Client used by the test suite to simulate
// throttling, bulk refusal, and business-rule failures without a network
// dependency, mirroring the teacher's in-package test doubles.
type FakeClient struct {
	mu sync.Mutex

	// Script, if non-nil, is called for every bulk operation and returns the
	// fault/response to simulate. Index is the call count for this client.
	Script func(call int, entity string, rows []Row) (*BulkResponse, *Fault)

	Store map[string]map[string]Row // entity -> id -> row

	calls int
}

// NewFakeClient returns a ready FakeClient with an empty store.
func NewFakeClient() *FakeClient {
	return &FakeClient{Store: make(map[string]map[string]Row)}
}

func (f *FakeClient) Execute(ctx context.Context, messageName string, payload Row) (Row, *Fault, error) {
	return payload, nil, nil
}

func (f *FakeClient) Create(ctx context.Context, entity string, row Row) (string, *Fault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("%s-%d", entity, len(f.Store[entity])+1)
	if f.Store[entity] == nil {
		f.Store[entity] = make(map[string]Row)
	}
	f.Store[entity][id] = row
	return id, nil, nil
}

func (f *FakeClient) Update(ctx context.Context, entity, id string, row Row) (*Fault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Store[entity] == nil {
		f.Store[entity] = make(map[string]Row)
	}
	f.Store[entity][id] = row
	return nil, nil
}

func (f *FakeClient) Delete(ctx context.Context, entity, id string) (*Fault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Store[entity], id)
	return nil, nil
}

func (f *FakeClient) RetrieveMultiple(ctx context.Context, query Query) ([]Row, *Fault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]Row, 0, len(f.Store[query.EntityName]))
	for _, r := range f.Store[query.EntityName] {
		rows = append(rows, r)
	}
	return rows, nil, nil
}

func (f *FakeClient) Associate(ctx context.Context, pairs []AssociatePair) (*Fault, error) {
	return nil, nil
}

func (f *FakeClient) Disassociate(ctx context.Context, pairs []AssociatePair) (*Fault, error) {
	return nil, nil
}

func (f *FakeClient) bulk(ctx context.Context, entity string, rows []Row) (*BulkResponse, *Fault, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	script := f.Script
	f.mu.Unlock()

	start := time.Now()
	if script != nil {
		resp, fault := script(call, entity, rows)
		if fault != nil {
			return nil, fault, nil
		}
		if resp != nil {
			resp.Duration = int64(time.Since(start))
			return resp, nil, nil
		}
	}

	results := make([]RowResult, len(rows))
	for i, row := range rows {
		id, _, _ := f.Create(ctx, entity, row)
		results[i] = RowResult{Index: i, ID: id, Created: true}
	}
	return &BulkResponse{Results: results, Duration: int64(time.Since(start))}, nil, nil
}

func (f *FakeClient) CreateMultiple(ctx context.Context, entity string, rows []Row, bypassPlugins, bypassFlows bool) (*BulkResponse, *Fault, error) {
	return f.bulk(ctx, entity, rows)
}

func (f *FakeClient) UpdateMultiple(ctx context.Context, entity string, rows []Row, bypassPlugins, bypassFlows bool) (*BulkResponse, *Fault, error) {
	return f.bulk(ctx, entity, rows)
}

func (f *FakeClient) UpsertMultiple(ctx context.Context, entity string, rows []Row, bypassPlugins, bypassFlows bool) (*BulkResponse, *Fault, error) {
	return f.bulk(ctx, entity, rows)
}

func (f *FakeClient) DeleteMultiple(ctx context.Context, entity string, ids []string) (*BulkResponse, *Fault, error) {
	rows := make([]Row, len(ids))
	return f.bulk(ctx, entity, rows)
}

func (f *FakeClient) RetrieveEntityMetadata(ctx context.Context, entity string) (*EntityMetadata, error) {
	return &EntityMetadata{LogicalName: entity}, nil
}
