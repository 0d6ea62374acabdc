package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/backend/internal/cache"
	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/core"
)

// fakeRecords is an in-memory RecordAdapter with call accounting.
type fakeRecords struct {
	rows   map[string]Record
	gets   atomic.Int64
	getErr error
	delay  time.Duration
}

func newFakeRecords() *fakeRecords { return &fakeRecords{rows: make(map[string]Record)} }

func (a *fakeRecords) Init(ctx context.Context) error { return nil }
func (a *fakeRecords) Close() error                   { return nil }

func (a *fakeRecords) Upsert(ctx context.Context, namespace string, rec Record, opts UpsertOptions) (Record, error) {
	rec.Namespace = namespace
	rec.VersionID = "v" + rec.ID
	rec.UpdatedAt = time.Now()
	a.rows[namespace+"/"+rec.ID] = rec
	return rec, nil
}

func (a *fakeRecords) Get(ctx context.Context, ref ObjectReference) (Record, error) {
	a.gets.Add(1)
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	if a.getErr != nil {
		return Record{}, a.getErr
	}
	rec, ok := a.rows[ref.Namespace+"/"+ref.ID]
	if !ok {
		return Record{}, core.Ef(core.KindNotFound, "record %s not found", ref.ID)
	}
	return rec, nil
}

func (a *fakeRecords) Delete(ctx context.Context, ref ObjectReference, opts DeleteOptions) error {
	delete(a.rows, ref.Namespace+"/"+ref.ID)
	return nil
}

func (a *fakeRecords) Query(ctx context.Context, namespace string, q Query, page Page) (QueryResult, error) {
	return QueryResult{}, nil
}

const facadeTestConfig = `
schemaVersion: 1
recordAdapters:
  - namespaces: messages
    adapter: mem
consistency:
  stalenessBudgetMs: 100
`

func newTestFacade(t *testing.T, adapter *fakeRecords, opts FacadeOptions) *Facade {
	t.Helper()
	cfg, err := ParseConfig([]byte(facadeTestConfig))
	require.NoError(t, err)

	f, err := NewFacade(cfg, Registry{Records: map[string]RecordAdapter{"mem": adapter}}, opts)
	require.NoError(t, err)
	return f
}

func newTestCache(t *testing.T, budget time.Duration) *cache.Manager {
	t.Helper()
	provider, err := cache.NewMemoryProvider(64)
	require.NoError(t, err)
	return cache.NewManager(provider, cache.Options{TTL: time.Minute, StalenessBudget: budget})
}

func seed(t *testing.T, adapter *fakeRecords, id string) {
	t.Helper()
	_, err := adapter.Upsert(context.Background(), "messages", Record{
		ID:   id,
		Data: map[string]interface{}{"seq": float64(1)},
	}, UpsertOptions{})
	require.NoError(t, err)
}

func TestFacadeReadThroughPopulatesCache(t *testing.T) {
	adapter := newFakeRecords()
	seed(t, adapter, "m1")
	f := newTestFacade(t, adapter, FacadeOptions{
		Cache:           newTestCache(t, time.Minute),
		StalenessBudget: time.Minute,
	})

	ref := ObjectReference{Namespace: "messages", ID: "m1"}

	rec, err := f.GetRecord(context.Background(), ref, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID)
	assert.EqualValues(t, 1, adapter.gets.Load())

	// Fresh within budget: the second strong read is served from cache.
	rec, err = f.GetRecord(context.Background(), ref, ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID)
	assert.EqualValues(t, 1, adapter.gets.Load())
}

func TestFacadeStrongReadRejectsStaleEntry(t *testing.T) {
	adapter := newFakeRecords()
	seed(t, adapter, "m1")
	f := newTestFacade(t, adapter, FacadeOptions{
		Cache:           newTestCache(t, 5*time.Millisecond),
		StalenessBudget: 5 * time.Millisecond,
	})

	ref := ObjectReference{Namespace: "messages", ID: "m1"}
	_, err := f.GetRecord(context.Background(), ref, ReadOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, adapter.gets.Load())

	time.Sleep(20 * time.Millisecond)

	// Entry is beyond the budget: strong must reload from the backend.
	_, err = f.GetRecord(context.Background(), ref, ReadOptions{Consistency: ConsistencyStrong})
	require.NoError(t, err)
	assert.EqualValues(t, 2, adapter.gets.Load())
}

func TestFacadeEventualServesStaleEntry(t *testing.T) {
	adapter := newFakeRecords()
	seed(t, adapter, "m1")
	f := newTestFacade(t, adapter, FacadeOptions{
		Cache:           newTestCache(t, 5*time.Millisecond),
		StalenessBudget: 5 * time.Millisecond,
	})

	ref := ObjectReference{Namespace: "messages", ID: "m1"}
	_, err := f.GetRecord(context.Background(), ref, ReadOptions{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	rec, err := f.GetRecord(context.Background(), ref, ReadOptions{Consistency: ConsistencyEventual})
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ID)
	assert.EqualValues(t, 1, adapter.gets.Load(), "eventual never touches the backend on a cached key")
}

func TestFacadeCacheOnlyMissIsNotFound(t *testing.T) {
	adapter := newFakeRecords()
	seed(t, adapter, "m1")
	f := newTestFacade(t, adapter, FacadeOptions{Cache: newTestCache(t, time.Minute)})

	ref := ObjectReference{Namespace: "messages", ID: "m1"}
	_, err := f.GetRecord(context.Background(), ref, ReadOptions{Consistency: ConsistencyCacheOnly})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
	assert.EqualValues(t, 0, adapter.gets.Load(), "cache_only never touches the backend")
}

func TestFacadeCacheOnlyWithoutCacheIsNotFound(t *testing.T) {
	adapter := newFakeRecords()
	f := newTestFacade(t, adapter, FacadeOptions{})

	_, err := f.GetRecord(context.Background(),
		ObjectReference{Namespace: "messages", ID: "m1"},
		ReadOptions{Consistency: ConsistencyCacheOnly})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindNotFound))
}

func TestFacadeBypassCacheForcesBackendRead(t *testing.T) {
	adapter := newFakeRecords()
	seed(t, adapter, "m1")
	f := newTestFacade(t, adapter, FacadeOptions{Cache: newTestCache(t, time.Minute)})

	ref := ObjectReference{Namespace: "messages", ID: "m1"}
	_, err := f.GetRecord(context.Background(), ref, ReadOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, adapter.gets.Load())

	_, err = f.GetRecord(context.Background(), ref, ReadOptions{BypassCache: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, adapter.gets.Load())
}

func TestFacadeUpsertInvalidatesCache(t *testing.T) {
	adapter := newFakeRecords()
	seed(t, adapter, "m1")
	f := newTestFacade(t, adapter, FacadeOptions{Cache: newTestCache(t, time.Minute)})

	ref := ObjectReference{Namespace: "messages", ID: "m1"}
	_, err := f.GetRecord(context.Background(), ref, ReadOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, adapter.gets.Load())

	_, err = f.UpsertRecord(context.Background(), "messages", Record{
		ID:   "m1",
		Data: map[string]interface{}{"seq": float64(2)},
	}, UpsertOptions{}, CallOptions{})
	require.NoError(t, err)

	// Even an eventual read must go to the backend after the invalidation.
	rec, err := f.GetRecord(context.Background(), ref, ReadOptions{Consistency: ConsistencyEventual})
	require.NoError(t, err)
	assert.EqualValues(t, 2, adapter.gets.Load())
	assert.Equal(t, float64(2), rec.Data["seq"])
}

func TestFacadeUnknownNamespace(t *testing.T) {
	f := newTestFacade(t, newFakeRecords(), FacadeOptions{})

	_, err := f.GetRecord(context.Background(),
		ObjectReference{Namespace: "nope", ID: "m1"}, ReadOptions{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindUnknown))
}

func TestFacadeTimeoutRace(t *testing.T) {
	adapter := newFakeRecords()
	seed(t, adapter, "m1")
	adapter.delay = 200 * time.Millisecond
	f := newTestFacade(t, adapter, FacadeOptions{})

	_, err := f.GetRecord(context.Background(),
		ObjectReference{Namespace: "messages", ID: "m1"},
		ReadOptions{Timeout: 10 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTimeout))
}

func TestFacadeBreakerOpenFailsFast(t *testing.T) {
	adapter := newFakeRecords()
	seed(t, adapter, "m1")

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:             "storage",
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	})
	breaker.RecordFailure()

	f := newTestFacade(t, adapter, FacadeOptions{Breaker: breaker})

	_, err := f.GetRecord(context.Background(),
		ObjectReference{Namespace: "messages", ID: "m1"}, ReadOptions{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindTransientAdapter))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.EqualValues(t, 0, adapter.gets.Load())
}

func TestFacadeSubscribeRequiresCursor(t *testing.T) {
	f := newTestFacade(t, newFakeRecords(), FacadeOptions{})

	_, err := f.Subscribe(context.Background(), StreamCursor{Namespace: "events"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
}
