package participant

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV is an in-memory KVClient with a loopback pub/sub channel.
type fakeKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	handlers map[string][]func([]byte)
	getErr   error
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data:     make(map[string][]byte),
		handlers: make(map[string][]func([]byte)),
	}
}

func (f *fakeKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeKV) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeKV) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(string(f.data[key]), 10, 64)
	n++
	f.data[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (f *fakeKV) Publish(ctx context.Context, channel string, message []byte) error {
	f.mu.Lock()
	handlers := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (f *fakeKV) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	return func() {}, nil
}

func TestCacheMissThenPopulate(t *testing.T) {
	kv := newFakeKV()
	c := NewCache(kv, Config{})
	ctx := context.Background()

	entry, err := c.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, entry, "cold cache must miss")

	require.NoError(t, c.Set(ctx, "conv-1", []string{"alice", "bob"}))

	entry, err = c.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Contains("alice"))
	assert.False(t, entry.Contains("mallory"))
	assert.Equal(t, int64(1), entry.Version)
}

func TestCacheInvalidateBumpsVersion(t *testing.T) {
	kv := newFakeKV()
	c := NewCache(kv, Config{})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "conv-1", []string{"alice"}))
	require.NoError(t, c.Invalidate(ctx, "conv-1"))

	// The old versioned entry still exists in KV but is unreachable: the
	// counter now points past it.
	entry, err := c.Get(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, entry, "stale version must not be served after invalidation")

	// Repopulating lands under the new version.
	require.NoError(t, c.Set(ctx, "conv-1", []string{"alice", "carol"}))
	entry, err = c.Get(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(2), entry.Version)
	assert.True(t, entry.Contains("carol"))
}

func TestCacheFirstInvalidationOutrunsDefaultVersion(t *testing.T) {
	kv := newFakeKV()
	c := NewCache(kv, Config{})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Close()

	// Entries written before any bump sit under the default version 1; the
	// very first bump must move the counter past them, both in the counter
	// key and in the fan-out payload.
	var fanout []int64
	_, err := kv.Subscribe(ctx, c.cfg.Channel, func(data []byte) {
		var msg invalidationMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		fanout = append(fanout, msg.Version)
	})
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "conv-8", []string{"alice"}))
	require.NoError(t, c.Invalidate(ctx, "conv-8"))

	raw, ok, err := kv.Get(ctx, counterKey("conv-8"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(raw))
	assert.Equal(t, []int64{2}, fanout)

	entry, err := c.Get(ctx, "conv-8")
	require.NoError(t, err)
	assert.Nil(t, entry, "the pre-bump entry must be unreachable")
}

func TestCachePeerInvalidationDropsLocal(t *testing.T) {
	kv := newFakeKV()
	a := NewCache(kv, Config{})
	b := NewCache(kv, Config{})
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	defer a.Close()
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	require.NoError(t, a.Set(ctx, "conv-9", []string{"alice"}))

	// b warms its local map from the shared entry.
	entry, err := b.Get(ctx, "conv-9")
	require.NoError(t, err)
	require.NotNil(t, entry)

	// a invalidates; the fan-out must evict b's local copy so b's next read
	// consults the counter and misses.
	require.NoError(t, a.Invalidate(ctx, "conv-9"))

	entry, err = b.Get(ctx, "conv-9")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCacheIgnoresMalformedInvalidation(t *testing.T) {
	kv := newFakeKV()
	c := NewCache(kv, Config{})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Close()
	require.NoError(t, c.Set(ctx, "conv-2", []string{"alice"}))

	require.NoError(t, kv.Publish(ctx, c.cfg.Channel, []byte("{not json")))
	require.NoError(t, kv.Publish(ctx, c.cfg.Channel, []byte(`{"version":3}`)))

	entry, err := c.Get(ctx, "conv-2")
	require.NoError(t, err)
	require.NotNil(t, entry, "malformed invalidations must not evict")
}

func TestCacheStaleVersionInFanoutIsIgnored(t *testing.T) {
	kv := newFakeKV()
	c := NewCache(kv, Config{})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	defer c.Close()
	require.NoError(t, c.Set(ctx, "conv-3", []string{"alice"}))

	// A replayed fan-out carrying an old version must not evict a newer
	// local entry.
	msg, _ := json.Marshal(invalidationMessage{ConversationID: "conv-3", Version: 0})
	require.NoError(t, kv.Publish(ctx, c.cfg.Channel, msg))

	c.mu.RLock()
	_, ok := c.local["conv-3"]
	c.mu.RUnlock()
	assert.True(t, ok)
}

func TestCacheNegativeEntryOptIn(t *testing.T) {
	ctx := context.Background()

	// Disabled by default: SetNegative is a no-op.
	off := NewCache(newFakeKV(), Config{})
	require.NoError(t, off.SetNegative(ctx, "conv-4"))
	entry, err := off.Get(ctx, "conv-4")
	require.NoError(t, err)
	assert.Nil(t, entry)

	// Enabled: the empty membership is cached and marked negative.
	on := NewCache(newFakeKV(), Config{NegativeTTL: 30 * time.Second})
	require.NoError(t, on.SetNegative(ctx, "conv-4"))
	entry, err = on.Get(ctx, "conv-4")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Negative)
	assert.False(t, entry.Contains("anyone"))
}

func TestCachePropagatesKVErrors(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = assert.AnError
	c := NewCache(kv, Config{})

	_, err := c.Get(context.Background(), "conv-5")
	require.Error(t, err)
}
