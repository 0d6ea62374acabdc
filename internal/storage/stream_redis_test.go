package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/backend/internal/core"
)

// fakeStreamClient queues entries for ReadGroup and records every call.
type fakeStreamClient struct {
	mu      sync.Mutex
	entries []StreamEntry
	acked   []string
	groups  []string

	appendErr error
	groupErr  error
}

func (c *fakeStreamClient) Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.appendErr != nil {
		return "", c.appendErr
	}
	id := fmt.Sprintf("%d-0", len(c.entries)+1)
	c.entries = append(c.entries, StreamEntry{ID: id, Values: values})
	return id, nil
}

func (c *fakeStreamClient) CreateGroup(ctx context.Context, stream, group, start string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groupErr != nil {
		return c.groupErr
	}
	c.groups = append(c.groups, stream+"/"+group)
	return nil
}

func (c *fakeStreamClient) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error) {
	c.mu.Lock()
	out := c.entries
	c.entries = nil
	c.mu.Unlock()

	if len(out) == 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (c *fakeStreamClient) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, ids...)
	return int64(len(ids)), nil
}

func (c *fakeStreamClient) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]StreamEntry, string, error) {
	return nil, "0-0", nil
}

func (c *fakeStreamClient) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	return 0, nil
}

func (c *fakeStreamClient) groupCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.groups...)
}

func TestStreamAdapterKeyNaming(t *testing.T) {
	a := NewRedisStreamAdapter(&fakeStreamClient{}, RedisStreamConfig{KeyPrefix: "veil", GroupPrefix: "veil-grp"})

	assert.Equal(t, "veil:events:messages", a.StreamKey("events", "messages"))

	cursor := a.NewCursor("events", "messages")
	assert.Equal(t, "veil-grp:events:messages", cursor.ID)
	assert.Equal(t, "events", cursor.Namespace)
	assert.Equal(t, "messages", cursor.Stream)
}

func TestStreamAdapterPublish(t *testing.T) {
	client := &fakeStreamClient{}
	a := NewRedisStreamAdapter(client, RedisStreamConfig{KeyPrefix: "veil"})

	msg, err := a.Publish(context.Background(), "events", "messages",
		json.RawMessage(`{"messageId":"m1"}`), map[string]string{"origin": "test"})
	require.NoError(t, err)
	assert.Equal(t, "1-0", msg.ID)
	assert.Equal(t, AtLeastOnce, msg.Acknowledgment.DeliveryGuarantee)

	require.Len(t, client.entries, 1)
	assert.Equal(t, `{"messageId":"m1"}`, client.entries[0].Values["payload"])
	assert.Equal(t, "test", client.entries[0].Values["origin"])
}

func TestStreamAdapterPublishRejectsInvalidPayload(t *testing.T) {
	a := NewRedisStreamAdapter(&fakeStreamClient{}, RedisStreamConfig{})

	_, err := a.Publish(context.Background(), "events", "messages", json.RawMessage(`{broken`), nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
}

func TestStreamAdapterPublishRejectsReservedHeader(t *testing.T) {
	a := NewRedisStreamAdapter(&fakeStreamClient{}, RedisStreamConfig{})

	_, err := a.Publish(context.Background(), "events", "messages",
		json.RawMessage(`{}`), map[string]string{"payload": "x"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
}

func TestStreamAdapterSubscribeRequiresCursor(t *testing.T) {
	a := NewRedisStreamAdapter(&fakeStreamClient{}, RedisStreamConfig{})

	_, err := a.Subscribe(context.Background(), StreamCursor{Namespace: "events", Stream: "messages"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
}

func TestStreamAdapterSubscribeDeliversEntries(t *testing.T) {
	client := &fakeStreamClient{}
	a := NewRedisStreamAdapter(client, RedisStreamConfig{Block: 10 * time.Millisecond})

	_, err := a.Publish(context.Background(), "events", "messages",
		json.RawMessage(`{"messageId":"m1"}`), map[string]string{"origin": "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.Subscribe(ctx, a.NewCursor("events", "messages"))
	require.NoError(t, err)

	select {
	case result := <-ch:
		require.NoError(t, result.ParseErr)
		assert.Equal(t, json.RawMessage(`{"messageId":"m1"}`), result.Message.Payload)
		assert.Equal(t, "test", result.Message.Headers["origin"])
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open, "channel closes on cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed")
	}
	require.NoError(t, a.Close())
}

func TestStreamAdapterDeliversUnparseableEntriesWithParseErr(t *testing.T) {
	client := &fakeStreamClient{
		entries: []StreamEntry{{ID: "9-0", Values: map[string]interface{}{"payload": "{broken"}}},
	}
	a := NewRedisStreamAdapter(client, RedisStreamConfig{Block: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.Subscribe(ctx, a.NewCursor("events", "messages"))
	require.NoError(t, err)

	select {
	case result := <-ch:
		require.Error(t, result.ParseErr)
		assert.Equal(t, "9-0", result.Entry.ID, "entry id survives so the consumer can ack it")
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestStreamAdapterGroupBootstrapIsCached(t *testing.T) {
	client := &fakeStreamClient{}
	a := NewRedisStreamAdapter(client, RedisStreamConfig{Block: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cursor := a.NewCursor("events", "messages")
	_, err := a.Subscribe(ctx, cursor)
	require.NoError(t, err)
	_, err = a.Subscribe(ctx, cursor)
	require.NoError(t, err)

	assert.Len(t, client.groupCalls(), 1)
}

func TestStreamAdapterToleratesBusyGroup(t *testing.T) {
	client := &fakeStreamClient{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}
	a := NewRedisStreamAdapter(client, RedisStreamConfig{Block: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := a.Subscribe(ctx, a.NewCursor("events", "messages"))
	assert.NoError(t, err)
}

func TestStreamAdapterAckEmptyIsNoop(t *testing.T) {
	client := &fakeStreamClient{}
	a := NewRedisStreamAdapter(client, RedisStreamConfig{})

	require.NoError(t, a.Ack(context.Background(), a.NewCursor("events", "messages")))
	assert.Empty(t, client.acked)
}

func TestMapRedisStreamError(t *testing.T) {
	assert.NoError(t, mapRedisStreamError(nil))

	err := mapRedisStreamError(context.DeadlineExceeded)
	assert.True(t, core.IsKind(err, core.KindTimeout))

	err = mapRedisStreamError(errors.New("NOGROUP No such consumer group"))
	assert.True(t, core.IsKind(err, core.KindConsistency))

	err = mapRedisStreamError(errors.New("connection refused"))
	assert.True(t, core.IsKind(err, core.KindTransientAdapter))

	tagged := core.E(core.KindNotFound, "gone")
	assert.Equal(t, tagged, mapRedisStreamError(tagged))
}
