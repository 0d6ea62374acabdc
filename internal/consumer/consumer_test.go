package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/gateway"
	"github.com/veilchat/backend/internal/storage"
)

// fakeStream is an in-memory StreamClient recording acks.
type fakeStream struct {
	mu      sync.Mutex
	entries []storage.StreamEntry
	acked   []string
	pending int64
	claimed []storage.StreamEntry
}

func (f *fakeStream) Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	return "", nil
}

func (f *fakeStream) CreateGroup(ctx context.Context, stream, group, start string) error {
	return nil
}

func (f *fakeStream) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]storage.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.entries
	f.entries = nil
	return out, nil
}

func (f *fakeStream) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return int64(len(ids)), nil
}

func (f *fakeStream) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]storage.StreamEntry, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.claimed
	f.claimed = nil
	return out, "0-0", nil
}

func (f *fakeStream) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	return f.pending, nil
}

func (f *fakeStream) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.acked...)
}

// fakeHub records broadcasts and can fail on demand.
type fakeHub struct {
	mu        sync.Mutex
	delivered []gateway.Envelope
	failWith  map[string]error // keyed by messageId
	presence  int
}

func (h *fakeHub) Broadcast(ctx context.Context, conversationID string, env gateway.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err, ok := h.failWith[env.Payload.Data.MessageID]; ok {
		return err
	}
	h.delivered = append(h.delivered, env)
	return nil
}

func (h *fakeHub) Presence(conversationID string) int { return h.presence }

func (h *fakeHub) messageIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.delivered))
	for i, env := range h.delivered {
		out[i] = env.Payload.Data.MessageID
	}
	return out
}

// fakeDLQ records dead letters and can fail without consequence.
type fakeDLQ struct {
	mu      sync.Mutex
	entries []DLQEntry
	err     error
}

func (d *fakeDLQ) Write(ctx context.Context, entry DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry)
	return d.err
}

func (d *fakeDLQ) reasons() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.Reason
	}
	return out
}

func entryFor(t *testing.T, brokerID, conv, msgID string, seq int64) storage.StreamEntry {
	t.Helper()
	payload, err := json.Marshal(core.BrokerEvent{
		V:              core.EnvelopeVersion,
		Type:           core.EventTypeMessageCreated,
		EventID:        "evt-" + msgID,
		MessageID:      msgID,
		ConversationID: conv,
		Seq:            seq,
		Ciphertext:     "AAEC",
		OccurredAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return storage.StreamEntry{ID: brokerID, Values: map[string]interface{}{"payload": string(payload)}}
}

func newTestConsumer(t *testing.T, stream *fakeStream, hub gateway.Hub, dlq DeadLetterer) *Consumer {
	t.Helper()
	c, err := New(stream, hub, dlq, nil, Config{
		Stream: "events", Group: "delivery", ConsumerName: "test-1",
	})
	require.NoError(t, err)
	return c
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	stream := &fakeStream{}
	hub := &fakeHub{presence: 1}
	c := newTestConsumer(t, stream, hub, &fakeDLQ{})

	c.processBatch(context.Background(), []storage.StreamEntry{
		entryFor(t, "1-0", "c1", "m1", 1),
		entryFor(t, "1-1", "c1", "m2", 2),
	})

	assert.Equal(t, []string{"m1", "m2"}, hub.messageIDs())
	assert.ElementsMatch(t, []string{"1-0", "1-1"}, stream.ackedIDs())
}

func TestConsumerDedupesRedeliveries(t *testing.T) {
	stream := &fakeStream{}
	hub := &fakeHub{presence: 1}
	c := newTestConsumer(t, stream, hub, &fakeDLQ{})
	ctx := context.Background()

	c.processBatch(ctx, []storage.StreamEntry{entryFor(t, "1-0", "c1", "m1", 1)})
	// The broker redelivers the same message under a new entry id.
	c.processBatch(ctx, []storage.StreamEntry{entryFor(t, "2-0", "c1", "m1", 1)})

	assert.Equal(t, []string{"m1"}, hub.messageIDs(), "broadcast exactly once per messageId")
	assert.ElementsMatch(t, []string{"1-0", "2-0"}, stream.ackedIDs(), "both copies acked")
}

func TestConsumerReordersWithinConversation(t *testing.T) {
	stream := &fakeStream{}
	hub := &fakeHub{presence: 1}
	c := newTestConsumer(t, stream, hub, &fakeDLQ{})

	// Out-of-order arrival within one batch.
	c.processBatch(context.Background(), []storage.StreamEntry{
		entryFor(t, "1-2", "c1", "m3", 3),
		entryFor(t, "1-0", "c1", "m1", 1),
		entryFor(t, "1-1", "c1", "m2", 2),
	})

	assert.Equal(t, []string{"m1", "m2", "m3"}, hub.messageIDs())
}

func TestConsumerPoisonEntryDeadLetteredAndAcked(t *testing.T) {
	stream := &fakeStream{}
	hub := &fakeHub{presence: 1}
	dlq := &fakeDLQ{}
	c := newTestConsumer(t, stream, hub, dlq)

	c.processBatch(context.Background(), []storage.StreamEntry{
		{ID: "1-0", Values: map[string]interface{}{"payload": `{"messageId":"m1","truncat`}},
		entryFor(t, "1-1", "c1", "m2", 1),
	})

	assert.Equal(t, []string{"m2"}, hub.messageIDs(), "healthy entry still delivered")
	assert.ElementsMatch(t, []string{"1-0", "1-1"}, stream.ackedIDs(), "poison entry acked, not re-read forever")
	assert.Equal(t, []string{"parse_error"}, dlq.reasons())
}

func TestConsumerMissingRequiredFieldIsPoison(t *testing.T) {
	stream := &fakeStream{}
	dlq := &fakeDLQ{}
	c := newTestConsumer(t, stream, &fakeHub{}, dlq)

	payload, _ := json.Marshal(map[string]interface{}{"messageId": "m1", "conversationId": "c1"})
	c.processBatch(context.Background(), []storage.StreamEntry{
		{ID: "1-0", Values: map[string]interface{}{"payload": string(payload)}},
	})

	assert.Equal(t, []string{"parse_error"}, dlq.reasons())
	assert.Equal(t, []string{"1-0"}, stream.ackedIDs())
}

func TestConsumerTransientErrorPausesConversation(t *testing.T) {
	stream := &fakeStream{}
	hub := &fakeHub{presence: 1, failWith: map[string]error{
		"m2": fmt.Errorf("socket buffers saturated"),
	}}
	c := newTestConsumer(t, stream, hub, &fakeDLQ{})

	c.processBatch(context.Background(), []storage.StreamEntry{
		entryFor(t, "1-0", "c1", "m1", 1),
		entryFor(t, "1-1", "c1", "m2", 2),
		entryFor(t, "1-2", "c1", "m3", 3),
	})

	// m1 delivered; m2 transient stops the drain; m3 must wait so ordering
	// holds.
	assert.Equal(t, []string{"m1"}, hub.messageIDs())
	assert.ElementsMatch(t, []string{"1-0"}, stream.ackedIDs())

	// The failure clears; the next drain resumes in order.
	hub.mu.Lock()
	delete(hub.failWith, "m2")
	hub.mu.Unlock()
	c.drainConversation(context.Background(), "c1")

	assert.Equal(t, []string{"m1", "m2", "m3"}, hub.messageIDs())
	assert.ElementsMatch(t, []string{"1-0", "1-1", "1-2"}, stream.ackedIDs())
}

func TestConsumerPermanentErrorDeadLettersAndContinues(t *testing.T) {
	stream := &fakeStream{}
	hub := &fakeHub{presence: 1, failWith: map[string]error{
		"m1": fmt.Errorf("frame rejected: %w", gateway.ErrPermanent),
	}}
	dlq := &fakeDLQ{}
	c := newTestConsumer(t, stream, hub, dlq)

	c.processBatch(context.Background(), []storage.StreamEntry{
		entryFor(t, "1-0", "c1", "m1", 1),
		entryFor(t, "1-1", "c1", "m2", 2),
	})

	assert.Equal(t, []string{"m2"}, hub.messageIDs(), "drain continues past a permanent failure")
	assert.ElementsMatch(t, []string{"1-0", "1-1"}, stream.ackedIDs())
	assert.Equal(t, []string{"permanent_error"}, dlq.reasons())
}

func TestConsumerDLQFailureNeverBlocksAck(t *testing.T) {
	stream := &fakeStream{}
	dlq := &fakeDLQ{err: assert.AnError}
	c := newTestConsumer(t, stream, &fakeHub{}, dlq)

	c.processBatch(context.Background(), []storage.StreamEntry{
		{ID: "1-0", Values: map[string]interface{}{"payload": "not json at all"}},
	})

	assert.Equal(t, []string{"1-0"}, stream.ackedIDs(), "ack happens even when the DLQ is down")
}

func TestConsumerReclaimProcessesAbandonedEntries(t *testing.T) {
	stream := &fakeStream{
		claimed: []storage.StreamEntry{entryFor(t, "9-0", "c1", "m9", 1)},
		pending: 4,
	}
	hub := &fakeHub{presence: 1}
	c := newTestConsumer(t, stream, hub, &fakeDLQ{})

	c.reclaim(context.Background())

	assert.Equal(t, []string{"m9"}, hub.messageIDs())
	assert.ElementsMatch(t, []string{"9-0"}, stream.ackedIDs())
}

func TestConsumerCrossConversationIndependence(t *testing.T) {
	stream := &fakeStream{}
	hub := &fakeHub{presence: 1, failWith: map[string]error{
		"m1": fmt.Errorf("temporarily unavailable"),
	}}
	c := newTestConsumer(t, stream, hub, &fakeDLQ{})

	c.processBatch(context.Background(), []storage.StreamEntry{
		entryFor(t, "1-0", "c1", "m1", 1),
		entryFor(t, "1-1", "c2", "m2", 1),
	})

	// c1 is paused; c2 is unaffected.
	assert.Equal(t, []string{"m2"}, hub.messageIDs())
	assert.ElementsMatch(t, []string{"1-1"}, stream.ackedIDs())
}

func TestConsumerStartStopDrainsBuffers(t *testing.T) {
	stream := &fakeStream{}
	hub := &fakeHub{presence: 1}
	c := newTestConsumer(t, stream, hub, &fakeDLQ{})

	require.NoError(t, c.Start(context.Background()))

	// Park an undelivered entry in a buffer by failing it transiently.
	hub.mu.Lock()
	hub.failWith = map[string]error{"m1": fmt.Errorf("busy")}
	hub.mu.Unlock()
	c.processBatch(context.Background(), []storage.StreamEntry{entryFor(t, "1-0", "c1", "m1", 1)})

	hub.mu.Lock()
	hub.failWith = nil
	hub.mu.Unlock()

	c.Stop()
	assert.Equal(t, []string{"m1"}, hub.messageIDs(), "final drain delivers what the pause held back")
}
