// Package consumer reads committed message events from the broker stream and
// delivers them to connected clients: per-conversation reordering, dedupe by
// message id, bounded backpressure through the gateway, and pending-entry
// hygiene for work abandoned by crashed peers.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/gateway"
	"github.com/veilchat/backend/internal/metrics"
	"github.com/veilchat/backend/internal/notify"
	"github.com/veilchat/backend/internal/storage"
)

// Config identifies the consumer and tunes its loops. The process must be a
// singleton per (Stream, Group, ConsumerName): the broker tracks pending
// entries per consumer name, and two processes sharing one name would steal
// each other's deliveries.
type Config struct {
	Stream       string
	Group        string
	ConsumerName string

	// BatchSize bounds one blocking read (default 128).
	BatchSize int64
	// Block is the read timeout; an empty read just continues (default 1s).
	Block time.Duration
	// PELHygieneInterval paces the autoclaim sweep (default 30s).
	PELHygieneInterval time.Duration
	// MinIdle is how long an entry must sit unacked with a dead peer before
	// this consumer claims it (default 30s).
	MinIdle time.Duration
	// DedupeSize bounds the delivered-set LRU (default 65536).
	DedupeSize int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// pending is one reorder-buffer slot: the broker entry id plus its parsed
// event.
type pending struct {
	brokerID string
	event    core.BrokerEvent
}

// Consumer is the broker→hub delivery worker. The delivered set and the
// reorder buffers are touched only from the consumer's own goroutines.
type Consumer struct {
	client   storage.StreamClient
	hub      gateway.Hub
	dlq      DeadLetterer
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger

	delivered *lru.Cache[string, struct{}]

	mu      sync.Mutex
	buffers map[string][]pending

	// drainMu serializes drains between the read loop and the hygiene
	// loop, keeping per-conversation ordering single-threaded.
	drainMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the consumer. notifier may be nil.
func New(client storage.StreamClient, hub gateway.Hub, dlq DeadLetterer, notifier notify.Notifier, cfg Config) (*Consumer, error) {
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, core.E(core.KindValidationFailed, "consumer requires stream and group")
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "consumer-" + uuid.New().String()[:8]
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.PELHygieneInterval <= 0 {
		cfg.PELHygieneInterval = 30 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 30 * time.Second
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 65536
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}

	delivered, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:    client,
		hub:       hub,
		dlq:       dlq,
		notifier:  notifier,
		cfg:       cfg,
		logger:    cfg.Logger,
		delivered: delivered,
		buffers:   make(map[string][]pending),
	}, nil
}

// Start bootstraps the consumer group and launches the read and hygiene
// loops.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.hygieneLoop(ctx)

	c.logger.Info("[Consumer] started",
		"stream", c.cfg.Stream, "group", c.cfg.Group, "consumer", c.cfg.ConsumerName)
	return nil
}

// Stop cancels the loops, drains every non-empty reorder buffer one last
// time, and waits for the loops to exit.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	convs := make([]string, 0, len(c.buffers))
	for conv, buf := range c.buffers {
		if len(buf) > 0 {
			convs = append(convs, conv)
		}
	}
	c.mu.Unlock()

	for _, conv := range convs {
		c.drainConversation(drainCtx, conv)
	}
	c.logger.Info("[Consumer] stopped", "group", c.cfg.Group)
}

// ensureGroup creates the consumer group, tolerating a pre-existing one.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.CreateGroup(ctx, c.cfg.Stream, c.cfg.Group, "0")
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", c.cfg.Group, err)
	}
	return nil
}

func (c *Consumer) readLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := c.client.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group,
			c.cfg.ConsumerName, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("[Consumer] read failed", "group", c.cfg.Group, "error", err)
			select {
			case <-time.After(c.cfg.Block):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		c.processBatch(ctx, entries)
	}
}

// processBatch parses a batch into the reorder buffers and drains every
// conversation the batch touched. Unparseable entries are dead-lettered and
// acked right away; they never enter a buffer.
func (c *Consumer) processBatch(ctx context.Context, entries []storage.StreamEntry) {
	var poisonAcks []string
	touched := make(map[string]bool)

	for _, entry := range entries {
		event, err := c.parseEntry(entry)
		if err != nil {
			c.deadLetter(ctx, entry, event, "parse_error")
			poisonAcks = append(poisonAcks, entry.ID)
			c.countFailure("parse_error")
			c.countEvent("parse_error")
			continue
		}

		c.mu.Lock()
		c.buffers[event.ConversationID] = append(c.buffers[event.ConversationID],
			pending{brokerID: entry.ID, event: event})
		c.mu.Unlock()
		touched[event.ConversationID] = true
	}

	c.ack(ctx, poisonAcks)

	for conv := range touched {
		c.drainConversation(ctx, conv)
	}
}

// parseEntry extracts and validates the event payload. The partially parsed
// event is returned even on failure so the dead-letter row can carry
// whatever ids survived.
func (c *Consumer) parseEntry(entry storage.StreamEntry) (core.BrokerEvent, error) {
	raw, _ := entry.Values["payload"].(string)

	var event core.BrokerEvent
	if raw == "" {
		return event, core.Ef(core.KindValidationFailed, "entry %s has no payload", entry.ID)
	}
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return event, core.Wrap(core.KindValidationFailed, "entry payload is not valid JSON", err)
	}
	if err := event.Validate(); err != nil {
		return event, err
	}
	return event, nil
}

// drainConversation sorts the conversation's buffer by seq and delivers in
// order. Deduped and permanently failed entries are staged for ack alongside
// successes; a transient failure stops the drain and leaves the rest pending
// in both the buffer and the broker PEL.
func (c *Consumer) drainConversation(ctx context.Context, conv string) {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	c.mu.Lock()
	buf := c.buffers[conv]
	if len(buf) == 0 {
		delete(c.buffers, conv)
		c.mu.Unlock()
		return
	}
	sort.SliceStable(buf, func(i, j int) bool {
		return buf[i].event.Seq < buf[j].event.Seq
	})
	c.buffers[conv] = buf
	c.mu.Unlock()

	var staged []string
	processed := 0

	for _, p := range buf {
		if _, seen := c.delivered.Get(p.event.MessageID); seen {
			staged = append(staged, p.brokerID)
			processed++
			c.countEvent("deduped")
			continue
		}

		err := c.hub.Broadcast(ctx, conv, buildEnvelope(p.event))
		if err == nil {
			c.delivered.Add(p.event.MessageID, struct{}{})
			staged = append(staged, p.brokerID)
			processed++
			c.countEvent("delivered")
			c.notifyOffline(ctx, p.event)
			continue
		}

		if isPermanent(err) {
			c.deadLetterEvent(ctx, p, "permanent_error")
			staged = append(staged, p.brokerID)
			processed++
			c.countEvent("permanent_error")
			c.countFailure("permanent_error")
			c.logger.Warn("[Consumer] permanent broadcast failure, dead-lettered",
				"conversation", conv, "messageId", p.event.MessageID, "error", err)
			continue
		}

		// Transient: stop this conversation; the broker PEL keeps the rest.
		c.countEvent("transient_error")
		c.logger.Warn("[Consumer] transient broadcast failure, pausing conversation",
			"conversation", conv, "messageId", p.event.MessageID, "error", err)
		break
	}

	c.mu.Lock()
	// Entries appended while the drain was running sit past the snapshot;
	// keep them for the next pass.
	tail := c.buffers[conv][len(buf):]
	remaining := append(buf[processed:], tail...)
	if len(remaining) == 0 {
		delete(c.buffers, conv)
	} else {
		c.buffers[conv] = remaining
	}
	c.mu.Unlock()

	c.ack(ctx, staged)
}

// ack acknowledges staged entries in one call. Failures are logged and
// tolerated: the broker re-delivers and the dedupe set absorbs the repeat.
func (c *Consumer) ack(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if _, err := c.client.Ack(ctx, c.cfg.Stream, c.cfg.Group, ids...); err != nil {
		c.countAck("error")
		c.logger.Warn("[Consumer] ack failed", "group", c.cfg.Group, "count", len(ids), "error", err)
		return
	}
	c.countAck("ok")
}

// hygieneLoop reclaims entries abandoned by crashed peers and keeps the PEL
// gauge current.
func (c *Consumer) hygieneLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PELHygieneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaim(ctx)
		}
	}
}

func (c *Consumer) reclaim(ctx context.Context) {
	entries, _, err := c.client.AutoClaim(ctx, c.cfg.Stream, c.cfg.Group,
		c.cfg.ConsumerName, c.cfg.MinIdle, "0-0", 100)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("[Consumer] autoclaim failed", "group", c.cfg.Group, "error", err)
		}
		return
	}
	if len(entries) > 0 {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ConsumerReclaimed.WithLabelValues(c.cfg.Group).Add(float64(len(entries)))
		}
		c.logger.Info("[Consumer] reclaimed abandoned entries",
			"group", c.cfg.Group, "count", len(entries))
		c.processBatch(ctx, entries)
	}

	pel, err := c.client.PendingCount(ctx, c.cfg.Stream, c.cfg.Group)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("[Consumer] pending summary failed", "group", c.cfg.Group, "error", err)
		}
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ConsumerPELSize.WithLabelValues(c.cfg.Group).Set(float64(pel))
	}
}

// deadLetter writes a poison broker entry, synthesizing placeholder ids when
// parsing never got that far. DLQ failures never block the ack.
func (c *Consumer) deadLetter(ctx context.Context, entry storage.StreamEntry, event core.BrokerEvent, reason string) {
	if c.dlq == nil {
		return
	}
	raw, _ := entry.Values["payload"].(string)
	_ = c.dlq.Write(ctx, DLQEntry{
		SourceStream: c.cfg.Stream,
		GroupName:    c.cfg.Group,
		EventID:      entry.ID,
		AggregateID:  event.ConversationID,
		OccurredAt:   event.OccurredAt,
		Payload:      json.RawMessage(raw),
		Reason:       reason,
	})
}

func (c *Consumer) deadLetterEvent(ctx context.Context, p pending, reason string) {
	if c.dlq == nil {
		return
	}
	payload, _ := json.Marshal(p.event)
	_ = c.dlq.Write(ctx, DLQEntry{
		SourceStream: c.cfg.Stream,
		GroupName:    c.cfg.Group,
		EventID:      p.brokerID,
		AggregateID:  p.event.ConversationID,
		OccurredAt:   p.event.OccurredAt,
		Payload:      payload,
		Reason:       reason,
	})
}

// notifyOffline pushes a best-effort notification when nobody is attached to
// the conversation. Failures only count; delivery already happened.
func (c *Consumer) notifyOffline(ctx context.Context, event core.BrokerEvent) {
	if c.hub.Presence(event.ConversationID) > 0 {
		c.countNotify("skipped")
		return
	}
	err := c.notifier.Publish(ctx, notify.Notification{
		ConversationID: event.ConversationID,
		MessageID:      event.MessageID,
		OccurredAt:     event.OccurredAt,
	})
	if err != nil {
		c.countNotify("error")
		c.logger.Warn("[Consumer] offline notification failed",
			"conversation", event.ConversationID, "error", err)
		return
	}
	c.countNotify("ok")
}

// buildEnvelope maps a broker event onto the socket wire frame.
func buildEnvelope(event core.BrokerEvent) gateway.Envelope {
	return gateway.Envelope{
		V:    core.EnvelopeVersion,
		ID:   uuid.New().String(),
		Type: "msg",
		Payload: gateway.Payload{
			Seq: event.Seq,
			Data: gateway.Data{
				MessageID:       event.MessageID,
				ConversationID:  event.ConversationID,
				Ciphertext:      event.Ciphertext,
				Metadata:        event.Metadata,
				ContentSize:     event.ContentSize,
				ContentMimeType: event.ContentMimeType,
				OccurredAt:      event.OccurredAt,
			},
		},
	}
}

// isPermanent classifies a broadcast failure. The typed sentinel from the
// gateway wins; the string match covers foreign hub implementations.
func isPermanent(err error) bool {
	if errors.Is(err, gateway.ErrPermanent) {
		return true
	}
	if core.IsKind(err, core.KindValidationFailed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "parse") ||
		strings.Contains(msg, "validation") ||
		strings.Contains(msg, "missing required")
}

func (c *Consumer) countEvent(result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ConsumerEvents.WithLabelValues(c.cfg.Group, result).Inc()
	}
}

func (c *Consumer) countFailure(reason string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ConsumerFailures.WithLabelValues(c.cfg.Group, reason).Inc()
	}
}

func (c *Consumer) countAck(outcome string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ConsumerAcks.WithLabelValues(c.cfg.Group, outcome).Inc()
	}
}

func (c *Consumer) countNotify(outcome string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.NotifyPublished.WithLabelValues(outcome).Inc()
	}
}
