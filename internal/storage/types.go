// Package storage implements the namespace-multiplexed storage layer: typed
// adapters for structured records, opaque blobs, and broker streams, plus a
// facade that routes operations, orchestrates the read-through cache, and
// applies the breaker/retry/timeout policy uniformly.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// AdapterKind labels the three adapter families for metrics and routing.
type AdapterKind string

const (
	AdapterBlob   AdapterKind = "blob"
	AdapterRecord AdapterKind = "record"
	AdapterStream AdapterKind = "stream"
)

// ConsistencyMode selects the cache policy of a facade read.
type ConsistencyMode string

const (
	ConsistencyStrong    ConsistencyMode = "strong"
	ConsistencyEventual  ConsistencyMode = "eventual"
	ConsistencyCacheOnly ConsistencyMode = "cache_only"
)

// DeliveryGuarantee is advisory metadata on stream messages. Only
// at-least-once is actually provided; the other values are recorded and
// echoed, never acted on.
type DeliveryGuarantee string

const (
	AtLeastOnce DeliveryGuarantee = "at_least_once"
	AtMostOnce  DeliveryGuarantee = "at_most_once"
	ExactlyOnce DeliveryGuarantee = "exactly_once"
)

// ObjectReference names a blob or record. ID is opaque; VersionID, when set,
// is the concurrency token for conditional operations.
type ObjectReference struct {
	Namespace string `json:"namespace"`
	ID        string `json:"id"`
	VersionID string `json:"versionId,omitempty"`
}

// ObjectMetadata describes a stored object. Checksum is recomputable from
// the payload.
type ObjectMetadata struct {
	Checksum          string            `json:"checksum"`
	ChecksumAlgorithm string            `json:"checksumAlgorithm"`
	ContentType       string            `json:"contentType,omitempty"`
	Size              int64             `json:"size"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	VersionID         string            `json:"versionId"`
	Custom            map[string]string `json:"custom,omitempty"`
}

// Record is a structured row. Every mutation assigns a fresh VersionID.
type Record struct {
	ID        string                 `json:"id"`
	Namespace string                 `json:"namespace"`
	VersionID string                 `json:"versionId"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// StreamMessage is one broker entry as seen by subscribers. ID is assigned
// by the broker on append.
type StreamMessage struct {
	ID             string            `json:"id"`
	Namespace      string            `json:"namespace"`
	Stream         string            `json:"stream"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	PublishedAt    time.Time         `json:"publishedAt"`
	Acknowledgment AckPolicy         `json:"acknowledgment"`
}

// AckPolicy carries the advisory delivery-guarantee flag.
type AckPolicy struct {
	DeliveryGuarantee DeliveryGuarantee `json:"deliveryGuarantee"`
}

// StreamCursor identifies a consumer-group position. ID is the group name;
// acknowledging Position advances the group past that entry.
type StreamCursor struct {
	ID        string `json:"id"`
	Stream    string `json:"stream"`
	Namespace string `json:"namespace"`
	Position  string `json:"position,omitempty"`
	Partition int    `json:"partition,omitempty"`
}

// StreamEntry is a raw broker entry before payload parsing.
type StreamEntry struct {
	ID     string
	Values map[string]interface{}
}

// StreamResult is one subscription delivery. ParseErr is set when the entry
// payload was not valid JSON; the entry is still delivered so the consumer
// can dead-letter and ack it.
type StreamResult struct {
	Entry    StreamEntry
	Message  StreamMessage
	ParseErr error
}

// UpsertOptions controls a record upsert.
type UpsertOptions struct {
	// ConcurrencyToken, when set, makes the write conditional on the
	// stored version matching.
	ConcurrencyToken string
}

// DeleteOptions controls a conditional delete.
type DeleteOptions struct {
	ConcurrencyToken string
}

// PutOptions controls a blob write.
type PutOptions struct {
	ContentType string
	Custom      map[string]string
}

// Query filters records by field equality over their data document.
type Query struct {
	Filter map[string]interface{}
}

// Page is cursor pagination input. Cursor is the opaque token from a prior
// result; Limit defaults to 100.
type Page struct {
	Cursor string
	Limit  int
}

// QueryResult carries one page and, when more rows exist, the next cursor.
type QueryResult struct {
	Records    []Record
	NextCursor string
}

// ============================================================================
// ADAPTER INTERFACES
// ============================================================================

// RecordAdapter stores structured rows with optimistic concurrency.
type RecordAdapter interface {
	Init(ctx context.Context) error
	Close() error
	Upsert(ctx context.Context, namespace string, rec Record, opts UpsertOptions) (Record, error)
	Get(ctx context.Context, ref ObjectReference) (Record, error)
	Delete(ctx context.Context, ref ObjectReference, opts DeleteOptions) error
	Query(ctx context.Context, namespace string, q Query, page Page) (QueryResult, error)
}

// BlobAdapter stores opaque byte objects.
type BlobAdapter interface {
	Init(ctx context.Context) error
	Close() error
	Put(ctx context.Context, namespace, id string, data []byte, opts PutOptions) (ObjectMetadata, error)
	Get(ctx context.Context, ref ObjectReference) ([]byte, ObjectMetadata, error)
	Delete(ctx context.Context, ref ObjectReference) error
}

// StreamAdapter appends to and subscribes from the broker's per-namespace
// streams.
type StreamAdapter interface {
	Init(ctx context.Context) error
	Close() error
	Publish(ctx context.Context, namespace, stream string, payload json.RawMessage, headers map[string]string) (StreamMessage, error)
	Subscribe(ctx context.Context, cursor StreamCursor) (<-chan StreamResult, error)
	Ack(ctx context.Context, cursor StreamCursor, ids ...string) error
}

// StreamClient is the broker port the stream adapter, the dispatcher, and
// the consumer share. infra.GoRedisAdapter implements it; tests use fakes.
type StreamClient interface {
	Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error)
	CreateGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]StreamEntry, string, error)
	PendingCount(ctx context.Context, stream, group string) (int64, error)
}

// SHA256Checksum returns the lowercase hex SHA-256 digest of data.
func SHA256Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
