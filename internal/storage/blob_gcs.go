package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"

	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/retry"
)

// checksumMetaKey is where the adapter records the payload digest in object
// metadata.
const checksumMetaKey = "sha256"

// GCSBlobConfig configures the object-store adapter.
type GCSBlobConfig struct {
	Bucket string
	// Prefix is prepended to every object name, for bucket sharing.
	Prefix string

	Breaker *circuitbreaker.CircuitBreaker
	Retry   retry.Policy
	Logger  *slog.Logger
}

// GCSBlobAdapter stores opaque payloads as objects named {namespace}/{id}.
type GCSBlobAdapter struct {
	client  *gcs.Client
	bucket  string
	prefix  string
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Policy
	logger  *slog.Logger
}

// NewGCSBlobAdapter builds a client with application default credentials.
func NewGCSBlobAdapter(ctx context.Context, cfg GCSBlobConfig) (*GCSBlobAdapter, error) {
	if cfg.Bucket == "" {
		return nil, core.E(core.KindValidationFailed, "blob adapter requires a bucket")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building storage client: %w", err)
	}
	return NewGCSBlobAdapterWithClient(client, cfg), nil
}

// NewGCSBlobAdapterWithClient wraps an existing client (tests use the
// emulator this way).
func NewGCSBlobAdapterWithClient(client *gcs.Client, cfg GCSBlobConfig) *GCSBlobAdapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = core.IsRetryable
	}
	return &GCSBlobAdapter{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		breaker: cfg.Breaker,
		retry:   cfg.Retry,
		logger:  cfg.Logger,
	}
}

// Init verifies the bucket is reachable.
func (a *GCSBlobAdapter) Init(ctx context.Context) error {
	return a.execute(ctx, "init", func(ctx context.Context) error {
		_, err := a.client.Bucket(a.bucket).Attrs(ctx)
		if err != nil {
			return fmt.Errorf("bucket %s: %w", a.bucket, err)
		}
		a.logger.Info("[BlobAdapter] bucket ready", "bucket", a.bucket)
		return nil
	})
}

// Close releases the client.
func (a *GCSBlobAdapter) Close() error {
	return a.client.Close()
}

func (a *GCSBlobAdapter) objectName(namespace, id string) string {
	return a.prefix + namespace + "/" + id
}

// Put writes the payload, records its SHA-256 digest in object metadata, and
// resolves the version token.
func (a *GCSBlobAdapter) Put(ctx context.Context, namespace, id string, data []byte, opts PutOptions) (ObjectMetadata, error) {
	if id == "" {
		return ObjectMetadata{}, core.E(core.KindValidationFailed, "blob id must be non-empty")
	}
	checksum := SHA256Checksum(data)

	var meta ObjectMetadata
	err := a.execute(ctx, "put", func(ctx context.Context) error {
		obj := a.client.Bucket(a.bucket).Object(a.objectName(namespace, id))

		w := obj.NewWriter(ctx)
		w.ContentType = opts.ContentType
		w.Metadata = map[string]string{checksumMetaKey: checksum}
		for k, v := range opts.Custom {
			w.Metadata[k] = v
		}

		if _, err := w.Write(data); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}

		attrs := w.Attrs()
		meta = a.metadataFromAttrs(namespace, id, checksum, attrs)
		return nil
	})
	if err != nil {
		return ObjectMetadata{}, err
	}
	return meta, nil
}

// Get streams the object into memory. When the stored metadata carries a
// digest it is verified against the payload; a mismatch is surfaced as
// CHECKSUM_MISMATCH.
func (a *GCSBlobAdapter) Get(ctx context.Context, ref ObjectReference) ([]byte, ObjectMetadata, error) {
	var (
		data []byte
		meta ObjectMetadata
	)
	err := a.execute(ctx, "get", func(ctx context.Context) error {
		obj := a.client.Bucket(a.bucket).Object(a.objectName(ref.Namespace, ref.ID))

		r, err := obj.NewReader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()

		data, err = io.ReadAll(r)
		if err != nil {
			return err
		}

		attrs, err := obj.Attrs(ctx)
		if err != nil {
			return err
		}

		checksum := attrs.Metadata[checksumMetaKey]
		computed := SHA256Checksum(data)
		if checksum == "" {
			checksum = computed
		} else if checksum != computed {
			return core.Ef(core.KindChecksumMismatch,
				"blob %s/%s digest mismatch", ref.Namespace, ref.ID).
				WithMeta("stored", checksum).
				WithMeta("computed", computed)
		}

		meta = a.metadataFromAttrs(ref.Namespace, ref.ID, checksum, attrs)
		return nil
	})
	if err != nil {
		return nil, ObjectMetadata{}, err
	}
	return data, meta, nil
}

// Delete removes the object; a missing object is NotFound.
func (a *GCSBlobAdapter) Delete(ctx context.Context, ref ObjectReference) error {
	return a.execute(ctx, "delete", func(ctx context.Context) error {
		obj := a.client.Bucket(a.bucket).Object(a.objectName(ref.Namespace, ref.ID))
		return obj.Delete(ctx)
	})
}

// metadataFromAttrs converts vendor attrs, resolving the version token.
func (a *GCSBlobAdapter) metadataFromAttrs(namespace, id, checksum string, attrs *gcs.ObjectAttrs) ObjectMetadata {
	meta := ObjectMetadata{
		Checksum:          checksum,
		ChecksumAlgorithm: "sha256",
		VersionID:         resolveBlobVersion(namespace, id, checksum, attrs),
	}
	if attrs != nil {
		meta.ContentType = attrs.ContentType
		meta.Size = attrs.Size
		meta.CreatedAt = attrs.Created
		meta.UpdatedAt = attrs.Updated
		if len(attrs.Metadata) > 0 {
			custom := make(map[string]string, len(attrs.Metadata))
			for k, v := range attrs.Metadata {
				if k == checksumMetaKey {
					continue
				}
				custom[k] = v
			}
			if len(custom) > 0 {
				meta.Custom = custom
			}
		}
	}
	return meta
}

// resolveBlobVersion picks the concurrency token: vendor generation first,
// then the ETag with quotes stripped, then a synthesized fallback.
func resolveBlobVersion(namespace, id, checksum string, attrs *gcs.ObjectAttrs) string {
	if attrs != nil && attrs.Generation != 0 {
		return strconv.FormatInt(attrs.Generation, 10)
	}
	if attrs != nil && attrs.Etag != "" {
		return strings.Trim(attrs.Etag, `"`)
	}
	return fmt.Sprintf("%s:%s:%s:%s", namespace, id, checksum, uuid.New().String())
}

// execute applies the uniform adapter wrap: breaker gate, error mapping,
// breaker bookkeeping, then retry on transient kinds.
func (a *GCSBlobAdapter) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if a.breaker != nil && !a.breaker.Allow() {
			return core.Ef(core.KindTransientAdapter, "blob adapter breaker open (%s)", op)
		}

		err := fn(ctx)
		if err != nil {
			err = mapGCSError(err)
			if a.breaker != nil {
				a.breaker.RecordFailure()
			}
			a.logger.Warn("[BlobAdapter] operation failed", "op", op, "error", err)
			return err
		}
		if a.breaker != nil {
			a.breaker.RecordSuccess()
		}
		return nil
	}
	return retry.Do(ctx, a.retry, attempt)
}

// mapGCSError translates vendor errors into taxonomy kinds.
func mapGCSError(err error) error {
	if err == nil {
		return nil
	}
	var kindErr *core.Error
	if errors.As(err, &kindErr) {
		return err
	}
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return core.Wrap(core.KindNotFound, "object not found", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Wrap(core.KindTimeout, "object store call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return core.Wrap(core.KindTransientAdapter, "object store call cancelled", err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return core.Wrap(core.KindNotFound, "object not found", err)
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return core.Wrap(core.KindTransientAdapter, "object store throttled or unavailable", err).
				WithMeta("httpStatus", apiErr.Code)
		case http.StatusPreconditionFailed:
			return core.Wrap(core.KindPreconditionFailed, "object generation mismatch", err)
		}
		return core.Wrap(core.KindPermanentAdapter, "object store rejected request", err).
			WithMeta("httpStatus", apiErr.Code)
	}
	return core.Wrap(core.KindTransientAdapter, "object store call failed", err)
}
