package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	gcs "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/veilchat/backend/internal/core"
)

func TestResolveBlobVersionPrecedence(t *testing.T) {
	// Vendor generation wins over everything.
	v := resolveBlobVersion("attachments", "a1", "abc", &gcs.ObjectAttrs{Generation: 1700000000000001, Etag: `"etag-x"`})
	assert.Equal(t, "1700000000000001", v)

	// ETag next, quotes stripped.
	v = resolveBlobVersion("attachments", "a1", "abc", &gcs.ObjectAttrs{Etag: `"etag-x"`})
	assert.Equal(t, "etag-x", v)

	// Synthesized fallback carries namespace, id, and checksum.
	v = resolveBlobVersion("attachments", "a1", "abc", nil)
	assert.True(t, strings.HasPrefix(v, "attachments:a1:abc:"), v)

	// Each synthesized token is unique.
	assert.NotEqual(t, v, resolveBlobVersion("attachments", "a1", "abc", nil))
}

func TestSHA256Checksum(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Checksum(nil))
	assert.Len(t, SHA256Checksum([]byte("ciphertext")), 64)
}

func TestMapGCSError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind core.Kind
	}{
		{"object missing", gcs.ErrObjectNotExist, core.KindNotFound},
		{"bucket missing", gcs.ErrBucketNotExist, core.KindNotFound},
		{"deadline", context.DeadlineExceeded, core.KindTimeout},
		{"cancelled", context.Canceled, core.KindTransientAdapter},
		{"api 404", &googleapi.Error{Code: http.StatusNotFound}, core.KindNotFound},
		{"api 429", &googleapi.Error{Code: http.StatusTooManyRequests}, core.KindTransientAdapter},
		{"api 503", &googleapi.Error{Code: http.StatusServiceUnavailable}, core.KindTransientAdapter},
		{"api 412", &googleapi.Error{Code: http.StatusPreconditionFailed}, core.KindPreconditionFailed},
		{"api 403", &googleapi.Error{Code: http.StatusForbidden}, core.KindPermanentAdapter},
		{"unclassified", errors.New("tls handshake"), core.KindTransientAdapter},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := mapGCSError(tc.err)
			require.Error(t, mapped)
			assert.True(t, core.IsKind(mapped, tc.kind), "got kind %s", core.KindOf(mapped))
			assert.ErrorIs(t, mapped, tc.err)
		})
	}

	assert.NoError(t, mapGCSError(nil))
	tagged := core.E(core.KindChecksumMismatch, "digest mismatch")
	assert.Equal(t, tagged, mapGCSError(tagged))
}

func TestNewGCSBlobAdapterRequiresBucket(t *testing.T) {
	_, err := NewGCSBlobAdapter(context.Background(), GCSBlobConfig{})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidationFailed))
}
