package outbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short", truncateError("short"))

	long := strings.Repeat("x", maxErrorLen+50)
	got := truncateError(long)
	assert.Len(t, got, maxErrorLen)
}
