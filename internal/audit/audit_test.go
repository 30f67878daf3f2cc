package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySink(t *testing.T) {
	var sink MemorySink
	ctx := context.Background()

	sink.LogSuccess(ctx, "proxy_cache_cleanup", "repository", "all", map[string]interface{}{"deleted": 3})
	sink.LogFailure(ctx, "storage_migrate", "storage", "abc", errors.New("boom"), nil)

	records := sink.Records()
	require.Len(t, records, 2)
	assert.True(t, records[0].Success)
	assert.Equal(t, 3, records[0].Details["deleted"])
	assert.False(t, records[1].Success)
	assert.EqualError(t, records[1].Err, "boom")
}

func TestLogSink_DoesNotPanicOnNilDetails(t *testing.T) {
	sink := NewLogSink()
	assert.NotPanics(t, func() {
		sink.LogSuccess(context.Background(), "a", "b", "c", nil)
		sink.LogFailure(context.Background(), "a", "b", "c", errors.New("x"), nil)
	})
}
