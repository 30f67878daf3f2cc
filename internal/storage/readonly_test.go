package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadOnly_PassesReadsRejectsWrites(t *testing.T) {
	inner := setupTestStorage(t)
	ctx := context.Background()
	require.NoError(t, inner.Store(ctx, "docker/hub/blob", strings.NewReader("existing"), ""))

	ro := NewReadOnly(inner)

	rc, err := ro.Retrieve(ctx, "docker/hub/blob")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "existing", string(data))

	obj, err := ro.RetrieveRange(ctx, "docker/hub/blob", &ByteRange{Start: 0, End: 1})
	require.NoError(t, err)
	obj.Body.Close()
	assert.Equal(t, int64(2), obj.Size)

	exists, err := ro.Exists(ctx, "docker/hub/blob")
	require.NoError(t, err)
	assert.True(t, exists)

	size, err := ro.GetSize(ctx, "docker/hub/blob")
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)

	_, err = ro.Stat(ctx, "docker/hub/blob")
	assert.NoError(t, err)

	keys, err := ro.List(ctx, "docker/")
	require.NoError(t, err)
	assert.Equal(t, []string{"docker/hub/blob"}, keys)

	err = ro.Store(ctx, "docker/hub/new", strings.NewReader("x"), "")
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.Contains(t, err.Error(), "existing data remains accessible")
	assert.ErrorIs(t, ro.Delete(ctx, "docker/hub/blob"), ErrReadOnly)

	// nothing changed underneath
	exists, err = inner.Exists(ctx, "docker/hub/new")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = inner.Exists(ctx, "docker/hub/blob")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.True(t, ro.SupportsStreaming())
	assert.Same(t, inner, ro.Unwrap())
}
