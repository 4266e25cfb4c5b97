package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"title":"x"}`)
	uri, err := store.PutObject(context.Background(), "reports/site-1/job-1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/site-1/job-1.json", uri)

	payload[0] = '['
	stored, contentType, ok := store.Object("reports/site-1/job-1.json")
	require.True(t, ok, "expected object to exist")
	require.Equal(t, `{"title":"x"}`, string(stored))
	require.Equal(t, "application/json", contentType)
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	_, err := store.PutObject(context.Background(), "", "text/plain", bytes.NewReader(nil))
	require.Error(t, err)
}
