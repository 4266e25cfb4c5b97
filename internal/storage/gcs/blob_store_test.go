package gcs_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cloudstorage "cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/site-analyzer/internal/storage/gcs"
)

const bucket = "analyzer-artifacts"

func newTestStore(t *testing.T, handler http.Handler) *gcs.BlobStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	store, err := gcs.Open(context.Background(), gcs.Config{Bucket: bucket},
		option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPutObjectUploadsReport(t *testing.T) {
	t.Parallel()

	const object = "reports/team-1/rep-1.json"
	payload := `{"title":"SEO Analysis"}`

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/upload/storage/v1/b/%s/o", bucket))
		assert.Equal(t, object, r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), payload)
		assert.Contains(t, string(body), "application/json")

		fmt.Fprintln(w, `{"name":"`+object+`","bucket":"`+bucket+`"}`)
	}))

	uri, err := store.PutObject(context.Background(), "/"+object, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "gs://"+bucket+"/"+object, uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := store.PutObject(context.Background(), "reports/x.json", "application/json", strings.NewReader("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reports/x.json")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.NotFoundHandler())
	_, err := store.PutObject(context.Background(), "  ", "", strings.NewReader("{}"))
	assert.EqualError(t, err, "path is required")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := gcs.New(nil, gcs.Config{Bucket: bucket})
	assert.EqualError(t, err, "storage client is required")

	client, err := cloudstorage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	_, err = gcs.New(client, gcs.Config{})
	assert.EqualError(t, err, "bucket name is required")

	store, err := gcs.New(client, gcs.Config{Bucket: bucket})
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}
