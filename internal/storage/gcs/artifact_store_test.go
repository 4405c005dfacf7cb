package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

func newTestStore(t *testing.T, handler http.Handler) *ArtifactStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "artifacts", Prefix: "/corp/"})
	require.NoError(t, err)
	return store
}

func TestPutOnceSendsPrecondition(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/artifacts/o")
		assert.Equal(t, "corp/tyc/profile/a.json", r.URL.Query().Get("name"))
		assert.Equal(t, "0", r.URL.Query().Get("ifGenerationMatch"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"name":"A"}`)

		fmt.Fprintln(w, `{"name": "corp/tyc/profile/a.json", "bucket": "artifacts"}`)
	})
	store := newTestStore(t, handler)

	uri, err := store.PutOnce(context.Background(), "tyc/profile/a.json", "application/json", []byte(`{"name":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://artifacts/corp/tyc/profile/a.json", uri)
}

func TestPutOnceMapsPreconditionFailed(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprintln(w, `{"error": {"code": 412, "message": "conditionNotMet"}}`)
	})
	store := newTestStore(t, handler)

	_, err := store.PutOnce(context.Background(), "tyc/profile/a.json", "application/json", []byte("{}"))
	require.ErrorIs(t, err, graph.ErrArtifactExists)
}

func TestReplaceOmitsPrecondition(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("ifGenerationMatch"))
		fmt.Fprintln(w, `{"name": "corp/k", "bucket": "artifacts"}`)
	})
	store := newTestStore(t, handler)

	_, err := store.Replace(context.Background(), "k", "", []byte("x"))
	require.NoError(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutOnce(context.Background(), "", "", nil)
	require.Error(t, err)
}
