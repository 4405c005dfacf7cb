package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

func newTestStore(t *testing.T, handler http.Handler) *ArtifactStore {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("key", "secret", ""),
	})
	store, err := New(client, Config{Bucket: "artifacts", Prefix: "corp"})
	require.NoError(t, err)
	return store
}

func TestPutOnceSendsIfNoneMatch(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/artifacts/corp/tyc/investments/a.jsonl", r.URL.Path)
		assert.Equal(t, "*", r.Header.Get("If-None-Match"))
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"id":"1"}`)
		w.WriteHeader(http.StatusOK)
	}))

	uri, err := store.PutOnce(context.Background(), "tyc/investments/a.jsonl", "application/x-ndjson", []byte(`{"id":"1"}`+"\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3://artifacts/corp/tyc/investments/a.jsonl", uri)
}

func TestPutOnceMapsPreconditionFailed(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`))
	}))

	_, err := store.PutOnce(context.Background(), "tyc/profile/a.json", "application/json", []byte("{}"))
	require.ErrorIs(t, err, graph.ErrArtifactExists)
}

func TestReplaceOmitsCondition(t *testing.T) {
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusOK)
	}))

	_, err := store.Replace(context.Background(), "tyc/profile/a.json", "application/json", []byte("{}"))
	require.NoError(t, err)
}

func TestIsPreconditionFailed(t *testing.T) {
	t.Parallel()

	assert.False(t, isPreconditionFailed(nil))
	assert.False(t, isPreconditionFailed(errors.New("boom")))
	assert.True(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}))
	assert.False(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "AccessDenied"}))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(s3.New(s3.Options{Region: "us-east-1"}), Config{})
	require.Error(t, err)
}
