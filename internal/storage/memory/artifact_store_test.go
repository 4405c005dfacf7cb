package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

func TestPutOnceCopiesData(t *testing.T) {
	t.Parallel()

	store := New()
	payload := []byte("content")
	uri, err := store.PutOnce(context.Background(), "tyc/profile/a.json", "application/json", payload)
	require.NoError(t, err)
	assert.Equal(t, "memory://tyc/profile/a.json", uri)

	payload[0] = 'C'
	obj, ok := store.Get("tyc/profile/a.json")
	require.True(t, ok)
	assert.Equal(t, "content", string(obj.Data))
	assert.Equal(t, "application/json", obj.ContentType)
}

func TestPutOnceKeepsFirstWrite(t *testing.T) {
	t.Parallel()

	store := New()
	_, err := store.PutOnce(context.Background(), "k", "", []byte("first"))
	require.NoError(t, err)
	uri, err := store.PutOnce(context.Background(), "k", "", []byte("second"))
	require.ErrorIs(t, err, graph.ErrArtifactExists)
	assert.Equal(t, "memory://k", uri)

	obj, _ := store.Get("k")
	assert.Equal(t, "first", string(obj.Data))
}

func TestReplaceOverwrites(t *testing.T) {
	t.Parallel()

	store := New()
	_, err := store.PutOnce(context.Background(), "k", "", []byte("byproduct"))
	require.NoError(t, err)
	_, err = store.Replace(context.Background(), "k", "", []byte("direct"))
	require.NoError(t, err)

	obj, _ := store.Get("k")
	assert.Equal(t, "direct", string(obj.Data))
	assert.Equal(t, []string{"k"}, store.Keys())

	_, err = store.Replace(context.Background(), " ", "", nil)
	require.Error(t, err)
}
