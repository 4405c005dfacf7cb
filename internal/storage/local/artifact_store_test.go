// Package local_test tests the local filesystem artifact store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutOnce(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesNestedKey", func(t *testing.T) {
		key := "tyc/investments/42.jsonl"
		uri, err := store.PutOnce(ctx, key, "application/x-ndjson", []byte("{}\n"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, key), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(tempDir, key))
		require.NoError(t, err)
		assert.Equal(t, "{}\n", string(got))
	})

	t.Run("SecondWriteReportsExists", func(t *testing.T) {
		key := "tyc/profile/a.json"
		_, err := store.PutOnce(ctx, key, "", []byte("first"))
		require.NoError(t, err)
		_, err = store.PutOnce(ctx, key, "", []byte("second"))
		require.ErrorIs(t, err, graph.ErrArtifactExists)

		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(tempDir, key))
		require.NoError(t, err)
		assert.Equal(t, "first", string(got))
	})

	t.Run("EmptyKey", func(t *testing.T) {
		_, err := store.PutOnce(ctx, "", "", []byte("data"))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutOnce(ctx, "../escape.json", "", []byte("data"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path traversal")
	})
}

func TestReplace(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	key := "tyc/profile/b.json"
	_, err = store.PutOnce(ctx, key, "", []byte("byproduct"))
	require.NoError(t, err)
	_, err = store.Replace(ctx, key, "", []byte("direct"))
	require.NoError(t, err)

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(filepath.Join(tempDir, key))
	require.NoError(t, err)
	assert.Equal(t, "direct", string(got))

	entries, err := os.ReadDir(filepath.Join(tempDir, "tyc", "profile"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}
