package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	frontiermem "github.com/JakeFAU/corpgraph-crawler/internal/frontier/memory"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	queuemem "github.com/JakeFAU/corpgraph-crawler/internal/queue/memory"
	storagemem "github.com/JakeFAU/corpgraph-crawler/internal/storage/memory"
)

func company(id string) graph.EntityRef {
	return graph.EntityRef{Source: "tyc", ID: id, Type: graph.EntityCompany}
}

func TestSeedAddsOnlyUnknownEntities(t *testing.T) {
	ctx := context.Background()
	store := frontiermem.New(nil)
	queue := queuemem.NewQueue()
	require.NoError(t, store.RecordVisit(ctx, company("visited")))
	require.NoError(t, store.AddToFrontier(ctx, company("pending")))

	s := New(store, queue, nil, nil)
	report, err := s.Seed(ctx, []SeedEntity{
		{Ref: company("visited")},
		{Ref: company("pending")},
		{Ref: company("new")},
		{Ref: company("new")},
		{Ref: company("")},
	})
	require.NoError(t, err)
	assert.Equal(t, SeedReport{Submitted: 4, Added: 1, Known: 3}, report)

	assert.Equal(t, 1, queue.Size())
	assert.Equal(t, []graph.EntityRef{company("new")}, queue.Snapshot(10))
	pending, err := store.LoadPendingFrontier(ctx, "tyc", "")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSeedWithoutQueue(t *testing.T) {
	ctx := context.Background()
	store := frontiermem.New(nil)
	report, err := New(store, nil, nil, nil).Seed(ctx, []SeedEntity{{Ref: company("1")}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Added)
	_, err = store.LoadPendingFrontier(ctx, "tyc", graph.EntityCompany)
	require.NoError(t, err)
}

func TestSeedEmpty(t *testing.T) {
	report, err := New(frontiermem.New(nil), nil, nil, nil).Seed(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, report)
}

func TestSeedProfileReplacesByproduct(t *testing.T) {
	ctx := context.Background()
	artifacts := storagemem.New()
	_, err := artifacts.PutOnce(ctx, "tyc/profile/1.json", "application/json", []byte(`{"from":"neighbour"}`))
	require.NoError(t, err)

	s := New(frontiermem.New(nil), nil, artifacts, nil)
	report, err := s.Seed(ctx, []SeedEntity{
		{Ref: company("1"), Profile: json.RawMessage(`{"from":"search"}`)},
		{Ref: company("2")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Profiles)

	obj, ok := artifacts.Get("tyc/profile/1.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"from":"search"}`, string(obj.Data))
	_, ok = artifacts.Get("tyc/profile/2.json")
	assert.False(t, ok)
}

func TestSeedRejectsInvalidProfile(t *testing.T) {
	s := New(frontiermem.New(nil), nil, storagemem.New(), nil)
	_, err := s.Seed(context.Background(), []SeedEntity{{Ref: company("1"), Profile: json.RawMessage(`{`)}})
	assert.Error(t, err)
}

func TestSeedPropagatesStorageErrors(t *testing.T) {
	store := frontiermem.New(nil)
	require.NoError(t, store.Close())
	_, err := New(store, nil, nil, nil).Seed(context.Background(), []SeedEntity{{Ref: company("1")}})
	require.Error(t, err)
	assert.True(t, graph.IsStorageError(err))
	var se *graph.StorageError
	assert.True(t, errors.As(err, &se))
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: "100"
- id: "200"
  type: person
- id: "300"
  source: qcc
  profile:
    name: Acme
    capital: 10
`), 0o600))

	seeds, err := LoadFile(path, "tyc", graph.EntityCompany)
	require.NoError(t, err)
	require.Len(t, seeds, 3)
	assert.Equal(t, company("100"), seeds[0].Ref)
	assert.Equal(t, graph.EntityPerson, seeds[1].Ref.Type)
	assert.Equal(t, graph.Source("qcc"), seeds[2].Ref.Source)
	assert.JSONEq(t, `{"name":"Acme","capital":10}`, string(seeds[2].Profile))
	assert.Nil(t, seeds[0].Profile)
}

func TestParseYAMLRequiresID(t *testing.T) {
	_, err := ParseYAML([]byte("- type: company\n"), "tyc", graph.EntityCompany)
	assert.Error(t, err)
	_, err = ParseYAML([]byte("id: [unterminated"), "tyc", graph.EntityCompany)
	assert.Error(t, err)
}

func TestLoadFileLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(path, []byte("# seeds\n 1 \n\n2\n"), 0o600))

	seeds, err := LoadFile(path, "tyc", graph.EntityCompany)
	require.NoError(t, err)
	assert.Equal(t, []SeedEntity{{Ref: company("1")}, {Ref: company("2")}}, seeds)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.txt"), "tyc", graph.EntityCompany)
	assert.Error(t, err)
}
