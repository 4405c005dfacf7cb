package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpgraph-crawler/internal/frontier/frontiertest"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

func TestDecodeVisit(t *testing.T) {
	t.Parallel()

	first := time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC)
	second := first.Add(time.Hour)
	raw := fmt.Sprintf(`{"entity_type":"company","visit_time":"%s","last_visit_time":"%s","visit_times":2}`,
		micros(second), micros(first))

	rec, err := decodeVisit(graph.Key{Source: "tyc", ID: "a"}, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.VisitTimes)
	assert.True(t, rec.VisitTime.Equal(second))
	assert.True(t, rec.LastVisitTime.Equal(first))
	assert.Equal(t, graph.EntityCompany, rec.EntityType)

	_, err = decodeVisit(graph.Key{Source: "tyc", ID: "a"}, `{"visit_time":"soon"}`)
	require.Error(t, err)
	_, err = decodeVisit(graph.Key{Source: "tyc", ID: "a"}, `nope`)
	require.Error(t, err)
}

func TestKeysAreNamespaced(t *testing.T) {
	t.Parallel()

	s := NewWithClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "", nil)
	defer func() { _ = s.Close() }()
	assert.Equal(t, "corpgraph:visits:tyc", s.visitsKey("tyc"))
	assert.Equal(t, "corpgraph:frontier:tyc", s.frontierKey("tyc"))
	assert.Equal(t, "corpgraph:frontier_order:tyc", s.orderKey("tyc"))
}

func TestNewRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func newMiniStore(t *testing.T, clock graph.Clock) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	store, err := New(context.Background(), Config{Addr: srv.Addr(), KeyPrefix: "test"}, clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, srv
}

func TestStoreConformance(t *testing.T) {
	frontiertest.Run(t, func(t *testing.T, clock graph.Clock) graph.FrontierStore {
		store, _ := newMiniStore(t, clock)
		return store
	})
}

func TestRecordVisitScriptUpdatesKeys(t *testing.T) {
	clock := frontiertest.NewClock()
	store, srv := newMiniStore(t, clock)
	ctx := context.Background()
	ref := graph.EntityRef{Source: "tyc", ID: "a", Type: graph.EntityCompany}

	require.NoError(t, store.AddToFrontier(ctx, ref))
	members, err := srv.ZMembers("test:frontier_order:tyc")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)

	first := clock.Now()
	require.NoError(t, store.RecordVisit(ctx, ref))
	clock.Advance(time.Hour)
	require.NoError(t, store.RecordVisit(ctx, ref))

	assert.False(t, srv.Exists("test:frontier_order:tyc"))
	assert.False(t, srv.Exists("test:frontier:tyc"))
	known, err := srv.IsMember("test:sources", "tyc")
	require.NoError(t, err)
	assert.True(t, known)

	rec, err := store.Visit(ctx, ref.Key())
	require.NoError(t, err)
	assert.Equal(t, 2, rec.VisitTimes)
	assert.True(t, rec.LastVisitTime.Equal(first))
	assert.True(t, rec.VisitTime.Equal(first.Add(time.Hour)))
}

func TestAddToFrontierScriptKeepsFirstFoundTime(t *testing.T) {
	clock := frontiertest.NewClock()
	store, _ := newMiniStore(t, clock)
	ctx := context.Background()
	ref := graph.EntityRef{Source: "tyc", ID: "b", Type: graph.EntityPerson}

	require.NoError(t, store.AddToFrontier(ctx, ref))
	found := clock.Now()
	clock.Advance(time.Minute)
	require.NoError(t, store.AddToFrontier(ctx, ref))

	pending, err := store.LoadPendingFrontier(ctx, "tyc", "")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].FoundTime.Equal(found))
	assert.Equal(t, graph.EntityPerson, pending[0].EntityType)
}

func TestStorageErrorsWhenServerGone(t *testing.T) {
	store, srv := newMiniStore(t, nil)
	srv.Close()

	_, err := store.FilterUnknown(context.Background(), "tyc", []string{"a"})
	require.Error(t, err)
	assert.True(t, graph.IsStorageError(err))
	err = store.RecordVisit(context.Background(), graph.EntityRef{Source: "tyc", ID: "a", Type: graph.EntityCompany})
	assert.True(t, graph.IsStorageError(err))
}

// TestStoreConformanceLive runs against a real server when
// CORPGRAPH_TEST_REDIS_ADDR is set.
func TestStoreConformanceLive(t *testing.T) {
	addr := os.Getenv("CORPGRAPH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CORPGRAPH_TEST_REDIS_ADDR not set")
	}
	n := 0
	frontiertest.Run(t, func(t *testing.T, clock graph.Clock) graph.FrontierStore {
		n++
		prefix := fmt.Sprintf("corpgraph-test-%d-%d", time.Now().UnixNano(), n)
		store, err := New(context.Background(), Config{Addr: addr, KeyPrefix: prefix}, clock)
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := store.client.Keys(ctx, prefix+":*").Result()
			if len(keys) > 0 {
				store.client.Del(ctx, keys...)
			}
			_ = store.Close()
		})
		return store
	})
}
