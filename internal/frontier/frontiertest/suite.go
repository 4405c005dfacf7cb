// Package frontiertest is the behavioural suite every graph.FrontierStore
// backend runs from its own tests.
package frontiertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// Clock is a manually advanced graph.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed, microsecond-aligned UTC instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 30, 0, 123000, time.UTC)}
}

// Now implements graph.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty store driven by clock.
type Factory func(t *testing.T, clock graph.Clock) graph.FrontierStore

const src graph.Source = "tyc"

func company(id string) graph.EntityRef {
	return graph.EntityRef{Source: src, ID: id, Type: graph.EntityCompany}
}

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("RecordVisitTwiceAdvancesCounter", func(t *testing.T) {
		clock := NewClock()
		store := newStore(t, clock)
		ctx := context.Background()

		first := clock.Now()
		require.NoError(t, store.RecordVisit(ctx, company("a")))
		clock.Advance(time.Hour)
		second := clock.Now()
		require.NoError(t, store.RecordVisit(ctx, company("a")))

		rec, err := store.Visit(ctx, graph.Key{Source: src, ID: "a"})
		require.NoError(t, err)
		assert.Equal(t, 2, rec.VisitTimes)
		assert.True(t, rec.LastVisitTime.Equal(first), "last_visit_time %v want %v", rec.LastVisitTime, first)
		assert.True(t, rec.VisitTime.Equal(second), "visit_time %v want %v", rec.VisitTime, second)
		assert.Equal(t, graph.EntityCompany, rec.EntityType)
	})

	t.Run("FirstVisitSetsBothTimestamps", func(t *testing.T) {
		clock := NewClock()
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.RecordVisit(ctx, company("a")))
		rec, err := store.Visit(ctx, graph.Key{Source: src, ID: "a"})
		require.NoError(t, err)
		assert.Equal(t, 1, rec.VisitTimes)
		assert.True(t, rec.VisitTime.Equal(clock.Now()))
		assert.True(t, rec.LastVisitTime.Equal(clock.Now()))
	})

	t.Run("VisitNotFound", func(t *testing.T) {
		store := newStore(t, NewClock())
		_, err := store.Visit(context.Background(), graph.Key{Source: src, ID: "missing"})
		require.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("AddToFrontierIsInsertIfAbsent", func(t *testing.T) {
		clock := NewClock()
		store := newStore(t, clock)
		ctx := context.Background()

		found := clock.Now()
		require.NoError(t, store.AddToFrontier(ctx, company("a")))
		clock.Advance(time.Minute)
		require.NoError(t, store.AddToFrontier(ctx, company("a")))

		pending, err := store.LoadPendingFrontier(ctx, src, "")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "a", pending[0].ID)
		assert.True(t, pending[0].FoundTime.Equal(found))
	})

	t.Run("FilterUnknownReturnsFreshSubset", func(t *testing.T) {
		store := newStore(t, NewClock())
		ctx := context.Background()

		require.NoError(t, store.AddToFrontier(ctx, company("known-frontier")))
		require.NoError(t, store.RecordVisit(ctx, company("known-visited")))
		require.NoError(t, store.AddToFrontier(ctx, graph.EntityRef{Source: "other", ID: "x"}))

		got, err := store.FilterUnknown(ctx, src, []string{
			"new-1", "known-frontier", "new-2", "known-visited", "new-1", "x", "",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"new-1", "new-2", "x"}, got)

		got, err = store.FilterUnknown(ctx, src, nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("RecordVisitLeavesFrontier", func(t *testing.T) {
		clock := NewClock()
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.AddToFrontier(ctx, company("a")))
		clock.Advance(time.Second)
		require.NoError(t, store.AddToFrontier(ctx, company("b")))
		require.NoError(t, store.RecordVisit(ctx, company("a")))

		pending, err := store.LoadPendingFrontier(ctx, src, "")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "b", pending[0].ID)

		unknown, err := store.FilterUnknown(ctx, src, []string{"a", "b"})
		require.NoError(t, err)
		assert.Empty(t, unknown)
	})

	t.Run("LoadPendingOrdersAndFilters", func(t *testing.T) {
		clock := NewClock()
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.AddToFrontier(ctx, company("c")))
		clock.Advance(time.Second)
		require.NoError(t, store.AddToFrontier(ctx, graph.EntityRef{Source: src, ID: "p", Type: graph.EntityPerson}))
		clock.Advance(time.Second)
		require.NoError(t, store.AddToFrontier(ctx, company("a")))
		require.NoError(t, store.AddToFrontier(ctx, graph.EntityRef{Source: "other", ID: "z", Type: graph.EntityCompany}))

		all, err := store.LoadPendingFrontier(ctx, src, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "p", "a"}, ids(all))

		companies, err := store.LoadPendingFrontier(ctx, src, graph.EntityCompany)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a"}, ids(companies))
		assert.Equal(t, graph.EntityCompany, companies[0].EntityType)
		assert.Equal(t, src, companies[0].Source)

		other, err := store.LoadPendingFrontier(ctx, "other", "")
		require.NoError(t, err)
		assert.Equal(t, []string{"z"}, ids(other))
	})

	t.Run("Stats", func(t *testing.T) {
		clock := NewClock()
		store := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, store.RecordVisit(ctx, company("old")))
		clock.Advance(40 * 24 * time.Hour)
		require.NoError(t, store.RecordVisit(ctx, company("recent")))
		require.NoError(t, store.RecordVisit(ctx, graph.EntityRef{Source: src, ID: "p", Type: graph.EntityPerson}))
		require.NoError(t, store.AddToFrontier(ctx, company("pending-1")))
		require.NoError(t, store.AddToFrontier(ctx, company("pending-2")))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Visited)
		assert.Equal(t, 2, stats.Pending)
		assert.Equal(t, 2, stats.VisitedByType[src][graph.EntityCompany])
		assert.Equal(t, 1, stats.VisitedByType[src][graph.EntityPerson])
		assert.Equal(t, 2, stats.PendingByType[src][graph.EntityCompany])
		assert.Equal(t, 2, stats.VisitedRecently["7d"])
		assert.Equal(t, 2, stats.VisitedRecently["30d"])
		assert.Equal(t, 3, stats.VisitedRecently["90d"])
		assert.Equal(t, 3, stats.VisitedRecently["all"])
	})

	t.Run("ConcurrentProducers", func(t *testing.T) {
		store := newStore(t, NewClock())
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, id := range []string{"a", "b", "c"} {
					if err := store.AddToFrontier(ctx, company(id)); err != nil {
						errs <- err
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		pending, err := store.LoadPendingFrontier(ctx, src, "")
		require.NoError(t, err)
		assert.Len(t, pending, 3)
	})
}

func ids(recs []graph.FrontierRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
