// Package memory implements graph.FrontierStore in process memory for tests
// and dry runs. Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/corpgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// Store is a mutex-guarded pair of maps.
type Store struct {
	mu       sync.RWMutex
	clock    graph.Clock
	visits   map[graph.Key]graph.VisitRecord
	frontier map[graph.Key]graph.FrontierRecord
	closed   bool
}

var _ graph.FrontierStore = (*Store)(nil)

// New constructs an empty store. A nil clock uses the system clock.
func New(clock graph.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		clock:    clock,
		visits:   make(map[graph.Key]graph.VisitRecord),
		frontier: make(map[graph.Key]graph.FrontierRecord),
	}
}

func (s *Store) checkOpen(op string) error {
	if s.closed {
		return graph.WrapStorage(op, errClosed)
	}
	return nil
}

// RecordVisit implements graph.FrontierStore.
func (s *Store) RecordVisit(_ context.Context, ref graph.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("record visit"); err != nil {
		return err
	}
	now := s.clock.Now()
	key := ref.Key()
	rec, ok := s.visits[key]
	if !ok {
		rec = graph.VisitRecord{
			Source:        ref.Source,
			ID:            ref.ID,
			EntityType:    ref.Type,
			VisitTime:     now,
			LastVisitTime: now,
			VisitTimes:    1,
		}
	} else {
		rec.LastVisitTime = rec.VisitTime
		rec.VisitTime = now
		rec.VisitTimes++
	}
	s.visits[key] = rec
	delete(s.frontier, key)
	return nil
}

// AddToFrontier implements graph.FrontierStore.
func (s *Store) AddToFrontier(_ context.Context, ref graph.EntityRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("add to frontier"); err != nil {
		return err
	}
	key := ref.Key()
	if _, ok := s.frontier[key]; ok {
		return nil
	}
	s.frontier[key] = graph.FrontierRecord{
		Source:     ref.Source,
		ID:         ref.ID,
		EntityType: ref.Type,
		FoundTime:  s.clock.Now(),
	}
	return nil
}

// FilterUnknown implements graph.FrontierStore.
func (s *Store) FilterUnknown(_ context.Context, source graph.Source, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("filter unknown"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range graph.DedupeIDs(ids) {
		key := graph.Key{Source: source, ID: id}
		if _, ok := s.visits[key]; ok {
			continue
		}
		if _, ok := s.frontier[key]; ok {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// LoadPendingFrontier implements graph.FrontierStore.
func (s *Store) LoadPendingFrontier(_ context.Context, source graph.Source, entityType graph.EntityType) ([]graph.FrontierRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("load pending frontier"); err != nil {
		return nil, err
	}
	var out []graph.FrontierRecord
	for key, rec := range s.frontier {
		if key.Source != source {
			continue
		}
		if entityType != "" && rec.EntityType != entityType {
			continue
		}
		if _, visited := s.visits[key]; visited {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FoundTime.Equal(out[j].FoundTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].FoundTime.Before(out[j].FoundTime)
	})
	return out, nil
}

// Visit implements graph.FrontierStore.
func (s *Store) Visit(_ context.Context, key graph.Key) (graph.VisitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("get visit"); err != nil {
		return graph.VisitRecord{}, err
	}
	rec, ok := s.visits[key]
	if !ok {
		return graph.VisitRecord{}, graph.ErrNotFound
	}
	return rec, nil
}

// Stats implements graph.FrontierStore.
func (s *Store) Stats(_ context.Context) (graph.FrontierStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen("stats"); err != nil {
		return graph.FrontierStats{}, err
	}
	now := s.clock.Now()
	stats := graph.NewFrontierStats()
	for _, rec := range s.visits {
		stats.AddVisited(rec.Source, rec.EntityType, rec.VisitTime, now)
	}
	for key, rec := range s.frontier {
		if _, visited := s.visits[key]; visited {
			continue
		}
		stats.AddPending(rec.Source, rec.EntityType, 1)
	}
	return stats, nil
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
