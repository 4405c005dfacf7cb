// Package seeder feeds externally supplied entities into the frontier.
package seeder

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/metrics"
	"github.com/JakeFAU/corpgraph-crawler/internal/worker"
)

// SeedEntity is one entity found by a direct search. Profile is optional.
type SeedEntity struct {
	Ref     graph.EntityRef
	Profile json.RawMessage
}

// SeedReport summarises one Seed call.
type SeedReport struct {
	Submitted int `json:"submitted"`
	Added     int `json:"added"`
	Known     int `json:"known"`
	Profiles  int `json:"profiles"`
}

// Enqueuer is the subset of the dedup queue the seeder needs.
type Enqueuer interface {
	Put(ref graph.EntityRef) bool
}

// Seeder writes seeds into the frontier and, when running in the same
// process as the crawl loop, the queue.
type Seeder struct {
	store     graph.FrontierStore
	queue     Enqueuer
	artifacts graph.ArtifactStore
	logger    *zap.Logger
}

// New builds a Seeder. queue and artifacts may be nil.
func New(store graph.FrontierStore, queue Enqueuer, artifacts graph.ArtifactStore, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{store: store, queue: queue, artifacts: artifacts, logger: logger.Named("seeder")}
}

// Seed adds the unknown entities to the frontier. Entities already in the
// frontier or already visited are counted as known and left alone. Profiles
// always overwrite whatever a neighbour listing stored earlier.
func (s *Seeder) Seed(ctx context.Context, seeds []SeedEntity) (SeedReport, error) {
	report := SeedReport{Submitted: len(seeds)}
	if len(seeds) == 0 {
		return report, nil
	}

	if err := s.storeProfiles(ctx, seeds, &report); err != nil {
		return report, err
	}

	bySource := make(map[graph.Source][]graph.EntityRef)
	var order []graph.Source
	for _, seed := range seeds {
		ref := seed.Ref
		if ref.ID == "" {
			report.Submitted--
			continue
		}
		if _, ok := bySource[ref.Source]; !ok {
			order = append(order, ref.Source)
		}
		bySource[ref.Source] = append(bySource[ref.Source], ref)
	}

	for _, src := range order {
		refs := bySource[src]
		byID := make(map[string]graph.EntityRef, len(refs))
		ids := make([]string, 0, len(refs))
		for _, ref := range refs {
			if _, dup := byID[ref.ID]; dup {
				continue
			}
			byID[ref.ID] = ref
			ids = append(ids, ref.ID)
		}
		unknown, err := s.store.FilterUnknown(ctx, src, ids)
		if err != nil {
			return report, fmt.Errorf("filter seeds: %w", err)
		}
		for _, id := range unknown {
			ref := byID[id]
			if err := s.store.AddToFrontier(ctx, ref); err != nil {
				return report, fmt.Errorf("add seed: %w", err)
			}
			if s.queue != nil {
				s.queue.Put(ref)
			}
			report.Added++
		}
	}
	report.Known = report.Submitted - report.Added
	metrics.ObserveFrontierAdded("seed", report.Added)
	s.logger.Info("seeds submitted",
		zap.Int("submitted", report.Submitted),
		zap.Int("added", report.Added),
		zap.Int("known", report.Known),
		zap.Int("profiles", report.Profiles),
	)
	return report, nil
}

func (s *Seeder) storeProfiles(ctx context.Context, seeds []SeedEntity, report *SeedReport) error {
	if s.artifacts == nil {
		return nil
	}
	for _, seed := range seeds {
		if len(seed.Profile) == 0 || seed.Ref.ID == "" {
			continue
		}
		if !json.Valid(seed.Profile) {
			return fmt.Errorf("seed %s: profile is not valid JSON", seed.Ref.Key())
		}
		if _, err := s.artifacts.Replace(ctx, worker.ProfileKey(seed.Ref), worker.ContentTypeJSON, seed.Profile); err != nil {
			metrics.ObserveArtifact("profile", "error")
			s.logger.Warn("store seed profile failed", zap.String("entity_id", seed.Ref.ID), zap.Error(err))
			continue
		}
		metrics.ObserveArtifact("profile", "replaced")
		report.Profiles++
	}
	return nil
}
