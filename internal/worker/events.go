package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// RelationSummary describes one relation session inside a VisitEvent.
type RelationSummary struct {
	Relation graph.Relation  `json:"relation"`
	Outcome  fetcher.Outcome `json:"outcome"`
	Pages    int             `json:"pages"`
	Records  int             `json:"records"`
	Total    int             `json:"total"`
	Children int             `json:"children"`
	Artifact string          `json:"artifact,omitempty"`
	Digest   string          `json:"digest,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func summarize(res fetcher.Result) RelationSummary {
	s := RelationSummary{
		Relation: res.Relation,
		Outcome:  res.Outcome,
		Pages:    res.Pages,
		Records:  len(res.Records),
		Total:    res.Total,
		Children: len(res.Children),
	}
	if res.Err != nil {
		s.Error = res.Err.Error()
	}
	return s
}

// VisitEvent is published once per visited entity.
type VisitEvent struct {
	RunID       string            `json:"run_id,omitempty"`
	Source      graph.Source      `json:"source"`
	ID          string            `json:"id"`
	Type        graph.EntityType  `json:"type"`
	VisitedAt   time.Time         `json:"visited_at"`
	Relations   []RelationSummary `json:"relations"`
	NewChildren []string          `json:"new_children"`
}

func (w *Worker) publishVisit(ctx context.Context, ref graph.EntityRef, at time.Time, summaries []RelationSummary, fresh []string) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	if fresh == nil {
		fresh = []string{}
	}
	event := VisitEvent{
		RunID:       w.cfg.RunID,
		Source:      ref.Source,
		ID:          ref.ID,
		Type:        ref.Type,
		VisitedAt:   at,
		Relations:   summaries,
		NewChildren: fresh,
	}
	id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		w.logger.Warn("publish visit event failed", zap.String("entity_id", ref.ID), zap.Error(err))
		return
	}
	w.logger.Debug("visit event published", zap.String("entity_id", ref.ID), zap.String("message_id", id))
}
