package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/metrics"
)

// Artifact content types.
const (
	ContentTypeJSONLines = "application/x-ndjson"
	ContentTypeJSON      = "application/json"
)

// RelationKey is the artifact key of one relation session.
func RelationKey(ref graph.EntityRef, rel graph.Relation) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", ref.Source, rel, ref.ID)
}

// ProfileKey is the artifact key of an entity profile.
func ProfileKey(ref graph.EntityRef) string {
	return fmt.Sprintf("%s/profile/%s.json", ref.Source, ref.ID)
}

// EncodeJSONLines writes one compact JSON document per record.
func EncodeJSONLines(records []fetcher.Record) ([]byte, error) {
	var buf bytes.Buffer
	for i, rec := range records {
		if len(rec.Data) == 0 {
			continue
		}
		if err := json.Compact(&buf, rec.Data); err != nil {
			return nil, fmt.Errorf("compact record %d: %w", i, err)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// storeRelation persists the session records write-once and returns the
// artifact URI and digest. Failures are logged only.
func (w *Worker) storeRelation(ctx context.Context, ref graph.EntityRef, res fetcher.Result) (string, string) {
	if w.artifacts == nil {
		return "", ""
	}
	data, err := EncodeJSONLines(res.Records)
	if err != nil {
		w.logger.Warn("encode relation artifact failed", zap.String("entity_id", ref.ID), zap.Error(err))
		metrics.ObserveArtifact("relation", "error")
		return "", ""
	}
	uri, ok := w.putOnce(ctx, "relation", RelationKey(ref, res.Relation), ContentTypeJSONLines, data)
	if !ok {
		return "", ""
	}
	var digest string
	if w.hasher != nil {
		if digest, err = w.hasher.Hash(data); err != nil {
			w.logger.Warn("hash relation artifact failed", zap.String("entity_id", ref.ID), zap.Error(err))
		}
	}
	return uri, digest
}

// storeProfiles writes each embedded neighbour profile write-once, so a
// byproduct never overwrites a profile from a direct search.
func (w *Worker) storeProfiles(ctx context.Context, children []graph.Child) {
	if w.artifacts == nil {
		return
	}
	for _, c := range children {
		if len(c.Profile) == 0 {
			continue
		}
		w.putOnce(ctx, "profile", ProfileKey(c.Ref), ContentTypeJSON, c.Profile)
	}
}

func (w *Worker) putOnce(ctx context.Context, kind, key, contentType string, data []byte) (string, bool) {
	uri, err := w.artifacts.PutOnce(ctx, key, contentType, data)
	switch {
	case err == nil:
		metrics.ObserveArtifact(kind, "written")
		return uri, true
	case errors.Is(err, graph.ErrArtifactExists):
		metrics.ObserveArtifact(kind, "exists")
		return uri, true
	default:
		metrics.ObserveArtifact(kind, "error")
		w.logger.Warn("artifact write failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
}
