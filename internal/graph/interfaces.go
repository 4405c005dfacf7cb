package graph

import (
	"context"
	"time"
)

// FrontierStore is the durable record of discovered and visited entities and
// the single source of truth for "has this id been seen".
type FrontierStore interface {
	// RecordVisit inserts or advances the visit record and drops the
	// entity from the active frontier.
	RecordVisit(ctx context.Context, ref EntityRef) error
	// AddToFrontier inserts the entity if absent. found_time is only set
	// on the first insert.
	AddToFrontier(ctx context.Context, ref EntityRef) error
	// FilterUnknown returns the ids with no frontier and no visit record,
	// deduplicated in first-occurrence order.
	FilterUnknown(ctx context.Context, source Source, ids []string) ([]string, error)
	// LoadPendingFrontier returns unvisited frontier rows ordered by found
	// time. An empty entityType matches every type.
	LoadPendingFrontier(ctx context.Context, source Source, entityType EntityType) ([]FrontierRecord, error)
	// Visit returns the visit record for key or ErrNotFound.
	Visit(ctx context.Context, key Key) (VisitRecord, error)
	// Stats summarises both tables.
	Stats(ctx context.Context) (FrontierStats, error)
	Close() error
}

// ArtifactStore persists scraped payloads keyed by entity.
type ArtifactStore interface {
	// PutOnce writes data unless key exists, in which case it returns
	// ErrArtifactExists.
	PutOnce(ctx context.Context, key string, contentType string, data []byte) (string, error)
	// Replace writes data unconditionally.
	Replace(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// Publisher pushes visit events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests of artifact payloads.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
