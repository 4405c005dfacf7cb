// Package worker implements the discovery loop: it pops entities off the
// dedup queue, fetches every configured relation, records newly discovered
// neighbours in the frontier and the queue, and marks the entity visited.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/metrics"
)

// DefaultRescanInterval is how long the queue may stay empty before the
// frontier is reloaded.
const DefaultRescanInterval = time.Minute

// Queue is the dedup work queue.
type Queue interface {
	Put(ref graph.EntityRef) bool
	Get(ctx context.Context) (graph.EntityRef, error)
	Size() int
}

// Fetcher runs paginated relation sessions.
type Fetcher interface {
	Fetch(ctx context.Context, entity graph.EntityRef, relation graph.Relation) fetcher.Result
	SetOptions(opts fetcher.Options)
	CloseIdleConnections()
	Disabled() bool
}

// Config controls Worker behavior.
type Config struct {
	Source graph.Source
	// EntityType restricts which pending frontier rows are restored into
	// the queue. Empty restores every type.
	EntityType     graph.EntityType
	Relations      []graph.Relation
	RescanInterval time.Duration
	Topic          string
	RunID          string
}

// Status is a point-in-time view of the loop for the ops API.
type Status struct {
	RunID     string           `json:"run_id"`
	Current   *graph.EntityRef `json:"current,omitempty"`
	Visited   int64            `json:"visited"`
	Failed    int64            `json:"failed"`
	LastVisit time.Time        `json:"last_visit,omitempty"`
	Disabled  bool             `json:"disabled"`
}

// Worker is the single consumer of the dedup queue.
type Worker struct {
	store     graph.FrontierStore
	queue     Queue
	fetcher   Fetcher
	artifacts graph.ArtifactStore
	publisher graph.Publisher
	hasher    graph.Hasher
	clock     graph.Clock
	cfg       Config
	logger    *zap.Logger

	settingsMu sync.Mutex
	settings   chan fetcher.Options

	statusMu sync.RWMutex
	status   Status
}

// Deps bundles optional collaborators. Artifacts, Publisher and Hasher may
// be nil.
type Deps struct {
	Store     graph.FrontierStore
	Queue     Queue
	Fetcher   Fetcher
	Artifacts graph.ArtifactStore
	Publisher graph.Publisher
	Hasher    graph.Hasher
	Clock     graph.Clock
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Fetcher == nil || deps.Clock == nil {
		return nil, fmt.Errorf("worker requires store, queue, fetcher and clock")
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("worker requires a source")
	}
	if len(cfg.Relations) == 0 {
		return nil, fmt.Errorf("worker requires at least one relation")
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = DefaultRescanInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     deps.Store,
		queue:     deps.Queue,
		fetcher:   deps.Fetcher,
		artifacts: deps.Artifacts,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
		settings:  make(chan fetcher.Options, 1),
		status:    Status{RunID: cfg.RunID},
	}, nil
}

// Apply hands new fetch settings to the loop. They take effect before the
// next visit; a newer call replaces one not yet applied.
func (w *Worker) Apply(opts fetcher.Options) {
	w.settingsMu.Lock()
	defer w.settingsMu.Unlock()
	select {
	case <-w.settings:
	default:
	}
	w.settings <- opts
}

func (w *Worker) applyPending() {
	select {
	case opts := <-w.settings:
		w.fetcher.SetOptions(opts)
		w.logger.Info("fetch settings applied",
			zap.Int("page_size", opts.PageSize),
			zap.Int("max_pages", opts.MaxPages),
			zap.Duration("page_delay", opts.PageDelay),
			zap.Int("page_retries", opts.PageRetries),
		)
	default:
	}
}

// Status returns a snapshot of the loop state.
func (w *Worker) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	st := w.status
	if st.Current != nil {
		cur := *st.Current
		st.Current = &cur
	}
	st.Disabled = w.fetcher.Disabled()
	return st
}

func (w *Worker) setCurrent(ref *graph.EntityRef) {
	w.statusMu.Lock()
	w.status.Current = ref
	w.statusMu.Unlock()
}

func (w *Worker) countVisit(ok bool, at time.Time) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	if ok {
		w.status.Visited++
		w.status.LastVisit = at
		return
	}
	w.status.Failed++
}

// Restore enqueues every pending frontier entity of the configured source.
func (w *Worker) Restore(ctx context.Context) (int, error) {
	pending, err := w.store.LoadPendingFrontier(ctx, w.cfg.Source, w.cfg.EntityType)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, rec := range pending {
		if w.queue.Put(rec.Ref()) {
			added++
		}
	}
	w.logger.Info("frontier restored",
		zap.Int("pending", len(pending)),
		zap.Int("enqueued", added),
		zap.Int("queue_size", w.queue.Size()),
	)
	return added, nil
}

// Run restores the frontier and then consumes the queue until ctx ends. It
// returns nil on cancellation and a *graph.StorageError when the frontier
// store fails. A disabled fetcher does not stop the loop; it shows up in
// Status.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.Restore(ctx); err != nil {
		return fmt.Errorf("restore frontier: %w", err)
	}
	for {
		ref, err := w.next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, graph.ErrQueueClosed) {
				return nil
			}
			return err
		}
		w.applyPending()
		if err := w.visit(ctx, ref); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// next blocks on the queue, reloading the frontier whenever it stays idle
// for the rescan interval.
func (w *Worker) next(ctx context.Context) (graph.EntityRef, error) {
	for {
		getCtx, cancel := context.WithTimeout(ctx, w.cfg.RescanInterval)
		ref, err := w.queue.Get(getCtx)
		cancel()
		if err == nil {
			return ref, nil
		}
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return graph.EntityRef{}, err
		}
		w.logger.Debug("queue idle, rescanning frontier", zap.Duration("interval", w.cfg.RescanInterval))
		if _, err := w.Restore(ctx); err != nil {
			return graph.EntityRef{}, fmt.Errorf("rescan frontier: %w", err)
		}
		w.applyPending()
	}
}

// visit processes one entity. Only storage failures and cancellation are
// returned; anything else, panics included, is logged.
func (w *Worker) visit(ctx context.Context, ref graph.EntityRef) (err error) {
	start := w.clock.Now()
	ctx, span := otel.Tracer("corpgraph/worker").Start(ctx, "worker.visit")
	span.SetAttributes(
		attribute.String("entity.source", string(ref.Source)),
		attribute.String("entity.id", ref.ID),
		attribute.String("entity.type", string(ref.Type)),
	)
	w.setCurrent(&ref)
	log := w.logger.With(zap.String("entity_id", ref.ID), zap.String("source", string(ref.Source)))

	defer func() {
		status := "ok"
		if r := recover(); r != nil {
			log.Error("visit panicked", zap.Any("panic", r), zap.Stack("stack"))
			w.fetcher.CloseIdleConnections()
			span.SetStatus(codes.Error, "panic")
			w.countVisit(false, start)
			status = "panic"
			err = nil
		}
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "visit failed")
			w.countVisit(false, start)
		}
		metrics.ObserveVisit(status, w.clock.Now().Sub(start))
		w.setCurrent(nil)
		span.End()
	}()

	log.Info("visiting entity")
	summaries, children, stopErr := w.crawlRelations(ctx, ref)

	fresh, err := w.expand(ctx, children)
	if err != nil {
		return err
	}
	if stopErr != nil {
		return stopErr
	}

	if err := w.store.RecordVisit(ctx, ref); err != nil {
		return err
	}
	visitedAt := w.clock.Now()
	w.countVisit(true, visitedAt)
	log.Info("entity visited",
		zap.Int("children", len(children)),
		zap.Int("new", len(fresh)),
		zap.Int("queue_size", w.queue.Size()),
	)
	w.publishVisit(ctx, ref, visitedAt, summaries, fresh)
	return nil
}

// crawlRelations runs every relation session. A failed session, a disabled
// fetcher included, is logged and the next relation is tried. stopErr is
// only set when ctx ended.
func (w *Worker) crawlRelations(ctx context.Context, ref graph.EntityRef) ([]RelationSummary, []graph.Child, error) {
	var (
		summaries []RelationSummary
		children  []graph.Child
		released  bool
	)
	for _, rel := range w.cfg.Relations {
		res := w.fetcher.Fetch(ctx, ref, rel)
		summary := summarize(res)

		if res.OK() {
			children = append(children, res.Children...)
			summary.Artifact, summary.Digest = w.storeRelation(ctx, ref, res)
			w.storeProfiles(ctx, res.Children)
			summaries = append(summaries, summary)
			continue
		}
		summaries = append(summaries, summary)

		if !released {
			w.fetcher.CloseIdleConnections()
			released = true
		}
		if ctx.Err() != nil {
			return summaries, children, ctx.Err()
		}
		if errors.Is(res.Err, graph.ErrBreakerOpen) {
			w.logger.Error("relation skipped, fetcher disabled",
				zap.String("entity_id", ref.ID),
				zap.String("relation", string(rel)),
				zap.Error(res.Err),
			)
			continue
		}
		w.logger.Warn("relation fetch failed",
			zap.String("entity_id", ref.ID),
			zap.String("relation", string(rel)),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(res.Err),
		)
	}
	return summaries, children, nil
}

// expand records unknown children in the frontier and then the queue, in
// that order, so a crash between the two never loses an entity.
func (w *Worker) expand(ctx context.Context, children []graph.Child) ([]string, error) {
	if len(children) == 0 {
		return nil, nil
	}
	bySource := make(map[graph.Source][]graph.Child)
	var order []graph.Source
	for _, c := range children {
		if _, ok := bySource[c.Ref.Source]; !ok {
			order = append(order, c.Ref.Source)
		}
		bySource[c.Ref.Source] = append(bySource[c.Ref.Source], c)
	}

	var fresh []string
	for _, src := range order {
		group := bySource[src]
		refs := make(map[string]graph.EntityRef, len(group))
		ids := make([]string, 0, len(group))
		for _, c := range group {
			if _, ok := refs[c.Ref.ID]; !ok {
				refs[c.Ref.ID] = c.Ref
				ids = append(ids, c.Ref.ID)
			}
		}
		unknown, err := w.store.FilterUnknown(ctx, src, ids)
		if err != nil {
			return fresh, err
		}
		for _, id := range unknown {
			ref := refs[id]
			if err := w.store.AddToFrontier(ctx, ref); err != nil {
				return fresh, err
			}
			w.queue.Put(ref)
			fresh = append(fresh, id)
		}
	}
	metrics.ObserveFrontierAdded("discovered", len(fresh))
	return fresh, nil
}
