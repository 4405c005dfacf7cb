// Package fetcher drives paginated relation fetches against an upstream
// PageSource, guarded by a circuit breaker.
package fetcher

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

	"github.com/JakeFAU/corpgraph-crawler/internal/breaker"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/metrics"
)

// Defaults applied to zero-valued Options fields.
const (
	DefaultPageSize = 20
	DefaultMaxPages = 1000
)

// Options control pagination. They can be swapped between sessions.
type Options struct {
	PageSize    int
	MaxPages    int
	PageDelay   time.Duration
	PageRetries int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.PageDelay < 0 {
		o.PageDelay = 0
	}
	if o.PageRetries < 0 {
		o.PageRetries = 0
	}
	return o
}

type idleCloser interface {
	CloseIdleConnections()
}

// Fetcher pages through relations one request at a time.
type Fetcher struct {
	source  PageSource
	breaker *breaker.Breaker
	logger  *zap.Logger

	mu   sync.RWMutex
	opts Options

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a fetcher. The breaker is owned by this instance.
func New(source PageSource, br *breaker.Breaker, opts Options, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if br == nil {
		br = breaker.New(breaker.DefaultThreshold, breaker.WithLogger(logger))
	}
	return &Fetcher{
		source:  source,
		breaker: br,
		logger:  logger.Named("fetcher"),
		opts:    opts.withDefaults(),
		sleep:   sleepContext,
	}
}

// Options returns the active pagination options.
func (f *Fetcher) Options() Options {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.opts
}

// SetOptions replaces the pagination options for later sessions.
func (f *Fetcher) SetOptions(opts Options) {
	f.mu.Lock()
	f.opts = opts.withDefaults()
	f.mu.Unlock()
}

// Disabled reports whether the breaker has tripped.
func (f *Fetcher) Disabled() bool {
	return f.breaker.Open()
}

// CloseIdleConnections releases pooled upstream connections when the source
// supports it.
func (f *Fetcher) CloseIdleConnections() {
	if c, ok := f.source.(idleCloser); ok {
		c.CloseIdleConnections()
	}
}

// Fetch runs one paginated session for relation of entity.
func (f *Fetcher) Fetch(ctx context.Context, entity graph.EntityRef, relation graph.Relation) Result {
	ctx, span := otel.Tracer("corpgraph/fetcher").Start(ctx, "fetcher.session")
	defer span.End()
	span.SetAttributes(
		attribute.String("entity.source", string(entity.Source)),
		attribute.String("entity.id", entity.ID),
		attribute.String("relation", string(relation)),
	)

	opts := f.Options()
	res := f.run(ctx, entity, relation, opts)

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("pages", res.Pages),
		attribute.Int("records", len(res.Records)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Outcome))
	}
	metrics.ObserveSession(string(relation), string(res.Outcome))
	return res
}

func (f *Fetcher) run(ctx context.Context, entity graph.EntityRef, relation graph.Relation, opts Options) Result {
	res := Result{Entity: entity, Relation: relation}
	seen := make(map[graph.Key]struct{})
	accumulated := 0
	log := f.logger.With(
		zap.String("entity_id", entity.ID),
		zap.String("relation", string(relation)),
	)

	for pageNum := 1; ; pageNum++ {
		if pageNum > opts.MaxPages {
			res.Outcome = OutcomeAborted
			res.Err = fmt.Errorf("page limit %d reached with %d of %d records", opts.MaxPages, accumulated, res.Total)
			log.Warn("pagination aborted", zap.Int("max_pages", opts.MaxPages), zap.Int("records", accumulated), zap.Int("total", res.Total))
			return res
		}
		if pageNum > 1 && opts.PageDelay > 0 {
			if err := f.sleep(ctx, opts.PageDelay); err != nil {
				res.Outcome = OutcomeFailed
				res.Err = err
				return res
			}
		}

		page, err := f.fetchPage(ctx, PageRequest{
			Entity:   entity,
			Relation: relation,
			PageNum:  pageNum,
			PageSize: opts.PageSize,
		}, opts.PageRetries)
		if err != nil {
			res.Err = err
			res.Outcome = OutcomeFailed
			if errors.Is(err, graph.ErrBreakerOpen) {
				res.Outcome = OutcomeDisabled
			}
			log.Warn("page fetch failed", zap.Int("page", pageNum), zap.String("outcome", string(res.Outcome)), zap.Error(err))
			return res
		}

		res.Pages++
		res.Total = page.Total
		accumulated += len(page.Records)
		for _, rec := range page.Records {
			res.Records = append(res.Records, rec)
			for _, child := range rec.Children {
				if child.Ref.ID == "" {
					continue
				}
				if _, dup := seen[child.Ref.Key()]; dup {
					continue
				}
				seen[child.Ref.Key()] = struct{}{}
				res.Children = append(res.Children, child)
			}
		}
		log.Debug("page fetched", zap.Int("page", pageNum), zap.Int("records", len(page.Records)), zap.Int("total", page.Total))

		if accumulated >= page.Total {
			res.Outcome = OutcomeComplete
			return res
		}
		if len(page.Records) == 0 {
			res.Outcome = OutcomeTruncated
			log.Warn("upstream returned fewer records than announced", zap.Int("records", accumulated), zap.Int("total", page.Total))
			return res
		}
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, req PageRequest, retries int) (Page, error) {
	policy := NewExponentialRetryPolicy(retries)
	rel := string(req.Relation)
	for attempt := 0; ; attempt++ {
		if err := f.breaker.Allow(); err != nil {
			return Page{}, err
		}
		page, err := f.source.FetchPage(ctx, req)
		if err == nil {
			f.breaker.Success()
			metrics.ObservePage(rel, "ok")
			return page, nil
		}
		metrics.ObservePage(rel, "error")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Page{}, fmt.Errorf("fetch page %d: %w", req.PageNum, ctxErr)
		}
		if f.breaker.Failure() {
			return Page{}, fmt.Errorf("fetch page %d: %w: %w", req.PageNum, graph.ErrBreakerOpen, err)
		}
		if !policy.ShouldRetry(err, attempt) {
			return Page{}, fmt.Errorf("fetch page %d: %w", req.PageNum, err)
		}
		wait := policy.Backoff(attempt)
		f.logger.Debug("retrying page",
			zap.Int("page", req.PageNum),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := f.sleep(ctx, wait); err != nil {
			return Page{}, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
