// Package app builds every long-lived service from configuration and runs
// the crawl loop next to the operations server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/corpgraph-crawler/internal/api"
	"github.com/JakeFAU/corpgraph-crawler/internal/breaker"
	"github.com/JakeFAU/corpgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/corpgraph-crawler/internal/config"
	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher"
	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher/jsonapi"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/hash/sha256"
	"github.com/JakeFAU/corpgraph-crawler/internal/id/uuid"
	"github.com/JakeFAU/corpgraph-crawler/internal/metrics"
	queuemem "github.com/JakeFAU/corpgraph-crawler/internal/queue/memory"
	"github.com/JakeFAU/corpgraph-crawler/internal/seeder"
	"github.com/JakeFAU/corpgraph-crawler/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Option customises New.
type Option func(*options)

type options struct {
	source   fetcher.PageSource
	clock    graph.Clock
	listener net.Listener
}

// WithPageSource replaces the HTTP upstream client.
func WithPageSource(src fetcher.PageSource) Option {
	return func(o *options) { o.source = src }
}

// WithClock overrides the system clock.
func WithClock(c graph.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithListener serves the operations API on l instead of server.port.
func WithListener(l net.Listener) Option {
	return func(o *options) { o.listener = l }
}

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	runID    string
	listener net.Listener

	store     graph.FrontierStore
	queue     *queuemem.Queue
	artifacts graph.ArtifactStore
	fetcher   *fetcher.Fetcher
	worker    *worker.Worker
	seeder    *seeder.Seeder
	api       *api.Server

	closers []closer
}

// New wires the crawl services. On error everything opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger, listener: o.listener}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	a.runID, err = uuid.New().NewID()
	if err != nil {
		return nil, err
	}

	if o.source == nil {
		upstream, err := UpstreamConfig(cfg)
		if err != nil {
			return nil, err
		}
		client, err := jsonapi.New(upstream, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("init upstream client: %w", err)
		}
		o.source = client
	}

	a.store, err = OpenFrontier(ctx, cfg.Frontier, o.clock, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	artifacts, closeArtifacts, err := OpenArtifacts(ctx, cfg.Artifacts, logger)
	if err != nil {
		return nil, err
	}
	a.artifacts = artifacts
	a.closers = append(a.closers, closeArtifacts)

	publisher, closePublisher, err := openPublisher(ctx, cfg.PubSub, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closePublisher)

	a.queue = queuemem.NewQueue(queuemem.WithDepthObserver(metrics.SetQueueDepth))
	br := breaker.New(cfg.Crawl.BreakerThreshold,
		breaker.WithLogger(logger),
		breaker.WithTripHook(metrics.ObserveBreakerTrip),
	)
	a.fetcher = fetcher.New(o.source, br, cfg.Settings(), logger)

	rels, err := cfg.Relations()
	if err != nil {
		return nil, err
	}
	a.worker, err = worker.New(worker.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Fetcher:   a.fetcher,
		Artifacts: a.artifacts,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Clock:     o.clock,
	}, worker.Config{
		Source:         cfg.Source(),
		EntityType:     cfg.EntityType(),
		Relations:      rels,
		RescanInterval: cfg.Crawl.RescanInterval,
		Topic:          cfg.PubSub.Topic,
		RunID:          a.runID,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init worker: %w", err)
	}

	a.seeder = seeder.New(a.store, a.queue, a.artifacts, logger)
	a.api = api.NewServer(api.Deps{
		Stats:      a.store,
		Queue:      a.queue,
		Seeder:     a.seeder,
		Status:     a.worker,
		Source:     cfg.Source(),
		EntityType: cfg.EntityType(),
	}, logger)

	logger.Info("application created",
		zap.String("run_id", a.runID),
		zap.String("source", string(cfg.Source())),
		zap.Strings("relations", cfg.Crawl.Relations),
		zap.String("frontier", cfg.Frontier.Backend),
		zap.String("artifacts", cfg.Artifacts.Backend),
	)
	return a, nil
}

// RunID identifies this process in logs and visit events.
func (a *App) RunID() string { return a.runID }

// Handler exposes the operations API.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Store returns the frontier store.
func (a *App) Store() graph.FrontierStore { return a.store }

// Seeder returns the in-process seeder, which also feeds the live queue.
func (a *App) Seeder() *seeder.Seeder { return a.seeder }

// Status reports the crawl loop state.
func (a *App) Status() worker.Status { return a.worker.Status() }

// Apply forwards reloaded fetch settings to the crawl loop.
func (a *App) Apply(opts fetcher.Options) { a.worker.Apply(opts) }

// Run blocks until ctx is canceled or the crawl loop stops. It returns a
// frontier storage failure or an HTTP server error; a disabled fetcher only
// shows in Status and readiness.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		a.logger.Info("crawl loop started", zap.String("run_id", a.runID))
		err := a.worker.Run(gctx)
		if err != nil {
			a.logger.Error("crawl loop stopped", zap.Error(err))
			return fmt.Errorf("crawl loop: %w", err)
		}
		a.logger.Info("crawl loop stopped")
		return nil
	})

	if a.cfg.Server.Enabled || a.listener != nil {
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(a.cfg.Server.Port),
			Handler:           a.api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("http server started", zap.String("addr", a.addr(srv)))
			var err error
			if a.listener != nil {
				err = srv.Serve(a.listener)
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
			return nil
		})
	}

	return g.Wait()
}

func (a *App) addr(srv *http.Server) string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return srv.Addr
}

// Close releases every backend. It is safe to call once after Run returns.
func (a *App) Close() error {
	if a.queue != nil {
		a.queue.Close()
	}
	err := a.closeAll()
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
