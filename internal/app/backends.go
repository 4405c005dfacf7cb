package app

import (
	"context"
	"fmt"
	"os"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/config"
	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher/jsonapi"
	"github.com/JakeFAU/corpgraph-crawler/internal/frontier/memory"
	"github.com/JakeFAU/corpgraph-crawler/internal/frontier/postgres"
	"github.com/JakeFAU/corpgraph-crawler/internal/frontier/redis"
	"github.com/JakeFAU/corpgraph-crawler/internal/frontier/sqlite"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	memorypublisher "github.com/JakeFAU/corpgraph-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/corpgraph-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/corpgraph-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/corpgraph-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/corpgraph-crawler/internal/storage/memory"
	s3storage "github.com/JakeFAU/corpgraph-crawler/internal/storage/s3"
)

type closer func() error

// OpenFrontier connects the configured frontier backend.
func OpenFrontier(ctx context.Context, cfg config.FrontierConfig, clock graph.Clock, logger *zap.Logger) (graph.FrontierStore, error) {
	logger.Info("opening frontier store", zap.String("backend", cfg.Backend))
	switch cfg.Backend {
	case config.FrontierSQLite:
		store, err := sqlite.Open(ctx, sqlite.Options{Path: cfg.SQLitePath, WAL: cfg.SQLiteWAL, Clock: clock})
		if err != nil {
			return nil, fmt.Errorf("open sqlite frontier: %w", err)
		}
		return store, nil
	case config.FrontierPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			TablePrefix:     cfg.Postgres.TablePrefix,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			Migrate:         cfg.Postgres.Migrate,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("open postgres frontier: %w", err)
		}
		return store, nil
	case config.FrontierRedis:
		store, err := redis.New(ctx, redis.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("open redis frontier: %w", err)
		}
		return store, nil
	case config.FrontierMemory:
		logger.Warn("memory frontier selected; progress is lost on exit")
		return memory.New(clock), nil
	default:
		return nil, fmt.Errorf("unknown frontier backend %q", cfg.Backend)
	}
}

// OpenArtifacts builds the configured artifact store. A nil store means
// artifacts are disabled. The returned closer is never nil.
func OpenArtifacts(ctx context.Context, cfg config.ArtifactsConfig, logger *zap.Logger) (graph.ArtifactStore, closer, error) {
	noop := func() error { return nil }
	logger.Info("opening artifact store", zap.String("backend", cfg.Backend))
	switch cfg.Backend {
	case config.ArtifactsNone:
		return nil, noop, nil
	case config.ArtifactsMemory:
		return memorystorage.New(), noop, nil
	case config.ArtifactsLocal:
		if err := os.MkdirAll(cfg.LocalDir, 0o750); err != nil {
			return nil, noop, fmt.Errorf("create artifact directory: %w", err)
		}
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, noop, fmt.Errorf("init local artifacts: %w", err)
		}
		return store, noop, nil
	case config.ArtifactsGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("init gcs artifacts: %w", err)
		}
		return store, client.Close, nil
	case config.ArtifactsS3:
		s3cfg := s3storage.Config{
			Bucket:       cfg.S3.Bucket,
			Prefix:       cfg.Prefix,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		}
		client, err := s3storage.NewClient(ctx, s3cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("create s3 client: %w", err)
		}
		store, err := s3storage.New(client, s3cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("init s3 artifacts: %w", err)
		}
		return store, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown artifacts backend %q", cfg.Backend)
	}
}

// openPublisher uses Pub/Sub when a project is configured and an in-memory
// recorder otherwise.
func openPublisher(ctx context.Context, cfg config.PubSubConfig, logger *zap.Logger) (graph.Publisher, closer, error) {
	if cfg.ProjectID == "" {
		logger.Info("pubsub project not set; visit events stay in memory")
		return memorypublisher.New(), func() error { return nil }, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	pub := gcppublisher.New(client)
	logger.Info("publishing visit events", zap.String("project", cfg.ProjectID), zap.String("topic", cfg.Topic))
	return pub, func() error {
		pub.Close()
		return client.Close()
	}, nil
}

// UpstreamConfig maps the configured relation endpoints onto the JSON client.
func UpstreamConfig(cfg config.Config) (jsonapi.Config, error) {
	rels, err := cfg.Relations()
	if err != nil {
		return jsonapi.Config{}, err
	}
	out := jsonapi.Config{
		Endpoints: make(map[graph.Relation]jsonapi.Endpoint, len(rels)),
		Headers:   cfg.Upstream.Headers,
		Timeout:   cfg.Upstream.Timeout,
		RPS:       cfg.Upstream.RPS,
	}
	for _, rel := range rels {
		ep, ok := cfg.Upstream.Relations[string(rel)]
		if !ok || ep.URL == "" {
			return jsonapi.Config{}, fmt.Errorf("upstream.relations.%s.url is required", rel)
		}
		endpoint := jsonapi.Endpoint{
			URL:            ep.URL,
			EntityField:    ep.EntityField,
			PageNumField:   ep.PageNumField,
			PageSizeField:  ep.PageSizeField,
			Extra:          ep.Extra,
			ChildIDField:   ep.ChildIDField,
			ChildTypeField: ep.ChildTypeField,
			ProfileField:   ep.ProfileField,
			StripProfile:   ep.StripProfile,
		}
		if ep.ChildType != "" {
			endpoint.ChildType = graph.ParseEntityType(ep.ChildType)
		}
		out.Endpoints[rel] = endpoint
	}
	return out, nil
}
