// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// AppName names the XDG data directory.
const AppName = "corpgraph"

// Frontier backends.
const (
	FrontierSQLite   = "sqlite"
	FrontierPostgres = "postgres"
	FrontierRedis    = "redis"
	FrontierMemory   = "memory"
)

// Artifact backends.
const (
	ArtifactsNone   = "none"
	ArtifactsMemory = "memory"
	ArtifactsLocal  = "local"
	ArtifactsGCS    = "gcs"
	ArtifactsS3     = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Server    ServerConfig    `mapstructure:"server"`
	Crawl     CrawlConfig     `mapstructure:"crawl"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig toggles the OpenTelemetry SDK tracer provider.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerConfig controls the operations HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// CrawlConfig governs the discovery loop and pagination.
type CrawlConfig struct {
	Source           string        `mapstructure:"source"`
	EntityType       string        `mapstructure:"entity_type"`
	Relations        []string      `mapstructure:"relations"`
	PageSize         int           `mapstructure:"page_size"`
	MaxPages         int           `mapstructure:"max_pages"`
	PageDelay        time.Duration `mapstructure:"page_delay"`
	PageRetries      int           `mapstructure:"page_retries"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	RescanInterval   time.Duration `mapstructure:"rescan_interval"`
}

// FrontierConfig selects and configures the frontier store.
type FrontierConfig struct {
	Backend    string         `mapstructure:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	SQLiteWAL  bool           `mapstructure:"sqlite_wal"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
	Redis      RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig controls access to the relational frontier.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig points at the Redis frontier.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ArtifactsConfig sets where raw relation pages and profiles are kept.
type ArtifactsConfig struct {
	Backend   string   `mapstructure:"backend"`
	Prefix    string   `mapstructure:"prefix"`
	LocalDir  string   `mapstructure:"local_dir"`
	GCSBucket string   `mapstructure:"gcs_bucket"`
	S3        S3Config `mapstructure:"s3"`
}

// S3Config configures the S3 artifact backend.
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// PubSubConfig holds metadata for visit notifications. An empty ProjectID
// keeps events in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// UpstreamConfig describes the paginated JSON API.
type UpstreamConfig struct {
	Timeout   time.Duration             `mapstructure:"timeout"`
	RPS       float64                   `mapstructure:"rps"`
	Headers   map[string]string         `mapstructure:"headers"`
	Relations map[string]EndpointConfig `mapstructure:"relations"`
}

// EndpointConfig maps onto jsonapi.Endpoint. Viper lowercases map keys, so
// Extra keys arrive lowercased.
type EndpointConfig struct {
	URL            string         `mapstructure:"url"`
	EntityField    string         `mapstructure:"entity_field"`
	PageNumField   string         `mapstructure:"page_num_field"`
	PageSizeField  string         `mapstructure:"page_size_field"`
	Extra          map[string]any `mapstructure:"extra"`
	ChildIDField   string         `mapstructure:"child_id_field"`
	ChildTypeField string         `mapstructure:"child_type_field"`
	ChildType      string         `mapstructure:"child_type"`
	ProfileField   string         `mapstructure:"profile_field"`
	StripProfile   bool           `mapstructure:"strip_profile"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CORPGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultSQLitePath is the frontier database location under the XDG data
// directory.
func DefaultSQLitePath() string {
	return filepath.Join(xdg.DataHome, AppName, "frontier.db")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawl.source", "tyc")
	v.SetDefault("crawl.entity_type", string(graph.EntityCompany))
	v.SetDefault("crawl.relations", []string{string(graph.RelationInvestments), string(graph.RelationShareholders)})
	v.SetDefault("crawl.page_size", 100)
	v.SetDefault("crawl.max_pages", fetcher.DefaultMaxPages)
	v.SetDefault("crawl.page_delay", "3s")
	v.SetDefault("crawl.page_retries", 0)
	v.SetDefault("crawl.breaker_threshold", 3)
	v.SetDefault("crawl.rescan_interval", "1m")
	v.SetDefault("frontier.backend", FrontierSQLite)
	v.SetDefault("frontier.sqlite_path", DefaultSQLitePath())
	v.SetDefault("frontier.sqlite_wal", true)
	v.SetDefault("frontier.postgres.migrate", true)
	v.SetDefault("frontier.redis.key_prefix", AppName)
	v.SetDefault("artifacts.backend", ArtifactsLocal)
	v.SetDefault("artifacts.local_dir", filepath.Join(xdg.DataHome, AppName, "artifacts"))
	v.SetDefault("pubsub.topic", "corpgraph-visits")
	v.SetDefault("upstream.timeout", "15s")
	v.SetDefault("upstream.rps", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Crawl.Source) == "" {
		return fmt.Errorf("crawl.source is required")
	}
	if _, err := c.Relations(); err != nil {
		return err
	}
	if c.Crawl.PageSize <= 0 {
		return fmt.Errorf("crawl.page_size must be > 0")
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0")
	}
	if c.Crawl.PageDelay < 0 {
		return fmt.Errorf("crawl.page_delay must be >= 0")
	}
	if c.Crawl.PageRetries < 0 {
		return fmt.Errorf("crawl.page_retries must be >= 0")
	}
	if c.Crawl.BreakerThreshold <= 0 {
		return fmt.Errorf("crawl.breaker_threshold must be > 0")
	}
	if c.Crawl.RescanInterval <= 0 {
		return fmt.Errorf("crawl.rescan_interval must be > 0")
	}
	if err := c.Frontier.validate(); err != nil {
		return err
	}
	if err := c.Artifacts.validate(); err != nil {
		return err
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if c.Upstream.RPS < 0 {
		return fmt.Errorf("upstream.rps must be >= 0")
	}
	return nil
}

func (f FrontierConfig) validate() error {
	switch f.Backend {
	case FrontierSQLite:
		if f.SQLitePath == "" {
			return fmt.Errorf("frontier.sqlite_path is required for the sqlite backend")
		}
	case FrontierPostgres:
		if f.Postgres.DSN == "" {
			return fmt.Errorf("frontier.postgres.dsn is required for the postgres backend")
		}
	case FrontierRedis:
		if f.Redis.Addr == "" {
			return fmt.Errorf("frontier.redis.addr is required for the redis backend")
		}
	case FrontierMemory:
	default:
		return fmt.Errorf("unknown frontier.backend %q", f.Backend)
	}
	return nil
}

func (a ArtifactsConfig) validate() error {
	switch a.Backend {
	case ArtifactsNone, ArtifactsMemory:
	case ArtifactsLocal:
		if a.LocalDir == "" {
			return fmt.Errorf("artifacts.local_dir is required for the local backend")
		}
	case ArtifactsGCS:
		if a.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket is required for the gcs backend")
		}
	case ArtifactsS3:
		if a.S3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown artifacts.backend %q", a.Backend)
	}
	return nil
}

// Relations parses crawl.relations.
func (c Config) Relations() ([]graph.Relation, error) {
	if len(c.Crawl.Relations) == 0 {
		return nil, fmt.Errorf("crawl.relations must not be empty")
	}
	out := make([]graph.Relation, 0, len(c.Crawl.Relations))
	seen := make(map[graph.Relation]bool, len(c.Crawl.Relations))
	for _, raw := range c.Crawl.Relations {
		rel, err := graph.ParseRelation(raw)
		if err != nil {
			return nil, fmt.Errorf("crawl.relations: %w", err)
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		out = append(out, rel)
	}
	return out, nil
}

// Source returns the configured data source.
func (c Config) Source() graph.Source {
	return graph.Source(strings.TrimSpace(c.Crawl.Source))
}

// EntityType returns the entity type restored from the frontier. Empty
// restores every type.
func (c Config) EntityType() graph.EntityType {
	if strings.TrimSpace(c.Crawl.EntityType) == "" {
		return ""
	}
	return graph.ParseEntityType(c.Crawl.EntityType)
}

// Settings derives the fetch settings that can change while a crawl runs.
func (c Config) Settings() fetcher.Options {
	return fetcher.Options{
		PageSize:    c.Crawl.PageSize,
		MaxPages:    c.Crawl.MaxPages,
		PageDelay:   c.Crawl.PageDelay,
		PageRetries: c.Crawl.PageRetries,
	}
}
