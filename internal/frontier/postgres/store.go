// Package postgres implements graph.FrontierStore on Postgres for crawls that
// share one frontier across hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/corpgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN string
	// TablePrefix is prepended to the visits and frontier table names.
	TablePrefix     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate creates missing tables on startup.
	Migrate bool
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is a pgxpool-backed FrontierStore.
type Store struct {
	pool     pool
	clock    graph.Clock
	visits   string
	frontier string
}

var _ graph.FrontierStore = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config, clock graph.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("frontier.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.TablePrefix, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, tablePrefix string, clock graph.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	visits := tablePrefix + "visits"
	frontier := tablePrefix + "frontier"
	if !validTableName.MatchString(visits) || !validTableName.MatchString(frontier) {
		return nil, fmt.Errorf("invalid table prefix %q", tablePrefix)
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{pool: p, clock: clock, visits: visits, frontier: frontier}, nil
}

// Migrate creates the visits and frontier tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	source          TEXT        NOT NULL,
	id              TEXT        NOT NULL,
	entity_type     TEXT        NOT NULL,
	visit_time      TIMESTAMPTZ NOT NULL,
	last_visit_time TIMESTAMPTZ NOT NULL,
	visit_times     INTEGER     NOT NULL DEFAULT 1,
	PRIMARY KEY (source, id)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	source      TEXT        NOT NULL,
	id          TEXT        NOT NULL,
	entity_type TEXT        NOT NULL,
	found_time  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, id)
);
CREATE INDEX IF NOT EXISTS %[2]s_source_found_idx ON %[2]s (source, found_time);`, s.visits, s.frontier)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate frontier tables: %w", err)
	}
	return nil
}

// RecordVisit implements graph.FrontierStore.
func (s *Store) RecordVisit(ctx context.Context, ref graph.EntityRef) (err error) {
	now := s.clock.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return graph.WrapStorage("record visit", fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	upsert := fmt.Sprintf(`INSERT INTO %[1]s (source, id, entity_type, visit_time, last_visit_time, visit_times)
VALUES ($1, $2, $3, $4, $4, 1)
ON CONFLICT (source, id) DO UPDATE SET
	last_visit_time = %[1]s.visit_time,
	visit_time = EXCLUDED.visit_time,
	visit_times = %[1]s.visit_times + 1`, s.visits)
	if _, err = tx.Exec(ctx, upsert, string(ref.Source), ref.ID, string(ref.Type), now); err != nil {
		return graph.WrapStorage("record visit", err)
	}
	del := fmt.Sprintf(`DELETE FROM %s WHERE source = $1 AND id = $2`, s.frontier)
	if _, err = tx.Exec(ctx, del, string(ref.Source), ref.ID); err != nil {
		return graph.WrapStorage("record visit", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return graph.WrapStorage("record visit", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// AddToFrontier implements graph.FrontierStore.
func (s *Store) AddToFrontier(ctx context.Context, ref graph.EntityRef) error {
	query := fmt.Sprintf(`INSERT INTO %s (source, id, entity_type, found_time) VALUES ($1, $2, $3, $4)
ON CONFLICT (source, id) DO NOTHING`, s.frontier)
	_, err := s.pool.Exec(ctx, query, string(ref.Source), ref.ID, string(ref.Type), s.clock.Now())
	return graph.WrapStorage("add to frontier", err)
}

// FilterUnknown implements graph.FrontierStore.
func (s *Store) FilterUnknown(ctx context.Context, source graph.Source, ids []string) ([]string, error) {
	ids = graph.DedupeIDs(ids)
	if len(ids) == 0 {
		return []string{}, nil
	}
	known := make(map[string]struct{})
	for _, table := range []string{s.visits, s.frontier} {
		query := fmt.Sprintf(`SELECT id FROM %s WHERE source = $1 AND id = ANY($2)`, table)
		rows, err := s.pool.Query(ctx, query, string(source), ids)
		if err != nil {
			return nil, graph.WrapStorage("filter unknown", err)
		}
		found, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, graph.WrapStorage("filter unknown", err)
		}
		for _, id := range found {
			known[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// LoadPendingFrontier implements graph.FrontierStore.
func (s *Store) LoadPendingFrontier(ctx context.Context, source graph.Source, entityType graph.EntityType) ([]graph.FrontierRecord, error) {
	query := fmt.Sprintf(`SELECT f.source, f.id, f.entity_type, f.found_time
FROM %s f
LEFT JOIN %s v ON v.source = f.source AND v.id = f.id
WHERE f.source = $1 AND ($2::text = '' OR f.entity_type = $2) AND v.id IS NULL
ORDER BY f.found_time, f.id`, s.frontier, s.visits)
	rows, err := s.pool.Query(ctx, query, string(source), string(entityType))
	if err != nil {
		return nil, graph.WrapStorage("load pending frontier", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (graph.FrontierRecord, error) {
		var (
			rec      graph.FrontierRecord
			src, typ string
		)
		if err := row.Scan(&src, &rec.ID, &typ, &rec.FoundTime); err != nil {
			return rec, err
		}
		rec.Source = graph.Source(src)
		rec.EntityType = graph.EntityType(typ)
		rec.FoundTime = rec.FoundTime.UTC()
		return rec, nil
	})
	if err != nil {
		return nil, graph.WrapStorage("load pending frontier", err)
	}
	return out, nil
}

// Visit implements graph.FrontierStore.
func (s *Store) Visit(ctx context.Context, key graph.Key) (graph.VisitRecord, error) {
	query := fmt.Sprintf(`SELECT entity_type, visit_time, last_visit_time, visit_times
FROM %s WHERE source = $1 AND id = $2`, s.visits)
	rec := graph.VisitRecord{Source: key.Source, ID: key.ID}
	var typ string
	err := s.pool.QueryRow(ctx, query, string(key.Source), key.ID).
		Scan(&typ, &rec.VisitTime, &rec.LastVisitTime, &rec.VisitTimes)
	if errors.Is(err, pgx.ErrNoRows) {
		return graph.VisitRecord{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.VisitRecord{}, graph.WrapStorage("get visit", err)
	}
	rec.EntityType = graph.EntityType(typ)
	rec.VisitTime = rec.VisitTime.UTC()
	rec.LastVisitTime = rec.LastVisitTime.UTC()
	return rec, nil
}

// Stats implements graph.FrontierStore.
func (s *Store) Stats(ctx context.Context) (graph.FrontierStats, error) {
	stats := graph.NewFrontierStats()
	now := s.clock.Now()

	var b strings.Builder
	b.WriteString("SELECT source, entity_type, COUNT(*)")
	var args []any
	for _, w := range graph.RecencyWindows {
		if w.Age == 0 {
			b.WriteString(", COUNT(*)")
			continue
		}
		args = append(args, now.Add(-w.Age))
		fmt.Fprintf(&b, ", COUNT(*) FILTER (WHERE visit_time >= $%d)", len(args))
	}
	fmt.Fprintf(&b, " FROM %s GROUP BY source, entity_type", s.visits)

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return stats, graph.WrapStorage("stats", err)
	}
	for rows.Next() {
		var (
			src, typ string
			total    int64
		)
		perWindow64 := make([]int64, len(graph.RecencyWindows))
		dest := []any{&src, &typ, &total}
		for i := range perWindow64 {
			dest = append(dest, &perWindow64[i])
		}
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return stats, graph.WrapStorage("stats", err)
		}
		perWindow := make([]int, len(perWindow64))
		for i, n := range perWindow64 {
			perWindow[i] = int(n)
		}
		stats.AddVisitedCounts(graph.Source(src), graph.EntityType(typ), int(total), perWindow)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, graph.WrapStorage("stats", err)
	}

	pendingQuery := fmt.Sprintf(`SELECT f.source, f.entity_type, COUNT(*)
FROM %s f
LEFT JOIN %s v ON v.source = f.source AND v.id = f.id
WHERE v.id IS NULL
GROUP BY f.source, f.entity_type`, s.frontier, s.visits)
	rows, err = s.pool.Query(ctx, pendingQuery)
	if err != nil {
		return stats, graph.WrapStorage("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			src, typ string
			total    int64
		)
		if err := rows.Scan(&src, &typ, &total); err != nil {
			return stats, graph.WrapStorage("stats", err)
		}
		stats.AddPending(graph.Source(src), graph.EntityType(typ), int(total))
	}
	if err := rows.Err(); err != nil {
		return stats, graph.WrapStorage("stats", err)
	}
	return stats, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
