// Package sqlite implements graph.FrontierStore on an embedded SQLite file,
// the default backend for single-host crawls.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/corpgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// filterChunk bounds the IN list of a single bulk lookup.
const filterChunk = 5000

const schema = `
CREATE TABLE IF NOT EXISTS visits (
	source          TEXT    NOT NULL,
	id              TEXT    NOT NULL,
	entity_type     TEXT    NOT NULL,
	visit_time      INTEGER NOT NULL,
	last_visit_time INTEGER NOT NULL,
	visit_times     INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (source, id)
);
CREATE TABLE IF NOT EXISTS frontier (
	source      TEXT    NOT NULL,
	id          TEXT    NOT NULL,
	entity_type TEXT    NOT NULL,
	found_time  INTEGER NOT NULL,
	PRIMARY KEY (source, id)
);
CREATE INDEX IF NOT EXISTS frontier_source_found_idx ON frontier (source, found_time);
`

const (
	upsertVisitSQL = `INSERT INTO visits (source, id, entity_type, visit_time, last_visit_time, visit_times)
VALUES (?, ?, ?, ?, ?, 1)
ON CONFLICT (source, id) DO UPDATE SET
	last_visit_time = visits.visit_time,
	visit_time = excluded.visit_time,
	visit_times = visits.visit_times + 1`
	deleteFrontierSQL = `DELETE FROM frontier WHERE source = ? AND id = ?`
	insertFrontierSQL = `INSERT INTO frontier (source, id, entity_type, found_time) VALUES (?, ?, ?, ?)
ON CONFLICT (source, id) DO NOTHING`
	visitedIDsSQL  = `SELECT id FROM visits WHERE source = ? AND id IN (?)`
	frontierIDsSQL = `SELECT id FROM frontier WHERE source = ? AND id IN (?)`
	pendingSQL     = `SELECT f.source, f.id, f.entity_type, f.found_time
FROM frontier f
LEFT JOIN visits v ON v.source = f.source AND v.id = f.id
WHERE f.source = ? AND (? = '' OR f.entity_type = ?) AND v.id IS NULL
ORDER BY f.found_time, f.id`
	selectVisitSQL = `SELECT source, id, entity_type, visit_time, last_visit_time, visit_times
FROM visits WHERE source = ? AND id = ?`
	pendingStatsSQL = `SELECT f.source, f.entity_type, COUNT(*) AS total
FROM frontier f
LEFT JOIN visits v ON v.source = f.source AND v.id = f.id
WHERE v.id IS NULL
GROUP BY f.source, f.entity_type`
)

// Options configure Open.
type Options struct {
	Path string
	// WAL enables write-ahead logging so readers (stats, seeding from
	// another process) do not block the crawl loop.
	WAL   bool
	Clock graph.Clock
}

// Store is a sqlx-backed FrontierStore.
type Store struct {
	db    *sqlx.DB
	clock graph.Clock
}

var _ graph.FrontierStore = (*Store)(nil)

// Open creates the database file and schema if needed.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", opts.Path+"?mode=rwc&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if opts.WAL {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return NewWithDB(db, opts.Clock), nil
}

// NewWithDB wraps an existing handle whose schema is already in place.
func NewWithDB(db *sqlx.DB, clock graph.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{db: db, clock: clock}
}

// RecordVisit implements graph.FrontierStore.
func (s *Store) RecordVisit(ctx context.Context, ref graph.EntityRef) (err error) {
	now := s.clock.Now().UnixMicro()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return graph.WrapStorage("record visit", fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, upsertVisitSQL, string(ref.Source), ref.ID, string(ref.Type), now, now); err != nil {
		return graph.WrapStorage("record visit", err)
	}
	if _, err = tx.ExecContext(ctx, deleteFrontierSQL, string(ref.Source), ref.ID); err != nil {
		return graph.WrapStorage("record visit", err)
	}
	if err = tx.Commit(); err != nil {
		return graph.WrapStorage("record visit", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// AddToFrontier implements graph.FrontierStore.
func (s *Store) AddToFrontier(ctx context.Context, ref graph.EntityRef) error {
	_, err := s.db.ExecContext(ctx, insertFrontierSQL, string(ref.Source), ref.ID, string(ref.Type), s.clock.Now().UnixMicro())
	return graph.WrapStorage("add to frontier", err)
}

// FilterUnknown implements graph.FrontierStore.
func (s *Store) FilterUnknown(ctx context.Context, source graph.Source, ids []string) ([]string, error) {
	ids = graph.DedupeIDs(ids)
	if len(ids) == 0 {
		return []string{}, nil
	}
	known := make(map[string]struct{})
	for start := 0; start < len(ids); start += filterChunk {
		end := min(start+filterChunk, len(ids))
		chunk := ids[start:end]
		for _, q := range []string{visitedIDsSQL, frontierIDsSQL} {
			if err := s.collectIDs(ctx, q, source, chunk, known); err != nil {
				return nil, graph.WrapStorage("filter unknown", err)
			}
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

func (s *Store) collectIDs(ctx context.Context, query string, source graph.Source, ids []string, into map[string]struct{}) error {
	q, args, err := sqlx.In(query, string(source), ids)
	if err != nil {
		return fmt.Errorf("expand query: %w", err)
	}
	var found []string
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(q), args...); err != nil {
		return err
	}
	for _, id := range found {
		into[id] = struct{}{}
	}
	return nil
}

type frontierRow struct {
	Source     string `db:"source"`
	ID         string `db:"id"`
	EntityType string `db:"entity_type"`
	FoundTime  int64  `db:"found_time"`
}

// LoadPendingFrontier implements graph.FrontierStore.
func (s *Store) LoadPendingFrontier(ctx context.Context, source graph.Source, entityType graph.EntityType) ([]graph.FrontierRecord, error) {
	var rows []frontierRow
	if err := s.db.SelectContext(ctx, &rows, pendingSQL, string(source), string(entityType), string(entityType)); err != nil {
		return nil, graph.WrapStorage("load pending frontier", err)
	}
	out := make([]graph.FrontierRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, graph.FrontierRecord{
			Source:     graph.Source(r.Source),
			ID:         r.ID,
			EntityType: graph.EntityType(r.EntityType),
			FoundTime:  fromMicro(r.FoundTime),
		})
	}
	return out, nil
}

type visitRow struct {
	Source        string `db:"source"`
	ID            string `db:"id"`
	EntityType    string `db:"entity_type"`
	VisitTime     int64  `db:"visit_time"`
	LastVisitTime int64  `db:"last_visit_time"`
	VisitTimes    int    `db:"visit_times"`
}

// Visit implements graph.FrontierStore.
func (s *Store) Visit(ctx context.Context, key graph.Key) (graph.VisitRecord, error) {
	var r visitRow
	if err := s.db.GetContext(ctx, &r, selectVisitSQL, string(key.Source), key.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return graph.VisitRecord{}, graph.ErrNotFound
		}
		return graph.VisitRecord{}, graph.WrapStorage("get visit", err)
	}
	return graph.VisitRecord{
		Source:        graph.Source(r.Source),
		ID:            r.ID,
		EntityType:    graph.EntityType(r.EntityType),
		VisitTime:     fromMicro(r.VisitTime),
		LastVisitTime: fromMicro(r.LastVisitTime),
		VisitTimes:    r.VisitTimes,
	}, nil
}

// Stats implements graph.FrontierStore.
func (s *Store) Stats(ctx context.Context) (graph.FrontierStats, error) {
	now := s.clock.Now()
	stats := graph.NewFrontierStats()

	query, args := visitStatsQuery(now)
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return stats, graph.WrapStorage("stats", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			src, typ string
			total    int
		)
		perWindow := make([]int, len(graph.RecencyWindows))
		dest := []any{&src, &typ, &total}
		for i := range perWindow {
			dest = append(dest, &perWindow[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return stats, graph.WrapStorage("stats", err)
		}
		stats.AddVisitedCounts(graph.Source(src), graph.EntityType(typ), total, perWindow)
	}
	if err := rows.Err(); err != nil {
		return stats, graph.WrapStorage("stats", err)
	}

	var pending []struct {
		Source     string `db:"source"`
		EntityType string `db:"entity_type"`
		Total      int    `db:"total"`
	}
	if err := s.db.SelectContext(ctx, &pending, pendingStatsSQL); err != nil {
		return stats, graph.WrapStorage("stats", err)
	}
	for _, p := range pending {
		stats.AddPending(graph.Source(p.Source), graph.EntityType(p.EntityType), p.Total)
	}
	return stats, nil
}

// visitStatsQuery aggregates visits per source and type with one SUM column
// per recency window.
func visitStatsQuery(now time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT source, entity_type, COUNT(*)")
	args := make([]any, 0, len(graph.RecencyWindows))
	for _, w := range graph.RecencyWindows {
		if w.Age == 0 {
			b.WriteString(", COUNT(*)")
			continue
		}
		b.WriteString(", COALESCE(SUM(CASE WHEN visit_time >= ? THEN 1 ELSE 0 END), 0)")
		args = append(args, now.Add(-w.Age).UnixMicro())
	}
	b.WriteString(" FROM visits GROUP BY source, entity_type")
	return b.String(), args
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func fromMicro(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
