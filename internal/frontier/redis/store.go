// Package redis implements graph.FrontierStore on Redis hashes.
//
// Per source the store keeps a visits hash and a frontier hash, both mapping
// id to a small JSON record, plus a sorted set ordering the frontier by found
// time. Timestamps are unix microseconds carried as strings so Lua's cjson
// never rounds them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/corpgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// Config selects the Redis server and key namespace.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// recordVisit upserts the visit record and drops the id from the frontier.
// KEYS: visits hash, frontier hash, frontier order zset, sources set.
// ARGV: id, entity type, now (micros), source.
var recordVisit = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local rec
if cur then
	rec = cjson.decode(cur)
	rec.last_visit_time = rec.visit_time
	rec.visit_time = ARGV[3]
	rec.visit_times = rec.visit_times + 1
else
	rec = {entity_type = ARGV[2], visit_time = ARGV[3], last_visit_time = ARGV[3], visit_times = 1}
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(rec))
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[4])
return rec.visit_times
`)

// addFrontier inserts the frontier record only if absent.
// KEYS: frontier hash, frontier order zset, sources set.
// ARGV: id, record json, found time (micros), source.
var addFrontier = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	redis.call('SADD', KEYS[3], ARGV[4])
	return 1
end
return 0
`)

// Store is a go-redis backed FrontierStore.
type Store struct {
	client redis.UniversalClient
	clock  graph.Clock
	prefix string
}

var _ graph.FrontierStore = (*Store)(nil)

// New dials Redis and verifies the connection.
func New(ctx context.Context, cfg Config, clock graph.Clock) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("frontier.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.KeyPrefix, clock), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string, clock graph.Clock) *Store {
	if prefix == "" {
		prefix = "corpgraph"
	}
	if clock == nil {
		clock = system.New()
	}
	return &Store{client: client, clock: clock, prefix: prefix}
}

func (s *Store) visitsKey(src graph.Source) string {
	return s.prefix + ":visits:" + string(src)
}

func (s *Store) frontierKey(src graph.Source) string {
	return s.prefix + ":frontier:" + string(src)
}

func (s *Store) orderKey(src graph.Source) string {
	return s.prefix + ":frontier_order:" + string(src)
}

func (s *Store) sourcesKey() string {
	return s.prefix + ":sources"
}

type visitDoc struct {
	EntityType    string `json:"entity_type"`
	VisitTime     string `json:"visit_time"`
	LastVisitTime string `json:"last_visit_time"`
	VisitTimes    int    `json:"visit_times"`
}

type frontierDoc struct {
	EntityType string `json:"entity_type"`
	FoundTime  string `json:"found_time"`
}

// RecordVisit implements graph.FrontierStore.
func (s *Store) RecordVisit(ctx context.Context, ref graph.EntityRef) error {
	now := micros(s.clock.Now())
	keys := []string{s.visitsKey(ref.Source), s.frontierKey(ref.Source), s.orderKey(ref.Source), s.sourcesKey()}
	err := recordVisit.Run(ctx, s.client, keys, ref.ID, string(ref.Type), now, string(ref.Source)).Err()
	return graph.WrapStorage("record visit", err)
}

// AddToFrontier implements graph.FrontierStore.
func (s *Store) AddToFrontier(ctx context.Context, ref graph.EntityRef) error {
	now := s.clock.Now()
	doc, err := json.Marshal(frontierDoc{EntityType: string(ref.Type), FoundTime: micros(now)})
	if err != nil {
		return graph.WrapStorage("add to frontier", err)
	}
	keys := []string{s.frontierKey(ref.Source), s.orderKey(ref.Source), s.sourcesKey()}
	err = addFrontier.Run(ctx, s.client, keys, ref.ID, string(doc), now.UnixMicro(), string(ref.Source)).Err()
	return graph.WrapStorage("add to frontier", err)
}

// FilterUnknown implements graph.FrontierStore. Both lookups travel in one
// pipeline round trip.
func (s *Store) FilterUnknown(ctx context.Context, source graph.Source, ids []string) ([]string, error) {
	ids = graph.DedupeIDs(ids)
	if len(ids) == 0 {
		return []string{}, nil
	}
	pipe := s.client.Pipeline()
	visited := pipe.HMGet(ctx, s.visitsKey(source), ids...)
	pending := pipe.HMGet(ctx, s.frontierKey(source), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, graph.WrapStorage("filter unknown", err)
	}
	v, p := visited.Val(), pending.Val()
	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if v[i] == nil && p[i] == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// LoadPendingFrontier implements graph.FrontierStore.
func (s *Store) LoadPendingFrontier(ctx context.Context, source graph.Source, entityType graph.EntityType) ([]graph.FrontierRecord, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(source), 0, -1).Result()
	if err != nil {
		return nil, graph.WrapStorage("load pending frontier", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	docs := pipe.HMGet(ctx, s.frontierKey(source), ids...)
	visited := pipe.HMGet(ctx, s.visitsKey(source), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, graph.WrapStorage("load pending frontier", err)
	}

	out := make([]graph.FrontierRecord, 0, len(ids))
	for i, id := range ids {
		if visited.Val()[i] != nil {
			continue
		}
		raw, ok := docs.Val()[i].(string)
		if !ok {
			continue
		}
		var doc frontierDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, graph.WrapStorage("load pending frontier", fmt.Errorf("decode %s: %w", id, err))
		}
		if entityType != "" && graph.EntityType(doc.EntityType) != entityType {
			continue
		}
		found, err := parseMicros(doc.FoundTime)
		if err != nil {
			return nil, graph.WrapStorage("load pending frontier", err)
		}
		out = append(out, graph.FrontierRecord{
			Source:     source,
			ID:         id,
			EntityType: graph.EntityType(doc.EntityType),
			FoundTime:  found,
		})
	}
	return out, nil
}

// Visit implements graph.FrontierStore.
func (s *Store) Visit(ctx context.Context, key graph.Key) (graph.VisitRecord, error) {
	raw, err := s.client.HGet(ctx, s.visitsKey(key.Source), key.ID).Result()
	if errors.Is(err, redis.Nil) {
		return graph.VisitRecord{}, graph.ErrNotFound
	}
	if err != nil {
		return graph.VisitRecord{}, graph.WrapStorage("get visit", err)
	}
	rec, err := decodeVisit(key, raw)
	if err != nil {
		return graph.VisitRecord{}, graph.WrapStorage("get visit", err)
	}
	return rec, nil
}

// Stats implements graph.FrontierStore.
func (s *Store) Stats(ctx context.Context) (graph.FrontierStats, error) {
	stats := graph.NewFrontierStats()
	now := s.clock.Now()
	sources, err := s.client.SMembers(ctx, s.sourcesKey()).Result()
	if err != nil {
		return stats, graph.WrapStorage("stats", err)
	}
	for _, name := range sources {
		src := graph.Source(name)
		visits, err := s.client.HGetAll(ctx, s.visitsKey(src)).Result()
		if err != nil {
			return stats, graph.WrapStorage("stats", err)
		}
		for id, raw := range visits {
			rec, err := decodeVisit(graph.Key{Source: src, ID: id}, raw)
			if err != nil {
				return stats, graph.WrapStorage("stats", err)
			}
			stats.AddVisited(src, rec.EntityType, rec.VisitTime, now)
		}
		frontier, err := s.client.HGetAll(ctx, s.frontierKey(src)).Result()
		if err != nil {
			return stats, graph.WrapStorage("stats", err)
		}
		for id, raw := range frontier {
			if _, ok := visits[id]; ok {
				continue
			}
			var doc frontierDoc
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				return stats, graph.WrapStorage("stats", fmt.Errorf("decode %s: %w", id, err))
			}
			stats.AddPending(src, graph.EntityType(doc.EntityType), 1)
		}
	}
	return stats, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func decodeVisit(key graph.Key, raw string) (graph.VisitRecord, error) {
	var doc visitDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return graph.VisitRecord{}, fmt.Errorf("decode visit %s: %w", key, err)
	}
	visitTime, err := parseMicros(doc.VisitTime)
	if err != nil {
		return graph.VisitRecord{}, err
	}
	lastVisit, err := parseMicros(doc.LastVisitTime)
	if err != nil {
		return graph.VisitRecord{}, err
	}
	return graph.VisitRecord{
		Source:        key.Source,
		ID:            key.ID,
		EntityType:    graph.EntityType(doc.EntityType),
		VisitTime:     visitTime,
		LastVisitTime: lastVisit,
		VisitTimes:    doc.VisitTimes,
	}, nil
}

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(raw string) (time.Time, error) {
	us, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return time.UnixMicro(us).UTC(), nil
}
