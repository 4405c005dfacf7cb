package graph

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Source tags the upstream system an entity was discovered through.
type Source string

// EntityType distinguishes companies from natural persons.
type EntityType string

// Entity type values persisted alongside frontier and visit records.
const (
	EntityCompany EntityType = "company"
	EntityPerson  EntityType = "person"
	EntityOther   EntityType = "other"
)

// ParseEntityType maps a loose string onto a known EntityType.
// Unknown or empty values become EntityOther.
func ParseEntityType(raw string) EntityType {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityCompany:
		return EntityCompany
	case EntityPerson:
		return EntityPerson
	default:
		return EntityOther
	}
}

// Relation names an edge-producing fetch performed against a visited entity.
type Relation string

// Relations supported by the crawl engine.
const (
	RelationInvestments  Relation = "investments"
	RelationShareholders Relation = "shareholders"
)

// ParseRelation validates a relation name.
func ParseRelation(raw string) (Relation, error) {
	switch Relation(strings.ToLower(strings.TrimSpace(raw))) {
	case RelationInvestments:
		return RelationInvestments, nil
	case RelationShareholders:
		return RelationShareholders, nil
	default:
		return "", fmt.Errorf("unknown relation %q", raw)
	}
}

// Key identifies a node. Two keys are the same node only if both fields match.
type Key struct {
	Source Source
	ID     string
}

func (k Key) String() string {
	return string(k.Source) + ":" + k.ID
}

// EntityRef is a node plus its entity type tag.
type EntityRef struct {
	Source Source     `json:"source"`
	ID     string     `json:"id"`
	Type   EntityType `json:"type"`
}

// Key returns the identity of the referenced node.
func (r EntityRef) Key() Key {
	return Key{Source: r.Source, ID: r.ID}
}

// VisitRecord is kept once per (source, id) and updated on every visit.
type VisitRecord struct {
	Source        Source     `json:"source"`
	ID            string     `json:"id"`
	EntityType    EntityType `json:"entity_type"`
	VisitTime     time.Time  `json:"visit_time"`
	LastVisitTime time.Time  `json:"last_visit_time"`
	VisitTimes    int        `json:"visit_times"`
}

// FrontierRecord marks a discovered entity that has not been visited yet.
type FrontierRecord struct {
	Source     Source     `json:"source"`
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	FoundTime  time.Time  `json:"found_time"`
}

// Ref converts the frontier row back into a queueable reference.
func (f FrontierRecord) Ref() EntityRef {
	return EntityRef{Source: f.Source, ID: f.ID, Type: f.EntityType}
}

// Child is an entity found nested inside a relation record.
type Child struct {
	Ref     EntityRef       `json:"ref"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// FrontierStats summarises both bookkeeping tables.
type FrontierStats struct {
	Visited         int                           `json:"visited"`
	Pending         int                           `json:"pending"`
	VisitedByType   map[Source]map[EntityType]int `json:"visited_by_type"`
	PendingByType   map[Source]map[EntityType]int `json:"pending_by_type"`
	VisitedRecently map[string]int                `json:"visited_recently"`
}

// RecencyWindow is a cumulative visit-age bucket. A zero Age is unbounded.
type RecencyWindow struct {
	Name string
	Age  time.Duration
}

// Contains reports whether a visit at visitedAt falls inside the window.
func (w RecencyWindow) Contains(visitedAt, now time.Time) bool {
	return w.Age == 0 || !visitedAt.Before(now.Add(-w.Age))
}

// RecencyWindows are reported in FrontierStats.VisitedRecently. A visit two
// days ago counts towards every bucket.
var RecencyWindows = []RecencyWindow{
	{Name: "7d", Age: 7 * 24 * time.Hour},
	{Name: "30d", Age: 30 * 24 * time.Hour},
	{Name: "90d", Age: 90 * 24 * time.Hour},
	{Name: "all"},
}

// NewFrontierStats returns stats with initialised maps.
func NewFrontierStats() FrontierStats {
	recent := make(map[string]int, len(RecencyWindows))
	for _, w := range RecencyWindows {
		recent[w.Name] = 0
	}
	return FrontierStats{
		VisitedByType:   map[Source]map[EntityType]int{},
		PendingByType:   map[Source]map[EntityType]int{},
		VisitedRecently: recent,
	}
}

// AddVisited counts one visit record.
func (s *FrontierStats) AddVisited(src Source, typ EntityType, visitedAt, now time.Time) {
	perWindow := make([]int, len(RecencyWindows))
	for i, w := range RecencyWindows {
		if w.Contains(visitedAt, now) {
			perWindow[i] = 1
		}
	}
	s.AddVisitedCounts(src, typ, 1, perWindow)
}

// AddVisitedCounts adds pre-aggregated visit counts. perWindow is aligned
// with RecencyWindows.
func (s *FrontierStats) AddVisitedCounts(src Source, typ EntityType, n int, perWindow []int) {
	s.Visited += n
	bump(s.VisitedByType, src, typ, n)
	for i, w := range RecencyWindows {
		if i < len(perWindow) {
			s.VisitedRecently[w.Name] += perWindow[i]
		}
	}
}

// AddPending counts n frontier records of one source and type.
func (s *FrontierStats) AddPending(src Source, typ EntityType, n int) {
	s.Pending += n
	bump(s.PendingByType, src, typ, n)
}

func bump(m map[Source]map[EntityType]int, src Source, typ EntityType, n int) {
	inner, ok := m[src]
	if !ok {
		inner = map[EntityType]int{}
		m[src] = inner
	}
	inner[typ] += n
}

// DedupeIDs drops empty and repeated ids, keeping first-occurrence order.
func DedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
