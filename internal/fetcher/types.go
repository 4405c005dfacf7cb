package fetcher

import (
	"context"
	"encoding/json"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// Outcome classifies how a paginated fetch session ended.
type Outcome string

// Session outcomes.
const (
	// OutcomeComplete means every record the upstream announced was received.
	OutcomeComplete Outcome = "complete"
	// OutcomeTruncated means the upstream ran dry before its own total.
	OutcomeTruncated Outcome = "truncated"
	// OutcomeFailed means a page request failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeAborted means the page limit was hit.
	OutcomeAborted Outcome = "aborted"
	// OutcomeDisabled means the circuit breaker is open.
	OutcomeDisabled Outcome = "disabled"
)

// PageRequest addresses one page of one relation of one entity.
type PageRequest struct {
	Entity   graph.EntityRef
	Relation graph.Relation
	PageNum  int
	PageSize int
}

// Record is one raw relation row plus the entities embedded in it.
type Record struct {
	Data     json.RawMessage
	Children []graph.Child
}

// Page is a single upstream response.
type Page struct {
	Records []Record
	Total   int
}

// PageSource performs a single page request against an upstream API.
type PageSource interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// Result is the typed outcome of one fetch session.
type Result struct {
	Entity   graph.EntityRef
	Relation graph.Relation
	Outcome  Outcome
	Err      error
	Pages    int
	Total    int
	Records  []Record
	Children []graph.Child
}

// OK reports whether the session finished without being cut short. A
// truncated session counts as success with partial data.
func (r Result) OK() bool {
	return r.Outcome == OutcomeComplete || r.Outcome == OutcomeTruncated
}

// PageSourceFunc adapts a function to PageSource.
type PageSourceFunc func(ctx context.Context, req PageRequest) (Page, error)

// FetchPage calls fn.
func (fn PageSourceFunc) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	return fn(ctx, req)
}
