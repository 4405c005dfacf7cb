// Package jsonapi adapts a paginated JSON POST API to fetcher.PageSource.
//
// Each relation is served by its own endpoint. The request body carries the
// entity id and page cursor under configurable field names plus any static
// fields; the response envelope is expected to look like
//
//	{"state": "ok", "data": {"total": 55, "result": [ ... ]}}
//
// where every result row embeds the brief profile of a neighbouring entity.
package jsonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/policy/ratelimit"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseBody = 16 << 20
)

// Endpoint describes how one relation is requested and decoded.
type Endpoint struct {
	URL string
	// EntityField is the body field carrying the visited entity id.
	EntityField   string
	PageNumField  string
	PageSizeField string
	// Extra is merged into every request body.
	Extra map[string]any

	// ChildIDField names the neighbour id inside each result row.
	ChildIDField string
	// ChildTypeField optionally names the neighbour entity type. When empty
	// or absent in a row, ChildType is used.
	ChildTypeField string
	ChildType      graph.EntityType
	// ProfileField names the embedded neighbour profile. It is removed from
	// the stored row when StripProfile is set.
	ProfileField string
	StripProfile bool
}

func (e Endpoint) withDefaults() Endpoint {
	if e.EntityField == "" {
		e.EntityField = "gid"
	}
	if e.PageNumField == "" {
		e.PageNumField = "pageNum"
	}
	if e.PageSizeField == "" {
		e.PageSizeField = "pageSize"
	}
	if e.ChildIDField == "" {
		e.ChildIDField = "id"
	}
	if e.ChildType == "" {
		e.ChildType = graph.EntityCompany
	}
	return e
}

// Config configures a Client.
type Config struct {
	Endpoints map[graph.Relation]Endpoint
	Headers   map[string]string
	Timeout   time.Duration
	// RPS caps the request rate per upstream host. Zero means unlimited.
	RPS float64
}

// Client is a fetcher.PageSource backed by HTTP.
type Client struct {
	http      *http.Client
	endpoints map[graph.Relation]Endpoint
	headers   map[string]string
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

// New builds a Client. A nil httpClient gets a default with the configured timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("jsonapi: at least one relation endpoint is required")
	}
	endpoints := make(map[graph.Relation]Endpoint, len(cfg.Endpoints))
	for rel, ep := range cfg.Endpoints {
		if ep.URL == "" {
			return nil, fmt.Errorf("jsonapi: relation %s has no url", rel)
		}
		endpoints[rel] = ep.withDefaults()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:      httpClient,
		endpoints: endpoints,
		headers:   cfg.Headers,
		limiter:   ratelimit.New(ratelimit.Config{RPS: cfg.RPS}),
		logger:    logger.Named("jsonapi"),
	}, nil
}

type envelope struct {
	State   string `json:"state"`
	Message string `json:"message"`
	Data    struct {
		Total  int               `json:"total"`
		Result []json.RawMessage `json:"result"`
	} `json:"data"`
}

// FetchPage performs one POST and decodes the envelope.
func (c *Client) FetchPage(ctx context.Context, req fetcher.PageRequest) (fetcher.Page, error) {
	ep, ok := c.endpoints[req.Relation]
	if !ok {
		return fetcher.Page{}, fmt.Errorf("jsonapi: no endpoint for relation %s", req.Relation)
	}
	if err := c.limiter.Wait(ctx, ep.URL); err != nil {
		return fetcher.Page{}, err
	}

	body := make(map[string]any, len(ep.Extra)+3)
	for k, v := range ep.Extra {
		body[k] = v
	}
	body[ep.EntityField] = req.Entity.ID
	body[ep.PageNumField] = req.PageNum
	body[ep.PageSizeField] = req.PageSize
	payload, err := json.Marshal(body)
	if err != nil {
		return fetcher.Page{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return fetcher.Page{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fetcher.Page{}, fmt.Errorf("post %s: %w", req.Relation, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fetcher.Page{}, fmt.Errorf("%w: status %d", graph.ErrUpstreamRejected, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fetcher.Page{}, fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fetcher.Page{}, fmt.Errorf("decode response: %w", err)
	}
	if env.State != "ok" {
		msg := env.Message
		if msg == "" {
			msg = "unknown error"
		}
		return fetcher.Page{}, fmt.Errorf("%w: state %q: %s", graph.ErrUpstreamRejected, env.State, msg)
	}

	page := fetcher.Page{Total: env.Data.Total, Records: make([]fetcher.Record, 0, len(env.Data.Result))}
	for _, row := range env.Data.Result {
		rec, err := decodeRecord(ep, req.Entity.Source, row)
		if err != nil {
			// kept without children so the row still counts toward total
			c.logger.Warn("row has no readable child", zap.String("relation", string(req.Relation)), zap.Error(err))
			rec = fetcher.Record{Data: row}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// CloseIdleConnections drops pooled keep-alive connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func decodeRecord(ep Endpoint, source graph.Source, row json.RawMessage) (fetcher.Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return fetcher.Record{}, fmt.Errorf("decode row: %w", err)
	}
	rec := fetcher.Record{Data: row}

	id := scalarString(fields[ep.ChildIDField])
	if id == "" {
		return rec, nil
	}
	typ := ep.ChildType
	if ep.ChildTypeField != "" {
		if raw := scalarString(fields[ep.ChildTypeField]); raw != "" {
			typ = graph.ParseEntityType(raw)
		}
	}
	child := graph.Child{Ref: graph.EntityRef{Source: source, ID: id, Type: typ}}
	if ep.ProfileField != "" {
		if profile, ok := fields[ep.ProfileField]; ok && string(profile) != "null" {
			child.Profile = profile
			if ep.StripProfile {
				delete(fields, ep.ProfileField)
				stripped, err := json.Marshal(fields)
				if err != nil {
					return fetcher.Record{}, fmt.Errorf("encode row: %w", err)
				}
				rec.Data = stripped
			}
		}
	}
	rec.Children = []graph.Child{child}
	return rec, nil
}

// scalarString renders a JSON string or number as text; ids arrive as either.
func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
