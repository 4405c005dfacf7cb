package jsonapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/corpgraph-crawler/internal/fetcher"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

func investEndpoint(url string) Endpoint {
	return Endpoint{
		URL:          url,
		Extra:        map[string]any{"benefitSharesType": 1},
		ProfileField: "companyBaseInfo",
		StripProfile: true,
	}
}

func TestFetchPageDecodesEnvelope(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotHeader = r.Header.Get("X-Auth-Token")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"state":"ok","data":{"total":3,"result":[
			{"id":101,"name":"A","companyBaseInfo":{"name":"A Ltd"}},
			{"id":"p-7","type":"person"},
			{"name":"no id"}
		]}}`))
	}))
	defer srv.Close()

	client, err := New(Config{
		Endpoints: map[graph.Relation]Endpoint{graph.RelationInvestments: investEndpoint(srv.URL)},
		Headers:   map[string]string{"X-Auth-Token": "secret"},
	}, srv.Client(), nil)
	require.NoError(t, err)

	ep := client.endpoints[graph.RelationInvestments]
	ep.ChildTypeField = "type"
	client.endpoints[graph.RelationInvestments] = ep

	page, err := client.FetchPage(context.Background(), fetcher.PageRequest{
		Entity:   graph.EntityRef{Source: "tyc", ID: "42"},
		Relation: graph.RelationInvestments,
		PageNum:  2,
		PageSize: 20,
	})
	require.NoError(t, err)

	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, "42", gotBody["gid"])
	assert.InDelta(t, 2, gotBody["pageNum"], 0)
	assert.InDelta(t, 20, gotBody["pageSize"], 0)
	assert.InDelta(t, 1, gotBody["benefitSharesType"], 0)

	require.Equal(t, 3, page.Total)
	require.Len(t, page.Records, 3)

	first := page.Records[0]
	require.Len(t, first.Children, 1)
	assert.Equal(t, graph.EntityRef{Source: "tyc", ID: "101", Type: graph.EntityCompany}, first.Children[0].Ref)
	assert.JSONEq(t, `{"name":"A Ltd"}`, string(first.Children[0].Profile))
	assert.NotContains(t, string(first.Data), "companyBaseInfo")

	second := page.Records[1]
	require.Len(t, second.Children, 1)
	assert.Equal(t, graph.EntityPerson, second.Children[0].Ref.Type)
	assert.Nil(t, second.Children[0].Profile)

	assert.Empty(t, page.Records[2].Children)
}

func TestUndecodableRowStillCountsTowardTotal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"state":"ok","data":{"total":2,"result":[{"id":"a"},"withdrawn"]}}`))
	}))
	defer srv.Close()

	client, err := New(Config{Endpoints: map[graph.Relation]Endpoint{
		graph.RelationInvestments: {URL: srv.URL},
	}}, srv.Client(), nil)
	require.NoError(t, err)

	f := fetcher.New(client, nil, fetcher.Options{PageSize: 20}, nil)
	res := f.Fetch(context.Background(), graph.EntityRef{Source: "tyc", ID: "42"}, graph.RelationInvestments)

	assert.Equal(t, fetcher.OutcomeComplete, res.Outcome)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, res.Records, 2)
	assert.JSONEq(t, `"withdrawn"`, string(res.Records[1].Data))
	assert.Empty(t, res.Records[1].Children)
	require.Len(t, res.Children, 1)
	assert.Equal(t, "a", res.Children[0].Ref.ID)
}

func TestFetchPageRejectedState(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"state":"error","message":"login required"}`))
	}))
	defer srv.Close()

	client, err := New(Config{Endpoints: map[graph.Relation]Endpoint{
		graph.RelationInvestments: investEndpoint(srv.URL),
	}}, nil, nil)
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), fetcher.PageRequest{Relation: graph.RelationInvestments, PageNum: 1})
	require.ErrorIs(t, err, graph.ErrUpstreamRejected)
	assert.Contains(t, err.Error(), "login required")
}

func TestFetchPageHTTPStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := New(Config{Endpoints: map[graph.Relation]Endpoint{
		graph.RelationShareholders: {URL: srv.URL},
	}}, nil, nil)
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), fetcher.PageRequest{Relation: graph.RelationShareholders})
	require.ErrorIs(t, err, graph.ErrUpstreamRejected)

	_, err = client.FetchPage(context.Background(), fetcher.PageRequest{Relation: graph.RelationInvestments})
	require.Error(t, err)
	client.CloseIdleConnections()
}

func TestFetchPageMalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client, err := New(Config{Endpoints: map[graph.Relation]Endpoint{
		graph.RelationInvestments: {URL: srv.URL},
	}, RPS: 100}, nil, nil)
	require.NoError(t, err)

	_, err = client.FetchPage(context.Background(), fetcher.PageRequest{Relation: graph.RelationInvestments})
	require.Error(t, err)
	assert.False(t, errors.Is(err, graph.ErrUpstreamRejected))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{Endpoints: map[graph.Relation]Endpoint{graph.RelationInvestments: {}}}, nil, nil)
	require.Error(t, err)
}

func TestScalarString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", scalarString(json.RawMessage(`"abc"`)))
	assert.Equal(t, "12345678901", scalarString(json.RawMessage(`12345678901`)))
	assert.Equal(t, "", scalarString(json.RawMessage(`null`)))
	assert.Equal(t, "", scalarString(nil))
	assert.Equal(t, "", scalarString(json.RawMessage(`{"a":1}`)))
}
