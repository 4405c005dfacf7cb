package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/metrics"
	"github.com/JakeFAU/corpgraph-crawler/internal/seeder"
	"github.com/JakeFAU/corpgraph-crawler/internal/worker"
)

const (
	defaultQueueLimit = 100
	maxQueueLimit     = 10000
	maxSeedBody       = 8 << 20
	requestTimeout    = 60 * time.Second
)

// StatsSource reports frontier counts.
type StatsSource interface {
	Stats(ctx context.Context) (graph.FrontierStats, error)
}

// QueueInspector exposes the in-memory queue.
type QueueInspector interface {
	Size() int
	Snapshot(limit int) []graph.EntityRef
}

// Seeder accepts direct-search results.
type Seeder interface {
	Seed(ctx context.Context, seeds []seeder.SeedEntity) (seeder.SeedReport, error)
}

// StatusSource reports the crawl loop state.
type StatusSource interface {
	Status() worker.Status
}

// Deps wires the handlers. Any field may be nil; the matching routes then
// answer 503.
type Deps struct {
	Stats  StatsSource
	Queue  QueueInspector
	Seeder Seeder
	Status StatusSource
	// Source and EntityType fill in seeds that omit them.
	Source     graph.Source
	EntityType graph.EntityType
}

// Server wires HTTP handlers to the crawl components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/queue", s.getQueue)
		r.Post("/seeds", s.postSeeds)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status != nil && s.deps.Status.Status().Disabled {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "breaker open"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Frontier graph.FrontierStats `json:"frontier"`
	Queue    int                 `json:"queue"`
	Worker   *worker.Status      `json:"worker,omitempty"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	stats, err := s.deps.Stats.Stats(r.Context())
	if err != nil {
		s.logger.Error("load stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	resp := statsResponse{Frontier: stats}
	if s.deps.Queue != nil {
		resp.Queue = s.deps.Queue.Size()
	}
	if s.deps.Status != nil {
		st := s.deps.Status.Status()
		resp.Worker = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type queueResponse struct {
	Size  int               `json:"size"`
	Items []graph.EntityRef `json:"items"`
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	limit := defaultQueueLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxQueueLimit)
	}
	s.writeJSON(w, http.StatusOK, queueResponse{
		Size:  s.deps.Queue.Size(),
		Items: s.deps.Queue.Snapshot(limit),
	})
}

type seedRequest struct {
	Seeds []seedItem `json:"seeds"`
}

type seedItem struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Profile json.RawMessage `json:"profile"`
}

func (s *Server) postSeeds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Seeder == nil {
		s.writeError(w, http.StatusServiceUnavailable, "seeding unavailable")
		return
	}
	var req seedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSeedBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Seeds) == 0 {
		s.writeError(w, http.StatusBadRequest, "seeds required")
		return
	}
	seeds, err := s.toSeeds(req.Seeds)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.deps.Seeder.Seed(r.Context(), seeds)
	if err != nil {
		s.logger.Error("seed failed", zap.Int("seeds", len(seeds)), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, "failed to seed")
		return
	}
	s.writeJSON(w, http.StatusAccepted, report)
}

func (s *Server) toSeeds(items []seedItem) ([]seeder.SeedEntity, error) {
	seeds := make([]seeder.SeedEntity, 0, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return nil, errors.New("seeds[" + strconv.Itoa(i) + "].id required")
		}
		ref := graph.EntityRef{Source: s.deps.Source, ID: id, Type: s.deps.EntityType}
		if item.Source != "" {
			ref.Source = graph.Source(item.Source)
		}
		if item.Type != "" {
			ref.Type = graph.ParseEntityType(item.Type)
		}
		if ref.Source == "" {
			return nil, errors.New("seeds[" + strconv.Itoa(i) + "].source required")
		}
		if ref.Type == "" {
			ref.Type = graph.EntityCompany
		}
		seed := seeder.SeedEntity{Ref: ref}
		if len(item.Profile) > 0 && string(item.Profile) != "null" {
			seed.Profile = item.Profile
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
