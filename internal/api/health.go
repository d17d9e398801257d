// Package api serves the engine's ops surface: a health probe and a stats
// snapshot. It carries no delivery semantics.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/broadcast-engine/internal/worker"
)

// StatsSource exposes the counters a running engine component publishes.
type StatsSource interface {
	Stats() map[string]int64
}

// Server is the ops HTTP surface.
type Server struct {
	db        *sql.DB
	queue     worker.TaskQueue
	scheduler StatsSource
	pool      StatsSource
	startTime time.Time
}

// NewServer creates the ops server. Sources may be nil; their sections are
// omitted from /stats.
func NewServer(db *sql.DB, queue worker.TaskQueue, scheduler, pool StatsSource) *Server {
	return &Server{
		db:        db,
		queue:     queue,
		scheduler: scheduler,
		pool:      pool,
		startTime: time.Now(),
	}
}

// Router builds the chi router for the ops endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	return r
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Uptime   string `json:"uptime"`
}

// handleHealth pings the database and reports 503 when it is unreachable, so
// the endpoint works as a readiness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:   "healthy",
		Database: "up",
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	code := http.StatusOK

	if err := s.db.PingContext(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "down"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, resp)
}

type statsResponse struct {
	Scheduler  map[string]int64 `json:"scheduler,omitempty"`
	SendWorker map[string]int64 `json:"send_worker,omitempty"`
	QueueDepth int64            `json:"queue_depth"`
	QueueError string           `json:"queue_error,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{}
	if s.scheduler != nil {
		resp.Scheduler = s.scheduler.Stats()
	}
	if s.pool != nil {
		resp.SendWorker = s.pool.Stats()
	}
	if s.queue != nil {
		depth, err := s.queue.Depth(r.Context())
		if err != nil {
			resp.QueueError = err.Error()
		} else {
			resp.QueueDepth = depth
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
