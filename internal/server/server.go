// Package server is the HTTP surface: the REST API consumed by the GUI and
// CLI, the WebSocket broadcast adapter, the webhook intake and the Prometheus
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/events"
	"git.home.luguber.info/inful/imq/internal/forge"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/metrics"
	"git.home.luguber.info/inful/imq/internal/store"
)

// QueueService is the slice of the queue engine the API exposes.
type QueueService interface {
	ListQueues(ctx context.Context) ([]*store.Queue, error)
	GetQueue(ctx context.Context, id string) (*store.Queue, error)
	GetEntries(ctx context.Context, queueID string) ([]*store.QueueEntry, error)
	CreateQueue(ctx context.Context, repoFullName, baseBranch string) (*store.Queue, error)
	DeleteQueue(ctx context.Context, id string) error
	AddEntry(ctx context.Context, queueID string, prNumber int) (*store.QueueEntry, error)
	RemoveEntry(ctx context.Context, entryID string) error
	Reorder(ctx context.Context, queueID string, ids []string) error
}

// ForgeHealth probes the Forge.
type ForgeHealth interface {
	Ping(ctx context.Context) (*forge.RateLimit, error)
}

// Deps collects everything the server serves.
type Deps struct {
	Engine  QueueService
	Store   *store.Store
	Runtime *config.Runtime
	Config  *config.Config
	Metrics *metrics.Collector
	Forge   ForgeHealth
	Hub     *events.Hub
	Webhook http.Handler
	Prom    http.Handler
	Logger  *slog.Logger
}

// Server is the API server.
type Server struct {
	deps   Deps
	router *chi.Mux
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the server and its routes.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		logger: deps.Logger,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/queues", s.handleListQueues)
		r.Post("/queues", s.handleCreateQueue)
		r.Get("/queues/{id}", s.handleGetQueue)
		r.Delete("/queues/{id}", s.handleDeleteQueue)
		r.Get("/queues/{id}/entries", s.handleListEntries)
		r.Post("/queues/{id}/entries", s.handleAddEntry)
		r.Delete("/queues/{id}/entries/{entryID}", s.handleRemoveEntry)
		r.Put("/queues/{id}/reorder", s.handleReorder)

		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Post("/config/reset", s.handleResetConfig)

		r.Get("/stats", s.handleStats)
		r.Get("/stats/queues/{id}", s.handleQueueStats)
		r.Get("/stats/checks", s.handleCheckStats)
		r.Get("/stats/github", s.handleGitHubStats)

		r.Get("/health", s.handleAPIHealth)
		r.Get("/health/github", s.handleGitHubHealth)
		r.Get("/health/database", s.handleDatabaseHealth)
	})

	s.router.Get("/ws/events", s.handleWebSocket)

	if s.deps.Webhook != nil {
		s.router.Post("/", s.deps.Webhook.ServeHTTP)
	}
	if s.deps.Prom != nil {
		s.router.Get("/metrics", s.deps.Prom.ServeHTTP)
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", slog.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// requestLogger is a slog-based replacement for chi's default logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	})
}

// Response is the standard API envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Error writes an error envelope.
func (s *Server) Error(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: false, Error: message})
}

// Success writes a success envelope.
func (s *Server) Success(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}
