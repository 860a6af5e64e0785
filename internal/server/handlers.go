package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"git.home.luguber.info/inful/imq/internal/config"
	"git.home.luguber.info/inful/imq/internal/events"
	"git.home.luguber.info/inful/imq/internal/logfields"
	"git.home.luguber.info/inful/imq/internal/store"
	"git.home.luguber.info/inful/imq/internal/version"
)

// healthProbeTimeout bounds the dependency probes under /api/v1/health.
const healthProbeTimeout = 5 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

// QueueView is a queue enriched with its repository and size.
type QueueView struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository"`
	BaseBranch string    `json:"base_branch"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// EntryView is a queue entry enriched with its PR.
type EntryView struct {
	ID          string            `json:"id"`
	QueueID     string            `json:"queue_id"`
	PRNumber    int               `json:"pr_number"`
	Title       string            `json:"title"`
	Author      string            `json:"author"`
	HeadSHA     string            `json:"head_sha"`
	Position    int               `json:"position"`
	Status      store.EntryStatus `json:"status"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func (s *Server) queueView(r *http.Request, q *store.Queue) QueueView {
	view := QueueView{
		ID:         q.ID,
		BaseBranch: q.BaseBranch,
		CreatedAt:  q.CreatedAt,
	}
	if repo, err := s.deps.Store.GetRepository(r.Context(), q.RepositoryID); err == nil {
		view.Repository = repo.FullName
	}
	if n, err := s.deps.Store.CountLiveEntries(r.Context(), q.ID); err == nil {
		view.Size = n
	}
	return view
}

func (s *Server) entryView(r *http.Request, entry *store.QueueEntry) EntryView {
	view := EntryView{
		ID:          entry.ID,
		QueueID:     entry.QueueID,
		Position:    entry.Position,
		Status:      entry.Status,
		EnqueuedAt:  entry.EnqueuedAt,
		StartedAt:   entry.StartedAt,
		CompletedAt: entry.CompletedAt,
	}
	if pr, err := s.deps.Store.GetPullRequest(r.Context(), entry.PullRequestID); err == nil {
		view.PRNumber = pr.Number
		view.Title = pr.Title
		view.Author = pr.Author
		view.HeadSHA = pr.HeadSHA
	}
	return view
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.deps.Engine.ListQueues(r.Context())
	if err != nil {
		s.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]QueueView, 0, len(queues))
	for _, q := range queues {
		views = append(views, s.queueView(r, q))
	}
	s.Success(w, http.StatusOK, views)
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repository string `json:"repository"`
		BaseBranch string `json:"base_branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Repository == "" || req.BaseBranch == "" {
		s.Error(w, http.StatusBadRequest, "repository and base_branch are required")
		return
	}
	queue, err := s.deps.Engine.CreateQueue(r.Context(), req.Repository, req.BaseBranch)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.Success(w, http.StatusCreated, s.queueView(r, queue))
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := s.deps.Engine.GetQueue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	entries, err := s.deps.Engine.GetEntries(r.Context(), queue.ID)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	entryViews := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		entryViews = append(entryViews, s.entryView(r, entry))
	}
	s.Success(w, http.StatusOK, struct {
		QueueView
		Entries []EntryView `json:"entries"`
	}{s.queueView(r, queue), entryViews})
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.DeleteQueue(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, err)
		return
	}
	s.Success(w, http.StatusOK, nil)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "id")
	if _, err := s.deps.Engine.GetQueue(r.Context(), queueID); err != nil {
		s.storeError(w, err)
		return
	}
	entries, err := s.deps.Engine.GetEntries(r.Context(), queueID)
	if err != nil {
		s.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, s.entryView(r, entry))
	}
	s.Success(w, http.StatusOK, views)
}

func (s *Server) handleAddEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PRNumber int `json:"pr_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PRNumber <= 0 {
		s.Error(w, http.StatusBadRequest, "pr_number must be positive")
		return
	}
	entry, err := s.deps.Engine.AddEntry(r.Context(), chi.URLParam(r, "id"), req.PRNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.Error(w, http.StatusNotFound, "queue not found")
			return
		}
		s.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.Success(w, http.StatusCreated, s.entryView(r, entry))
}

func (s *Server) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "id")
	entryID := chi.URLParam(r, "entryID")

	entry, err := s.deps.Store.GetEntry(r.Context(), entryID)
	if err != nil || entry.QueueID != queueID {
		s.Error(w, http.StatusNotFound, "entry not found")
		return
	}
	if err := s.deps.Engine.RemoveEntry(r.Context(), entryID); err != nil {
		s.storeError(w, err)
		return
	}
	s.Success(w, http.StatusOK, nil)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntryIDs []string `json:"entry_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.deps.Engine.Reorder(r.Context(), chi.URLParam(r, "id"), req.EntryIDs)
	if err != nil {
		if errors.Is(err, store.ErrBadReorder) {
			s.Error(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.storeError(w, err)
		return
	}
	s.Success(w, http.StatusOK, nil)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	s.Success(w, http.StatusOK, s.deps.Runtime.Get())
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var sys config.System
	if err := json.NewDecoder(r.Body).Decode(&sys); err != nil {
		s.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sys.Normalize(s.deps.Config)
	if err := sys.Checks.Validate(); err != nil {
		s.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	sys.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.PutSystem(r.Context(), &sys); err != nil {
		s.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Runtime.Set(sys)
	if s.deps.Hub != nil {
		s.deps.Hub.Publish(events.TypeConfigUpdated, sys)
	}
	s.logger.Info("runtime configuration updated",
		logfields.Source("api"))
	s.Success(w, http.StatusOK, sys)
}

func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	sys := config.DefaultSystem(s.deps.Config)
	if err := s.deps.Store.PutSystem(r.Context(), &sys); err != nil {
		s.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.deps.Runtime.Set(sys)
	if s.deps.Hub != nil {
		s.deps.Hub.Publish(events.TypeConfigUpdated, sys)
	}
	s.Success(w, http.StatusOK, sys)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.Success(w, http.StatusOK, s.deps.Metrics.Summary())
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	queueID := chi.URLParam(r, "id")
	if _, err := s.deps.Engine.GetQueue(r.Context(), queueID); err != nil {
		s.storeError(w, err)
		return
	}
	s.Success(w, http.StatusOK, s.deps.Metrics.QueueSummary(queueID))
}

func (s *Server) handleCheckStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.CheckOutcomeCounts(r.Context())
	if err != nil {
		s.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary := s.deps.Metrics.Summary()
	s.Success(w, http.StatusOK, struct {
		Outcomes     map[string]map[store.CheckStatus]int `json:"outcomes"`
		AvgDurations map[string]float64                   `json:"avg_duration_seconds"`
	}{counts, summary.AvgCheckDuration})
}

func (s *Server) handleGitHubStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithProbeTimeout(r)
	defer cancel()

	rl, err := s.deps.Forge.Ping(ctx)
	if err != nil {
		s.Error(w, http.StatusBadGateway, err.Error())
		return
	}
	s.Success(w, http.StatusOK, struct {
		RateLimitRemaining int       `json:"rate_limit_remaining"`
		RateLimitReset     time.Time `json:"rate_limit_reset"`
	}{rl.Remaining, rl.Reset})
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithProbeTimeout(r)
	defer cancel()

	checks := map[string]string{"github": "healthy", "database": "healthy"}
	healthy := true
	if _, err := s.deps.Forge.Ping(ctx); err != nil {
		checks["github"] = err.Error()
		healthy = false
	}
	if err := s.deps.Store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.Success(w, status, map[string]any{"healthy": healthy, "checks": checks})
}

func (s *Server) handleGitHubHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithProbeTimeout(r)
	defer cancel()

	rl, err := s.deps.Forge.Ping(ctx)
	if err != nil {
		s.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.Success(w, http.StatusOK, map[string]any{
		"healthy":              true,
		"rate_limit_remaining": rl.Remaining,
	})
}

func (s *Server) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithProbeTimeout(r)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		s.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.Success(w, http.StatusOK, map[string]any{
		"healthy":   true,
		"pool_size": s.deps.Store.PoolSize(),
	})
}

// storeError maps store errors onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConstraint):
		s.Error(w, http.StatusConflict, err.Error())
	default:
		s.Error(w, http.StatusInternalServerError, err.Error())
	}
}

func contextWithProbeTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), healthProbeTimeout)
}
