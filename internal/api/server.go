package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Hunafi/framesnap/internal/config"
	"github.com/Hunafi/framesnap/internal/models"
	"github.com/Hunafi/framesnap/internal/ratelimit"
	"github.com/Hunafi/framesnap/internal/scheduler"
	"github.com/Hunafi/framesnap/internal/store"
	"github.com/Hunafi/framesnap/internal/telemetry"
)

// Server wires HTTP handlers for the batch control surface.
type Server struct {
	cfg     config.Config
	engine  *scheduler.Engine
	store   *store.Store                 // nil when persistence is disabled
	limiter *ratelimit.SubmissionLimiter // nil disables submission shedding
}

// New constructs the API server.
func New(cfg config.Config, engine *scheduler.Engine, st *store.Store, limiter *ratelimit.SubmissionLimiter) *Server {
	return &Server{
		cfg:     cfg,
		engine:  engine,
		store:   st,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/batches", s.handleSubmit)
	r.Get("/batches", s.handleListBatches)
	r.Get("/batches/{id}", s.handleProgress)
	r.Post("/batches/{id}/pause", s.handlePause)
	r.Post("/batches/{id}/resume", s.handleResume)
	r.Post("/batches/{id}/stop", s.handleStop)
	r.Post("/batches/{id}/retry", s.handleRetryFailed)
	r.Put("/batches/{id}/profile", s.handleSetProfile)
	r.Get("/batches/{id}/items/{itemID}", s.handleItemState)
	r.Get("/batches/{id}/audit", s.handleAudit)

	r.Get("/quota", s.handleQuota)
	r.Post("/quota/reset", s.handleQuotaReset)
	r.Get("/circuit", s.handleCircuit)
	r.Post("/circuit/reset", s.handleCircuitReset)
	return r
}

type frameInput struct {
	ID string `json:"id"`
	// Data carries inline payload bytes (base64 in JSON); Ref points at an
	// s3://bucket/key object instead.
	Data      []byte `json:"data,omitempty"`
	Ref       string `json:"ref,omitempty"`
	Operation string `json:"operation"`
	Priority  int    `json:"priority"`
	Cheaper   bool   `json:"cheaper"`
}

type submitRequest struct {
	Profile string       `json:"profile"`
	Frames  []frameInput `json:"frames"`
}

type submitResponse struct {
	BatchID  string               `json:"batch_id"`
	Progress models.BatchProgress `json:"progress"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Profile == "" {
		req.Profile = s.cfg.DefaultProfile
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowN(r.Context(), clientFromRequest(r), len(req.Frames))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.SubmitRejects.Inc()
			http.Error(w, "submission rate limited", http.StatusTooManyRequests)
			return
		}
	}

	items := make([]models.WorkItem, 0, len(req.Frames))
	for _, f := range req.Frames {
		items = append(items, models.WorkItem{
			ID:         f.ID,
			Payload:    f.Data,
			PayloadRef: f.Ref,
			Operation:  f.Operation,
			Priority:   f.Priority,
			Cheaper:    f.Cheaper,
		})
	}

	b, err := s.engine.Submit(r.Context(), items, req.Profile)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{BatchID: b.ID, Progress: b.Progress()})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "batch history requires persistence", http.StatusServiceUnavailable)
		return
	}
	records, err := s.store.ListBatches(r.Context(), 50)
	if err != nil {
		http.Error(w, "failed to list batches", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": records})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b.Progress())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	b.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	b.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	b.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	if err := b.RetryFailed(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, b.Progress())
}

type setProfileRequest struct {
	Profile string `json:"profile"`
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	var req setProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := b.SetProfile(req.Profile); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, b.Progress())
}

func (s *Server) handleItemState(w http.ResponseWriter, r *http.Request) {
	b, ok := s.batch(w, r)
	if !ok {
		return
	}
	st, found := b.ItemState(chi.URLParam(r, "itemID"))
	if !found {
		http.Error(w, "item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "audit trail requires persistence", http.StatusServiceUnavailable)
		return
	}
	entries, err := s.store.AuditTrail(r.Context(), chi.URLParam(r, "id"), 100)
	if err != nil {
		http.Error(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type quotaResponse struct {
	Remaining      int                   `json:"remaining"`
	ResetIn        string                `json:"reset_in"`
	Snapshot       *models.QuotaSnapshot `json:"snapshot,omitempty"`
	ShouldThrottle bool                  `json:"should_throttle"`
}

func (s *Server) handleQuota(w http.ResponseWriter, _ *http.Request) {
	tracker := s.engine.Tracker()
	remaining, resetIn := tracker.RemainingBudget()
	writeJSON(w, http.StatusOK, quotaResponse{
		Remaining:      remaining,
		ResetIn:        resetIn.Round(time.Second).String(),
		Snapshot:       tracker.Snapshot(),
		ShouldThrottle: tracker.ShouldThrottle(),
	})
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, _ *http.Request) {
	s.engine.Tracker().Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCircuit(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Breaker().State())
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, _ *http.Request) {
	s.engine.Breaker().Reset()
	writeJSON(w, http.StatusOK, s.engine.Breaker().State())
}

// batch resolves the {id} URL param to a live batch handle, writing a 404 on
// a miss.
func (s *Server) batch(w http.ResponseWriter, r *http.Request) (*scheduler.Batch, bool) {
	b, ok := s.engine.Batch(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "batch not found", http.StatusNotFound)
		return nil, false
	}
	return b, true
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
