// Package api exposes the engine over HTTP: plan building, campaign launch,
// lifecycle control, and read-only state/metrics access. Internal errors are
// sanitized; transport and database details never reach the client.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ignite/direct-optimizer/internal/domain"
	"github.com/ignite/direct-optimizer/internal/optimizer"
	"github.com/ignite/direct-optimizer/internal/planner"
	"github.com/ignite/direct-optimizer/internal/repository/postgres"
)

// MetricsStore reads the local metrics cache for reporting endpoints.
type MetricsStore interface {
	GetMetrics(ctx context.Context, campaignID string, since sql.NullTime) ([]domain.PerformanceMetric, error)
}

// Handlers carries the API dependencies.
type Handlers struct {
	planner *planner.Planner
	manager *optimizer.Manager
	metrics MetricsStore
}

// NewHandlers creates the handler set.
func NewHandlers(p *planner.Planner, m *optimizer.Manager, metrics MetricsStore) *Handlers {
	return &Handlers{planner: p, manager: m, metrics: metrics}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// BuildPlan runs the full plan construction pipeline and returns the plan
// without submitting anything to the ads platform.
func (h *Handlers) BuildPlan(w http.ResponseWriter, r *http.Request) {
	var req planner.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	plan, err := h.planner.BuildPlan(r.Context(), req)
	if err != nil {
		respondDomainError(w, err, "plan construction failed")
		return
	}
	respondJSON(w, http.StatusCreated, plan)
}

// LaunchCampaign submits a built plan to the ads platform and starts its
// optimization loop.
func (h *Handlers) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	var plan domain.CampaignPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		respondError(w, http.StatusBadRequest, "invalid plan body")
		return
	}

	state, err := h.manager.Launch(r.Context(), plan)
	if err != nil {
		respondDomainError(w, err, "campaign launch failed")
		return
	}
	respondJSON(w, http.StatusCreated, state)
}

// ListCampaigns returns a state snapshot for every managed campaign.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"campaigns": h.manager.States()})
}

// GetCampaign returns one campaign's state.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	loop, ok := h.loop(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, loop.State())
}

// GetPlan returns the campaign's current plan.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	loop, ok := h.loop(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, loop.Plan())
}

// GetAllocation returns the current budget split.
func (h *Handlers) GetAllocation(w http.ResponseWriter, r *http.Request) {
	loop, ok := h.loop(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, loop.State().Budget)
}

// GetCreatives returns the campaign's creatives with their statuses.
func (h *Handlers) GetCreatives(w http.ResponseWriter, r *http.Request) {
	loop, ok := h.loop(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"creatives": loop.Plan().Creatives})
}

// GetMetrics returns cached metrics, optionally since ?hours=N.
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "id")

	since := sql.NullTime{}
	if hours := r.URL.Query().Get("hours"); hours != "" {
		d, err := time.ParseDuration(hours + "h")
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "hours must be a positive number")
			return
		}
		since = sql.NullTime{Valid: true, Time: time.Now().UTC().Add(-d)}
	}

	metrics, err := h.metrics.GetMetrics(r.Context(), campaignID, since)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err, "failed to load metrics")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"metrics": metrics})
}

// PauseCampaign requests a pause, applied at the next tick boundary.
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	loop, ok := h.loop(w, r)
	if !ok {
		return
	}
	if err := loop.Pause(r.Context()); err != nil {
		respondDomainError(w, err, "pause failed")
		return
	}
	respondJSON(w, http.StatusOK, loop.State())
}

// ResumeCampaign returns a paused campaign to monitoring.
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	loop, ok := h.loop(w, r)
	if !ok {
		return
	}
	if err := loop.Resume(r.Context()); err != nil {
		respondDomainError(w, err, "resume failed")
		return
	}
	respondJSON(w, http.StatusOK, loop.State())
}

// TriggerOptimization requests an on-demand tick. Returns 202 when scheduled
// and 409 when a tick is already in flight (the request is dropped, not
// queued).
func (h *Handlers) TriggerOptimization(w http.ResponseWriter, r *http.Request) {
	loop, ok := h.loop(w, r)
	if !ok {
		return
	}
	if !loop.TriggerNow() {
		respondError(w, http.StatusConflict, "optimization already in progress")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// AddKeywords queues new keyword candidates for the next tick's incremental
// core refresh.
func (h *Handlers) AddKeywords(w http.ResponseWriter, r *http.Request) {
	loop, ok := h.loop(w, r)
	if !ok {
		return
	}

	var req struct {
		Candidates []domain.KeywordCandidate `json:"candidates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Candidates) == 0 {
		respondError(w, http.StatusBadRequest, "candidates required")
		return
	}

	loop.AddCandidates(req.Candidates)
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"queued": len(req.Candidates)})
}

func (h *Handlers) loop(w http.ResponseWriter, r *http.Request) (*optimizer.Loop, bool) {
	loop, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "campaign not found")
		return nil, false
	}
	return loop, true
}

// respondDomainError maps the error taxonomy to HTTP statuses. Validation
// and policy conditions are client errors with their real message; anything
// else is sanitized.
func respondDomainError(w http.ResponseWriter, err error, publicMsg string) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, domain.ErrEmptyKeywordSet),
		errors.Is(err, domain.ErrUnsatisfiableBudget),
		errors.Is(err, domain.ErrInvariantViolation):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, postgres.ErrNotFound),
		errors.Is(err, optimizer.ErrUnknownCampaign):
		respondError(w, http.StatusNotFound, "campaign not found")
	case domain.IsTransient(err):
		respondSafeError(w, http.StatusBadGateway, err, "ads platform temporarily unavailable")
	default:
		respondSafeError(w, http.StatusInternalServerError, err, publicMsg)
	}
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondSafeError logs the internal error and sends a public-safe message.
// 5xx responses must never include database details, file paths, or upstream
// transport errors.
func respondSafeError(w http.ResponseWriter, status int, internalErr error, publicMsg string) {
	if internalErr != nil {
		log.Printf("[API] ERROR [%d]: %s: %v", status, publicMsg, internalErr)
	}
	respondError(w, status, publicMsg)
}
