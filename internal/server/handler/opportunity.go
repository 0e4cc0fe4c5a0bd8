package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// Evaluator is the orchestrator. *service.OpportunityService satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, in domain.ArbInputs) (domain.Opportunity, error)
}

// OpportunityHandler serves evaluation and the journal views.
type OpportunityHandler struct {
	eval   Evaluator
	store  domain.OpportunityStore
	logger *slog.Logger
	now    func() time.Time
}

// NewOpportunityHandler creates an OpportunityHandler. store may be nil, in
// which case the journal endpoints answer 503.
func NewOpportunityHandler(eval Evaluator, store domain.OpportunityStore, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{
		eval:   eval,
		store:  store,
		logger: logger.With(slog.String("handler", "opportunity")),
		now:    time.Now,
	}
}

// Evaluate sizes and values one signalled discrepancy.
// POST /api/opportunity/evaluate
func (h *OpportunityHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	var in domain.ArbInputs
	if err := decodeJSON(w, r, &in); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	opp, err := h.eval.Evaluate(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, opp)
}

// ListRecent returns the newest journaled opportunities.
// GET /api/opportunity/recent?limit=50
func (h *OpportunityHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	opps, err := h.store.ListRecent(r.Context(), parseLimit(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, opps)
}

// Summary aggregates the journal over a window.
// GET /api/opportunity/summary?window=24h
func (h *OpportunityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeServiceError(w, r, h.logger, fmt.Errorf("%w: window must be a positive duration", domain.ErrValidation))
			return
		}
		window = d
	}
	sum, err := h.store.SummarizeSince(r.Context(), h.now().UTC().Add(-window))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
