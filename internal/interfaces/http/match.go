package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/matching"
	"ledgermatch/internal/domain/tenant"
)

type AutoMatcher interface {
	Run(ctx context.Context, scope tenant.Scope, window time.Duration, threshold float64) (*matching.AutoApplyResult, error)
}

type MatchHandler struct {
	matches   MatchService
	auto      AutoMatcher
	logger    *zap.Logger
	window    time.Duration
	threshold float64
}

// NewMatchHandler takes the auto-apply defaults used when a request does
// not override them.
func NewMatchHandler(matches MatchService, auto AutoMatcher, logger *zap.Logger, window time.Duration, threshold float64) *MatchHandler {
	return &MatchHandler{matches: matches, auto: auto, logger: logger, window: window, threshold: threshold}
}

// HandleApply approves a match and posts the payment to the invoice source.
// Applying an approved match again returns it unchanged.
func (h *MatchHandler) HandleApply(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	m, err := h.matches.ApplyMatch(r.Context(), scope, id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MatchHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	m, err := h.matches.RejectMatch(r.Context(), scope, id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type AutoReconcileRequest struct {
	Threshold  *float64 `json:"threshold,omitempty"`
	WindowDays *int     `json:"windowDays,omitempty"`
}

// HandleAutoReconcile runs the auto-apply batch for the caller's tenant. The
// body is optional.
func (h *MatchHandler) HandleAutoReconcile(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	var req AutoReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body")
		return
	}

	threshold := h.threshold
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			badRequest(w, "threshold must be between 0 and 1")
			return
		}
		threshold = *req.Threshold
	}
	window := h.window
	if req.WindowDays != nil {
		if *req.WindowDays <= 0 {
			badRequest(w, "windowDays must be positive")
			return
		}
		window = time.Duration(*req.WindowDays) * 24 * time.Hour
	}

	result, err := h.auto.Run(r.Context(), scope, window, threshold)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
