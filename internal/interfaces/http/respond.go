// Package http holds the REST handlers. Routing lives in cmd/api.
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

type errorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err to its status and the {"error":{kind,message}} body.
// Server-side failures are logged; client errors are not.
func writeError(w http.ResponseWriter, logger *zap.Logger, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.String("error", apperr.Sanitize(err.Error())),
		)
	}
	writeJSON(w, status, map[string]errorBody{
		"error": {Kind: kind, Message: apperr.PublicMessage(err)},
	})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]errorBody{
		"error": {Kind: apperr.KindValidation, Message: message},
	})
}

// requireScope reads the tenant installed by middleware.Tenant.
func requireScope(w http.ResponseWriter, r *http.Request) (tenant.Scope, bool) {
	scope, err := tenant.FromContext(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]errorBody{
			"error": {Kind: apperr.KindAuth, Message: "authentication required"},
		})
		return tenant.Scope{}, false
	}
	return scope, true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		badRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// dateParam parses an optional YYYY-MM-DD query parameter.
func dateParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, v)
}

func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// HandleHealth reports liveness.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
