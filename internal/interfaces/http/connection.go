package http

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/shared/apperr"
)

// ConnectionService is the slice of connection.Manager the handlers use.
type ConnectionService interface {
	Providers() []string
	AuthorizationURL(ctx context.Context, scope tenant.Scope, providerName, redirectURI string) (string, error)
	ProcessCallback(ctx context.Context, providerName, code, state string) (*connection.Connection, error)
	Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*connection.Connection, error)
	List(ctx context.Context, scope tenant.Scope) ([]*connection.Connection, error)
	Refresh(ctx context.Context, scope tenant.Scope, conn *connection.Connection) (*connection.Connection, error)
	Revoke(ctx context.Context, scope tenant.Scope, id uuid.UUID) error
}

// Syncer pulls a connection's transactions for a date range.
type Syncer interface {
	Fetch(ctx context.Context, scope tenant.Scope, connectionID uuid.UUID, from, to time.Time) (*transaction.SyncResult, error)
}

type ConnectionHandler struct {
	connections ConnectionService
	syncer      Syncer
	logger      *zap.Logger
	// publicURL is the externally reachable base URL used to build the
	// OAuth redirect URI.
	publicURL string
	// completeURL, when set, is where the browser lands after a callback.
	completeURL string
}

func NewConnectionHandler(connections ConnectionService, syncer Syncer, logger *zap.Logger, publicURL, completeURL string) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
		syncer:      syncer,
		logger:      logger,
		publicURL:   strings.TrimRight(publicURL, "/"),
		completeURL: completeURL,
	}
}

func (h *ConnectionHandler) redirectURI(provider string) string {
	return h.publicURL + "/api/connections/" + url.PathEscape(provider) + "/callback"
}

// HandleList returns the tenant's connections. Tokens are never serialized.
func (h *ConnectionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	conns, err := h.connections.List(r.Context(), scope)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if conns == nil {
		conns = []*connection.Connection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": conns,
		"providers":   h.connections.Providers(),
	})
}

// HandleAuthorize returns the provider's consent URL for the caller's tenant.
func (h *ConnectionHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")

	authURL, err := h.connections.AuthorizationURL(r.Context(), scope, provider, h.redirectURI(provider))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// HandleCallback is hit by the provider redirect. It is public: the tenant
// comes from the state parameter, never from the request.
func (h *ConnectionHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	if denied := q.Get("error"); denied != "" {
		h.logger.Info("oauth authorization declined",
			zap.String("provider", provider),
			zap.String("error", apperr.Sanitize(denied)),
		)
		writeError(w, h.logger, r, apperr.Newf(apperr.KindAuth, "authorization was declined: %s", apperr.Sanitize(denied)))
		return
	}

	conn, err := h.connections.ProcessCallback(r.Context(), provider, q.Get("code"), q.Get("state"))
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	if h.completeURL != "" {
		target := h.completeURL + "?connection=" + url.QueryEscape(conn.ID.String())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// HandleRefresh forces a token refresh.
func (h *ConnectionHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	conn, err := h.connections.Get(r.Context(), scope, id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	conn, err = h.connections.Refresh(r.Context(), scope, conn)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// HandleSync fetches and stores transactions for ?from=&to= (YYYY-MM-DD).
func (h *ConnectionHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	from, err := dateParam(r, "from")
	if err != nil {
		badRequest(w, "invalid from date (use YYYY-MM-DD)")
		return
	}
	to, err := dateParam(r, "to")
	if err != nil {
		badRequest(w, "invalid to date (use YYYY-MM-DD)")
		return
	}

	result, err := h.syncer.Fetch(r.Context(), scope, id, from, to)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleRevoke disconnects a connection. Its history is kept.
func (h *ConnectionHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.connections.Revoke(r.Context(), scope, id); err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
