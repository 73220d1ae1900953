package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/matching"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/domain/webhook"
)

var testScope = tenant.MustFor("tenant-a")

// newRequest builds a request carrying the tenant scope and chi URL params.
func newRequest(method, target string, body io.Reader, params map[string]string) *http.Request {
	req := withParams(httptest.NewRequest(method, target, body), params)
	return req.WithContext(tenant.WithScope(req.Context(), testScope))
}

func withParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// errorKind decodes the {"error":{"kind":...}} body.
func errorKind(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Error.Kind
}

type MockConnectionService struct {
	ProvidersFunc        func() []string
	AuthorizationURLFunc func(ctx context.Context, scope tenant.Scope, providerName, redirectURI string) (string, error)
	ProcessCallbackFunc  func(ctx context.Context, providerName, code, state string) (*connection.Connection, error)
	GetFunc              func(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*connection.Connection, error)
	ListFunc             func(ctx context.Context, scope tenant.Scope) ([]*connection.Connection, error)
	RefreshFunc          func(ctx context.Context, scope tenant.Scope, conn *connection.Connection) (*connection.Connection, error)
	RevokeFunc           func(ctx context.Context, scope tenant.Scope, id uuid.UUID) error
}

func (m *MockConnectionService) Providers() []string {
	if m.ProvidersFunc != nil {
		return m.ProvidersFunc()
	}
	return []string{"gocardless", "stripe"}
}

func (m *MockConnectionService) AuthorizationURL(ctx context.Context, scope tenant.Scope, providerName, redirectURI string) (string, error) {
	return m.AuthorizationURLFunc(ctx, scope, providerName, redirectURI)
}

func (m *MockConnectionService) ProcessCallback(ctx context.Context, providerName, code, state string) (*connection.Connection, error) {
	return m.ProcessCallbackFunc(ctx, providerName, code, state)
}

func (m *MockConnectionService) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*connection.Connection, error) {
	return m.GetFunc(ctx, scope, id)
}

func (m *MockConnectionService) List(ctx context.Context, scope tenant.Scope) ([]*connection.Connection, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, scope)
	}
	return nil, nil
}

func (m *MockConnectionService) Refresh(ctx context.Context, scope tenant.Scope, conn *connection.Connection) (*connection.Connection, error) {
	return m.RefreshFunc(ctx, scope, conn)
}

func (m *MockConnectionService) Revoke(ctx context.Context, scope tenant.Scope, id uuid.UUID) error {
	return m.RevokeFunc(ctx, scope, id)
}

type MockSyncer struct {
	FetchFunc func(ctx context.Context, scope tenant.Scope, connectionID uuid.UUID, from, to time.Time) (*transaction.SyncResult, error)
}

func (m *MockSyncer) Fetch(ctx context.Context, scope tenant.Scope, connectionID uuid.UUID, from, to time.Time) (*transaction.SyncResult, error) {
	return m.FetchFunc(ctx, scope, connectionID, from, to)
}

type MockTransactionReader struct {
	GetFunc  func(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*transaction.Transaction, error)
	ListFunc func(ctx context.Context, scope tenant.Scope, r transaction.Range, limit, offset int) ([]*transaction.Transaction, error)
}

func (m *MockTransactionReader) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*transaction.Transaction, error) {
	return m.GetFunc(ctx, scope, id)
}

func (m *MockTransactionReader) List(ctx context.Context, scope tenant.Scope, r transaction.Range, limit, offset int) ([]*transaction.Transaction, error) {
	return m.ListFunc(ctx, scope, r, limit, offset)
}

type MockMatchService struct {
	FindMatchesFunc func(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) (*matching.FindResult, error)
	ListMatchesFunc func(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) ([]*matching.Match, error)
	ApplyMatchFunc  func(ctx context.Context, scope tenant.Scope, matchID uuid.UUID) (*matching.Match, error)
	RejectMatchFunc func(ctx context.Context, scope tenant.Scope, matchID uuid.UUID) (*matching.Match, error)
}

func (m *MockMatchService) FindMatches(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) (*matching.FindResult, error) {
	return m.FindMatchesFunc(ctx, scope, transactionID)
}

func (m *MockMatchService) ListMatches(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) ([]*matching.Match, error) {
	return m.ListMatchesFunc(ctx, scope, transactionID)
}

func (m *MockMatchService) ApplyMatch(ctx context.Context, scope tenant.Scope, matchID uuid.UUID) (*matching.Match, error) {
	return m.ApplyMatchFunc(ctx, scope, matchID)
}

func (m *MockMatchService) RejectMatch(ctx context.Context, scope tenant.Scope, matchID uuid.UUID) (*matching.Match, error) {
	return m.RejectMatchFunc(ctx, scope, matchID)
}

type MockAutoMatcher struct {
	RunFunc func(ctx context.Context, scope tenant.Scope, window time.Duration, threshold float64) (*matching.AutoApplyResult, error)
}

func (m *MockAutoMatcher) Run(ctx context.Context, scope tenant.Scope, window time.Duration, threshold float64) (*matching.AutoApplyResult, error) {
	return m.RunFunc(ctx, scope, window, threshold)
}

type MockWebhookProcessor struct {
	HandleFunc func(ctx context.Context, d webhook.Delivery) (*webhook.Result, error)
}

func (m *MockWebhookProcessor) Handle(ctx context.Context, d webhook.Delivery) (*webhook.Result, error) {
	return m.HandleFunc(ctx, d)
}
