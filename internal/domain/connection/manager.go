package connection

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ledgermatch/internal/domain/credential"
	"ledgermatch/internal/domain/notification"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

const (
	DefaultStateTTL       = 10 * time.Minute
	DefaultRefreshTimeout = 10 * time.Second
)

var (
	connMeter       = otel.Meter("ledgermatch/connection")
	tokenRefresh, _ = connMeter.Int64Counter("ledgermatch.token.refresh",
		metric.WithDescription("Token refresh attempts by provider and status"),
	)
)

// Manager owns the OAuth lifecycle of provider connections: authorization
// URLs, callback processing and lazy token refresh.
type Manager struct {
	repo      Repository
	states    StateStore
	providers map[string]OAuthProvider
	creds     credential.Provider
	notifier  notification.Notifier
	logger    *zap.Logger

	stateTTL       time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	refreshes singleflight.Group
}

type ManagerOption func(*Manager)

func WithStateTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.stateTTL = ttl
		}
	}
}

func WithRefreshTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(
	repo Repository,
	states StateStore,
	creds credential.Provider,
	notifier notification.Notifier,
	logger *zap.Logger,
	providers []OAuthProvider,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		repo:           repo,
		states:         states,
		providers:      make(map[string]OAuthProvider, len(providers)),
		creds:          creds,
		notifier:       notifier,
		logger:         logger,
		stateTTL:       DefaultStateTTL,
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
	}
	for _, p := range providers {
		m.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Providers lists the configured provider names.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) provider(name string) (OAuthProvider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown provider %q", name)
	}
	return p, nil
}

// clientCredentials resolves the platform client id and secret. Missing
// values are a configuration error.
func (m *Manager) clientCredentials(ctx context.Context, scope tenant.Scope, p OAuthProvider) (ClientCredentials, error) {
	idName, secretName := p.CredentialNames()
	values, err := credential.Require(ctx, m.creds, scope, idName, secretName)
	if err != nil {
		return ClientCredentials{}, err
	}
	return ClientCredentials{ID: values[idName], Secret: values[secretName]}, nil
}

// AuthorizationURL creates a one-time state bound to the tenant and
// redirect URI and returns the provider's consent URL carrying it.
func (m *Manager) AuthorizationURL(ctx context.Context, scope tenant.Scope, providerName, redirectURI string) (string, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return "", err
	}
	if err := validateRedirectURI(redirectURI); err != nil {
		return "", err
	}

	p, err := m.provider(providerName)
	if err != nil {
		return "", err
	}
	creds, err := m.clientCredentials(ctx, scope, p)
	if err != nil {
		return "", err
	}

	state, err := generateState()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "failed to generate oauth state")
	}

	now := m.now()
	if err := m.states.Save(ctx, scope, hashState(state), OAuthState{
		TenantID:    tenantID,
		Provider:    p.Name(),
		RedirectURI: redirectURI,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.stateTTL),
	}); err != nil {
		return "", err
	}

	return p.AuthCodeURL(creds, state, redirectURI), nil
}

// ProcessCallback consumes the state, exchanges the code and upserts the
// connection. Nothing is persisted when the exchange or account lookup
// fails.
func (m *Manager) ProcessCallback(ctx context.Context, providerName, code, state string) (*Connection, error) {
	if state == "" {
		return nil, ErrInvalidState
	}

	st, err := m.states.Consume(ctx, hashState(state), m.now())
	if err != nil {
		return nil, err
	}
	if st.Provider != providerName {
		m.logger.Warn("oauth callback provider mismatch",
			zap.String("expected", st.Provider),
			zap.String("got", providerName),
		)
		return nil, ErrInvalidState
	}
	if code == "" {
		return nil, apperr.New(apperr.KindValidation, "authorization code is missing")
	}

	scope, err := tenant.For(st.TenantID)
	if err != nil {
		return nil, ErrInvalidState
	}
	p, err := m.provider(providerName)
	if err != nil {
		return nil, err
	}
	creds, err := m.clientCredentials(ctx, scope, p)
	if err != nil {
		return nil, err
	}

	token, err := p.Exchange(ctx, creds, code, st.RedirectURI)
	if err != nil {
		return nil, err
	}

	account, err := p.Account(ctx, token)
	if err != nil {
		return nil, err
	}
	if account.ExternalID == "" {
		return nil, apperr.Upstream(apperr.KindBankConnection, providerName, 0, nil, "provider returned no account id")
	}

	conn, err := m.repo.Upsert(ctx, scope, UpsertParams{
		Provider:          providerName,
		ExternalAccountID: account.ExternalID,
		AccountName:       account.Name,
		Token:             *token,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("provider connection authorized",
		zap.String("tenant", st.TenantID),
		zap.String("provider", providerName),
		zap.Stringer("connection", conn.ID),
	)
	return conn, nil
}

func (m *Manager) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Connection, error) {
	return m.repo.GetByID(ctx, scope, id)
}

func (m *Manager) List(ctx context.Context, scope tenant.Scope) ([]*Connection, error) {
	return m.repo.List(ctx, scope)
}

// EnsureFresh re-reads the connection and refreshes its token if it has
// expired, so a refresh done by a concurrent request is observed. refreshed
// reports whether the token version moved during the call.
func (m *Manager) EnsureFresh(ctx context.Context, scope tenant.Scope, id uuid.UUID) (conn *Connection, refreshed bool, err error) {
	conn, err = m.repo.GetByID(ctx, scope, id)
	if err != nil {
		return nil, false, err
	}
	if conn.Status == StatusRevoked {
		return nil, false, ErrRevoked
	}
	if conn.Status != StatusExpired && !conn.NeedsRefresh(m.now()) {
		return conn, false, nil
	}
	fresh, err := m.Refresh(ctx, scope, conn)
	if err != nil {
		return nil, false, err
	}
	return fresh, fresh.TokenVersion != conn.TokenVersion, nil
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent
// callers for the same connection share one provider call; across
// processes the token_version compare-and-set decides the winner. No lock
// is held while the provider is called.
func (m *Manager) Refresh(ctx context.Context, scope tenant.Scope, conn *Connection) (*Connection, error) {
	if _, err := scope.Require(); err != nil {
		return nil, err
	}

	v, err, _ := m.refreshes.Do(conn.ID.String(), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(flightCtx, scope, conn.ID, conn.TokenVersion)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (m *Manager) refresh(ctx context.Context, scope tenant.Scope, id uuid.UUID, seenVersion int64) (*Connection, error) {
	current, err := m.repo.GetByID(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusRevoked {
		return nil, ErrRevoked
	}
	// Refreshed by someone else since the caller read it.
	if current.TokenVersion != seenVersion && current.Status == StatusActive && !current.NeedsRefresh(m.now()) {
		return current, nil
	}

	p, err := m.provider(current.Provider)
	if err != nil {
		return nil, err
	}

	if current.RefreshToken == "" {
		m.markExpired(ctx, scope, current, "no refresh token")
		return nil, ErrNoRefreshToken
	}

	creds, err := m.clientCredentials(ctx, scope, p)
	if err != nil {
		return nil, err
	}

	token, err := p.Refresh(ctx, creds, current.RefreshToken)
	if err != nil {
		// A concurrent process may have rotated the refresh token first.
		if latest, gerr := m.repo.GetByID(ctx, scope, id); gerr == nil &&
			latest.TokenVersion != current.TokenVersion && latest.Status == StatusActive {
			m.recordRefresh(ctx, current.Provider, "superseded")
			return latest, nil
		}

		// Timeouts say nothing about the token, so the connection is left as is.
		if apperr.Is(err, apperr.KindTimeout) {
			m.recordRefresh(ctx, current.Provider, "timeout")
			return nil, err
		}

		m.markExpired(ctx, scope, current, apperr.PublicMessage(err))
		m.recordRefresh(ctx, current.Provider, "failed")
		return nil, apperr.Wrap(apperr.KindAuth, err, "token refresh failed, re-authorize the connection")
	}

	if token.RefreshToken == "" {
		token.RefreshToken = current.RefreshToken
	}

	updated, err := m.repo.UpdateTokens(ctx, scope, id, current.TokenVersion, *token)
	if errors.Is(err, ErrVersionConflict) {
		m.recordRefresh(ctx, current.Provider, "superseded")
		return m.repo.GetByID(ctx, scope, id)
	}
	if err != nil {
		return nil, err
	}

	m.recordRefresh(ctx, current.Provider, "success")
	m.logger.Info("connection token refreshed",
		zap.Stringer("connection", id),
		zap.String("provider", current.Provider),
	)
	return updated, nil
}

func (m *Manager) markExpired(ctx context.Context, scope tenant.Scope, conn *Connection, reason string) {
	if conn.Status == StatusExpired {
		return
	}
	if err := m.repo.SetStatus(ctx, scope, conn.ID, StatusExpired); err != nil {
		m.logger.Error("failed to mark connection expired", zap.Stringer("connection", conn.ID), zap.Error(err))
		return
	}
	m.logger.Warn("connection expired",
		zap.Stringer("connection", conn.ID),
		zap.String("provider", conn.Provider),
		zap.String("reason", reason),
	)
	m.notifier.Notify(ctx, scope, notification.CreateParams{
		Title:    "Connection expired",
		Message:  fmt.Sprintf("The %s connection %s needs to be re-authorized.", conn.Provider, conn.AccountName),
		Category: notification.CategoryConnections,
		Data:     map[string]string{"connection_id": conn.ID.String(), "status": string(StatusExpired)},
	})
}

// Revoke retires a connection after the provider reported the grant was
// withdrawn. Revoking twice is a no-op.
func (m *Manager) Revoke(ctx context.Context, scope tenant.Scope, id uuid.UUID) error {
	conn, err := m.repo.GetByID(ctx, scope, id)
	if err != nil {
		return err
	}
	if conn.Status == StatusRevoked {
		return nil
	}
	if err := m.repo.SetStatus(ctx, scope, id, StatusRevoked); err != nil {
		return err
	}

	m.logger.Info("connection revoked", zap.Stringer("connection", id), zap.String("provider", conn.Provider))
	m.notifier.Notify(ctx, scope, notification.CreateParams{
		Title:    "Connection revoked",
		Message:  fmt.Sprintf("Access to the %s account %s was revoked at the provider.", conn.Provider, conn.AccountName),
		Category: notification.CategoryConnections,
		Data:     map[string]string{"connection_id": id.String(), "status": string(StatusRevoked)},
	})
	return nil
}

// PurgeExpiredStates removes abandoned authorizations.
func (m *Manager) PurgeExpiredStates(ctx context.Context) (int64, error) {
	return m.states.PurgeExpired(ctx, m.now())
}

func (m *Manager) recordRefresh(ctx context.Context, provider, status string) {
	tokenRefresh.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashState(state string) string {
	sum := sha256.Sum256([]byte(state))
	return hex.EncodeToString(sum[:])
}

func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return ErrInvalidRedirect
	}
	return nil
}
