package connection

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ledgermatch/internal/domain/tenant"
)

type Repository interface {
	// Upsert creates the connection or, when one exists for the same
	// (tenant, provider, external account), replaces its tokens and
	// reactivates it.
	Upsert(ctx context.Context, scope tenant.Scope, params UpsertParams) (*Connection, error)
	GetByID(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Connection, error)
	List(ctx context.Context, scope tenant.Scope) ([]*Connection, error)
	// ListByExternalAccount returns one connection per tenant linked to the
	// provider account, the live one when the tenant re-authorized after a
	// revocation.
	ListByExternalAccount(ctx context.Context, scope tenant.Scope, provider, externalAccountID string) ([]*Connection, error)
	// UpdateTokens writes new tokens only if the stored token_version still
	// equals expectedVersion, returning ErrVersionConflict otherwise.
	UpdateTokens(ctx context.Context, scope tenant.Scope, id uuid.UUID, expectedVersion int64, token Token) (*Connection, error)
	SetStatus(ctx context.Context, scope tenant.Scope, id uuid.UUID, status Status) error
	// ListTenants returns the tenants owning at least one active connection.
	ListTenants(ctx context.Context) ([]string, error)
}

// StateStore persists OAuth states so any instance can complete a callback.
type StateStore interface {
	Save(ctx context.Context, scope tenant.Scope, stateHash string, state OAuthState) error
	// Consume deletes and returns the state in one step. Missing or expired
	// states return ErrInvalidState.
	Consume(ctx context.Context, stateHash string, now time.Time) (*OAuthState, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// OAuthProvider is the provider-specific half of the authorization flow.
type OAuthProvider interface {
	Name() string
	// CredentialNames returns the credential names holding the client id
	// and secret.
	CredentialNames() (clientID, clientSecret string)
	AuthCodeURL(creds ClientCredentials, state, redirectURI string) string
	Exchange(ctx context.Context, creds ClientCredentials, code, redirectURI string) (*Token, error)
	Refresh(ctx context.Context, creds ClientCredentials, refreshToken string) (*Token, error)
	Account(ctx context.Context, token *Token) (*Account, error)
}
