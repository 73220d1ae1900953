package connection

import (
	"time"

	"github.com/google/uuid"

	"ledgermatch/internal/shared/apperr"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Domain errors
var (
	ErrNotFound        = apperr.New(apperr.KindNotFound, "connection not found")
	ErrInvalidState    = apperr.New(apperr.KindInvalidState, "oauth state is invalid or expired")
	ErrUnknownProvider = apperr.New(apperr.KindNotFound, "unknown provider")
	ErrRevoked         = apperr.New(apperr.KindAuth, "connection was revoked, re-authorize it")
	ErrNoRefreshToken  = apperr.New(apperr.KindAuth, "connection has no refresh token, re-authorize it")
	ErrVersionConflict = apperr.New(apperr.KindConflict, "connection tokens changed concurrently")
	ErrInvalidRedirect = apperr.New(apperr.KindValidation, "redirect uri must be an absolute http(s) url")
)

// Connection is one OAuth-authorized account at one provider.
type Connection struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          string     `json:"-"`
	Provider          string     `json:"provider"`
	ExternalAccountID string     `json:"externalAccountId"`
	AccountName       string     `json:"accountName"`
	AccessToken       string     `json:"-"`
	RefreshToken      string     `json:"-"`
	TokenExpiresAt    *time.Time `json:"tokenExpiresAt,omitempty"`
	Status            Status     `json:"status"`
	// TokenVersion increments on every token write. Refresh uses it as the
	// compare-and-set guard.
	TokenVersion int64     `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NeedsRefresh reports whether the access token is expired at now.
// Connections without an expiry never need a refresh.
func (c *Connection) NeedsRefresh(now time.Time) bool {
	return c.TokenExpiresAt != nil && !c.TokenExpiresAt.After(now)
}

// Token is the result of a code exchange or refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	// AccountID is set when the token response itself names the account,
	// as Stripe Connect does with stripe_user_id.
	AccountID string
}

// Account is the minimal metadata fetched after a successful exchange.
type Account struct {
	ExternalID string
	Name       string
}

// ClientCredentials are the platform's OAuth client id and secret for one
// provider.
type ClientCredentials struct {
	ID     string
	Secret string
}

// OAuthState is a pending authorization. Only a hash of the state token is
// persisted.
type OAuthState struct {
	TenantID    string
	Provider    string
	RedirectURI string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type UpsertParams struct {
	Provider          string
	ExternalAccountID string
	AccountName       string
	Token             Token
}
