// Package credential centralizes access to named secrets. Components receive
// a Provider instead of reading the environment themselves.
package credential

import (
	"context"
	"time"

	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

// Well-known credential names.
const (
	GoCardlessClientID     = "gocardless.client_id"
	GoCardlessClientSecret = "gocardless.client_secret"
	StripeClientID         = "stripe.client_id"
	StripeClientSecret     = "stripe.client_secret"
	StripeWebhookSecret    = "stripe.webhook_secret"
	WHMCSURL               = "whmcs.url"
	WHMCSIdentifier        = "whmcs.identifier"
	WHMCSSecret            = "whmcs.secret"
)

var (
	ErrNotFound = apperr.New(apperr.KindConfiguration, "credential not configured")
	ErrReadOnly = apperr.New(apperr.KindValidation, "credential store is read-only")
	ErrEmpty    = apperr.New(apperr.KindValidation, "credential value is empty")
)

// Provider gets, sets and rotates secrets by name. Tenant stores key secrets
// by (tenant, name); system stores ignore the tenant part of the scope.
type Provider interface {
	Get(ctx context.Context, scope tenant.Scope, name string) (string, error)
	Set(ctx context.Context, scope tenant.Scope, name, value string) error
	Rotate(ctx context.Context, scope tenant.Scope, name, value string) error
}

// Secret is a stored credential. Previous holds the value replaced by the
// last rotation so in-flight requests signed with it can still be checked.
type Secret struct {
	TenantID  string
	Name      string
	Value     string
	Previous  string
	RotatedAt *time.Time
	UpdatedAt time.Time
}

// Repository persists encrypted secrets per tenant.
type Repository interface {
	Get(ctx context.Context, scope tenant.Scope, name string) (*Secret, error)
	Upsert(ctx context.Context, scope tenant.Scope, name, value string) error
	Rotate(ctx context.Context, scope tenant.Scope, name, value string) error
}

// Require fetches several credentials at once and fails with a configuration
// error naming the first missing one.
func Require(ctx context.Context, p Provider, scope tenant.Scope, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, err := p.Get(ctx, scope, name)
		if err != nil {
			if apperr.Is(err, apperr.KindConfiguration) {
				return nil, apperr.Newf(apperr.KindConfiguration, "credential %s is not configured", name)
			}
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}
