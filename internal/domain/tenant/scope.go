// Package tenant carries the isolation boundary through every data access.
//
// Repositories take a Scope instead of a bare id, so a caller cannot forget
// the tenant filter. Reads accept either a tenant scope or the system scope;
// writes always need a concrete tenant.
package tenant

import (
	"context"
	"strings"

	"ledgermatch/internal/shared/apperr"
)

var (
	ErrEmptyTenant  = apperr.New(apperr.KindValidation, "tenant id is required")
	ErrUnscoped     = apperr.New(apperr.KindInternal, "data access without tenant scope")
	ErrSystemWrite  = apperr.New(apperr.KindInternal, "system scope cannot write tenant-owned data")
	ErrNoScopeInCtx = apperr.New(apperr.KindAuth, "request has no tenant")
)

// Scope is either one tenant or the system context. The zero value is
// invalid and rejected by every repository.
type Scope struct {
	id     string
	system bool
}

// For scopes access to a single tenant.
func For(id string) (Scope, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Scope{}, ErrEmptyTenant
	}
	return Scope{id: id}, nil
}

// MustFor is For for ids already validated elsewhere, such as test fixtures.
func MustFor(id string) Scope {
	s, err := For(id)
	if err != nil {
		panic(err)
	}
	return s
}

// System is the cross-tenant scope used by webhook routing and batch drivers.
// It can read across tenants but never write.
func System() Scope {
	return Scope{system: true}
}

func (s Scope) ID() string     { return s.id }
func (s Scope) IsSystem() bool { return s.system }
func (s Scope) IsZero() bool   { return !s.system && s.id == "" }

func (s Scope) String() string {
	switch {
	case s.system:
		return "system"
	case s.id == "":
		return "unscoped"
	default:
		return "tenant:" + s.id
	}
}

// Filter returns the value bound to the `($n::text IS NULL OR tenant_id = $n)`
// predicate: nil for the system scope, the tenant id otherwise.
func (s Scope) Filter() (any, error) {
	switch {
	case s.system:
		return nil, nil
	case s.id == "":
		return nil, ErrUnscoped
	default:
		return s.id, nil
	}
}

// Require returns the tenant id for a write.
func (s Scope) Require() (string, error) {
	switch {
	case s.system:
		return "", ErrSystemWrite
	case s.id == "":
		return "", ErrUnscoped
	default:
		return s.id, nil
	}
}

// Allows reports whether an entity owned by tenantID is visible in this scope.
func (s Scope) Allows(tenantID string) bool {
	if s.system {
		return true
	}
	return s.id != "" && s.id == tenantID
}

type contextKey struct{}

func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the scope installed by the tenant middleware.
func FromContext(ctx context.Context) (Scope, error) {
	s, ok := ctx.Value(contextKey{}).(Scope)
	if !ok || s.IsZero() {
		return Scope{}, ErrNoScopeInCtx
	}
	return s, nil
}
