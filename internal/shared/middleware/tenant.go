package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
	"ledgermatch/internal/shared/auth"
)

type ContextKey string

const SubjectKey ContextKey = "subject"

// Tenant validates the bearer token and installs the caller's tenant scope
// on the request context. Handlers read it with tenant.FromContext.
func Tenant(jwt *auth.JWT) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, apperr.KindAuth, "authentication required")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, apperr.KindAuth, "invalid authorization header format")
				return
			}

			claims, err := jwt.Validate(parts[1])
			if err != nil {
				msg := "invalid or expired token"
				if errors.Is(err, auth.ErrMissingTenant) {
					msg = "token has no tenant"
				}
				writeError(w, http.StatusUnauthorized, apperr.KindAuth, msg)
				return
			}

			scope, err := tenant.For(claims.TenantID)
			if err != nil {
				writeError(w, http.StatusUnauthorized, apperr.KindAuth, "token has no tenant")
				return
			}

			ctx := tenant.WithScope(r.Context(), scope)
			ctx = contextWithSubject(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, kind apperr.Kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"kind": string(kind), "message": message},
	})
}

func contextWithSubject(ctx context.Context, subject string) context.Context {
	if subject == "" {
		return ctx
	}
	return context.WithValue(ctx, SubjectKey, subject)
}

// Subject returns the authenticated caller, if the token named one.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(SubjectKey).(string)
	return s
}
