package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	httphandlers "ledgermatch/internal/interfaces/http"
	"ledgermatch/internal/shared/config"
	"ledgermatch/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Tracing)

	r.Get("/health", httphandlers.HandleHealth)

	// Provider-facing routes authenticate the caller themselves.
	r.Post("/webhooks/{provider}", deps.WebhookHandler.HandleWebhook)
	r.Get("/api/connections/{provider}/callback", deps.ConnectionHandler.HandleCallback)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Tenant(deps.JWT))
		r.Use(middleware.NoStore)

		// The callback shares this prefix, so these are not mounted as a
		// sub-router.
		r.Get("/api/connections", deps.ConnectionHandler.HandleList)
		r.Get("/api/connections/{provider}/authorize", deps.ConnectionHandler.HandleAuthorize)
		r.Post("/api/connections/{id}/refresh", deps.ConnectionHandler.HandleRefresh)
		r.Post("/api/connections/{id}/sync", deps.ConnectionHandler.HandleSync)
		r.Delete("/api/connections/{id}", deps.ConnectionHandler.HandleRevoke)

		r.Route("/api/transactions", func(r chi.Router) {
			r.Get("/", deps.TransactionHandler.HandleList)
			r.Get("/{id}", deps.TransactionHandler.HandleGet)
			r.Post("/{id}/matches", deps.TransactionHandler.HandleFindMatches)
			r.Get("/{id}/matches", deps.TransactionHandler.HandleListMatches)
		})

		r.Post("/api/matches/{id}/apply", deps.MatchHandler.HandleApply)
		r.Post("/api/matches/{id}/reject", deps.MatchHandler.HandleReject)
		r.Post("/api/reconcile/auto", deps.MatchHandler.HandleAutoReconcile)

		r.Get("/api/invoices", deps.InvoiceHandler.HandleListOpen)
		r.Get("/api/notifications", deps.NotificationHandler.HandleList)
	})

	// Apply global middleware
	handler := middleware.Logging(logger)(middleware.CORS(cfg.Server.AllowedHosts)(r))
	handler = middleware.Telemetry(cfg.Telemetry.ServiceName)(handler)

	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		logger.Info("TLS security middleware enabled (HSTS)")
	}

	return handler
}
