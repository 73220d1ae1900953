package http

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/notification"
	"ledgermatch/internal/domain/tenant"
)

type NotificationLister interface {
	List(ctx context.Context, scope tenant.Scope, page, perPage int) ([]*notification.Notification, int, error)
}

type NotificationHandler struct {
	notifications NotificationLister
	logger        *zap.Logger
}

func NewNotificationHandler(notifications NotificationLister, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, logger: logger}
}

// HandleList returns a page of notifications (?page=&per_page=), newest first.
func (h *NotificationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	page := intParam(r, "page", 1)
	perPage := intParam(r, "per_page", 20)

	items, total, err := h.notifications.List(r.Context(), scope, page, perPage)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if items == nil {
		items = []*notification.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"total":         total,
		"page":          page,
	})
}

type InvoiceLister interface {
	ListOpen(ctx context.Context, scope tenant.Scope) ([]*invoice.Invoice, error)
}

type InvoiceHandler struct {
	invoices InvoiceLister
	logger   *zap.Logger
}

func NewInvoiceHandler(invoices InvoiceLister, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices, logger: logger}
}

// HandleListOpen returns the tenant's unpaid invoices, refreshing the local
// projection on the way.
func (h *InvoiceHandler) HandleListOpen(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}

	invoices, err := h.invoices.ListOpen(r.Context(), scope)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if invoices == nil {
		invoices = []*invoice.Invoice{}
	}
	writeJSON(w, http.StatusOK, invoices)
}
