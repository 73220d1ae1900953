package http

import (
	"context"
	"crypto/x509"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/webhook"
	"ledgermatch/internal/shared/apperr"
)

const maxWebhookBytes = 1 << 20

// Signature headers, checked in order.
var signatureHeaders = []string{"Stripe-Signature", "Webhook-Signature"}

type WebhookProcessor interface {
	Handle(ctx context.Context, d webhook.Delivery) (*webhook.Result, error)
}

type WebhookHandler struct {
	processor WebhookProcessor
	logger    *zap.Logger
	// certHeader names the header a TLS-terminating proxy forwards the
	// URL-escaped client certificate PEM in. Empty disables it.
	certHeader string
}

func NewWebhookHandler(processor WebhookProcessor, logger *zap.Logger, certHeader string) *WebhookHandler {
	return &WebhookHandler{processor: processor, logger: logger, certHeader: certHeader}
}

// HandleWebhook answers 200 for processed and ignored events, 401 when the
// delivery is not authentic and 400 when the payload cannot be decoded.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes+1))
	if err != nil {
		badRequest(w, "failed to read body")
		return
	}
	if len(payload) > maxWebhookBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]errorBody{
			"error": {Kind: apperr.KindValidation, Message: "payload too large"},
		})
		return
	}

	certs, err := h.clientCertificates(r)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}

	d := webhook.Delivery{
		Provider:     chi.URLParam(r, "provider"),
		Payload:      payload,
		Certificates: certs,
	}
	for _, name := range signatureHeaders {
		if v := r.Header.Get(name); v != "" {
			d.Signature = v
			break
		}
	}

	res, err := h.processor.Handle(r.Context(), d)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// clientCertificates prefers the chain from a direct TLS handshake and
// falls back to the proxy header.
func (h *WebhookHandler) clientCertificates(r *http.Request) ([]*x509.Certificate, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates, nil
	}
	if h.certHeader == "" {
		return nil, nil
	}
	raw := r.Header.Get(h.certHeader)
	if raw == "" {
		return nil, nil
	}
	certs, err := webhook.ParsePEMChain([]byte(raw))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindWebhookAuthenticity, err, "client certificate header is unreadable")
	}
	return certs, nil
}
