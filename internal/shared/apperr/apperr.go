// Package apperr defines the error taxonomy shared by every layer. Errors carry
// a stable machine-readable Kind so HTTP handlers and CLIs can decide status
// codes and retry policy without string matching.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

type Kind string

const (
	KindConfiguration       Kind = "configuration_error"
	KindInvalidState        Kind = "invalid_state"
	KindAuth                Kind = "auth_error"
	KindBankConnection      Kind = "bank_connection_error"
	KindTransactionFetch    Kind = "transaction_fetch_error"
	KindWebhookAuthenticity Kind = "webhook_authenticity_error"
	KindNotFound            Kind = "not_found"
	KindProvider            Kind = "provider_error"
	KindTimeout             Kind = "timeout"
	KindConflict            Kind = "conflict"
	KindValidation          Kind = "validation_error"
	KindInvoiceSource       Kind = "invoice_source_error"
	KindInternal            Kind = "internal_error"
)

const maxBodyLength = 512

// Error is the concrete error type behind every Kind.
type Error struct {
	Kind    Kind
	Message string
	// Provider, StatusCode and Body describe a failed upstream call. Body is
	// always sanitized before it is stored here.
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(Sanitize(e.Err.Error()))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Upstream describes a failed call to a provider or the invoice source,
// keeping the original status and a sanitized copy of the response body.
func Upstream(kind Kind, provider string, status int, body []byte, message string) *Error {
	return &Error{
		Kind:       kind,
		Message:    message,
		Provider:   provider,
		StatusCode: status,
		Body:       Sanitize(string(body)),
	}
}

// Transport classifies a network-level failure. Deadline and cancellation
// become KindTimeout, everything else falls back to the given kind.
func Transport(fallback Kind, provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return &Error{Kind: KindTimeout, Message: "request timed out", Provider: provider, Err: err}
	}
	return &Error{Kind: fallback, Message: "request failed", Provider: provider, Err: err}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage is the message safe to return to API callers. Internal
// errors never expose their text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		if e.Provider != "" {
			return e.Provider + ": " + e.Message
		}
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a kind onto the response status used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidState:
		return http.StatusBadRequest
	case KindWebhookAuthenticity, KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBankConnection, KindTransactionFetch, KindProvider, KindInvoiceSource:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var (
	jsonSecretPattern   = regexp.MustCompile(`("(?:access_token|refresh_token|id_token|client_secret|secret|password|code)"\s*:\s*")[^"]*(")`)
	formSecretPattern   = regexp.MustCompile(`((?:access_token|refresh_token|client_secret|secret|code)=)[^&\s"]+`)
	bearerSecretPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
)

// Sanitize masks token-like values and truncates long payloads so they can be
// logged or returned without leaking secrets.
func Sanitize(s string) string {
	s = jsonSecretPattern.ReplaceAllString(s, `${1}***${2}`)
	s = formSecretPattern.ReplaceAllString(s, `${1}***`)
	s = bearerSecretPattern.ReplaceAllString(s, `${1}***`)
	s = strings.TrimSpace(s)
	if len(s) > maxBodyLength {
		return s[:maxBodyLength] + "..."
	}
	return s
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
