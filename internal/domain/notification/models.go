package notification

import (
	"time"

	"github.com/google/uuid"

	"ledgermatch/internal/shared/apperr"
)

// Notification categories
const (
	CategoryConnections  = "connections"
	CategoryMatches      = "matches"
	CategoryTransactions = "transactions"
)

var validCategories = map[string]struct{}{
	CategoryConnections:  {},
	CategoryMatches:      {},
	CategoryTransactions: {},
}

// Domain errors
var (
	ErrNotificationNotFound = apperr.New(apperr.KindNotFound, "notification not found")
	ErrInvalidCategory      = apperr.New(apperr.KindValidation, "invalid notification category")
	ErrMissingTitle         = apperr.New(apperr.KindValidation, "notification title is required")
	ErrMissingMessage       = apperr.New(apperr.KindValidation, "notification message is required")
)

// Notification is an operator-facing event stored per tenant and pushed to
// the tenant's messaging topic.
type Notification struct {
	ID        uuid.UUID         `json:"id"`
	TenantID  string            `json:"-"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Category  string            `json:"category"`
	Data      map[string]string `json:"data"`
	CreatedAt time.Time         `json:"created_at"`
}

type CreateParams struct {
	Title    string
	Message  string
	Category string
	Data     map[string]string
}

func (p CreateParams) Validate() error {
	if p.Title == "" {
		return ErrMissingTitle
	}
	if p.Message == "" {
		return ErrMissingMessage
	}
	if !IsValidCategory(p.Category) {
		return ErrInvalidCategory
	}
	return nil
}

func IsValidCategory(c string) bool {
	_, ok := validCategories[c]
	return ok
}

// Topic is the messaging topic operators of a tenant subscribe to.
func Topic(tenantID string) string {
	return "tenant-" + tenantID
}
