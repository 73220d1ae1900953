package invoice

import (
	"time"

	"github.com/shopspring/decimal"

	"ledgermatch/internal/shared/apperr"
)

var (
	ErrNotFound       = apperr.New(apperr.KindNotFound, "invoice not found")
	ErrPaymentAmount  = apperr.New(apperr.KindValidation, "payment amount must be positive")
	ErrPaymentInvoice = apperr.New(apperr.KindValidation, "payment must reference an invoice")
	ErrPaymentRef     = apperr.New(apperr.KindValidation, "payment must carry an external transaction id")
)

// Invoice is the local projection of an invoice held by the invoice source.
// Balance is authoritative upstream and only changes through ApplyPayment.
type Invoice struct {
	ID           int64           `json:"id"`
	TenantID     string          `json:"-"`
	Number       string          `json:"number"`
	Total        decimal.Decimal `json:"total"`
	Balance      decimal.Decimal `json:"balance"`
	Currency     string          `json:"currency"`
	CustomerName string          `json:"customerName"`
	IssueDate    time.Time       `json:"issueDate"`
	Status       string          `json:"status"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// IsOpen reports whether the invoice still has an outstanding balance.
func (i *Invoice) IsOpen() bool {
	return i.Balance.IsPositive()
}

// Payment is posted to the invoice source when a match is applied.
type Payment struct {
	InvoiceID             int64
	ExternalTransactionID string
	Amount                decimal.Decimal
	Date                  time.Time
	Gateway               string
}

func (p Payment) Validate() error {
	if p.InvoiceID <= 0 {
		return ErrPaymentInvoice
	}
	if p.ExternalTransactionID == "" {
		return ErrPaymentRef
	}
	if !p.Amount.IsPositive() {
		return ErrPaymentAmount
	}
	return nil
}

// PaymentResult is the invoice source's answer to a payment posting.
type PaymentResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
