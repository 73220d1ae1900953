package matching

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/notification"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
)

type recordingNotifier struct {
	sent []notification.CreateParams
}

func (n *recordingNotifier) Notify(ctx context.Context, scope tenant.Scope, p notification.CreateParams) {
	n.sent = append(n.sent, p)
}

func newAutoApplier(txs []*transaction.Transaction, src *MockInvoiceSource, repo *memMatches, notifier notification.Notifier) *AutoApplier {
	reader := &memTxs{txs: txs}
	svc := NewService(reader, src, repo, zap.NewNop(), 0.5)
	a := NewAutoApplier(svc, reader, notifier, zap.NewNop(), 3)
	a.now = func() time.Time { return date(2025, 1, 20) }
	return a
}

func TestAutoApplier_AppliesAboveThreshold(t *testing.T) {
	day := date(2025, 1, 10)
	// strong scores 1.0 on invoice 2044; weak reaches 0.5 on invoice 3000.
	strong := newTx(tenantA, "INV-2044", "150.00", day)
	weak := newTx(tenantA, "", "30.00", day)
	src := openInvoices(newInvoice(2044, "150.00", day), newInvoice(3000, "100.00", day))
	repo := newMemMatches()
	notifier := &recordingNotifier{}
	a := newAutoApplier([]*transaction.Transaction{strong, weak}, src, repo, notifier)

	res, err := a.Run(context.Background(), tenant.MustFor(tenantA), 30*24*time.Hour, 0.9)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.TransactionsChecked != 2 || res.Applied != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v, want checked=2 applied=1 skipped=1", res)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v", res.Errors)
	}
	if src.paymentCount() != 1 || src.payments[0].InvoiceID != 2044 {
		t.Errorf("payments = %+v, want one on invoice 2044", src.payments)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].Category != notification.CategoryMatches {
		t.Errorf("notifications = %+v, want one matches notification", notifier.sent)
	}
}

func TestAutoApplier_PicksHighestThenLowestInvoiceID(t *testing.T) {
	day := date(2025, 1, 10)
	tx := newTx(tenantA, "", "150.00", day)
	// Both invoices score 0.9; the lower id wins.
	src := openInvoices(newInvoice(512, "150.00", day), newInvoice(77, "150.00", day))
	repo := newMemMatches()
	a := newAutoApplier([]*transaction.Transaction{tx}, src, repo, notification.Nop{})

	res, err := a.Run(context.Background(), tenant.MustFor(tenantA), 0, 0.85)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Applied != 1 {
		t.Fatalf("Applied = %d, want 1", res.Applied)
	}
	if src.payments[0].InvoiceID != 77 {
		t.Errorf("applied invoice %d, want 77", src.payments[0].InvoiceID)
	}

	approved := 0
	for _, m := range repo.matches {
		if m.Status == StatusApproved {
			approved++
		}
	}
	if approved != 1 {
		t.Errorf("approved matches = %d, want 1", approved)
	}
}

func TestAutoApplier_OneInvoiceSettledOncePerRun(t *testing.T) {
	day := date(2025, 1, 10)
	first := newTx(tenantA, "INV-2044", "150.00", day)
	second := newTx(tenantA, "INV-2044", "150.00", day)
	src := openInvoices(newInvoice(2044, "150.00", day))
	a := newAutoApplier([]*transaction.Transaction{first, second}, src, newMemMatches(), notification.Nop{})

	res, err := a.Run(context.Background(), tenant.MustFor(tenantA), 0, 0.9)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Applied != 1 || src.paymentCount() != 1 {
		t.Errorf("applied=%d payments=%d, want 1 and 1", res.Applied, src.paymentCount())
	}
}

func TestAutoApplier_CollectsApplyFailures(t *testing.T) {
	day := date(2025, 1, 10)
	tx := newTx(tenantA, "INV-2044", "150.00", day)
	src := openInvoices(newInvoice(2044, "150.00", day))
	src.ApplyPaymentFunc = func(ctx context.Context, scope tenant.Scope, p invoice.Payment) (*invoice.PaymentResult, error) {
		return nil, errors.New("connection reset by peer")
	}
	a := newAutoApplier([]*transaction.Transaction{tx}, src, newMemMatches(), notification.Nop{})

	res, err := a.Run(context.Background(), tenant.MustFor(tenantA), 0, 0.9)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Applied != 0 || len(res.Errors) != 1 {
		t.Errorf("result = %+v, want one error and nothing applied", res)
	}
}

func TestAutoApplier_WindowExcludesOldTransactions(t *testing.T) {
	old := newTx(tenantA, "INV-2044", "150.00", date(2024, 6, 1))
	src := openInvoices(newInvoice(2044, "150.00", date(2024, 6, 1)))
	a := newAutoApplier([]*transaction.Transaction{old}, src, newMemMatches(), notification.Nop{})

	res, err := a.Run(context.Background(), tenant.MustFor(tenantA), 7*24*time.Hour, 0.9)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.TransactionsChecked != 0 || src.paymentCount() != 0 {
		t.Errorf("result = %+v, payments = %d; want nothing checked", res, src.paymentCount())
	}
}

func TestAutoApplier_RequiresTenant(t *testing.T) {
	a := newAutoApplier(nil, openInvoices(), newMemMatches(), notification.Nop{})
	if _, err := a.Run(context.Background(), tenant.System(), 0, 0.9); !errors.Is(err, tenant.ErrSystemWrite) {
		t.Errorf("error = %v, want ErrSystemWrite", err)
	}
}

func TestAutoApplier_ThresholdIsExclusive(t *testing.T) {
	day := date(2025, 1, 10)
	// Exact amount and same-day date score exactly 0.9.
	tx := newTx(tenantA, "", "150.00", day)

	tests := []struct {
		name      string
		threshold float64
		applied   int
	}{
		{name: "score equal to threshold", threshold: 0.9, applied: 0},
		{name: "score above threshold", threshold: 0.89, applied: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := openInvoices(newInvoice(2044, "150.00", day))
			repo := newMemMatches()
			a := newAutoApplier([]*transaction.Transaction{tx}, src, repo, notification.Nop{})

			res, err := a.Run(context.Background(), tenant.MustFor(tenantA), 0, tt.threshold)
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if res.Applied != tt.applied || src.paymentCount() != tt.applied {
				t.Errorf("applied=%d payments=%d, want %d", res.Applied, src.paymentCount(), tt.applied)
			}
			if len(repo.matches) != 1 {
				t.Errorf("stored %d matches, want the candidate kept", len(repo.matches))
			}
		})
	}
}
