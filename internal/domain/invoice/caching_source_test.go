package invoice

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

type MockSource struct {
	ListOpenFunc     func(ctx context.Context, scope tenant.Scope) ([]*Invoice, error)
	GetFunc          func(ctx context.Context, scope tenant.Scope, id int64) (*Invoice, error)
	ApplyPaymentFunc func(ctx context.Context, scope tenant.Scope, p Payment) (*PaymentResult, error)
}

func (m *MockSource) ListOpen(ctx context.Context, scope tenant.Scope) ([]*Invoice, error) {
	if m.ListOpenFunc != nil {
		return m.ListOpenFunc(ctx, scope)
	}
	return nil, nil
}

func (m *MockSource) Get(ctx context.Context, scope tenant.Scope, id int64) (*Invoice, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, scope, id)
	}
	return nil, ErrNotFound
}

func (m *MockSource) ApplyPayment(ctx context.Context, scope tenant.Scope, p Payment) (*PaymentResult, error) {
	if m.ApplyPaymentFunc != nil {
		return m.ApplyPaymentFunc(ctx, scope, p)
	}
	return &PaymentResult{Success: true}, nil
}

type MockRepository struct {
	UpsertFunc           func(ctx context.Context, scope tenant.Scope, invoices []*Invoice) error
	MarkClosedExceptFunc func(ctx context.Context, scope tenant.Scope, ids []int64) error
	GetByIDFunc          func(ctx context.Context, scope tenant.Scope, id int64) (*Invoice, error)
	ListOpenFunc         func(ctx context.Context, scope tenant.Scope) ([]*Invoice, error)
}

func (m *MockRepository) Upsert(ctx context.Context, scope tenant.Scope, invoices []*Invoice) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, scope, invoices)
	}
	return nil
}

func (m *MockRepository) MarkClosedExcept(ctx context.Context, scope tenant.Scope, ids []int64) error {
	if m.MarkClosedExceptFunc != nil {
		return m.MarkClosedExceptFunc(ctx, scope, ids)
	}
	return nil
}

func (m *MockRepository) GetByID(ctx context.Context, scope tenant.Scope, id int64) (*Invoice, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, scope, id)
	}
	return nil, ErrNotFound
}

func (m *MockRepository) ListOpen(ctx context.Context, scope tenant.Scope) ([]*Invoice, error) {
	if m.ListOpenFunc != nil {
		return m.ListOpenFunc(ctx, scope)
	}
	return nil, nil
}

func inv(id int64, balance string) *Invoice {
	return &Invoice{ID: id, TenantID: "tenant-a", Balance: decimal.RequireFromString(balance), Currency: "GBP"}
}

func TestCachingSource_ListOpen_CachesUpstream(t *testing.T) {
	var upserted []*Invoice
	var kept []int64
	src := &MockSource{
		ListOpenFunc: func(ctx context.Context, scope tenant.Scope) ([]*Invoice, error) {
			return []*Invoice{inv(1, "10"), inv(2, "20")}, nil
		},
	}
	repo := &MockRepository{
		UpsertFunc: func(ctx context.Context, scope tenant.Scope, invoices []*Invoice) error {
			upserted = invoices
			return nil
		},
		MarkClosedExceptFunc: func(ctx context.Context, scope tenant.Scope, ids []int64) error {
			kept = ids
			return nil
		},
	}
	c := NewCachingSource(src, repo, zap.NewNop())

	got, err := c.ListOpen(context.Background(), tenant.MustFor("tenant-a"))
	if err != nil {
		t.Fatalf("ListOpen() failed: %v", err)
	}
	if len(got) != 2 || len(upserted) != 2 {
		t.Errorf("got %d invoices, cached %d; want 2 and 2", len(got), len(upserted))
	}
	if len(kept) != 2 || kept[0] != 1 || kept[1] != 2 {
		t.Errorf("MarkClosedExcept ids = %v, want [1 2]", kept)
	}
}

func TestCachingSource_ListOpen_FallsBackToCache(t *testing.T) {
	upstreamErr := apperr.Upstream(apperr.KindInvoiceSource, "whmcs", 503, nil, "unavailable")

	tests := []struct {
		name    string
		cached  []*Invoice
		wantErr bool
	}{
		{"cache has rows", []*Invoice{inv(7, "70")}, false},
		{"cache empty", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &MockSource{
				ListOpenFunc: func(ctx context.Context, scope tenant.Scope) ([]*Invoice, error) {
					return nil, upstreamErr
				},
			}
			repo := &MockRepository{
				ListOpenFunc: func(ctx context.Context, scope tenant.Scope) ([]*Invoice, error) {
					return tt.cached, nil
				},
			}
			c := NewCachingSource(src, repo, zap.NewNop())

			got, err := c.ListOpen(context.Background(), tenant.MustFor("tenant-a"))
			if tt.wantErr {
				if !errors.Is(err, upstreamErr) {
					t.Errorf("error = %v, want upstream error", err)
				}
				return
			}
			if err != nil || len(got) != 1 {
				t.Errorf("ListOpen() = %v, %v; want cached invoice", got, err)
			}
		})
	}
}

func TestCachingSource_ApplyPayment(t *testing.T) {
	valid := Payment{InvoiceID: 2044, ExternalTransactionID: "ch_1", Amount: decimal.RequireFromString("150.00")}

	t.Run("validates before calling upstream", func(t *testing.T) {
		called := false
		src := &MockSource{ApplyPaymentFunc: func(ctx context.Context, scope tenant.Scope, p Payment) (*PaymentResult, error) {
			called = true
			return &PaymentResult{Success: true}, nil
		}}
		c := NewCachingSource(src, &MockRepository{}, zap.NewNop())

		bad := valid
		bad.Amount = decimal.Zero
		if _, err := c.ApplyPayment(context.Background(), tenant.MustFor("tenant-a"), bad); !errors.Is(err, ErrPaymentAmount) {
			t.Errorf("error = %v, want ErrPaymentAmount", err)
		}
		if called {
			t.Error("upstream must not be called for an invalid payment")
		}
	})

	t.Run("refreshes cached invoice on success", func(t *testing.T) {
		var cached *Invoice
		src := &MockSource{
			GetFunc: func(ctx context.Context, scope tenant.Scope, id int64) (*Invoice, error) {
				return inv(id, "0"), nil
			},
		}
		repo := &MockRepository{UpsertFunc: func(ctx context.Context, scope tenant.Scope, invoices []*Invoice) error {
			cached = invoices[0]
			return nil
		}}
		c := NewCachingSource(src, repo, zap.NewNop())

		res, err := c.ApplyPayment(context.Background(), tenant.MustFor("tenant-a"), valid)
		if err != nil || !res.Success {
			t.Fatalf("ApplyPayment() = %+v, %v", res, err)
		}
		if cached == nil || cached.IsOpen() {
			t.Errorf("cached invoice = %+v, want refreshed closed invoice", cached)
		}
	})

	t.Run("refusal is returned as a result", func(t *testing.T) {
		src := &MockSource{ApplyPaymentFunc: func(ctx context.Context, scope tenant.Scope, p Payment) (*PaymentResult, error) {
			return &PaymentResult{Success: false, Message: "Invoice is already paid"}, nil
		}}
		c := NewCachingSource(src, &MockRepository{}, zap.NewNop())

		res, err := c.ApplyPayment(context.Background(), tenant.MustFor("tenant-a"), valid)
		if err != nil {
			t.Fatalf("ApplyPayment() failed: %v", err)
		}
		if res.Success || res.Message != "Invoice is already paid" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("system scope cannot post payments", func(t *testing.T) {
		c := NewCachingSource(&MockSource{}, &MockRepository{}, zap.NewNop())
		if _, err := c.ApplyPayment(context.Background(), tenant.System(), valid); !errors.Is(err, tenant.ErrSystemWrite) {
			t.Errorf("error = %v, want ErrSystemWrite", err)
		}
	})
}
