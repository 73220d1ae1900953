package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/shared/apperr"
)

type MockVerifier struct {
	VerifyFunc func(ctx context.Context, d Delivery) error
}

func (m *MockVerifier) Verify(ctx context.Context, d Delivery) error {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, d)
	}
	return nil
}

type jsonNormalizer struct{}

func (jsonNormalizer) NormalizeTransaction(data json.RawMessage) (transaction.ProviderTransaction, error) {
	var raw struct {
		ID      string `json:"id"`
		Amount  string `json:"amount"`
		Date    string `json:"date"`
		Account string `json:"account"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return transaction.ProviderTransaction{}, err
	}
	amount, err := decimal.NewFromString(raw.Amount)
	if err != nil {
		return transaction.ProviderTransaction{}, err
	}
	occurred, _ := time.Parse("2006-01-02", raw.Date)
	return transaction.ProviderTransaction{
		ProviderTransactionID: raw.ID,
		Amount:                amount,
		OccurredAt:            occurred,
		AccountID:             raw.Account,
	}, nil
}

type MockConnections struct {
	ListFunc func(ctx context.Context, scope tenant.Scope, provider, account string) ([]*connection.Connection, error)
}

func (m *MockConnections) ListByExternalAccount(ctx context.Context, scope tenant.Scope, provider, account string) ([]*connection.Connection, error) {
	return m.ListFunc(ctx, scope, provider, account)
}

type recordingRevoker struct {
	revoked []uuid.UUID
	scopes  []tenant.Scope
	failFor string
}

func (r *recordingRevoker) Revoke(ctx context.Context, scope tenant.Scope, id uuid.UUID) error {
	if scope.ID() == r.failFor {
		return errors.New("database unavailable")
	}
	r.revoked = append(r.revoked, id)
	r.scopes = append(r.scopes, scope)
	return nil
}

// memRecorder stores by tenant and provider transaction id, like the real
// ingestor.
type memRecorder struct {
	stored  map[string]*transaction.Transaction
	scopes  []tenant.Scope
	failFor string
}

func (r *memRecorder) Record(ctx context.Context, scope tenant.Scope, conn *connection.Connection, items []transaction.ProviderTransaction) (*transaction.SyncResult, error) {
	tenantID, err := scope.Require()
	if err != nil {
		return nil, err
	}
	if tenantID == r.failFor {
		return nil, errors.New("database unavailable")
	}
	r.scopes = append(r.scopes, scope)
	res := &transaction.SyncResult{ConnectionID: conn.ID, Fetched: len(items)}
	for _, item := range items {
		if err := item.Validate(); err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		key := tenantID + "/" + item.ProviderTransactionID
		tx, ok := r.stored[key]
		if ok {
			res.Existing++
		} else {
			tx = &transaction.Transaction{ID: uuid.New(), TenantID: conn.TenantID, ProviderTransactionID: item.ProviderTransactionID}
			r.stored[key] = tx
			res.Created++
		}
		res.Transactions = append(res.Transactions, tx)
	}
	return res, nil
}

type fixture struct {
	proc     *Processor
	conn     *connection.Connection
	shared   []*connection.Connection
	recorder *memRecorder
	revoker  *recordingRevoker
	lookups  []tenant.Scope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conn: &connection.Connection{
			ID:                uuid.New(),
			TenantID:          "tenant-a",
			Provider:          "gocardless",
			ExternalAccountID: "acc_123",
			Status:            connection.StatusActive,
		},
		recorder: &memRecorder{stored: make(map[string]*transaction.Transaction)},
		revoker:  &recordingRevoker{},
	}
	conns := &MockConnections{
		ListFunc: func(ctx context.Context, scope tenant.Scope, provider, account string) ([]*connection.Connection, error) {
			f.lookups = append(f.lookups, scope)
			var out []*connection.Connection
			for _, c := range append([]*connection.Connection{f.conn}, f.shared...) {
				if provider == c.Provider && account == c.ExternalAccountID {
					out = append(out, c)
				}
			}
			return out, nil
		},
	}
	f.proc = NewProcessor(conns, f.revoker, f.recorder, zap.NewNop())
	f.proc.Register("gocardless", &MockVerifier{}, jsonNormalizer{})
	return f
}

const createdPayload = `{
	"event_type": "resource.created",
	"resource_type": "transaction",
	"resource_id": "tx_1",
	"account_id": "acc_123",
	"resource_data": {"id": "tx_1", "amount": "150.00", "date": "2025-01-10"}
}`

func TestProcessor_IngestIsIdempotent(t *testing.T) {
	f := newFixture(t)
	d := Delivery{Provider: "gocardless", Payload: []byte(createdPayload)}

	first, err := f.proc.Handle(context.Background(), d)
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if first.Outcome != OutcomeProcessed || first.TransactionID == nil {
		t.Errorf("first result = %+v, want processed with transaction id", first)
	}

	second, err := f.proc.Handle(context.Background(), d)
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if second.Outcome != OutcomeIgnored || second.Reason != "transaction already ingested" {
		t.Errorf("second result = %+v, want ignored duplicate", second)
	}
	if *second.TransactionID != *first.TransactionID {
		t.Error("duplicate delivery pointed at a different transaction")
	}
	if len(f.recorder.stored) != 1 {
		t.Errorf("stored %d transactions, want 1", len(f.recorder.stored))
	}

	if !f.lookups[0].IsSystem() {
		t.Error("connection lookup should run in system scope")
	}
	if f.recorder.scopes[0].ID() != "tenant-a" {
		t.Errorf("recorded under %s, want the owning tenant", f.recorder.scopes[0])
	}
}

func TestProcessor_UsesAccountFromResource(t *testing.T) {
	f := newFixture(t)
	payload := `{"event_type":"resource.created","resource_type":"transaction",
		"payload":{"id":"tx_9","amount":"10","date":"2025-02-01","account":"acc_123"}}`

	res, err := f.proc.Handle(context.Background(), Delivery{Provider: "gocardless", Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Errorf("Outcome = %s, want processed", res.Outcome)
	}
}

func TestProcessor_Ignored(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{
			name:    "unknown combination",
			payload: `{"event_type":"resource.deleted","resource_type":"mandate","resource_id":"md_1"}`,
			reason:  "unsupported event",
		},
		{
			name:    "unknown account",
			payload: `{"event_type":"resource.created","resource_type":"transaction","account_id":"acc_other","resource_data":{"id":"tx_1","amount":"1","date":"2025-01-01"}}`,
			reason:  "unknown account",
		},
		{
			name:    "no account",
			payload: `{"event_type":"resource.created","resource_type":"transaction","resource_data":{"id":"tx_1","amount":"1","date":"2025-01-01"}}`,
			reason:  "event names no account",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.proc.Handle(context.Background(), Delivery{Provider: "gocardless", Payload: []byte(tt.payload)})
			if err != nil {
				t.Fatalf("Handle() failed: %v", err)
			}
			if res.Outcome != OutcomeIgnored || res.Reason != tt.reason {
				t.Errorf("result = %+v, want ignored %q", res, tt.reason)
			}
			if len(f.recorder.stored) != 0 {
				t.Error("ignored event stored a transaction")
			}
		})
	}
}

func TestProcessor_RevokedConnectionIgnoresTransactions(t *testing.T) {
	f := newFixture(t)
	f.conn.Status = connection.StatusRevoked

	res, err := f.proc.Handle(context.Background(), Delivery{Provider: "gocardless", Payload: []byte(createdPayload)})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Errorf("Outcome = %s, want ignored", res.Outcome)
	}
}

func TestProcessor_Revocation(t *testing.T) {
	f := newFixture(t)
	payload := `{"event_type":"resource.revoked","resource_type":"connection","resource_id":"acc_123"}`

	res, err := f.proc.Handle(context.Background(), Delivery{Provider: "gocardless", Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Errorf("Outcome = %s, want processed", res.Outcome)
	}
	if len(f.revoker.revoked) != 1 || f.revoker.revoked[0] != f.conn.ID {
		t.Errorf("revoked = %v, want [%s]", f.revoker.revoked, f.conn.ID)
	}
	if f.revoker.scopes[0].ID() != "tenant-a" {
		t.Errorf("revoked under %s, want the owning tenant", f.revoker.scopes[0])
	}
}

// shareAccount links a second tenant to the fixture's provider account.
func (f *fixture) shareAccount(tenantID string, status connection.Status) *connection.Connection {
	c := &connection.Connection{
		ID:                uuid.New(),
		TenantID:          tenantID,
		Provider:          f.conn.Provider,
		ExternalAccountID: f.conn.ExternalAccountID,
		Status:            status,
	}
	f.shared = append(f.shared, c)
	return c
}

func TestProcessor_SharedAccountIngest(t *testing.T) {
	tests := []struct {
		name        string
		otherStatus connection.Status
		failFor     string
		wantTenants []string
		wantErr     bool
	}{
		{
			name:        "both tenants record",
			otherStatus: connection.StatusActive,
			wantTenants: []string{"tenant-a", "tenant-b"},
		},
		{
			name:        "revoked tenant skipped",
			otherStatus: connection.StatusRevoked,
			wantTenants: []string{"tenant-a"},
		},
		{
			name:        "one tenant failing still records the other",
			otherStatus: connection.StatusActive,
			failFor:     "tenant-a",
			wantTenants: []string{"tenant-b"},
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.shareAccount("tenant-b", tt.otherStatus)
			f.recorder.failFor = tt.failFor

			res, err := f.proc.Handle(context.Background(), Delivery{Provider: "gocardless", Payload: []byte(createdPayload)})
			if tt.wantErr {
				if err == nil {
					t.Fatal("Handle() succeeded, want the failure reported so the provider retries")
				}
			} else {
				if err != nil {
					t.Fatalf("Handle() failed: %v", err)
				}
				if res.Outcome != OutcomeProcessed {
					t.Errorf("Outcome = %s, want processed", res.Outcome)
				}
			}

			var got []string
			for _, scope := range f.recorder.scopes {
				got = append(got, scope.ID())
			}
			if len(got) != len(tt.wantTenants) {
				t.Fatalf("recorded for %v, want %v", got, tt.wantTenants)
			}
			for i := range got {
				if got[i] != tt.wantTenants[i] {
					t.Errorf("recorded for %v, want %v", got, tt.wantTenants)
				}
			}
			for _, id := range tt.wantTenants {
				if _, ok := f.recorder.stored[id+"/tx_1"]; !ok {
					t.Errorf("no transaction stored for %s", id)
				}
			}
		})
	}
}

func TestProcessor_SharedAccountRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.shareAccount("tenant-b", connection.StatusActive)
	f.recorder.failFor = "tenant-b"
	d := Delivery{Provider: "gocardless", Payload: []byte(createdPayload)}

	if _, err := f.proc.Handle(context.Background(), d); err == nil {
		t.Fatal("Handle() succeeded with tenant-b failing")
	}

	f.recorder.failFor = ""
	res, err := f.proc.Handle(context.Background(), d)
	if err != nil {
		t.Fatalf("retried Handle() failed: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Errorf("Outcome = %s, want processed for the tenant that missed it", res.Outcome)
	}
	if len(f.recorder.stored) != 2 {
		t.Errorf("stored %d transactions, want one per tenant", len(f.recorder.stored))
	}
}

func TestProcessor_SharedAccountRevocation(t *testing.T) {
	f := newFixture(t)
	other := f.shareAccount("tenant-b", connection.StatusActive)
	f.shareAccount("tenant-c", connection.StatusRevoked)
	payload := `{"event_type":"resource.revoked","resource_type":"connection","resource_id":"acc_123"}`

	res, err := f.proc.Handle(context.Background(), Delivery{Provider: "gocardless", Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if res.Outcome != OutcomeProcessed {
		t.Errorf("Outcome = %s, want processed", res.Outcome)
	}
	if len(f.revoker.revoked) != 2 || f.revoker.revoked[0] != f.conn.ID || f.revoker.revoked[1] != other.ID {
		t.Fatalf("revoked = %v, want [%s %s]", f.revoker.revoked, f.conn.ID, other.ID)
	}
	if f.revoker.scopes[0].ID() != "tenant-a" || f.revoker.scopes[1].ID() != "tenant-b" {
		t.Errorf("revoked under %v, want each owning tenant", f.revoker.scopes)
	}
}

func TestProcessor_SharedAccountRevocationFailure(t *testing.T) {
	f := newFixture(t)
	other := f.shareAccount("tenant-b", connection.StatusActive)
	f.revoker.failFor = "tenant-a"
	payload := `{"event_type":"resource.revoked","resource_type":"connection","resource_id":"acc_123"}`

	_, err := f.proc.Handle(context.Background(), Delivery{Provider: "gocardless", Payload: []byte(payload)})
	if err == nil {
		t.Fatal("Handle() succeeded, want the failure reported")
	}
	if len(f.revoker.revoked) != 1 || f.revoker.revoked[0] != other.ID {
		t.Errorf("revoked = %v, want tenant-b revoked despite tenant-a failing", f.revoker.revoked)
	}
}

func TestProcessor_StripeDeauthorization(t *testing.T) {
	f := newFixture(t)
	f.conn.Provider = "stripe"
	f.conn.ExternalAccountID = "acct_1Abc"
	f.proc.Register("stripe", &MockVerifier{}, nil)
	payload := `{"id":"evt_1","type":"account.application.deauthorized","account":"acct_1Abc",
		"data":{"object":{"id":"ca_123","object":"application"}}}`

	res, err := f.proc.Handle(context.Background(), Delivery{Provider: "stripe", Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if res.Outcome != OutcomeProcessed || len(f.revoker.revoked) != 1 {
		t.Errorf("result = %+v, revoked = %v", res, f.revoker.revoked)
	}
}

func TestProcessor_Failures(t *testing.T) {
	authErr := ErrBadSignature

	tests := []struct {
		name     string
		provider string
		payload  string
		verify   error
		kind     apperr.Kind
	}{
		{"unknown provider", "paypal", createdPayload, nil, apperr.KindNotFound},
		{"bad signature", "gocardless", createdPayload, authErr, apperr.KindWebhookAuthenticity},
		{"not json", "gocardless", `{"event_type":`, nil, apperr.KindValidation},
		{"no envelope", "gocardless", `{"hello":"world"}`, nil, apperr.KindValidation},
		{"bad resource", "gocardless", `{"event_type":"resource.created","resource_type":"transaction","account_id":"acc_123","resource_data":{"id":"tx_1","amount":"abc"}}`, nil, apperr.KindValidation},
		{"missing date", "gocardless", `{"event_type":"resource.created","resource_type":"transaction","account_id":"acc_123","resource_data":{"id":"tx_1","amount":"1"}}`, nil, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.proc.Register("gocardless", &MockVerifier{VerifyFunc: func(ctx context.Context, d Delivery) error { return tt.verify }}, jsonNormalizer{})

			_, err := f.proc.Handle(context.Background(), Delivery{Provider: tt.provider, Payload: []byte(tt.payload)})
			if !apperr.Is(err, tt.kind) {
				t.Errorf("error = %v, want kind %s", err, tt.kind)
			}
			if len(f.recorder.stored) != 0 {
				t.Error("failed delivery stored a transaction")
			}
		})
	}
}

func TestProcessor_VerifiesBeforeDecoding(t *testing.T) {
	f := newFixture(t)
	f.proc.Register("gocardless", &MockVerifier{VerifyFunc: func(ctx context.Context, d Delivery) error {
		return ErrMissingCertificate
	}}, jsonNormalizer{})

	_, err := f.proc.Handle(context.Background(), Delivery{Provider: "gocardless", Payload: []byte("garbage")})
	if !errors.Is(err, ErrMissingCertificate) {
		t.Errorf("error = %v, want ErrMissingCertificate", err)
	}
}
