package webhook

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/shared/apperr"
)

var (
	webhookMeter     = otel.Meter("ledgermatch/webhook")
	webhookEvents, _ = webhookMeter.Int64Counter("ledgermatch.webhook.events",
		metric.WithDescription("Inbound webhook deliveries by provider and outcome"),
	)
)

var ErrUnknownProvider = apperr.New(apperr.KindNotFound, "no webhook handler for provider")

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
)

// Result is returned for every accepted delivery. Ignored events are still
// acknowledged so the provider stops retrying them.
type Result struct {
	Outcome       Outcome    `json:"outcome"`
	Reason        string     `json:"reason,omitempty"`
	EventType     string     `json:"eventType"`
	ResourceType  string     `json:"resourceType"`
	TransactionID *uuid.UUID `json:"transactionId,omitempty"`
}

// Normalizer turns a provider's transaction object into the canonical shape.
type Normalizer interface {
	NormalizeTransaction(data json.RawMessage) (transaction.ProviderTransaction, error)
}

type ConnectionFinder interface {
	ListByExternalAccount(ctx context.Context, scope tenant.Scope, provider, externalAccountID string) ([]*connection.Connection, error)
}

type Revoker interface {
	Revoke(ctx context.Context, scope tenant.Scope, id uuid.UUID) error
}

type Recorder interface {
	Record(ctx context.Context, scope tenant.Scope, conn *connection.Connection, items []transaction.ProviderTransaction) (*transaction.SyncResult, error)
}

type route struct {
	event    string
	resource string
}

type handlerFunc func(ctx context.Context, provider string, evt *Event) (*Result, error)

type registration struct {
	verifier   Verifier
	normalizer Normalizer
}

// Processor authenticates deliveries and dispatches them on
// (event type, resource type).
type Processor struct {
	conns     ConnectionFinder
	revoker   Revoker
	recorder  Recorder
	logger    *zap.Logger
	providers map[string]registration
	handlers  map[route]handlerFunc
}

func NewProcessor(conns ConnectionFinder, revoker Revoker, recorder Recorder, logger *zap.Logger) *Processor {
	p := &Processor{
		conns:     conns,
		revoker:   revoker,
		recorder:  recorder,
		logger:    logger,
		providers: make(map[string]registration),
	}
	p.handlers = map[route]handlerFunc{
		{"resource.created", "transaction"}:                 p.ingest,
		{"resource.updated", "transaction"}:                 p.ingest,
		{"charge.succeeded", "charge"}:                      p.ingest,
		{"resource.revoked", "connection"}:                  p.revoke,
		{"account.application.deauthorized", "application"}: p.revoke,
	}
	return p
}

// Register enables webhooks for a provider.
func (p *Processor) Register(provider string, v Verifier, n Normalizer) {
	p.providers[provider] = registration{verifier: v, normalizer: n}
}

// Handle verifies, decodes and processes one delivery.
func (p *Processor) Handle(ctx context.Context, d Delivery) (*Result, error) {
	reg, ok := p.providers[d.Provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	if err := reg.verifier.Verify(ctx, d); err != nil {
		p.count(ctx, d.Provider, "rejected")
		p.logger.Warn("webhook rejected",
			zap.String("provider", d.Provider),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err),
		)
		return nil, err
	}

	evt, err := DecodeEvent(d.Payload)
	if err != nil {
		p.count(ctx, d.Provider, "malformed")
		return nil, err
	}

	res, err := p.Process(ctx, d.Provider, evt)
	if err != nil {
		p.count(ctx, d.Provider, "failed")
		return nil, err
	}
	p.count(ctx, d.Provider, string(res.Outcome))
	return res, nil
}

// Process dispatches an already authenticated event. Unknown combinations
// are ignored, not failed.
func (p *Processor) Process(ctx context.Context, provider string, evt *Event) (*Result, error) {
	h, ok := p.handlers[route{evt.Type, evt.ResourceType}]
	if !ok {
		p.logger.Info("ignoring webhook event",
			zap.String("provider", provider),
			zap.String("event_type", evt.Type),
			zap.String("resource_type", evt.ResourceType),
		)
		return ignored(evt, "unsupported event"), nil
	}
	return h(ctx, provider, evt)
}

func (p *Processor) ingest(ctx context.Context, provider string, evt *Event) (*Result, error) {
	reg := p.providers[provider]
	if reg.normalizer == nil {
		return ignored(evt, "provider does not push transactions"), nil
	}

	item, err := reg.normalizer.NormalizeTransaction(evt.Data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid transaction in webhook")
	}
	if item.ProviderTransactionID == "" {
		item.ProviderTransactionID = evt.ResourceID
	}
	account := evt.AccountID
	if account == "" {
		account = item.AccountID
	}

	conns, res, err := p.owners(ctx, provider, account, evt)
	if conns == nil {
		return res, err
	}

	// Every tenant linked to the account gets its own copy. The result
	// carries the first tenant's transaction id.
	res = ignored(evt, "connection revoked")
	var errs []error
	for _, conn := range conns {
		if conn.Status == connection.StatusRevoked {
			continue
		}
		txID, created, err := p.record(ctx, conn, item)
		if err != nil {
			p.logger.Warn("webhook transaction not recorded",
				zap.String("provider", provider),
				zap.String("tenant_id", conn.TenantID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if res.TransactionID == nil {
			res.TransactionID = &txID
			res.Reason = "transaction already ingested"
		}
		if created {
			res.Outcome = OutcomeProcessed
			res.Reason = ""
		}
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return res, nil
}

// record stores one pushed transaction for the connection's tenant and
// reports whether it was new.
func (p *Processor) record(ctx context.Context, conn *connection.Connection, item transaction.ProviderTransaction) (uuid.UUID, bool, error) {
	scope, err := tenant.For(conn.TenantID)
	if err != nil {
		return uuid.Nil, false, err
	}
	sync, err := p.recorder.Record(ctx, scope, conn, []transaction.ProviderTransaction{item})
	if err != nil {
		return uuid.Nil, false, err
	}
	if len(sync.Errors) > 0 {
		return uuid.Nil, false, apperr.Newf(apperr.KindValidation, "invalid transaction in webhook: %s", sync.Errors[0])
	}
	if len(sync.Transactions) == 0 {
		return uuid.Nil, false, apperr.New(apperr.KindInternal, "webhook transaction was not stored")
	}
	return sync.Transactions[0].ID, sync.Created > 0, nil
}

func (p *Processor) revoke(ctx context.Context, provider string, evt *Event) (*Result, error) {
	account := evt.AccountID
	if account == "" {
		account = evt.ResourceID
	}
	conns, res, err := p.owners(ctx, provider, account, evt)
	if conns == nil {
		return res, err
	}

	var errs []error
	for _, conn := range conns {
		if conn.Status == connection.StatusRevoked {
			continue
		}
		scope, err := tenant.For(conn.TenantID)
		if err == nil {
			err = p.revoker.Revoke(ctx, scope, conn.ID)
		}
		if err != nil {
			p.logger.Warn("webhook revocation failed",
				zap.String("provider", provider),
				zap.String("tenant_id", conn.TenantID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return &Result{Outcome: OutcomeProcessed, EventType: evt.Type, ResourceType: evt.ResourceType}, nil
}

// owners finds the connections an event belongs to, one per tenant linked to
// the account. Events for accounts this system does not know are
// acknowledged and dropped.
func (p *Processor) owners(ctx context.Context, provider, account string, evt *Event) ([]*connection.Connection, *Result, error) {
	if account == "" {
		return nil, ignored(evt, "event names no account"), nil
	}
	conns, err := p.conns.ListByExternalAccount(ctx, tenant.System(), provider, account)
	if err != nil {
		return nil, nil, err
	}
	if len(conns) == 0 {
		p.logger.Info("webhook for unknown account",
			zap.String("provider", provider),
			zap.String("account", account),
		)
		return nil, ignored(evt, "unknown account"), nil
	}
	return conns, nil, nil
}

func ignored(evt *Event, reason string) *Result {
	return &Result{
		Outcome:      OutcomeIgnored,
		Reason:       reason,
		EventType:    evt.Type,
		ResourceType: evt.ResourceType,
	}
}

func (p *Processor) count(ctx context.Context, provider, outcome string) {
	webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}
