package matching

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/shared/apperr"
)

var (
	matchMeter    = otel.Meter("ledgermatch/matching")
	candidates, _ = matchMeter.Int64Counter("ledgermatch.match.candidates",
		metric.WithDescription("Candidate matches stored by the matching engine"),
	)
	transitions, _ = matchMeter.Int64Counter("ledgermatch.match.transitions",
		metric.WithDescription("Match status transitions"),
	)
)

// Service is the matching engine: it scores transactions against open
// invoices and moves matches through pending, approved and rejected.
type Service struct {
	txs           TransactionReader
	invoices      invoice.Source
	repo          Repository
	logger        *zap.Logger
	minConfidence float64
	claimTTL      time.Duration
}

func NewService(txs TransactionReader, invoices invoice.Source, repo Repository, logger *zap.Logger, minConfidence float64) *Service {
	if minConfidence <= 0 || minConfidence > 1 {
		minConfidence = DefaultMinConfidence
	}
	return &Service{
		txs:           txs,
		invoices:      invoices,
		repo:          repo,
		logger:        logger,
		minConfidence: minConfidence,
		claimTTL:      DefaultApplyClaimTTL,
	}
}

// FindMatches scores the transaction against every open invoice and stores
// the candidates above the minimum confidence.
func (s *Service) FindMatches(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) (*FindResult, error) {
	tx, err := s.txs.GetByID(ctx, scope, transactionID)
	if err != nil {
		return nil, err
	}
	return s.findMatches(ctx, scope, tx, nil)
}

// findMatches runs one scoring pass. open may be passed in by batch callers
// that already listed the tenant's invoices.
func (s *Service) findMatches(ctx context.Context, scope tenant.Scope, tx *transaction.Transaction, open []*invoice.Invoice) (*FindResult, error) {
	if _, err := scope.Require(); err != nil {
		return nil, err
	}

	reconciled, err := s.repo.HasApproved(ctx, scope, tx.ID)
	if err != nil {
		return nil, err
	}
	if reconciled {
		return &FindResult{AlreadyMatched: true, Matches: []*Candidate{}}, nil
	}

	if open == nil {
		open, err = s.invoices.ListOpen(ctx, scope)
		if err != nil {
			return nil, invoiceSourceError(err)
		}
	}

	existing, err := s.repo.ListByTransaction(ctx, scope, tx.ID)
	if err != nil {
		return nil, err
	}
	rejected := make(map[int64]bool, len(existing))
	for _, m := range existing {
		if m.Status == StatusRejected {
			rejected[m.InvoiceID] = true
		}
	}

	result := &FindResult{Matches: []*Candidate{}}
	for _, inv := range open {
		if !inv.IsOpen() || rejected[inv.ID] {
			continue
		}
		score := Compute(tx, inv)
		if score.Confidence < s.minConfidence {
			continue
		}

		m, err := s.repo.UpsertCandidate(ctx, scope, UpsertParams{
			TransactionID: tx.ID,
			InvoiceID:     inv.ID,
			Confidence:    score.Confidence,
			Reason:        score.Reason(),
		})
		if err != nil {
			return nil, err
		}
		if m.Status == StatusRejected {
			continue
		}
		result.Matches = append(result.Matches, &Candidate{Match: m, Invoice: inv})
	}

	sortCandidates(result.Matches)
	candidates.Add(ctx, int64(len(result.Matches)))

	s.logger.Debug("matches scored",
		zap.Stringer("transaction", tx.ID),
		zap.Int("invoices", len(open)),
		zap.Int("candidates", len(result.Matches)),
	)
	return result, nil
}

// sortCandidates orders by confidence descending, then invoice id ascending.
func sortCandidates(c []*Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Confidence != c[j].Confidence {
			return c[i].Confidence > c[j].Confidence
		}
		return c[i].InvoiceID < c[j].InvoiceID
	})
}

// ListMatches returns the stored matches of a transaction.
func (s *Service) ListMatches(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) ([]*Match, error) {
	if _, err := s.txs.GetByID(ctx, scope, transactionID); err != nil {
		return nil, err
	}
	return s.repo.ListByTransaction(ctx, scope, transactionID)
}

// ApplyMatch posts the transaction as a payment on the invoice and approves
// the match. Applying an approved match is a no-op. The match is claimed
// before the invoice source is called, so concurrent applies for the same
// transaction post at most one payment. If the source refuses or fails the
// claim is released and the match stays pending.
func (s *Service) ApplyMatch(ctx context.Context, scope tenant.Scope, matchID uuid.UUID) (*Match, error) {
	m, err := s.repo.GetByID(ctx, scope, matchID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case StatusApproved:
		return m, nil
	case StatusRejected:
		return nil, ErrMatchRejected
	}

	tx, err := s.txs.GetByID(ctx, scope, m.TransactionID)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.Claim(ctx, scope, m.ID, s.claimTTL); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return s.settled(ctx, scope, m.ID)
		}
		return nil, err
	}

	res, err := s.invoices.ApplyPayment(ctx, scope, invoice.Payment{
		InvoiceID:             m.InvoiceID,
		ExternalTransactionID: tx.ProviderTransactionID,
		Amount:                tx.Amount,
		Date:                  tx.OccurredAt,
		Gateway:               tx.Provider,
	})
	if err != nil {
		s.release(ctx, scope, m.ID)
		return nil, invoiceSourceError(err)
	}
	if !res.Success {
		s.release(ctx, scope, m.ID)
		s.logger.Warn("invoice source refused payment",
			zap.Stringer("match", m.ID),
			zap.Int64("invoice", m.InvoiceID),
			zap.String("message", apperr.Sanitize(res.Message)),
		)
		return nil, apperr.Newf(apperr.KindInvoiceSource, "invoice source refused payment: %s", apperr.Sanitize(res.Message))
	}

	// The claim is kept on failure here. The payment exists, and once the
	// claim expires a retry finds it by external transaction id.
	approved, err := s.transition(ctx, scope, m.ID, StatusPending, StatusApproved)
	if err != nil {
		s.logger.Error("payment posted but match not approved",
			zap.Stringer("match", m.ID),
			zap.Int64("invoice", m.InvoiceID),
			zap.String("external_transaction", tx.ProviderTransactionID),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("match applied",
		zap.Stringer("match", approved.ID),
		zap.Stringer("transaction", approved.TransactionID),
		zap.Int64("invoice", approved.InvoiceID),
		zap.Float64("confidence", approved.Confidence),
	)
	return approved, nil
}

// settled resolves a claim that lost to a concurrent transition.
func (s *Service) settled(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Match, error) {
	current, err := s.repo.GetByID(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case StatusApproved:
		return current, nil
	case StatusRejected:
		return nil, ErrMatchRejected
	}
	return nil, ErrStatusChanged
}

func (s *Service) release(ctx context.Context, scope tenant.Scope, id uuid.UUID) {
	if err := s.repo.ReleaseClaim(context.WithoutCancel(ctx), scope, id); err != nil {
		s.logger.Warn("failed to release apply claim", zap.Stringer("match", id), zap.Error(err))
	}
}

// RejectMatch marks a match rejected. Rejecting twice is a no-op.
func (s *Service) RejectMatch(ctx context.Context, scope tenant.Scope, matchID uuid.UUID) (*Match, error) {
	m, err := s.repo.GetByID(ctx, scope, matchID)
	if err != nil {
		return nil, err
	}
	switch m.Status {
	case StatusRejected:
		return m, nil
	case StatusApproved:
		return nil, ErrMatchApproved
	}
	return s.transition(ctx, scope, m.ID, StatusPending, StatusRejected)
}

// transition applies a conditional status change. Losing a race to the same
// target status counts as success.
func (s *Service) transition(ctx context.Context, scope tenant.Scope, id uuid.UUID, from, to Status) (*Match, error) {
	m, err := s.repo.SetStatus(ctx, scope, id, from, to)
	if errors.Is(err, ErrStatusChanged) {
		current, getErr := s.repo.GetByID(ctx, scope, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == to {
			return current, nil
		}
		if current.Status == StatusApproved {
			return nil, ErrMatchApproved
		}
		return nil, ErrMatchRejected
	}
	if err != nil {
		return nil, err
	}
	transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
	return m, nil
}

// TransactionsIngested scores newly stored transactions so candidates are
// ready when an operator looks. Failures are logged.
func (s *Service) TransactionsIngested(ctx context.Context, scope tenant.Scope, txs []*transaction.Transaction) {
	open, err := s.invoices.ListOpen(ctx, scope)
	if err != nil {
		s.logger.Warn("skipping matching for ingested transactions", zap.String("tenant", scope.String()), zap.Error(err))
		return
	}
	if open == nil {
		open = []*invoice.Invoice{}
	}
	for _, tx := range txs {
		if _, err := s.findMatches(ctx, scope, tx, open); err != nil {
			s.logger.Warn("matching failed for ingested transaction",
				zap.Stringer("transaction", tx.ID),
				zap.Error(err),
			)
		}
	}
}

func invoiceSourceError(err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Transport(apperr.KindInvoiceSource, "whmcs", err)
}
