package matching

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/invoice"
	"ledgermatch/internal/domain/notification"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
	"ledgermatch/internal/shared/apperr"
)

const (
	DefaultAutoApplyWorkers = 4
	DefaultAutoApplyWindow  = 30 * 24 * time.Hour
)

type autoApplyJob struct {
	tx *transaction.Transaction
}

type autoApplyOutcome struct {
	candidates int
	applied    bool
	err        error
}

// AutoApplier is the batch driver: it scores every unmatched transaction in
// a trailing window and applies the best candidate when it clears the
// threshold. It never approves more than one match per transaction.
type AutoApplier struct {
	service  *Service
	txs      TransactionReader
	notifier notification.Notifier
	logger   *zap.Logger
	workers  int
	now      func() time.Time
}

// claims tracks invoices paid during one run so two transactions cannot both
// settle the same balance.
type claims struct {
	mu   sync.Mutex
	paid map[int64]bool
}

func (c *claims) claim(invoiceID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paid[invoiceID] {
		return false
	}
	c.paid[invoiceID] = true
	return true
}

func (c *claims) release(invoiceID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paid, invoiceID)
}

func NewAutoApplier(service *Service, txs TransactionReader, notifier notification.Notifier, logger *zap.Logger, workers int) *AutoApplier {
	if workers <= 0 {
		workers = DefaultAutoApplyWorkers
	}
	return &AutoApplier{
		service:  service,
		txs:      txs,
		notifier: notifier,
		logger:   logger,
		workers:  workers,
		now:      time.Now,
	}
}

// Run processes one tenant.
func (a *AutoApplier) Run(ctx context.Context, scope tenant.Scope, window time.Duration, threshold float64) (*AutoApplyResult, error) {
	if _, err := scope.Require(); err != nil {
		return nil, err
	}
	if window <= 0 {
		window = DefaultAutoApplyWindow
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultAutoApplyThreshold
	}

	result := &AutoApplyResult{Errors: []string{}}

	txs, err := a.txs.ListUnmatched(ctx, scope, a.now().Add(-window))
	if err != nil {
		return nil, err
	}
	result.TransactionsChecked = len(txs)
	if len(txs) == 0 {
		return result, nil
	}

	open, err := a.service.invoices.ListOpen(ctx, scope)
	if err != nil {
		return nil, invoiceSourceError(err)
	}
	if open == nil {
		open = []*invoice.Invoice{}
	}

	run := &claims{paid: make(map[int64]bool)}

	jobs := make(chan autoApplyJob, len(txs))
	outcomes := make(chan autoApplyOutcome, len(txs))

	var wg sync.WaitGroup
	for i := 0; i < a.workers; i++ {
		wg.Add(1)
		go a.worker(ctx, scope, open, threshold, run, jobs, outcomes, &wg)
	}

	for _, tx := range txs {
		jobs <- autoApplyJob{tx: tx}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		result.CandidatesFound += o.candidates
		switch {
		case o.err != nil:
			result.Errors = append(result.Errors, o.err.Error())
		case o.applied:
			result.Applied++
		default:
			result.Skipped++
		}
	}

	a.logger.Info("auto-apply completed",
		zap.String("tenant", scope.ID()),
		zap.Int("checked", result.TransactionsChecked),
		zap.Int("candidates", result.CandidatesFound),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
	)

	if result.Applied > 0 {
		a.notifier.Notify(ctx, scope, notification.CreateParams{
			Title:    "Payments reconciled",
			Message:  fmt.Sprintf("%d transactions were matched to invoices automatically.", result.Applied),
			Category: notification.CategoryMatches,
			Data:     map[string]string{"applied": fmt.Sprint(result.Applied)},
		})
	}
	return result, nil
}

func (a *AutoApplier) worker(
	ctx context.Context,
	scope tenant.Scope,
	open []*invoice.Invoice,
	threshold float64,
	run *claims,
	jobs <-chan autoApplyJob,
	outcomes chan<- autoApplyOutcome,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	for job := range jobs {
		select {
		case <-ctx.Done():
			outcomes <- autoApplyOutcome{err: ctx.Err()}
			continue
		default:
		}
		outcomes <- a.process(ctx, scope, open, threshold, run, job.tx)
	}
}

func (a *AutoApplier) process(ctx context.Context, scope tenant.Scope, open []*invoice.Invoice, threshold float64, run *claims, tx *transaction.Transaction) autoApplyOutcome {
	found, err := a.service.findMatches(ctx, scope, tx, open)
	if err != nil {
		return autoApplyOutcome{err: fmt.Errorf("transaction %s: %w", tx.ID, err)}
	}
	out := autoApplyOutcome{candidates: len(found.Matches)}
	if found.AlreadyMatched {
		return out
	}

	// Only candidates strictly above the threshold are applied.
	best := bestPending(found.Matches)
	if best == nil || best.Confidence <= threshold {
		return out
	}
	if !run.claim(best.InvoiceID) {
		a.logger.Info("invoice already settled in this run, leaving candidate pending",
			zap.Stringer("transaction", tx.ID),
			zap.Int64("invoice", best.InvoiceID),
		)
		return out
	}

	if _, err := a.service.ApplyMatch(ctx, scope, best.ID); err != nil {
		run.release(best.InvoiceID)
		if apperr.Is(err, apperr.KindConflict) {
			return out
		}
		out.err = fmt.Errorf("transaction %s: %w", tx.ID, err)
		return out
	}
	out.applied = true
	return out
}

// bestPending returns the first pending candidate of a sorted list.
func bestPending(c []*Candidate) *Candidate {
	for _, cand := range c {
		if cand.Status == StatusPending {
			return cand
		}
	}
	return nil
}
