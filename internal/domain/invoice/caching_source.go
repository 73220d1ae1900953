package invoice

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

// CachingSource reads through to the invoice source and keeps the local
// projection current. When the source is unreachable, reads are served from
// the projection; payments always go upstream.
type CachingSource struct {
	upstream Source
	repo     Repository
	logger   *zap.Logger
}

func NewCachingSource(upstream Source, repo Repository, logger *zap.Logger) *CachingSource {
	return &CachingSource{upstream: upstream, repo: repo, logger: logger}
}

func (c *CachingSource) ListOpen(ctx context.Context, scope tenant.Scope) ([]*Invoice, error) {
	invoices, err := c.upstream.ListOpen(ctx, scope)
	if err != nil {
		cached, cacheErr := c.repo.ListOpen(ctx, scope)
		if cacheErr != nil || len(cached) == 0 {
			return nil, err
		}
		c.logger.Warn("invoice source unavailable, using cached invoices",
			zap.String("tenant", scope.String()),
			zap.Int("cached", len(cached)),
			zap.Error(err),
		)
		return cached, nil
	}

	if scope.IsSystem() {
		return invoices, nil
	}
	if err := c.repo.Upsert(ctx, scope, invoices); err != nil {
		c.logger.Warn("failed to cache invoices", zap.String("tenant", scope.String()), zap.Error(err))
		return invoices, nil
	}
	ids := make([]int64, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	if err := c.repo.MarkClosedExcept(ctx, scope, ids); err != nil {
		c.logger.Warn("failed to close paid invoices in cache", zap.String("tenant", scope.String()), zap.Error(err))
	}
	return invoices, nil
}

func (c *CachingSource) Get(ctx context.Context, scope tenant.Scope, id int64) (*Invoice, error) {
	inv, err := c.upstream.Get(ctx, scope, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || apperr.Is(err, apperr.KindNotFound) {
			return nil, ErrNotFound
		}
		cached, cacheErr := c.repo.GetByID(ctx, scope, id)
		if cacheErr != nil {
			return nil, err
		}
		return cached, nil
	}
	c.store(ctx, scope, inv)
	return inv, nil
}

// ApplyPayment posts the payment upstream and refreshes the cached copy of
// the invoice on success.
func (c *CachingSource) ApplyPayment(ctx context.Context, scope tenant.Scope, p Payment) (*PaymentResult, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if _, err := scope.Require(); err != nil {
		return nil, err
	}

	res, err := c.upstream.ApplyPayment(ctx, scope, p)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, nil
	}

	if inv, err := c.upstream.Get(ctx, scope, p.InvoiceID); err == nil {
		c.store(ctx, scope, inv)
	} else {
		c.logger.Warn("failed to refresh invoice after payment",
			zap.Int64("invoice", p.InvoiceID),
			zap.Error(err),
		)
	}
	return res, nil
}

func (c *CachingSource) store(ctx context.Context, scope tenant.Scope, inv *Invoice) {
	if scope.IsSystem() {
		return
	}
	if err := c.repo.Upsert(ctx, scope, []*Invoice{inv}); err != nil {
		c.logger.Warn("failed to cache invoice", zap.Int64("invoice", inv.ID), zap.Error(err))
	}
}
