package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/connection"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/shared/apperr"
)

// Fetcher lists a provider's transactions for one connection.
type Fetcher interface {
	Name() string
	FetchTransactions(ctx context.Context, conn *connection.Connection, from, to time.Time) ([]ProviderTransaction, error)
}

// ConnectionSource hands out connections with a usable access token.
// Implemented by connection.Manager.
type ConnectionSource interface {
	// EnsureFresh reports refreshed when it obtained a new token itself.
	EnsureFresh(ctx context.Context, scope tenant.Scope, id uuid.UUID) (conn *connection.Connection, refreshed bool, err error)
	Refresh(ctx context.Context, scope tenant.Scope, conn *connection.Connection) (*connection.Connection, error)
}

// Ingestor pulls provider transactions and stores the ones not seen before.
type Ingestor struct {
	conns     ConnectionSource
	fetchers  map[string]Fetcher
	repo      Repository
	observers []Observer
	logger    *zap.Logger
}

func NewIngestor(conns ConnectionSource, repo Repository, logger *zap.Logger, fetchers ...Fetcher) *Ingestor {
	i := &Ingestor{
		conns:    conns,
		fetchers: make(map[string]Fetcher, len(fetchers)),
		repo:     repo,
		logger:   logger,
	}
	for _, f := range fetchers {
		i.fetchers[f.Name()] = f
	}
	return i
}

// Observe registers an observer for newly created transactions.
func (i *Ingestor) Observe(o Observer) {
	i.observers = append(i.observers, o)
}

// Fetch pulls the connection's transactions in [from, to]. An expired token
// is refreshed first. A 401 from the provider triggers one refresh and retry,
// unless the token was just refreshed, in which case it is returned as is.
func (i *Ingestor) Fetch(ctx context.Context, scope tenant.Scope, connectionID uuid.UUID, from, to time.Time) (*SyncResult, error) {
	if err := (Range{From: from, To: to}).Validate(); err != nil {
		return nil, err
	}

	conn, refreshed, err := i.conns.EnsureFresh(ctx, scope, connectionID)
	if err != nil {
		return nil, err
	}

	fetcher, ok := i.fetchers[conn.Provider]
	if !ok {
		return nil, ErrNoFetcher
	}

	items, err := fetcher.FetchTransactions(ctx, conn, from, to)
	if apperr.Is(err, apperr.KindAuth) && refreshed {
		i.logger.Warn("provider rejected a freshly refreshed token",
			zap.Stringer("connection", conn.ID),
			zap.String("provider", conn.Provider),
		)
	} else if apperr.Is(err, apperr.KindAuth) {
		i.logger.Info("provider rejected access token, refreshing once",
			zap.Stringer("connection", conn.ID),
			zap.String("provider", conn.Provider),
		)
		conn, err = i.conns.Refresh(ctx, scope, conn)
		if err != nil {
			return nil, err
		}
		items, err = fetcher.FetchTransactions(ctx, conn, from, to)
	}
	if err != nil {
		return nil, classifyFetchError(conn.Provider, err)
	}

	return i.Record(ctx, scope, conn, items)
}

// Record stores provider items for a connection. Items already stored are
// returned as they are; only new ones reach the observers.
func (i *Ingestor) Record(ctx context.Context, scope tenant.Scope, conn *connection.Connection, items []ProviderTransaction) (*SyncResult, error) {
	if _, err := scope.Require(); err != nil {
		return nil, err
	}

	result := &SyncResult{
		ConnectionID: conn.ID,
		Fetched:      len(items),
		Errors:       []string{},
		Transactions: make([]*Transaction, 0, len(items)),
	}

	var created []*Transaction
	for _, item := range items {
		if err := item.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("item %q: %v", item.ProviderTransactionID, err))
			continue
		}

		connID := conn.ID
		tx, isNew, err := i.repo.InsertIfAbsent(ctx, scope, CreateParams{
			ConnectionID: &connID,
			Provider:     conn.Provider,
			Item:         item,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, apperr.Transport(apperr.KindTransactionFetch, conn.Provider, err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("item %q: %v", item.ProviderTransactionID, err))
			continue
		}

		result.Transactions = append(result.Transactions, tx)
		if isNew {
			result.Created++
			created = append(created, tx)
		} else {
			result.Existing++
		}
	}

	i.logger.Info("transactions ingested",
		zap.Stringer("connection", conn.ID),
		zap.String("provider", conn.Provider),
		zap.Int("fetched", result.Fetched),
		zap.Int("created", result.Created),
		zap.Int("existing", result.Existing),
		zap.Int("errors", len(result.Errors)),
	)

	if len(created) > 0 {
		for _, o := range i.observers {
			o.TransactionsIngested(ctx, scope, created)
		}
	}
	return result, nil
}

func (i *Ingestor) Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*Transaction, error) {
	return i.repo.GetByID(ctx, scope, id)
}

func (i *Ingestor) List(ctx context.Context, scope tenant.Scope, r Range, limit, offset int) ([]*Transaction, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return i.repo.List(ctx, scope, r, limit, offset)
}

func classifyFetchError(provider string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Transport(apperr.KindTransactionFetch, provider, err)
}
