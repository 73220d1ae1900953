package http

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledgermatch/internal/domain/matching"
	"ledgermatch/internal/domain/tenant"
	"ledgermatch/internal/domain/transaction"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type TransactionReader interface {
	Get(ctx context.Context, scope tenant.Scope, id uuid.UUID) (*transaction.Transaction, error)
	List(ctx context.Context, scope tenant.Scope, r transaction.Range, limit, offset int) ([]*transaction.Transaction, error)
}

// MatchService is the slice of matching.Service the handlers use.
type MatchService interface {
	FindMatches(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) (*matching.FindResult, error)
	ListMatches(ctx context.Context, scope tenant.Scope, transactionID uuid.UUID) ([]*matching.Match, error)
	ApplyMatch(ctx context.Context, scope tenant.Scope, matchID uuid.UUID) (*matching.Match, error)
	RejectMatch(ctx context.Context, scope tenant.Scope, matchID uuid.UUID) (*matching.Match, error)
}

type TransactionHandler struct {
	transactions TransactionReader
	matches      MatchService
	logger       *zap.Logger
}

func NewTransactionHandler(transactions TransactionReader, matches MatchService, logger *zap.Logger) *TransactionHandler {
	return &TransactionHandler{transactions: transactions, matches: matches, logger: logger}
}

// HandleList returns transactions in ?from=&to= with limit/offset paging.
func (h *TransactionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	from, err := dateParam(r, "from")
	if err != nil {
		badRequest(w, "invalid from date (use YYYY-MM-DD)")
		return
	}
	to, err := dateParam(r, "to")
	if err != nil {
		badRequest(w, "invalid to date (use YYYY-MM-DD)")
		return
	}

	limit := intParam(r, "limit", defaultPageSize)
	if limit == 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := intParam(r, "offset", 0)

	txs, err := h.transactions.List(r.Context(), scope, transaction.Range{From: from, To: to}, limit, offset)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *TransactionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	tx, err := h.transactions.Get(r.Context(), scope, id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// HandleFindMatches scores the transaction against the open invoices.
func (h *TransactionHandler) HandleFindMatches(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	result, err := h.matches.FindMatches(r.Context(), scope, id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *TransactionHandler) HandleListMatches(w http.ResponseWriter, r *http.Request) {
	scope, ok := requireScope(w, r)
	if !ok {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	matches, err := h.matches.ListMatches(r.Context(), scope, id)
	if err != nil {
		writeError(w, h.logger, r, err)
		return
	}
	if matches == nil {
		matches = []*matching.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}
