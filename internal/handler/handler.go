package handler

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"modledger/internal/logger"
	"modledger/internal/model"
	"modledger/internal/service"
	"modledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// Ledger is the read side of service.Ledger served over HTTP.
type Ledger interface {
	GetBalance(ctx context.Context, id string) (model.Balance, error)
	Query(ctx context.Context, accountID string, opts service.QueryOptions) ([]*model.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	Stats(ctx context.Context) (*service.Stats, error)
}

// MirrorLookup lists the mirror records of a transaction.
type MirrorLookup interface {
	ListByTransaction(ctx context.Context, transactionID string) ([]*model.MirrorRecord, error)
}

type Handler struct {
	ledger  Ledger
	mirrors MirrorLookup
	log     *slog.Logger
}

// NewHandler builds the handler. mirrors may be nil when mirroring is off.
func NewHandler(ledger Ledger, mirrors MirrorLookup, l *slog.Logger) *Handler {
	return &Handler{ledger: ledger, mirrors: mirrors, log: logger.Component(l, "http")}
}

// GetBalance
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	b, err := h.ledger.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, b)
}

// ListTransactions returns an account's history, newest first.
// GET /api/v1/account/transactions?account_id=xxx&kind=donation&limit=20
func (h *Handler) ListTransactions(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	opts := service.QueryOptions{Kind: model.TransactionKind(c.Query("kind"))}
	if s := c.Query("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			response.ParamError(c, "limit must be an integer")
			return
		}
		opts.Limit = limit
	}

	txs, err := h.ledger.Query(c.Request.Context(), accountID, opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"account_id":   accountID,
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction returns one transaction with its mirror records.
// GET /api/v1/transaction/detail?id=TX...
func (h *Handler) GetTransaction(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		response.ParamError(c, "id is required")
		return
	}

	t, err := h.ledger.GetTransaction(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}

	mirrors := []*model.MirrorRecord{}
	if h.mirrors != nil {
		recs, err := h.mirrors.ListByTransaction(c.Request.Context(), id)
		if err != nil {
			h.fail(c, err)
			return
		}
		if recs != nil {
			mirrors = recs
		}
	}

	response.Success(c, gin.H{
		"transaction": t,
		"mirrors":     mirrors,
	})
}

// GetStats
// GET /api/v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	st, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, st)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAccount):
		response.BusinessError(c, response.CodeAccountInvalid, err.Error())
	case errors.Is(err, service.ErrInvalidKind):
		response.BusinessError(c, response.CodeKindInvalid, err.Error())
	case errors.Is(err, service.ErrNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, service.ErrBusy):
		response.BusinessError(c, response.CodeLedgerBusy, err.Error())
	default:
		h.log.Error("request failed", "path", c.Request.URL.Path, "error", err)
		response.ServerError(c, "internal server error")
	}
}
