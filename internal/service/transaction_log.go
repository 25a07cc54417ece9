package service

import (
	"context"
	"errors"
	"fmt"

	"modledger/internal/model"
	"modledger/internal/repository"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

type QueryOptions struct {
	Kind  model.TransactionKind // empty matches every kind
	Limit int                   // <= 0 means DefaultHistoryLimit
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

// Append stores t as an immutable log entry without touching balances. The
// id, creation time and status (completed) are filled in when empty.
func (l *Ledger) Append(ctx context.Context, t *model.Transaction) (*model.Transaction, error) {
	if err := checkAmount(t.Amount); err != nil {
		return nil, err
	}
	if !t.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, t.Kind)
	}
	if t.From == "" || t.To == "" {
		return nil, fmt.Errorf("%w: transaction endpoints must be set", ErrInvalidAccount)
	}
	if t.Status == model.TransactionStatusLocked && t.LockedUntil == nil {
		return nil, fmt.Errorf("%w: locked transaction without maturity", ErrInvalidStatus)
	}

	in := t.Clone()
	var out *model.Transaction
	err := l.run(ctx, "append", nil, func(u *unit) error {
		c := in.Clone()
		stored, err := u.append(c)
		out = stored
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Query returns the transactions from or to accountID, newest first.
func (l *Ledger) Query(ctx context.Context, accountID string, opts QueryOptions) ([]*model.Transaction, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	}
	if opts.Kind != "" && !opts.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, opts.Kind)
	}

	filter := repository.TransactionFilter{
		AccountID: accountID,
		Kind:      opts.Kind,
		Limit:     normalizeLimit(opts.Limit),
	}

	var out []*model.Transaction
	err := l.store.View(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.ListTransactions(filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query transactions of %s: %w", accountID, err)
	}
	if out == nil {
		out = []*model.Transaction{}
	}
	return out, nil
}

// GetTransactionHistory returns up to limit of the newest transactions of accountID.
func (l *Ledger) GetTransactionHistory(ctx context.Context, accountID string, limit int) ([]*model.Transaction, error) {
	return l.Query(ctx, accountID, QueryOptions{Limit: limit})
}

func (l *Ledger) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var out *model.Transaction
	err := l.store.View(ctx, func(tx repository.Tx) error {
		var err error
		out, err = tx.GetTransaction(id)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkProcessed flips a locked transaction to completed. Marking an already
// completed transaction is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, id string) error {
	return l.run(ctx, "mark_processed", nil, func(u *unit) error {
		_, err := u.markProcessed(id)
		return err
	})
}

// markProcessed reports whether this call performed the flip.
func (u *unit) markProcessed(id string) (bool, error) {
	ok, err := u.tx.CompareAndSetStatus(id, model.TransactionStatusLocked, model.TransactionStatusCompleted)
	if err != nil {
		return false, fmt.Errorf("mark %s processed: %w", id, err)
	}
	if ok {
		return true, nil
	}

	t, err := u.tx.GetTransaction(id)
	if errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return false, err
	}
	if t.Status == model.TransactionStatusCompleted {
		return false, nil
	}
	return false, fmt.Errorf("%w: transaction %s is %s", ErrInvalidStatus, id, t.Status)
}
