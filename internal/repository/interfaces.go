package repository

import (
	"context"
	"errors"
	"time"

	"modledger/internal/model"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrConflict      = errors.New("optimistic lock conflict, retry")
	ErrReadOnly      = errors.New("write attempted in a read-only view")
)

// Store is the ledger's injected persistence boundary. Every ledger operation
// runs its reads and writes inside one Atomic call: either all of its writes
// are committed or none are.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a point-in-time read view. Writes fail with ErrReadOnly.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the unit-of-work view handed to Store callbacks.
type Tx interface {
	// GetAccount returns ErrNotFound for accounts that were never stored.
	GetAccount(id string) (*model.Account, error)
	// PutAccount inserts the account when a.Version is zero, otherwise updates
	// it only if the stored version still equals a.Version (ErrConflict if
	// not). On success a.Version holds the new stored version.
	PutAccount(a *model.Account) error
	ScanAccounts(fn func(a *model.Account) error) error

	InsertTransaction(t *model.Transaction) error
	GetTransaction(id string) (*model.Transaction, error)
	// CompareAndSetStatus changes the status only when it currently equals
	// from and reports whether a change was made.
	CompareAndSetStatus(id string, from, to model.TransactionStatus) (bool, error)
	// ListTransactions returns transactions touching the filter account, newest first.
	ListTransactions(filter TransactionFilter) ([]*model.Transaction, error)
	// ListDueLocks returns locked transactions with LockedUntil <= now,
	// earliest maturity first.
	ListDueLocks(now time.Time, limit int) ([]*model.Transaction, error)
	ScanTransactions(fn func(t *model.Transaction) error) error

	GetInstall(key model.InstallKey) (*model.ModInstallRecord, error)
	// InsertInstall fails with ErrAlreadyExists when the key is taken.
	InsertInstall(r *model.ModInstallRecord) error
	DeleteInstall(key model.InstallKey) error
}

type TransactionFilter struct {
	AccountID string
	Kind      model.TransactionKind // empty matches every kind
	Limit     int                   // <= 0 means unlimited
}

func (f TransactionFilter) Match(t *model.Transaction) bool {
	if !t.Touches(f.AccountID) {
		return false
	}
	return f.Kind == "" || t.Kind == f.Kind
}

// MirrorRepository stores outbox rows for external replication. It is not
// part of the ledger's atomic unit and may be rebuilt from the log.
type MirrorRepository interface {
	Create(ctx context.Context, recs ...*model.MirrorRecord) error
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.MirrorRecord, error)
	Update(ctx context.Context, rec *model.MirrorRecord) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*model.MirrorRecord, error)
	SyncSummary(ctx context.Context) ([]model.NetworkSync, error)
}
