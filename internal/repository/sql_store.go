package repository

import (
	"context"
	"database/sql"

	"gorm.io/gorm"
)

// SQLStore implements Store on gorm. Inside Atomic, account reads take a row
// lock (SELECT ... FOR UPDATE) so concurrent instances serialize per account.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlTx{db: tx, forUpdate: true})
	})
}

// View runs fn in a read-only repeatable-read transaction so multi-query
// readers such as Stats see one snapshot. SQLite transactions are already
// serializable and its driver rejects explicit isolation levels.
func (s *SQLStore) View(ctx context.Context, fn func(tx Tx) error) error {
	var opts []*sql.TxOptions
	if s.db.Dialector.Name() != "sqlite" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&sqlTx{db: tx, readOnly: true})
	}, opts...)
}

type sqlTx struct {
	db        *gorm.DB
	forUpdate bool
	readOnly  bool
}

const scanBatchSize = 500
