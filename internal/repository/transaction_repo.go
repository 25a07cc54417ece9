package repository

import (
	"errors"
	"time"

	"modledger/internal/model"

	"gorm.io/gorm"
)

func (r *sqlTx) InsertTransaction(t *model.Transaction) error {
	if r.readOnly {
		return ErrReadOnly
	}
	return r.db.Create(t).Error
}

func (r *sqlTx) GetTransaction(id string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *sqlTx) CompareAndSetStatus(id string, from, to model.TransactionStatus) (bool, error) {
	if r.readOnly {
		return false, ErrReadOnly
	}

	result := r.db.
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *sqlTx) ListTransactions(filter TransactionFilter) ([]*model.Transaction, error) {
	query := r.db.Where("from_account = ? OR to_account = ?", filter.AccountID, filter.AccountID)
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	query = query.Order("id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var transactions []*model.Transaction
	err := query.Find(&transactions).Error
	return transactions, err
}

func (r *sqlTx) ListDueLocks(now time.Time, limit int) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.
		Where("status = ? AND locked_until <= ?", model.TransactionStatusLocked, now).
		Order("locked_until ASC, id ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

func (r *sqlTx) ScanTransactions(fn func(t *model.Transaction) error) error {
	var batch []*model.Transaction
	return r.db.FindInBatches(&batch, scanBatchSize, func(_ *gorm.DB, _ int) error {
		for _, t := range batch {
			if err := fn(t); err != nil {
				return err
			}
		}
		return nil
	}).Error
}
