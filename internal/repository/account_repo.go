package repository

import (
	"errors"

	"modledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *sqlTx) GetAccount(id string) (*model.Account, error) {
	q := r.db
	if r.forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var account model.Account
	err := q.Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *sqlTx) PutAccount(a *model.Account) error {
	if r.readOnly {
		return ErrReadOnly
	}

	if a.Version == 0 {
		a.Version = 1
		result := r.db.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoNothing: true,
			}).
			Create(a)
		if result.Error != nil {
			a.Version = 0
			return result.Error
		}
		if result.RowsAffected == 0 {
			a.Version = 0
			return ErrConflict
		}
		return nil
	}

	result := r.db.
		Model(&model.Account{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(map[string]interface{}{
			"available":  a.Available,
			"locked":     a.Locked,
			"version":    gorm.Expr("version + 1"),
			"updated_at": a.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	a.Version++
	return nil
}

func (r *sqlTx) ScanAccounts(fn func(a *model.Account) error) error {
	var batch []*model.Account
	return r.db.FindInBatches(&batch, scanBatchSize, func(_ *gorm.DB, _ int) error {
		for _, a := range batch {
			if err := fn(a); err != nil {
				return err
			}
		}
		return nil
	}).Error
}
