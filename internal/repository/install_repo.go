package repository

import (
	"errors"

	"modledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *sqlTx) GetInstall(key model.InstallKey) (*model.ModInstallRecord, error) {
	var record model.ModInstallRecord
	err := r.db.
		Where("user_id = ? AND mod_id = ?", key.UserID, key.ModID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *sqlTx) InsertInstall(rec *model.ModInstallRecord) error {
	if r.readOnly {
		return ErrReadOnly
	}

	result := r.db.
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *sqlTx) DeleteInstall(key model.InstallKey) error {
	if r.readOnly {
		return ErrReadOnly
	}

	result := r.db.
		Where("user_id = ? AND mod_id = ?", key.UserID, key.ModID).
		Delete(&model.ModInstallRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
