package repository

import (
	"context"
	"time"

	"modledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SQLMirrorRepository struct {
	db *gorm.DB
}

func NewSQLMirrorRepository(db *gorm.DB) *SQLMirrorRepository {
	return &SQLMirrorRepository{db: db}
}

func (r *SQLMirrorRepository) Create(ctx context.Context, recs ...*model.MirrorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&recs)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != int64(len(recs)) {
			return ErrAlreadyExists
		}
		return nil
	})
}

func (r *SQLMirrorRepository) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.MirrorRecord, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND attempts < ?)",
			model.MirrorStatusPending, model.MirrorStatusFailed, maxAttempts).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*model.MirrorRecord
	err := query.Find(&records).Error
	return records, err
}

// Update overwrites every column of an existing record.
func (r *SQLMirrorRepository) Update(ctx context.Context, rec *model.MirrorRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.MirrorRecord{}).
			Where("id = ?", rec.ID).
			Select("*").
			Updates(rec)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		// MySQL reports zero affected rows when nothing changed.
		var n int64
		if err := tx.Model(&model.MirrorRecord{}).Where("id = ?", rec.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *SQLMirrorRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*model.MirrorRecord, error) {
	var records []*model.MirrorRecord
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("network ASC").
		Find(&records).Error
	return records, err
}

func (r *SQLMirrorRepository) SyncSummary(ctx context.Context) ([]model.NetworkSync, error) {
	var rows []model.NetworkSync
	err := r.db.WithContext(ctx).
		Model(&model.MirrorRecord{}).
		Select(`network,
			COUNT(*) AS total,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS confirmed,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed`,
			model.MirrorStatusConfirmed, model.MirrorStatusFailed).
		Group("network").
		Order("network ASC").
		Scan(&rows).Error
	return rows, err
}

// AutoMigrate creates or updates every table the ledger persists.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Account{},
		&model.Transaction{},
		&model.ModInstallRecord{},
		&model.MirrorRecord{},
	)
}
