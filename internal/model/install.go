package model

import (
	"time"
)

// InstallKey identifies the install of one mod by one user.
type InstallKey struct {
	UserID string
	ModID  string
}

// ModInstallRecord links a paid install to its author until the uninstall
// lock consumes it.
type ModInstallRecord struct {
	UserID           string    `gorm:"primaryKey;type:varchar(64)" json:"user_id"`
	ModID            string    `gorm:"primaryKey;type:varchar(64)" json:"mod_id"`
	AuthorID         string    `gorm:"type:varchar(64);not null" json:"author_id"`
	TokenAmount      int64     `gorm:"not null" json:"token_amount"`
	InstallDate      time.Time `gorm:"not null" json:"install_date"`
	LockDurationDays int       `gorm:"not null" json:"lock_duration_days"`
	TransactionID    string    `gorm:"type:varchar(32)" json:"transaction_id"`
}

func (ModInstallRecord) TableName() string {
	return "mod_install_record"
}

func (r *ModInstallRecord) Key() InstallKey {
	return InstallKey{UserID: r.UserID, ModID: r.ModID}
}
