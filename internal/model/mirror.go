package model

import (
	"time"
)

const (
	MirrorStatusPending   = "pending"
	MirrorStatusConfirmed = "confirmed"
	MirrorStatusFailed    = "failed"
)

// MirrorRecord tracks the replication of one ledger transaction to one
// external network. It is advisory: the local ledger is the source of truth.
type MirrorRecord struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TransactionID string     `gorm:"type:varchar(32);uniqueIndex:idx_mirror_tx_network;not null" json:"transaction_id"`
	Network       string     `gorm:"type:varchar(32);uniqueIndex:idx_mirror_tx_network;index;not null" json:"network"`
	ExternalRef   string     `gorm:"type:varchar(256)" json:"external_ref"`
	Status        string     `gorm:"type:varchar(20);index;not null;default:pending" json:"status"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	LastError     string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (MirrorRecord) TableName() string {
	return "mirror_record"
}

// DueAt reports whether the record should be attempted at now.
func (r *MirrorRecord) DueAt(now time.Time, maxAttempts int) bool {
	switch r.Status {
	case MirrorStatusPending:
	case MirrorStatusFailed:
		if r.Attempts >= maxAttempts {
			return false
		}
	default:
		return false
	}
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}

func (r *MirrorRecord) Clone() *MirrorRecord {
	c := *r
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}

// NetworkSync counts mirror records of one network by outcome.
type NetworkSync struct {
	Network   string `json:"network"`
	Total     int64  `json:"total"`
	Confirmed int64  `json:"confirmed"`
	Failed    int64  `json:"failed"`
}
