package model

import (
	"time"
)

// SystemAccountID is the reserved issuer of grants and donations. It never
// holds a stored balance and is never balance-constrained.
const SystemAccountID = "system"

// IsSystemAccount reports whether id names the reserved system account.
func IsSystemAccount(id string) bool {
	return id == SystemAccountID
}

// Account holds an account's token balances in the smallest token unit.
// Total is always derived from Available and Locked and never stored.
type Account struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Available int64     `gorm:"not null;default:0" json:"available"` // spendable
	Locked    int64     `gorm:"not null;default:0" json:"locked"`    // frozen pending lock maturation
	Version   int       `gorm:"not null;default:0" json:"version"`   // bumped on every mutation
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "ledger_account"
}

func (a *Account) Total() int64 {
	return a.Available + a.Locked
}

func (a *Account) Balance() Balance {
	return Balance{
		AccountID: a.ID,
		Available: a.Available,
		Locked:    a.Locked,
		Total:     a.Total(),
	}
}

// Balance is the read view returned to callers.
type Balance struct {
	AccountID string `json:"account_id"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
	Total     int64  `json:"total"`
}
