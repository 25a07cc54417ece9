package model

import (
	"time"
)

type TransactionKind string

const (
	KindDonation     TransactionKind = "donation"
	KindModInstall   TransactionKind = "mod_install"
	KindModUninstall TransactionKind = "mod_uninstall"
	KindGrant        TransactionKind = "grant"
	KindPayout       TransactionKind = "payout"
	KindRefund       TransactionKind = "refund"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindDonation, KindModInstall, KindModUninstall, KindGrant, KindPayout, KindRefund:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusLocked    TransactionStatus = "locked"
)

// LockMode decides how a time-locked amount is held and settled.
type LockMode string

const (
	// LockModeEscrow tracks the already-paid install amount as a locked claim
	// on the payer without touching the payer's available balance. At
	// maturation the payer's share is released to available and the author's
	// share is retired, since the author already holds it.
	LockModeEscrow LockMode = "escrow"
	// LockModeFreeze moves the amount from the payer's available balance to
	// locked. At maturation the author's share is paid out of the payer's
	// locked balance, so total supply is conserved.
	LockModeFreeze LockMode = "freeze"
)

func (m LockMode) Valid() bool {
	return m == LockModeEscrow || m == LockModeFreeze
}

// Transaction is an append-only ledger entry.
//
// Once stored with status completed or locked its numeric fields never change.
// The only permitted mutation is a locked transaction flipping to completed
// after the sweep has settled it; the settlement itself is recorded as new
// refund and payout transactions.
type Transaction struct {
	ID          string            `gorm:"primaryKey;type:varchar(32)" json:"id"`
	From        string            `gorm:"column:from_account;type:varchar(64);index;not null" json:"from"`
	To          string            `gorm:"column:to_account;type:varchar(64);index;not null" json:"to"`
	Amount      int64             `gorm:"not null" json:"amount"`
	Kind        TransactionKind   `gorm:"type:varchar(20);index;not null" json:"kind"`
	Reason      string            `gorm:"type:varchar(256)" json:"reason"`
	Status      TransactionStatus `gorm:"type:varchar(20);index:idx_lock_due,priority:1;not null" json:"status"`
	LockedUntil *time.Time        `gorm:"index:idx_lock_due,priority:2" json:"locked_until,omitempty"`
	LockMode    LockMode          `gorm:"type:varchar(16)" json:"lock_mode,omitempty"`
	CreatedAt   time.Time         `gorm:"index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "ledger_transaction"
}

// Touches reports whether the transaction moves value from or to accountID.
func (t *Transaction) Touches(accountID string) bool {
	return t.From == accountID || t.To == accountID
}

// DueAt reports whether t is an unsettled lock that has matured at now.
func (t *Transaction) DueAt(now time.Time) bool {
	return t.Status == TransactionStatusLocked && t.LockedUntil != nil && !t.LockedUntil.After(now)
}

func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.LockedUntil != nil {
		until := *t.LockedUntil
		c.LockedUntil = &until
	}
	return &c
}
