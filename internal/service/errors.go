package service

import "errors"

var (
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInsufficientLocked  = errors.New("insufficient locked balance")
	ErrNotFound            = errors.New("not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidAccount      = errors.New("invalid account")
	ErrInvalidKind         = errors.New("invalid transaction kind")
	ErrAlreadyInstalled    = errors.New("mod already installed for user")
	ErrInvalidStatus       = errors.New("invalid transaction status")
	ErrBusy                = errors.New("ledger busy, retry")

	errAlreadySettled = errors.New("lock already settled")
)
