package service

import (
	"context"
	"errors"
	"fmt"

	"modledger/internal/model"
	"modledger/internal/repository"
)

// GetBalance returns the balances of id. An unknown account is registered
// with zero balances. The system account always reports zero.
func (l *Ledger) GetBalance(ctx context.Context, id string) (model.Balance, error) {
	if id == "" {
		return model.Balance{}, fmt.Errorf("%w: empty account id", ErrInvalidAccount)
	}
	if model.IsSystemAccount(id) {
		return model.Balance{AccountID: id}, nil
	}

	var bal model.Balance
	found := false
	err := l.store.View(ctx, func(tx repository.Tx) error {
		a, err := tx.GetAccount(id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		bal, found = a.Balance(), true
		return nil
	})
	if err != nil {
		return model.Balance{}, fmt.Errorf("get balance of %s: %w", id, err)
	}
	if found {
		return bal, nil
	}

	err = l.run(ctx, "register_account", []string{id}, func(u *unit) error {
		a, err := u.account(id)
		if err != nil {
			return err
		}
		if a.Version == 0 {
			if err := u.save(a); err != nil {
				return err
			}
		}
		bal = a.Balance()
		return nil
	})
	return bal, err
}

// Credit adds amount to the available balance of id.
func (l *Ledger) Credit(ctx context.Context, id string, amount int64) error {
	if err := checkUserAccount(id); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	return l.run(ctx, "credit", []string{id}, func(u *unit) error {
		return u.credit(id, amount)
	})
}

// Debit removes amount from the available balance of id, or fails with
// ErrInsufficientBalance leaving it untouched.
func (l *Ledger) Debit(ctx context.Context, id string, amount int64) error {
	if err := checkUserAccount(id); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	return l.run(ctx, "debit", []string{id}, func(u *unit) error {
		return u.debit(id, amount)
	})
}

// MoveToLocked shifts amount from available to locked within one account.
func (l *Ledger) MoveToLocked(ctx context.Context, id string, amount int64) error {
	if err := checkUserAccount(id); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	return l.run(ctx, "move_to_locked", []string{id}, func(u *unit) error {
		return u.moveToLocked(id, amount)
	})
}

// ReleaseFromLocked takes amount out of the locked balance of id. The amount
// is credited to the available balance of destination, which may be id
// itself; an empty destination retires it.
func (l *Ledger) ReleaseFromLocked(ctx context.Context, id string, amount int64, destination string) error {
	if err := checkUserAccount(id); err != nil {
		return err
	}
	if destination != "" {
		if err := checkUserAccount(destination); err != nil {
			return err
		}
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	return l.run(ctx, "release_from_locked", []string{id, destination}, func(u *unit) error {
		return u.releaseFromLocked(id, amount, destination)
	})
}
