package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modledger/internal/metrics"
	"modledger/internal/model"
	"modledger/internal/repository"
)

// SweepResult summarizes one ProcessExpiredLocks run.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}

// ProcessExpiredLocks settles every locked transaction matured at now, in
// batches of Policy.SweepBatchSize and at most Policy.SweepMaxBatches batches
// per call. A lock that fails to settle is logged and skipped; the others
// proceed. Runs never overlap within one Ledger.
func (l *Ledger) ProcessExpiredLocks(ctx context.Context, now time.Time) (SweepResult, error) {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()

	metrics.SweepRuns.Inc()

	var (
		res     SweepResult
		skipped = make(map[string]bool)
	)
	for batch := 0; batch < l.policy.SweepMaxBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		limit := l.policy.SweepBatchSize + len(skipped)
		var due []*model.Transaction
		err := l.store.View(ctx, func(tx repository.Tx) error {
			var err error
			due, err = tx.ListDueLocks(now, limit)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("list due locks: %w", err)
		}

		fresh := 0
		for _, t := range due {
			if skipped[t.ID] {
				continue
			}
			fresh++
			res.Scanned++

			err := l.settle(ctx, t.ID, now)
			switch {
			case errors.Is(err, errAlreadySettled):
				continue
			case err != nil:
				res.Failed++
				skipped[t.ID] = true
				metrics.LockSettleFailures.Inc()
				l.log.Warn("lock settlement failed, skipping", "tx", t.ID, "error", err)
				continue
			}
			res.Settled++
			metrics.LocksSettled.Inc()
		}

		if fresh == 0 || len(due) < limit {
			break
		}
	}

	if res.Scanned > 0 {
		l.log.Info("expiry sweep finished", "scanned", res.Scanned, "settled", res.Settled, "failed", res.Failed)
	}
	return res, nil
}

// settle splits one matured lock: returnAmount goes back to the payer as a
// refund, keepAmount becomes a payout to the counterparty, and the lock is
// marked processed, all in one unit.
func (l *Ledger) settle(ctx context.Context, id string, now time.Time) error {
	var lockTx *model.Transaction
	err := l.store.View(ctx, func(tx repository.Tx) error {
		var err error
		lockTx, err = tx.GetTransaction(id)
		return err
	})
	if err != nil {
		return fmt.Errorf("load lock %s: %w", id, err)
	}

	payer, author := lockTx.From, lockTx.To
	return l.run(ctx, "settle_lock", []string{payer, author}, func(u *unit) error {
		t, err := u.tx.GetTransaction(id)
		if err != nil {
			return fmt.Errorf("load lock %s: %w", id, err)
		}
		if !t.DueAt(now) {
			return errAlreadySettled
		}

		flipped, err := u.markProcessed(id)
		if err != nil {
			return err
		}
		if !flipped {
			return errAlreadySettled
		}

		returnAmount, keepAmount := l.policy.Split(t.Amount)
		mode := t.LockMode
		if mode == "" {
			mode = model.LockModeEscrow
		}

		if returnAmount > 0 {
			if err := u.releaseFromLocked(payer, returnAmount, payer); err != nil {
				return fmt.Errorf("refund %s: %w", id, err)
			}
			// Escrow refunds are issued by the system; the counterparty
			// already holds the whole install payment.
			from := payer
			if mode == model.LockModeEscrow {
				from = model.SystemAccountID
			}
			if _, err := u.append(&model.Transaction{
				From:   from,
				To:     payer,
				Amount: returnAmount,
				Kind:   model.KindRefund,
				Reason: "lock " + id + " matured",
			}); err != nil {
				return err
			}
		}

		if keepAmount > 0 {
			destination := ""
			if mode == model.LockModeFreeze {
				destination = author
			}
			if err := u.releaseFromLocked(payer, keepAmount, destination); err != nil {
				return fmt.Errorf("payout %s: %w", id, err)
			}
			if _, err := u.append(&model.Transaction{
				From:     payer,
				To:       author,
				Amount:   keepAmount,
				Kind:     model.KindPayout,
				Reason:   "lock " + id + " matured",
				LockMode: mode,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}
