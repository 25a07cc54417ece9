package service

import (
	"context"
	"fmt"

	"modledger/internal/model"
	"modledger/internal/repository"
)

type Stats struct {
	TotalTransactions        int64              `json:"total_transactions"`
	TotalTokensInCirculation int64              `json:"total_tokens_in_circulation"`
	TotalDonations           int64              `json:"total_donations"`
	TotalModEarnings         int64              `json:"total_mod_earnings"`
	AverageTransactionAmount float64            `json:"average_transaction_amount"`
	PerNetworkSyncPercentage map[string]float64 `json:"per_network_sync_percentage"`
}

// Stats aggregates the ledger over one read view. Circulation counts every
// non-system account's available plus locked balance; mod earnings are the
// install payments plus freeze-mode payouts. An escrow payout only retires
// tokens the author already received with the install, so it adds nothing.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{PerNetworkSyncPercentage: map[string]float64{}}

	var amountSum int64
	err := l.store.View(ctx, func(tx repository.Tx) error {
		if err := tx.ScanAccounts(func(a *model.Account) error {
			if !model.IsSystemAccount(a.ID) {
				st.TotalTokensInCirculation += a.Total()
			}
			return nil
		}); err != nil {
			return err
		}

		return tx.ScanTransactions(func(t *model.Transaction) error {
			st.TotalTransactions++
			amountSum += t.Amount
			switch t.Kind {
			case model.KindDonation:
				st.TotalDonations += t.Amount
			case model.KindModInstall:
				st.TotalModEarnings += t.Amount
			case model.KindPayout:
				if t.LockMode == model.LockModeFreeze {
					st.TotalModEarnings += t.Amount
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	if st.TotalTransactions > 0 {
		st.AverageTransactionAmount = float64(amountSum) / float64(st.TotalTransactions)
	}

	if l.syncs != nil {
		summary, err := l.syncs.SyncSummary(ctx)
		if err != nil {
			return nil, fmt.Errorf("mirror sync summary: %w", err)
		}
		for _, s := range summary {
			if s.Total == 0 {
				continue
			}
			st.PerNetworkSyncPercentage[s.Network] = float64(s.Confirmed) / float64(s.Total) * 100
		}
	}
	return st, nil
}
