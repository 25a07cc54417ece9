package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"modledger/internal/model"
	"modledger/internal/repository/memory"
)

type stubSyncs struct {
	summary []model.NetworkSync
	err     error
}

func (s stubSyncs) SyncSummary(context.Context) ([]model.NetworkSync, error) {
	return s.summary, s.err
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	syncs := stubSyncs{summary: []model.NetworkSync{
		{Network: "kafka", Total: 4, Confirmed: 3, Failed: 1},
		{Network: "archive", Total: 4, Confirmed: 4},
		{Network: "idle"},
	}}
	f := newFixture(t, memory.NewStore(), DefaultPolicy())
	f.ledger = NewLedger(f.store, DefaultPolicy(), WithClock(f.clock), WithSyncReporter(syncs))

	f.grant(t, "U", 100)
	if _, err := f.ledger.GrantTokens(ctx, "V", 10, model.KindDonation, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.ProcessModInstall(ctx, "U", "M", "A", 20); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.ProcessModUninstall(ctx, "U", "M"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(14 * 24 * time.Hour)
	if _, err := f.ledger.ProcessExpiredLocks(ctx, f.clock.Now()); err != nil {
		t.Fatal(err)
	}

	st, err := f.ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	// grant 100, donation 10, install 20, lock 20, refund 10, payout 10
	if st.TotalTransactions != 6 {
		t.Errorf("TotalTransactions = %d, want 6", st.TotalTransactions)
	}
	if st.TotalTokensInCirculation != 90+10+20 {
		t.Errorf("TotalTokensInCirculation = %d, want 120", st.TotalTokensInCirculation)
	}
	if st.TotalDonations != 10 {
		t.Errorf("TotalDonations = %d, want 10", st.TotalDonations)
	}
	// the escrow payout retires part of the install the author already holds
	if st.TotalModEarnings != 20 {
		t.Errorf("TotalModEarnings = %d, want 20", st.TotalModEarnings)
	}
	if math.Abs(st.AverageTransactionAmount-170.0/6) > 1e-9 {
		t.Errorf("AverageTransactionAmount = %v, want %v", st.AverageTransactionAmount, 170.0/6)
	}
	if got := st.PerNetworkSyncPercentage; len(got) != 2 || got["kafka"] != 75 || got["archive"] != 100 {
		t.Errorf("PerNetworkSyncPercentage = %v", got)
	}
}

func TestStatsModEarningsMatchAuthorBalance(t *testing.T) {
	for _, mode := range []model.LockMode{model.LockModeEscrow, model.LockModeFreeze} {
		t.Run(string(mode), func(t *testing.T) {
			ctx := context.Background()
			f := newMemoryFixture(t, mode)

			f.grant(t, "U", 100)
			if _, err := f.ledger.ProcessModInstall(ctx, "U", "M", "A", 20); err != nil {
				t.Fatal(err)
			}
			if _, err := f.ledger.ProcessModUninstall(ctx, "U", "M"); err != nil {
				t.Fatal(err)
			}
			f.clock.Advance(15 * 24 * time.Hour)
			if _, err := f.ledger.ProcessExpiredLocks(ctx, f.clock.Now()); err != nil {
				t.Fatal(err)
			}

			author, err := f.ledger.GetBalance(ctx, "A")
			if err != nil {
				t.Fatal(err)
			}
			st, err := f.ledger.Stats(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if st.TotalModEarnings != author.Total {
				t.Errorf("TotalModEarnings = %d, author holds %d", st.TotalModEarnings, author.Total)
			}

			payouts, err := f.ledger.Query(ctx, "A", QueryOptions{Kind: model.KindPayout})
			if err != nil {
				t.Fatal(err)
			}
			if len(payouts) != 1 || payouts[0].LockMode != mode {
				t.Fatalf("payouts = %+v, want one tagged %s", payouts, mode)
			}
		})
	}
}

func TestStatsEmptyLedger(t *testing.T) {
	f := newMemoryFixture(t, model.LockModeEscrow)
	st, err := f.ledger.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalTransactions != 0 || st.AverageTransactionAmount != 0 || st.PerNetworkSyncPercentage == nil {
		t.Fatalf("stats of empty ledger = %+v", st)
	}
}

func TestStatsSyncError(t *testing.T) {
	boom := errors.New("boom")
	l := NewLedger(memory.NewStore(), DefaultPolicy(), WithSyncReporter(stubSyncs{err: boom}))
	if _, err := l.Stats(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
}
