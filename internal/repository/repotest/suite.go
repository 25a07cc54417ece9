// Package repotest holds the behaviour every repository.Store backend must
// share. Backend packages call RunStoreSuite from their own tests.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"modledger/internal/model"
	"modledger/internal/repository"
)

var errAbort = errors.New("abort")

// RunStoreSuite runs the contract tests against stores built by newStore.
// Each subtest gets a fresh store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("AccountInsertAndUpdate", func(t *testing.T) { testAccountInsertAndUpdate(t, newStore(t)) })
	t.Run("AccountVersionConflict", func(t *testing.T) { testAccountVersionConflict(t, newStore(t)) })
	t.Run("AtomicRollback", func(t *testing.T) { testAtomicRollback(t, newStore(t)) })
	t.Run("ViewIsReadOnly", func(t *testing.T) { testViewIsReadOnly(t, newStore(t)) })
	t.Run("TransactionQueries", func(t *testing.T) { testTransactionQueries(t, newStore(t)) })
	t.Run("DueLocks", func(t *testing.T) { testDueLocks(t, newStore(t)) })
	t.Run("InstallRecords", func(t *testing.T) { testInstallRecords(t, newStore(t)) })
	t.Run("Scans", func(t *testing.T) { testScans(t, newStore(t)) })
}

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func txID(n int) string {
	return fmt.Sprintf("TX%019d", n)
}

func mustAtomic(t *testing.T, s repository.Store, fn func(tx repository.Tx) error) {
	t.Helper()
	if err := s.Atomic(context.Background(), fn); err != nil {
		t.Fatalf("atomic: %v", err)
	}
}

func mustView(t *testing.T, s repository.Store, fn func(tx repository.Tx) error) {
	t.Helper()
	if err := s.View(context.Background(), fn); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func testAccountInsertAndUpdate(t *testing.T, s repository.Store) {
	mustView(t, s, func(tx repository.Tx) error {
		if _, err := tx.GetAccount("alice"); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("GetAccount on empty store: got %v, want ErrNotFound", err)
		}
		return nil
	})

	mustAtomic(t, s, func(tx repository.Tx) error {
		a := &model.Account{ID: "alice", Available: 100, UpdatedAt: base}
		if err := tx.PutAccount(a); err != nil {
			return err
		}
		if a.Version != 1 {
			t.Errorf("version after insert = %d, want 1", a.Version)
		}
		return nil
	})

	mustAtomic(t, s, func(tx repository.Tx) error {
		a, err := tx.GetAccount("alice")
		if err != nil {
			return err
		}
		a.Available -= 30
		a.Locked += 30
		a.UpdatedAt = base.Add(time.Minute)
		if err := tx.PutAccount(a); err != nil {
			return err
		}
		if a.Version != 2 {
			t.Errorf("version after update = %d, want 2", a.Version)
		}
		return nil
	})

	mustView(t, s, func(tx repository.Tx) error {
		a, err := tx.GetAccount("alice")
		if err != nil {
			return err
		}
		if a.Available != 70 || a.Locked != 30 || a.Total() != 100 {
			t.Errorf("balances = %d/%d, want 70/30", a.Available, a.Locked)
		}
		if a.Version != 2 {
			t.Errorf("stored version = %d, want 2", a.Version)
		}
		return nil
	})
}

func testAccountVersionConflict(t *testing.T, s repository.Store) {
	mustAtomic(t, s, func(tx repository.Tx) error {
		return tx.PutAccount(&model.Account{ID: "bob", Available: 5, UpdatedAt: base})
	})

	err := s.Atomic(context.Background(), func(tx repository.Tx) error {
		return tx.PutAccount(&model.Account{ID: "bob", Available: 9, UpdatedAt: base})
	})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("second insert: got %v, want ErrConflict", err)
	}

	err = s.Atomic(context.Background(), func(tx repository.Tx) error {
		return tx.PutAccount(&model.Account{ID: "bob", Available: 9, Version: 7, UpdatedAt: base})
	})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("stale update: got %v, want ErrConflict", err)
	}

	mustView(t, s, func(tx repository.Tx) error {
		a, err := tx.GetAccount("bob")
		if err != nil {
			return err
		}
		if a.Available != 5 {
			t.Errorf("available = %d, want 5", a.Available)
		}
		return nil
	})
}

func testAtomicRollback(t *testing.T, s repository.Store) {
	mustAtomic(t, s, func(tx repository.Tx) error {
		return tx.PutAccount(&model.Account{ID: "carol", Available: 50, UpdatedAt: base})
	})

	err := s.Atomic(context.Background(), func(tx repository.Tx) error {
		a, err := tx.GetAccount("carol")
		if err != nil {
			return err
		}
		a.Available = 0
		if err := tx.PutAccount(a); err != nil {
			return err
		}
		if err := tx.PutAccount(&model.Account{ID: "dave", Available: 50, UpdatedAt: base}); err != nil {
			return err
		}
		if err := tx.InsertTransaction(&model.Transaction{
			ID: txID(1), From: "carol", To: "dave", Amount: 50,
			Kind: model.KindDonation, Status: model.TransactionStatusCompleted, CreatedAt: base,
		}); err != nil {
			return err
		}
		if err := tx.InsertInstall(&model.ModInstallRecord{UserID: "carol", ModID: "m", AuthorID: "dave", TokenAmount: 1, InstallDate: base}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("atomic: got %v, want errAbort", err)
	}

	mustView(t, s, func(tx repository.Tx) error {
		a, err := tx.GetAccount("carol")
		if err != nil {
			return err
		}
		if a.Available != 50 {
			t.Errorf("carol available = %d, want 50 after rollback", a.Available)
		}
		if _, err := tx.GetAccount("dave"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("dave: got %v, want ErrNotFound after rollback", err)
		}
		if _, err := tx.GetTransaction(txID(1)); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("transaction: got %v, want ErrNotFound after rollback", err)
		}
		if _, err := tx.GetInstall(model.InstallKey{UserID: "carol", ModID: "m"}); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("install: got %v, want ErrNotFound after rollback", err)
		}
		return nil
	})
}

func testViewIsReadOnly(t *testing.T, s repository.Store) {
	err := s.View(context.Background(), func(tx repository.Tx) error {
		return tx.PutAccount(&model.Account{ID: "eve", UpdatedAt: base})
	})
	if !errors.Is(err, repository.ErrReadOnly) {
		t.Fatalf("PutAccount in view: got %v, want ErrReadOnly", err)
	}
}

func testTransactionQueries(t *testing.T, s repository.Store) {
	seed := []*model.Transaction{
		{ID: txID(1), From: model.SystemAccountID, To: "u", Amount: 100, Kind: model.KindGrant},
		{ID: txID(2), From: "u", To: "a", Amount: 20, Kind: model.KindModInstall},
		{ID: txID(3), From: "x", To: "y", Amount: 7, Kind: model.KindDonation},
		{ID: txID(4), From: "a", To: "u", Amount: 5, Kind: model.KindDonation},
	}
	mustAtomic(t, s, func(tx repository.Tx) error {
		for i, trans := range seed {
			trans.Status = model.TransactionStatusCompleted
			trans.CreatedAt = base.Add(time.Duration(i) * time.Second)
			if err := tx.InsertTransaction(trans); err != nil {
				return err
			}
		}
		return nil
	})

	err := s.Atomic(context.Background(), func(tx repository.Tx) error {
		return tx.InsertTransaction(&model.Transaction{ID: txID(1), From: "u", To: "a", Amount: 1,
			Kind: model.KindDonation, Status: model.TransactionStatusCompleted, CreatedAt: base})
	})
	if err == nil {
		t.Fatal("duplicate transaction id was accepted")
	}

	mustView(t, s, func(tx repository.Tx) error {
		all, err := tx.ListTransactions(repository.TransactionFilter{AccountID: "u"})
		if err != nil {
			return err
		}
		want := []string{txID(4), txID(2), txID(1)}
		if got := ids(all); !equal(got, want) {
			t.Errorf("history of u = %v, want %v", got, want)
		}

		donations, err := tx.ListTransactions(repository.TransactionFilter{AccountID: "u", Kind: model.KindDonation})
		if err != nil {
			return err
		}
		if got := ids(donations); !equal(got, []string{txID(4)}) {
			t.Errorf("donations of u = %v", got)
		}

		limited, err := tx.ListTransactions(repository.TransactionFilter{AccountID: "u", Limit: 2})
		if err != nil {
			return err
		}
		if got := ids(limited); !equal(got, []string{txID(4), txID(2)}) {
			t.Errorf("limited history of u = %v", got)
		}

		got, err := tx.GetTransaction(txID(2))
		if err != nil {
			return err
		}
		if got.Amount != 20 || got.Kind != model.KindModInstall || got.From != "u" || got.To != "a" {
			t.Errorf("GetTransaction = %+v", got)
		}
		if _, err := tx.GetTransaction("TXmissing"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("missing transaction: got %v, want ErrNotFound", err)
		}
		return nil
	})
}

func testDueLocks(t *testing.T, s repository.Store) {
	lock := func(id int, until time.Time) *model.Transaction {
		u := until
		return &model.Transaction{
			ID: txID(id), From: "u", To: "a", Amount: 10, Kind: model.KindModUninstall,
			Status: model.TransactionStatusLocked, LockedUntil: &u, LockMode: model.LockModeEscrow, CreatedAt: base,
		}
	}

	mustAtomic(t, s, func(tx repository.Tx) error {
		for _, trans := range []*model.Transaction{
			lock(1, base.Add(3*time.Hour)),
			lock(2, base.Add(1*time.Hour)),
			lock(3, base.Add(48*time.Hour)),
			lock(4, base.Add(1*time.Hour)),
		} {
			if err := tx.InsertTransaction(trans); err != nil {
				return err
			}
		}
		return nil
	})

	now := base.Add(24 * time.Hour)
	mustView(t, s, func(tx repository.Tx) error {
		due, err := tx.ListDueLocks(now, 10)
		if err != nil {
			return err
		}
		if got, want := ids(due), []string{txID(2), txID(4), txID(1)}; !equal(got, want) {
			t.Errorf("due locks = %v, want %v", got, want)
		}

		first, err := tx.ListDueLocks(now, 1)
		if err != nil {
			return err
		}
		if got := ids(first); !equal(got, []string{txID(2)}) {
			t.Errorf("due locks limited = %v", got)
		}
		return nil
	})

	mustAtomic(t, s, func(tx repository.Tx) error {
		ok, err := tx.CompareAndSetStatus(txID(2), model.TransactionStatusLocked, model.TransactionStatusCompleted)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("first status flip reported no change")
		}
		ok, err = tx.CompareAndSetStatus(txID(2), model.TransactionStatusLocked, model.TransactionStatusCompleted)
		if err != nil {
			return err
		}
		if ok {
			t.Error("second status flip reported a change")
		}
		ok, err = tx.CompareAndSetStatus("TXmissing", model.TransactionStatusLocked, model.TransactionStatusCompleted)
		if err != nil {
			return err
		}
		if ok {
			t.Error("flip of unknown transaction reported a change")
		}
		return nil
	})

	mustView(t, s, func(tx repository.Tx) error {
		due, err := tx.ListDueLocks(now, 10)
		if err != nil {
			return err
		}
		if got, want := ids(due), []string{txID(4), txID(1)}; !equal(got, want) {
			t.Errorf("due locks after settle = %v, want %v", got, want)
		}

		settled, err := tx.GetTransaction(txID(2))
		if err != nil {
			return err
		}
		if settled.Status != model.TransactionStatusCompleted || settled.LockedUntil == nil {
			t.Errorf("settled lock = %+v, want completed with LockedUntil kept", settled)
		}
		return nil
	})
}

func testInstallRecords(t *testing.T, s repository.Store) {
	key := model.InstallKey{UserID: "u", ModID: "mod-1"}
	rec := &model.ModInstallRecord{
		UserID: "u", ModID: "mod-1", AuthorID: "a", TokenAmount: 20,
		InstallDate: base, LockDurationDays: 14, TransactionID: txID(9),
	}

	mustAtomic(t, s, func(tx repository.Tx) error { return tx.InsertInstall(rec) })

	err := s.Atomic(context.Background(), func(tx repository.Tx) error { return tx.InsertInstall(rec) })
	if !errors.Is(err, repository.ErrAlreadyExists) {
		t.Fatalf("duplicate install: got %v, want ErrAlreadyExists", err)
	}

	mustView(t, s, func(tx repository.Tx) error {
		got, err := tx.GetInstall(key)
		if err != nil {
			return err
		}
		if got.AuthorID != "a" || got.TokenAmount != 20 || got.LockDurationDays != 14 || got.TransactionID != txID(9) {
			t.Errorf("install = %+v", got)
		}
		if _, err := tx.GetInstall(model.InstallKey{UserID: "u", ModID: "other"}); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("other mod: got %v, want ErrNotFound", err)
		}
		return nil
	})

	mustAtomic(t, s, func(tx repository.Tx) error { return tx.DeleteInstall(key) })

	err = s.Atomic(context.Background(), func(tx repository.Tx) error { return tx.DeleteInstall(key) })
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second delete: got %v, want ErrNotFound", err)
	}
}

func testScans(t *testing.T, s repository.Store) {
	mustAtomic(t, s, func(tx repository.Tx) error {
		for i, id := range []string{"c", "a", "b"} {
			if err := tx.PutAccount(&model.Account{ID: id, Available: int64(i + 1), UpdatedAt: base}); err != nil {
				return err
			}
			if err := tx.InsertTransaction(&model.Transaction{
				ID: txID(i + 1), From: model.SystemAccountID, To: id, Amount: int64(i + 1),
				Kind: model.KindGrant, Status: model.TransactionStatusCompleted, CreatedAt: base,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	mustView(t, s, func(tx repository.Tx) error {
		var total int64
		var n int
		if err := tx.ScanAccounts(func(a *model.Account) error {
			total += a.Total()
			n++
			return nil
		}); err != nil {
			return err
		}
		if n != 3 || total != 6 {
			t.Errorf("scanned %d accounts totalling %d, want 3 and 6", n, total)
		}

		var amount int64
		if err := tx.ScanTransactions(func(trans *model.Transaction) error {
			amount += trans.Amount
			return nil
		}); err != nil {
			return err
		}
		if amount != 6 {
			t.Errorf("scanned transaction amount = %d, want 6", amount)
		}

		stop := errors.New("stop")
		if err := tx.ScanAccounts(func(*model.Account) error { return stop }); !errors.Is(err, stop) {
			t.Errorf("scan callback error: got %v, want stop", err)
		}
		return nil
	})
}

func ids(ts []*model.Transaction) []string {
	out := make([]string, len(ts))
	for i, trans := range ts {
		out[i] = trans.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
