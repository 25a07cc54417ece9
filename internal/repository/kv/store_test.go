package kv

import (
	"context"
	"strings"
	"testing"
	"time"

	"modledger/internal/model"
	"modledger/internal/repository"
	"modledger/internal/repository/repotest"

	"github.com/dgraph-io/badger/v3"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	repotest.RunStoreSuite(t, func(t *testing.T) repository.Store {
		return openTestStore(t)
	})
}

func TestStoreReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	until := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = s.Atomic(ctx, func(tx repository.Tx) error {
		if err := tx.PutAccount(&model.Account{ID: "u", Available: 80, Locked: 20, UpdatedAt: until}); err != nil {
			return err
		}
		return tx.InsertTransaction(&model.Transaction{
			ID: "TX0000000000000000001", From: "u", To: "a", Amount: 20,
			Kind: model.KindModUninstall, Status: model.TransactionStatusLocked,
			LockedUntil: &until, LockMode: model.LockModeEscrow, CreatedAt: until,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	err = s.View(ctx, func(tx repository.Tx) error {
		a, err := tx.GetAccount("u")
		if err != nil {
			return err
		}
		if a.Available != 80 || a.Locked != 20 || a.Version != 1 {
			t.Errorf("account after reopen = %+v", a)
		}
		due, err := tx.ListDueLocks(until, 10)
		if err != nil {
			return err
		}
		if len(due) != 1 || due[0].LockMode != model.LockModeEscrow || !due[0].LockedUntil.Equal(until) {
			t.Errorf("due after reopen = %+v", due)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestMirrorRepository(t *testing.T) {
	repotest.RunMirrorSuite(t, func(t *testing.T) repository.MirrorRepository {
		return openTestStore(t).Mirrors()
	})
}

func TestMirrorDueIndex(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := s.Mirrors()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	retryAt := base.Add(30 * time.Second)
	recs := []*model.MirrorRecord{
		{ID: "m3", TransactionID: "TX3", Network: "kafka", Status: model.MirrorStatusPending, CreatedAt: base.Add(2 * time.Second)},
		{ID: "m1", TransactionID: "TX1", Network: "kafka", Status: model.MirrorStatusPending, CreatedAt: base},
		{ID: "m2", TransactionID: "TX2", Network: "kafka", Status: model.MirrorStatusFailed, Attempts: 1, NextAttemptAt: &retryAt, CreatedAt: base.Add(time.Second)},
	}
	if err := repo.Create(ctx, recs...); err != nil {
		t.Fatalf("Create: %v", err)
	}

	due, err := repo.ListDue(ctx, base.Add(10*time.Second), 5, 0)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := mirrorIDs(due); got != "m1,m3" {
		t.Fatalf("due = %s, want m1,m3", got)
	}

	due, err = repo.ListDue(ctx, base.Add(time.Minute), 5, 2)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := mirrorIDs(due); got != "m1,m3" {
		t.Fatalf("due with limit = %s, want m1,m3", got)
	}

	confirmed := due[0]
	confirmed.Status = model.MirrorStatusConfirmed
	confirmed.ExternalRef = "ref-1"
	if err := repo.Update(ctx, confirmed); err != nil {
		t.Fatalf("Update: %v", err)
	}

	due, err = repo.ListDue(ctx, base.Add(time.Minute), 5, 0)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := mirrorIDs(due); got != "m3,m2" {
		t.Fatalf("due after confirm = %s, want m3,m2", got)
	}

	var indexed []string
	err = s.db.View(func(txn *badger.Txn) error {
		return (&kvTx{txn: txn, readOnly: true}).scan(prefixMirrorDue, false, func(key string, _ *badger.Item) (bool, error) {
			indexed = append(indexed, key)
			return true, nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(indexed) != 2 {
		t.Fatalf("due index = %v, want 2 entries", indexed)
	}
	for _, key := range indexed {
		if strings.HasSuffix(key, "/m1") {
			t.Fatalf("confirmed record still indexed: %v", indexed)
		}
	}
}

func mirrorIDs(recs []*model.MirrorRecord) string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return strings.Join(ids, ",")
}
