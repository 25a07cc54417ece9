package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"modledger/internal/model"
	"modledger/internal/repository"
)

// RunMirrorSuite runs the contract tests for mirror record repositories.
func RunMirrorSuite(t *testing.T, newRepo func(t *testing.T) repository.MirrorRepository) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	repo := newRepo(t)
	recs := []*model.MirrorRecord{
		{ID: "r1", TransactionID: "TX1", Network: "kafka", Status: model.MirrorStatusPending},
		{ID: "r2", TransactionID: "TX1", Network: "archive", Status: model.MirrorStatusPending},
		{ID: "r3", TransactionID: "TX2", Network: "kafka", Status: model.MirrorStatusFailed, Attempts: 1, NextAttemptAt: &later},
		{ID: "r4", TransactionID: "TX3", Network: "kafka", Status: model.MirrorStatusFailed, Attempts: 5},
	}
	if err := repo.Create(ctx, recs...); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.Create(ctx, &model.MirrorRecord{ID: "r1"}); !errors.Is(err, repository.ErrAlreadyExists) {
		t.Fatalf("duplicate Create: got %v, want ErrAlreadyExists", err)
	}

	due, err := repo.ListDue(ctx, now, 5, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 || due[0].ID != "r1" || due[1].ID != "r2" {
		t.Fatalf("due = %+v, want r1 r2", due)
	}

	due, err = repo.ListDue(ctx, later, 5, 10)
	if err != nil {
		t.Fatalf("ListDue later: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("due later = %d records, want 3", len(due))
	}

	confirmed := due[0]
	confirmed.Status = model.MirrorStatusConfirmed
	confirmed.ExternalRef = "ref-1"
	if err := repo.Update(ctx, confirmed); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := repo.Update(ctx, &model.MirrorRecord{ID: "missing"}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("Update missing: got %v, want ErrNotFound", err)
	}

	byTx, err := repo.ListByTransaction(ctx, "TX1")
	if err != nil {
		t.Fatalf("ListByTransaction: %v", err)
	}
	if len(byTx) != 2 || byTx[0].Network != "archive" || byTx[1].ExternalRef != "ref-1" {
		t.Fatalf("records of TX1 = %+v", byTx)
	}

	summary, err := repo.SyncSummary(ctx)
	if err != nil {
		t.Fatalf("SyncSummary: %v", err)
	}
	want := []model.NetworkSync{
		{Network: "archive", Total: 1},
		{Network: "kafka", Total: 3, Confirmed: 1, Failed: 2},
	}
	if len(summary) != len(want) {
		t.Fatalf("summary = %+v, want %+v", summary, want)
	}
	for i := range want {
		if summary[i] != want[i] {
			t.Errorf("summary[%d] = %+v, want %+v", i, summary[i], want[i])
		}
	}
}
