package job

import (
	"context"
	"testing"
	"time"

	"modledger/internal/mirror"
	"modledger/internal/model"
	"modledger/internal/repository/memory"
	"modledger/internal/service"
)

func TestMirrorSenderDrainsOnNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := memory.NewMirrorRepository()
	outbox := mirror.NewOutbox(repo, mirror.OutboxConfig{}, []mirror.Publisher{mirror.NewSimulatedPublisher("testnet", 0)})
	defer outbox.Close()

	l := service.NewLedger(memory.NewStore(), service.DefaultPolicy(), service.WithMirror(outbox))
	// an hour-long tick leaves Notify as the only trigger
	sender := NewMirrorSender(outbox, l.GetTransaction, time.Hour, nil)
	done := make(chan struct{})
	go func() {
		sender.Start(ctx)
		close(done)
	}()

	tx, err := l.GrantTokens(ctx, "U", 10, model.KindGrant, "")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := repo.ListByTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) == 1 && recs[0].Status == model.MirrorStatusConfirmed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("record not confirmed: %+v", recs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sender.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not stop")
	}
}

func TestMirrorSenderExitsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	outbox := mirror.NewOutbox(memory.NewMirrorRepository(), mirror.OutboxConfig{}, nil)
	defer outbox.Close()

	sender := NewMirrorSender(outbox, nil, 0, nil)
	done := make(chan struct{})
	go func() {
		sender.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sender ignored context cancellation")
	}
}
