package job

import (
	"context"
	"testing"
	"time"

	"modledger/internal/infrastructure/lock"
	"modledger/internal/model"
	"modledger/internal/repository/memory"
	"modledger/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
)

var start = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// newLedgerWithLock prepares U with one uninstall lock of 20 maturing after
// the default lock duration.
func newLedgerWithLock(t *testing.T, clock clockwork.Clock) *service.Ledger {
	t.Helper()
	ctx := context.Background()
	l := service.NewLedger(memory.NewStore(), service.DefaultPolicy(), service.WithClock(clock))
	if _, err := l.GrantTokens(ctx, "U", 100, model.KindGrant, "welcome"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ProcessModInstall(ctx, "U", "M", "A", 20); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ProcessModUninstall(ctx, "U", "M"); err != nil {
		t.Fatal(err)
	}
	return l
}

func TestExpirySweeperRunOnce(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(start)
	l := newLedgerWithLock(t, clock)
	s := NewExpirySweeper(l, time.Minute, WithSweeperClock(clock))

	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Scanned != 0 {
		t.Fatalf("immature lock swept: %+v", res)
	}

	clock.Advance(14 * 24 * time.Hour)
	res, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Settled != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want one settled lock", res)
	}

	b, err := l.GetBalance(ctx, "U")
	if err != nil {
		t.Fatal(err)
	}
	if b.Locked != 0 {
		t.Fatalf("U still has %d locked", b.Locked)
	}
}

func TestExpirySweeperSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := clockwork.NewFakeClockAt(start)
	l := newLedgerWithLock(t, clock)
	clock.Advance(15 * 24 * time.Hour)

	other := lock.NewSweepLock(client, time.Minute)
	if ok, err := other.TryLock(ctx); err != nil || !ok {
		t.Fatalf("other instance TryLock = %v, %v", ok, err)
	}

	s := NewExpirySweeper(l, time.Minute, WithSweeperClock(clock), WithSweepLock(lock.NewSweepLock(client, time.Minute)))
	res, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Scanned != 0 {
		t.Fatalf("swept while another instance held the lock: %+v", res)
	}

	if err := other.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
	res, err = s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Settled != 1 {
		t.Fatalf("result = %+v, want one settled lock", res)
	}
	if mr.Exists(lock.SweepLockKey) {
		t.Fatal("sweep lock not released after run")
	}
}

func TestExpirySweeperStartStop(t *testing.T) {
	s := NewExpirySweeper(service.NewLedger(memory.NewStore(), service.DefaultPolicy()), time.Hour)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
