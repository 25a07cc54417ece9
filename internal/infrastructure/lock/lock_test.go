package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDistributedLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	first := NewDistributedLock(client, "ledger:test", "owner-1", time.Minute)
	second := NewDistributedLock(client, "ledger:test", "owner-2", time.Minute)

	ok, err := first.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v; want true", ok, err)
	}
	ok, err = second.TryLock(ctx)
	if err != nil || ok {
		t.Fatalf("second TryLock = %v, %v; want false", ok, err)
	}

	if err := second.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("Unlock by non-owner: got %v, want ErrNotHeld", err)
	}
	if err := first.Unlock(ctx); err != nil {
		t.Fatalf("Unlock by owner: %v", err)
	}

	ok, err = second.TryLock(ctx)
	if err != nil || !ok {
		t.Fatalf("TryLock after release = %v, %v; want true", ok, err)
	}
}

func TestDistributedLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)

	first := NewDistributedLock(client, "ledger:test", "owner-1", 10*time.Second)
	if ok, err := first.TryLock(ctx); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}

	mr.FastForward(11 * time.Second)

	second := NewSweepLock(client, time.Minute)
	if ok, err := second.TryLock(ctx); err != nil || !ok {
		t.Fatalf("sweep lock unrelated key TryLock = %v, %v", ok, err)
	}

	third := NewDistributedLock(client, "ledger:test", "owner-3", time.Minute)
	if ok, err := third.TryLock(ctx); err != nil || !ok {
		t.Fatalf("TryLock after expiry = %v, %v", ok, err)
	}
	if err := first.Unlock(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("stale owner Unlock: got %v, want ErrNotHeld", err)
	}
	if got, _ := mr.Get("ledger:test"); got != "owner-3" {
		t.Fatalf("lock value = %q, want owner-3", got)
	}
}

func TestDistributedLockRetriesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)

	holder := NewSweepLock(client, time.Minute)
	if err := holder.Lock(ctx, time.Millisecond, 1); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if holder.Key() != SweepLockKey {
		t.Fatalf("Key = %q", holder.Key())
	}

	waiter := NewSweepLock(client, time.Minute)
	if err := waiter.Lock(ctx, time.Millisecond, 3); !errors.Is(err, ErrLockFailed) {
		t.Fatalf("Lock while held: got %v, want ErrLockFailed", err)
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	m := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		counter = map[string]int{}
	)
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := m.Lock("a", "b")
			counter["a"]++
			counter["b"]++
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := m.Lock("b", "a", "a", "")
			counter["a"]++
			counter["b"]++
			unlock()
		}()
	}
	wg.Wait()

	if counter["a"] != 100 || counter["b"] != 100 {
		t.Fatalf("counter = %v, want 100 each", counter)
	}
	if n := m.size(); n != 0 {
		t.Fatalf("entries left after release = %d, want 0", n)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	unlockA := m.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}

	unlockA()
	unlockA()
	if n := m.size(); n != 0 {
		t.Fatalf("entries left = %d, want 0", n)
	}
}
