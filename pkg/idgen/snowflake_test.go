package idgen

import (
	"sort"
	"sync"
	"testing"
)

func TestNewRejectsWorkerOutOfRange(t *testing.T) {
	for _, id := range []int64{-1, maxWorkerID + 1} {
		if _, err := New(id); err == nil {
			t.Errorf("New(%d) succeeded, want error", id)
		}
	}
}

func TestGenerateIsStrictlyIncreasing(t *testing.T) {
	s, err := New(3)
	if err != nil {
		t.Fatal(err)
	}

	prev := s.Generate()
	for i := 0; i < 10000; i++ {
		next := s.Generate()
		if next <= prev {
			t.Fatalf("id %d after %d is not increasing", next, prev)
		}
		prev = next
	}
}

func TestGenerateSurvivesClockStepBack(t *testing.T) {
	s, err := New(1)
	if err != nil {
		t.Fatal(err)
	}

	clock := epoch + 10_000
	s.now = func() int64 { return clock }

	first := s.Generate()
	clock -= 5_000
	second := s.Generate()
	if second <= first {
		t.Fatalf("id after clock step back %d <= %d", second, first)
	}
}

func TestTransactionIDsSortInCreationOrder(t *testing.T) {
	const n = 2000

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		ids = make([]string, 0, n)
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				id := GenerateTransactionID()
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if len(id) != 21 || id[:2] != "TX" {
			t.Fatalf("malformed id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}

	if FormatTransactionID(9) >= FormatTransactionID(10) {
		t.Fatal("formatted ids do not sort numerically")
	}
	if !sort.StringsAreSorted([]string{FormatTransactionID(1), FormatTransactionID(1 << 40), FormatTransactionID(1 << 62)}) {
		t.Fatal("formatted ids do not sort numerically across magnitudes")
	}
}
