package lock

import (
	"sort"
	"sync"
)

// KeyedMutex serializes work per key inside one process. Entries are
// reference counted and dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires every key and returns the function that releases them.
// Keys are taken in sorted order so two callers locking the same pair can
// never deadlock; duplicates and empty keys are ignored.
func (m *KeyedMutex) Lock(keys ...string) func() {
	ordered := normalize(keys)

	entries := make([]*keyedEntry, len(ordered))
	m.mu.Lock()
	for i, k := range ordered {
		e, ok := m.locks[k]
		if !ok {
			e = &keyedEntry{}
			m.locks[k] = e
		}
		e.refs++
		entries[i] = e
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(entries) - 1; i >= 0; i-- {
				entries[i].mu.Unlock()
			}

			m.mu.Lock()
			for i, k := range ordered {
				entries[i].refs--
				if entries[i].refs == 0 {
					delete(m.locks, k)
				}
			}
			m.mu.Unlock()
		})
	}
}

// size reports how many keys currently have holders or waiters.
func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)

	uniq := make([]string, 0, len(out))
	for _, k := range out {
		if len(uniq) > 0 && uniq[len(uniq)-1] == k {
			continue
		}
		uniq = append(uniq, k)
	}
	return uniq
}
