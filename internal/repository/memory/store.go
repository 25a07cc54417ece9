// Package memory keeps ledger state in process maps. It backs tests and
// single-process development runs; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"modledger/internal/model"
	"modledger/internal/repository"
)

// Store serializes Atomic units behind one mutex and undoes a unit's writes
// when its callback fails.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account
	transactions map[string]*model.Transaction
	installs     map[model.InstallKey]*model.ModInstallRecord
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]*model.Account),
		transactions: make(map[string]*model.Transaction),
		installs:     make(map[model.InstallKey]*model.ModInstallRecord),
	}
}

func (s *Store) Atomic(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memTx{s: s, readOnly: true})
}

type memTx struct {
	s        *Store
	readOnly bool
	undo     []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetAccount(id string) (*model.Account, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (t *memTx) PutAccount(a *model.Account) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}

	prev, exists := t.s.accounts[a.ID]
	switch {
	case a.Version == 0 && exists:
		return repository.ErrConflict
	case a.Version != 0 && (!exists || prev.Version != a.Version):
		return repository.ErrConflict
	}

	stored := *a
	stored.Version = a.Version + 1
	if !exists && stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	t.s.accounts[a.ID] = &stored
	a.Version = stored.Version

	id := a.ID
	t.undo = append(t.undo, func() {
		if exists {
			t.s.accounts[id] = prev
		} else {
			delete(t.s.accounts, id)
		}
	})
	return nil
}

func (t *memTx) ScanAccounts(fn func(a *model.Account) error) error {
	ids := make([]string, 0, len(t.s.accounts))
	for id := range t.s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := *t.s.accounts[id]
		if err := fn(&c); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) InsertTransaction(trans *model.Transaction) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}
	if _, exists := t.s.transactions[trans.ID]; exists {
		return repository.ErrAlreadyExists
	}

	t.s.transactions[trans.ID] = trans.Clone()
	id := trans.ID
	t.undo = append(t.undo, func() { delete(t.s.transactions, id) })
	return nil
}

func (t *memTx) GetTransaction(id string) (*model.Transaction, error) {
	trans, ok := t.s.transactions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return trans.Clone(), nil
}

func (t *memTx) CompareAndSetStatus(id string, from, to model.TransactionStatus) (bool, error) {
	if t.readOnly {
		return false, repository.ErrReadOnly
	}

	trans, ok := t.s.transactions[id]
	if !ok || trans.Status != from {
		return false, nil
	}

	prev := trans
	next := trans.Clone()
	next.Status = to
	t.s.transactions[id] = next
	t.undo = append(t.undo, func() { t.s.transactions[id] = prev })
	return true, nil
}

func (t *memTx) ListTransactions(filter repository.TransactionFilter) ([]*model.Transaction, error) {
	var out []*model.Transaction
	for _, trans := range t.s.transactions {
		if filter.Match(trans) {
			out = append(out, trans)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return cloneAll(out), nil
}

func (t *memTx) ListDueLocks(now time.Time, limit int) ([]*model.Transaction, error) {
	var out []*model.Transaction
	for _, trans := range t.s.transactions {
		if trans.DueAt(now) {
			out = append(out, trans)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LockedUntil.Equal(*out[j].LockedUntil) {
			return out[i].LockedUntil.Before(*out[j].LockedUntil)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return cloneAll(out), nil
}

func (t *memTx) ScanTransactions(fn func(t *model.Transaction) error) error {
	ids := make([]string, 0, len(t.s.transactions))
	for id := range t.s.transactions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := fn(t.s.transactions[id].Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) GetInstall(key model.InstallKey) (*model.ModInstallRecord, error) {
	rec, ok := t.s.installs[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (t *memTx) InsertInstall(rec *model.ModInstallRecord) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}

	key := rec.Key()
	if _, exists := t.s.installs[key]; exists {
		return repository.ErrAlreadyExists
	}

	c := *rec
	t.s.installs[key] = &c
	t.undo = append(t.undo, func() { delete(t.s.installs, key) })
	return nil
}

func (t *memTx) DeleteInstall(key model.InstallKey) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}

	prev, ok := t.s.installs[key]
	if !ok {
		return repository.ErrNotFound
	}

	delete(t.s.installs, key)
	t.undo = append(t.undo, func() { t.s.installs[key] = prev })
	return nil
}

func cloneAll(in []*model.Transaction) []*model.Transaction {
	out := make([]*model.Transaction, len(in))
	for i, trans := range in {
		out[i] = trans.Clone()
	}
	return out
}
