// Package kv stores the ledger in an embedded badger database, for single
// node deployments that want durability without an SQL server.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modledger/internal/model"
	"modledger/internal/repository"

	"github.com/dgraph-io/badger/v3"
)

// Key layout:
//
//	acct/<account id>                 -> model.Account
//	txn/<transaction id>              -> model.Transaction
//	due/<locked until unix nanos>/<id> -> empty, present while the lock is unsettled
//	inst/<user id>\x00<mod id>        -> model.ModInstallRecord
const (
	prefixAccount     = "acct/"
	prefixTransaction = "txn/"
	prefixDue         = "due/"
	prefixInstall     = "inst/"
)

const maxConflictRetries = 5

type Store struct {
	db *badger.DB
}

// Open opens the database at path. An empty path opens an in-memory database.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Atomic runs fn in a read-write badger transaction, retrying the whole
// callback when badger reports a write conflict at commit.
func (s *Store) Atomic(ctx context.Context, fn func(tx repository.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return fn(&kvTx{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", repository.ErrConflict, err)
}

func (s *Store) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&kvTx{txn: txn, readOnly: true})
	})
}

type kvTx struct {
	txn      *badger.Txn
	readOnly bool
}

func (t *kvTx) get(key string, dest interface{}) error {
	item, err := t.txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return repository.ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dest)
	})
}

func (t *kvTx) exists(key string) (bool, error) {
	_, err := t.txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (t *kvTx) put(key string, v interface{}) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Set([]byte(key), data)
}

func (t *kvTx) delete(key string) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}
	return t.txn.Delete([]byte(key))
}

// scan visits every value under prefix in key order, or reverse key order.
func (t *kvTx) scan(prefix string, reverse bool, fn func(key string, item *badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	opts.Prefix = []byte(prefix)

	it := t.txn.NewIterator(opts)
	defer it.Close()

	seek := []byte(prefix)
	if reverse {
		seek = append([]byte(prefix), 0xff)
	}
	for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
		item := it.Item()
		more, err := fn(string(item.Key()), item)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func decode(item *badger.Item, dest interface{}) error {
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dest)
	})
}

func dueKey(t *model.Transaction) string {
	return fmt.Sprintf("%s%020d/%s", prefixDue, t.LockedUntil.UnixNano(), t.ID)
}

func installKey(key model.InstallKey) string {
	return prefixInstall + key.UserID + "\x00" + key.ModID
}

// ---------------------------------------------------------------------------
// accounts
// ---------------------------------------------------------------------------

func (t *kvTx) GetAccount(id string) (*model.Account, error) {
	var a model.Account
	if err := t.get(prefixAccount+id, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *kvTx) PutAccount(a *model.Account) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}

	current, err := t.GetAccount(a.ID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		if a.Version != 0 {
			return repository.ErrConflict
		}
	case err != nil:
		return err
	case current.Version != a.Version:
		return repository.ErrConflict
	}

	stored := *a
	stored.Version = a.Version + 1
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	if err := t.put(prefixAccount+a.ID, &stored); err != nil {
		return err
	}
	a.Version = stored.Version
	return nil
}

func (t *kvTx) ScanAccounts(fn func(a *model.Account) error) error {
	return t.scan(prefixAccount, false, func(_ string, item *badger.Item) (bool, error) {
		var a model.Account
		if err := decode(item, &a); err != nil {
			return false, err
		}
		return true, fn(&a)
	})
}

// ---------------------------------------------------------------------------
// transactions
// ---------------------------------------------------------------------------

func (t *kvTx) InsertTransaction(trans *model.Transaction) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}

	key := prefixTransaction + trans.ID
	exists, err := t.exists(key)
	if err != nil {
		return err
	}
	if exists {
		return repository.ErrAlreadyExists
	}

	if err := t.put(key, trans); err != nil {
		return err
	}
	if trans.Status == model.TransactionStatusLocked && trans.LockedUntil != nil {
		return t.txn.Set([]byte(dueKey(trans)), nil)
	}
	return nil
}

func (t *kvTx) GetTransaction(id string) (*model.Transaction, error) {
	var trans model.Transaction
	if err := t.get(prefixTransaction+id, &trans); err != nil {
		return nil, err
	}
	return &trans, nil
}

func (t *kvTx) CompareAndSetStatus(id string, from, to model.TransactionStatus) (bool, error) {
	if t.readOnly {
		return false, repository.ErrReadOnly
	}

	trans, err := t.GetTransaction(id)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if trans.Status != from {
		return false, nil
	}

	trans.Status = to
	if err := t.put(prefixTransaction+id, trans); err != nil {
		return false, err
	}
	if from == model.TransactionStatusLocked && trans.LockedUntil != nil {
		if err := t.delete(dueKey(trans)); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *kvTx) ListTransactions(filter repository.TransactionFilter) ([]*model.Transaction, error) {
	var out []*model.Transaction
	err := t.scan(prefixTransaction, true, func(_ string, item *badger.Item) (bool, error) {
		var trans model.Transaction
		if err := decode(item, &trans); err != nil {
			return false, err
		}
		if filter.Match(&trans) {
			out = append(out, &trans)
		}
		return filter.Limit <= 0 || len(out) < filter.Limit, nil
	})
	return out, err
}

func (t *kvTx) ListDueLocks(now time.Time, limit int) ([]*model.Transaction, error) {
	cutoff := now.UnixNano()

	var out []*model.Transaction
	err := t.scan(prefixDue, false, func(key string, _ *badger.Item) (bool, error) {
		rest := strings.TrimPrefix(key, prefixDue)
		sep := strings.IndexByte(rest, '/')
		if sep < 0 {
			return false, fmt.Errorf("malformed due key %q", key)
		}
		until, err := strconv.ParseInt(rest[:sep], 10, 64)
		if err != nil {
			return false, fmt.Errorf("malformed due key %q: %w", key, err)
		}
		if until > cutoff {
			return false, nil
		}

		trans, err := t.GetTransaction(rest[sep+1:])
		if err != nil {
			return false, err
		}
		out = append(out, trans)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

func (t *kvTx) ScanTransactions(fn func(t *model.Transaction) error) error {
	return t.scan(prefixTransaction, false, func(_ string, item *badger.Item) (bool, error) {
		var trans model.Transaction
		if err := decode(item, &trans); err != nil {
			return false, err
		}
		return true, fn(&trans)
	})
}

// ---------------------------------------------------------------------------
// install records
// ---------------------------------------------------------------------------

func (t *kvTx) GetInstall(key model.InstallKey) (*model.ModInstallRecord, error) {
	var rec model.ModInstallRecord
	if err := t.get(installKey(key), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *kvTx) InsertInstall(rec *model.ModInstallRecord) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}

	key := installKey(rec.Key())
	exists, err := t.exists(key)
	if err != nil {
		return err
	}
	if exists {
		return repository.ErrAlreadyExists
	}
	return t.put(key, rec)
}

func (t *kvTx) DeleteInstall(key model.InstallKey) error {
	if t.readOnly {
		return repository.ErrReadOnly
	}

	k := installKey(key)
	exists, err := t.exists(k)
	if err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return t.delete(k)
}
