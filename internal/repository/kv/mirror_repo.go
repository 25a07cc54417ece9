package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"modledger/internal/model"
	"modledger/internal/repository"

	"github.com/dgraph-io/badger/v3"
)

// Mirror record keys:
//
//	mirr/<record id>                      -> model.MirrorRecord
//	mirtx/<transaction id>\x00<network>   -> record id
//	mdue/<unix nanos %020d>/<record id>   -> nil
//
// Only pending and failed records carry an mdue entry, stamped with
// NextAttemptAt or, when that is unset, CreatedAt. Confirmed records drop out
// of the index so ListDue never walks delivered history.
const (
	prefixMirror    = "mirr/"
	prefixMirrorTx  = "mirtx/"
	prefixMirrorDue = "mdue/"
)

// MirrorRepository keeps mirror records in the ledger's badger database.
type MirrorRepository struct {
	db *badger.DB
}

// Mirrors returns the mirror record repository sharing s's database.
func (s *Store) Mirrors() *MirrorRepository {
	return &MirrorRepository{db: s.db}
}

func mirrorTxKey(transactionID, network string) string {
	return prefixMirrorTx + transactionID + "\x00" + network
}

func mirrorDueKey(rec *model.MirrorRecord) (string, bool) {
	if rec.Status != model.MirrorStatusPending && rec.Status != model.MirrorStatusFailed {
		return "", false
	}
	at := rec.CreatedAt
	if rec.NextAttemptAt != nil {
		at = *rec.NextAttemptAt
	}
	return fmt.Sprintf("%s%020d/%s", prefixMirrorDue, dueNanos(at), rec.ID), true
}

// dueNanos clamps times before the epoch to zero so keys stay fixed width.
func dueNanos(t time.Time) int64 {
	if t.Before(time.Unix(0, 0)) {
		return 0
	}
	return t.UnixNano()
}

func (t *kvTx) putMirror(rec, old *model.MirrorRecord) error {
	if old != nil {
		if key, ok := mirrorDueKey(old); ok {
			if err := t.delete(key); err != nil {
				return err
			}
		}
	}
	if err := t.put(prefixMirror+rec.ID, rec); err != nil {
		return err
	}
	if key, ok := mirrorDueKey(rec); ok {
		return t.txn.Set([]byte(key), nil)
	}
	return nil
}

func (r *MirrorRepository) update(ctx context.Context, fn func(t *kvTx) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = r.db.Update(func(txn *badger.Txn) error {
			return fn(&kvTx{txn: txn})
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", repository.ErrConflict, err)
}

func (r *MirrorRepository) view(ctx context.Context, fn func(t *kvTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.db.View(func(txn *badger.Txn) error {
		return fn(&kvTx{txn: txn, readOnly: true})
	})
}

func (r *MirrorRepository) Create(ctx context.Context, recs ...*model.MirrorRecord) error {
	return r.update(ctx, func(t *kvTx) error {
		for _, rec := range recs {
			exists, err := t.exists(prefixMirror + rec.ID)
			if err != nil {
				return err
			}
			if exists {
				return repository.ErrAlreadyExists
			}
			if err := t.putMirror(rec, nil); err != nil {
				return err
			}
			if err := t.txn.Set([]byte(mirrorTxKey(rec.TransactionID, rec.Network)), []byte(rec.ID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListDue walks the mdue index in time order and stops at the first entry
// stamped after now.
func (r *MirrorRepository) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]*model.MirrorRecord, error) {
	cutoff := dueNanos(now)
	var out []*model.MirrorRecord
	err := r.view(ctx, func(t *kvTx) error {
		return t.scan(prefixMirrorDue, false, func(key string, _ *badger.Item) (bool, error) {
			rest := key[len(prefixMirrorDue):]
			if len(rest) < 21 {
				return false, fmt.Errorf("malformed mirror due key %q", key)
			}
			nanos, err := strconv.ParseInt(rest[:20], 10, 64)
			if err != nil {
				return false, fmt.Errorf("malformed mirror due key %q: %w", key, err)
			}
			if nanos > cutoff {
				return false, nil
			}

			id := rest[21:]
			rec := &model.MirrorRecord{}
			if err := t.get(prefixMirror+id, rec); err != nil {
				return false, fmt.Errorf("mirror record %s: %w", id, err)
			}
			if rec.DueAt(now, maxAttempts) {
				out = append(out, rec)
			}
			return limit <= 0 || len(out) < limit, nil
		})
	})
	return out, err
}

func (r *MirrorRepository) Update(ctx context.Context, rec *model.MirrorRecord) error {
	return r.update(ctx, func(t *kvTx) error {
		old := &model.MirrorRecord{}
		if err := t.get(prefixMirror+rec.ID, old); err != nil {
			return err
		}
		return t.putMirror(rec, old)
	})
}

func (r *MirrorRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*model.MirrorRecord, error) {
	var out []*model.MirrorRecord
	err := r.view(ctx, func(t *kvTx) error {
		var ids []string
		err := t.scan(prefixMirrorTx+transactionID+"\x00", false, func(_ string, item *badger.Item) (bool, error) {
			return true, item.Value(func(val []byte) error {
				ids = append(ids, string(val))
				return nil
			})
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec := &model.MirrorRecord{}
			if err := t.get(prefixMirror+id, rec); err != nil {
				return fmt.Errorf("mirror record %s: %w", id, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (r *MirrorRepository) SyncSummary(ctx context.Context) ([]model.NetworkSync, error) {
	byNetwork := make(map[string]*model.NetworkSync)
	err := r.view(ctx, func(t *kvTx) error {
		return t.scan(prefixMirror, false, func(_ string, item *badger.Item) (bool, error) {
			rec := &model.MirrorRecord{}
			if err := decode(item, rec); err != nil {
				return false, err
			}
			s, ok := byNetwork[rec.Network]
			if !ok {
				s = &model.NetworkSync{Network: rec.Network}
				byNetwork[rec.Network] = s
			}
			s.Total++
			switch rec.Status {
			case model.MirrorStatusConfirmed:
				s.Confirmed++
			case model.MirrorStatusFailed:
				s.Failed++
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.NetworkSync, 0, len(byNetwork))
	for _, s := range byNetwork {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out, nil
}
