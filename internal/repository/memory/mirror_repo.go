package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"modledger/internal/model"
	"modledger/internal/repository"
)

type MirrorRepository struct {
	mu      sync.RWMutex
	records map[string]*model.MirrorRecord
	order   []string
}

func NewMirrorRepository() *MirrorRepository {
	return &MirrorRepository{records: make(map[string]*model.MirrorRecord)}
}

func (r *MirrorRepository) Create(_ context.Context, recs ...*model.MirrorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range recs {
		if _, exists := r.records[rec.ID]; exists {
			return repository.ErrAlreadyExists
		}
	}
	for _, rec := range recs {
		r.records[rec.ID] = rec.Clone()
		r.order = append(r.order, rec.ID)
	}
	return nil
}

func (r *MirrorRepository) ListDue(_ context.Context, now time.Time, maxAttempts, limit int) ([]*model.MirrorRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.MirrorRecord
	for _, id := range r.order {
		rec := r.records[id]
		if !rec.DueAt(now, maxAttempts) {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MirrorRepository) Update(_ context.Context, rec *model.MirrorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.ID]; !ok {
		return repository.ErrNotFound
	}
	r.records[rec.ID] = rec.Clone()
	return nil
}

func (r *MirrorRepository) ListByTransaction(_ context.Context, transactionID string) ([]*model.MirrorRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.MirrorRecord
	for _, id := range r.order {
		if rec := r.records[id]; rec.TransactionID == transactionID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out, nil
}

func (r *MirrorRepository) SyncSummary(_ context.Context) ([]model.NetworkSync, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byNetwork := make(map[string]*model.NetworkSync)
	for _, rec := range r.records {
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
	}

	out := make([]model.NetworkSync, 0, len(byNetwork))
	for _, s := range byNetwork {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out, nil
}
