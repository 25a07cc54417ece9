package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modledger/internal/logger"
	"modledger/internal/metrics"
	"modledger/internal/model"
	"modledger/internal/repository"
	"modledger/internal/worker"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type OutboxConfig struct {
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Workers     int
}

func (c OutboxConfig) normalized() OutboxConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Backoff is the delay before retry number attempts+1:
// min(BaseBackoff * 2^(attempts-1), MaxBackoff).
func (c OutboxConfig) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		if d >= c.MaxBackoff/2 {
			return c.MaxBackoff
		}
		d *= 2
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// Outbox records transactions to mirror and publishes them in the
// background. Mirror is called by the ledger after commit; ProcessDue is
// driven by the sender job.
type Outbox struct {
	repo       repository.MirrorRepository
	publishers map[string]Publisher
	networks   []string
	cfg        OutboxConfig
	clock      clockwork.Clock
	pool       *worker.Pool
	notify     chan struct{}
	log        *slog.Logger
}

type OutboxOption func(*Outbox)

func WithOutboxClock(c clockwork.Clock) OutboxOption {
	return func(o *Outbox) { o.clock = c }
}

func WithOutboxLogger(l *slog.Logger) OutboxOption {
	return func(o *Outbox) { o.log = logger.Component(l, "mirror") }
}

func NewOutbox(repo repository.MirrorRepository, cfg OutboxConfig, publishers []Publisher, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		repo:       repo,
		publishers: make(map[string]Publisher, len(publishers)),
		cfg:        cfg.normalized(),
		clock:      clockwork.NewRealClock(),
		notify:     make(chan struct{}, 1),
		log:        logger.Component(nil, "mirror"),
	}
	for _, p := range publishers {
		if _, dup := o.publishers[p.Network()]; dup {
			continue
		}
		o.publishers[p.Network()] = p
		o.networks = append(o.networks, p.Network())
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pool = worker.NewPool(o.cfg.Workers, o.cfg.BatchSize)
	return o
}

func (o *Outbox) Networks() []string {
	return append([]string(nil), o.networks...)
}

// Notify fires after Mirror queued new records.
func (o *Outbox) Notify() <-chan struct{} {
	return o.notify
}

// Mirror queues t for every configured network. Failures are logged; the
// ledger never sees them.
func (o *Outbox) Mirror(ctx context.Context, t *model.Transaction) []*model.MirrorRecord {
	if len(o.networks) == 0 {
		return nil
	}

	now := o.clock.Now().UTC()
	recs := make([]*model.MirrorRecord, 0, len(o.networks))
	for _, network := range o.networks {
		recs = append(recs, &model.MirrorRecord{
			ID:            uuid.NewString(),
			TransactionID: t.ID,
			Network:       network,
			Status:        model.MirrorStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := o.repo.Create(ctx, recs...); err != nil {
		o.log.Error("queue mirror records failed", "tx", t.ID, "error", err)
		return nil
	}

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return recs
}

// TransactionLoader resolves the transaction a mirror record refers to.
type TransactionLoader func(ctx context.Context, id string) (*model.Transaction, error)

// ProcessResult counts one ProcessDue pass.
type ProcessResult struct {
	Attempted int
	Confirmed int
	Failed    int
}

// ProcessDue publishes one batch of due records on the worker pool and
// stores each outcome.
func (o *Outbox) ProcessDue(ctx context.Context, loadTx TransactionLoader) (ProcessResult, error) {
	now := o.clock.Now().UTC()
	due, err := o.repo.ListDue(ctx, now, o.cfg.MaxAttempts, o.cfg.BatchSize)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("list due mirror records: %w", err)
	}
	metrics.MirrorDueRecords.Set(float64(len(due)))
	if len(due) == 0 {
		return ProcessResult{}, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		res = ProcessResult{Attempted: len(due)}
	)
	for _, rec := range due {
		rec := rec
		wg.Add(1)
		o.pool.Submit(func() {
			defer wg.Done()
			ok := o.attempt(ctx, rec, loadTx)

			mu.Lock()
			if ok {
				res.Confirmed++
			} else {
				res.Failed++
			}
			mu.Unlock()
		})
	}
	metrics.MirrorQueueDepth.Set(float64(o.pool.QueueDepth()))
	wg.Wait()

	return res, nil
}

func (o *Outbox) attempt(ctx context.Context, rec *model.MirrorRecord, loadTx TransactionLoader) bool {
	ref, pubErr := o.publish(ctx, rec, loadTx)

	now := o.clock.Now().UTC()
	rec.Attempts++
	rec.LastAttemptAt = &now
	rec.UpdatedAt = now

	if pubErr == nil {
		rec.Status = model.MirrorStatusConfirmed
		rec.ExternalRef = ref
		rec.LastError = ""
		rec.NextAttemptAt = nil
	} else {
		rec.Status = model.MirrorStatusFailed
		rec.LastError = truncate(pubErr.Error(), 512)
		if rec.Attempts < o.cfg.MaxAttempts {
			next := now.Add(o.cfg.Backoff(rec.Attempts))
			rec.NextAttemptAt = &next
		} else {
			rec.NextAttemptAt = nil
		}
	}

	result := "confirmed"
	if pubErr != nil {
		result = "failed"
		o.log.Warn("mirror publish failed",
			"tx", rec.TransactionID, "network", rec.Network, "attempts", rec.Attempts, "error", pubErr)
	}
	metrics.MirrorAttempts.WithLabelValues(rec.Network, result).Inc()

	if err := o.repo.Update(ctx, rec); err != nil {
		o.log.Error("store mirror outcome failed", "record", rec.ID, "error", err)
	}
	return pubErr == nil
}

func (o *Outbox) publish(ctx context.Context, rec *model.MirrorRecord, loadTx TransactionLoader) (string, error) {
	p, ok := o.publishers[rec.Network]
	if !ok {
		return "", fmt.Errorf("%w: no publisher for network %s", ErrMirrorFailure, rec.Network)
	}

	t, err := loadTx(ctx, rec.TransactionID)
	if err != nil {
		return "", fmt.Errorf("%w: load transaction %s: %v", ErrMirrorFailure, rec.TransactionID, err)
	}

	ref, err := p.Publish(ctx, t)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMirrorFailure, err)
	}
	return ref, nil
}

// Close stops the worker pool. ProcessDue must not be called afterwards.
func (o *Outbox) Close() {
	o.pool.Stop()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
