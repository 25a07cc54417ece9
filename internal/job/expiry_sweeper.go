package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"modledger/internal/infrastructure/lock"
	"modledger/internal/logger"
	"modledger/internal/service"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// LockSettler settles matured time-locked transactions.
type LockSettler interface {
	ProcessExpiredLocks(ctx context.Context, now time.Time) (service.SweepResult, error)
}

// ExpirySweeper runs the lock settlement sweep on a fixed interval. Runs of
// one sweeper never overlap; with a Redis lock configured, runs across
// instances don't either.
type ExpirySweeper struct {
	settler  LockSettler
	interval time.Duration
	clock    clockwork.Clock
	lock     *lock.DistributedLock
	log      *slog.Logger

	sched gocron.Scheduler
}

type SweeperOption func(*ExpirySweeper)

func WithSweeperClock(c clockwork.Clock) SweeperOption {
	return func(s *ExpirySweeper) { s.clock = c }
}

// WithSweepLock makes every run take l first and skip when another instance
// holds it.
func WithSweepLock(l *lock.DistributedLock) SweeperOption {
	return func(s *ExpirySweeper) { s.lock = l }
}

func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *ExpirySweeper) { s.log = logger.Component(l, "expiry_sweeper") }
}

func NewExpirySweeper(settler LockSettler, interval time.Duration, opts ...SweeperOption) *ExpirySweeper {
	s := &ExpirySweeper{
		settler:  settler,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		log:      logger.Component(nil, "expiry_sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep and returns. Jobs run until Stop.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("expiry-sweep"),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.sched = sched
	sched.Start()
	s.log.Info("expiry sweeper started", "interval", s.interval)
	return nil
}

// RunOnce performs a single sweep at the sweeper clock's current time. It
// returns an empty result when another instance holds the sweep lock.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (res service.SweepResult, err error) {
	if s.lock != nil {
		ok, lerr := s.lock.TryLock(ctx)
		if lerr != nil {
			return res, fmt.Errorf("take sweep lock: %w", lerr)
		}
		if !ok {
			s.log.Debug("sweep lock held elsewhere, skipping run")
			return res, nil
		}
		defer func() {
			if uerr := s.lock.Unlock(context.WithoutCancel(ctx)); uerr != nil && !errors.Is(uerr, lock.ErrNotHeld) {
				s.log.Warn("release sweep lock failed", "error", uerr)
			}
		}()
	}

	res, err = s.settler.ProcessExpiredLocks(ctx, s.clock.Now())
	if err != nil {
		return res, err
	}
	if res.Scanned > 0 {
		s.log.Info("sweep finished", "scanned", res.Scanned, "settled", res.Settled, "failed", res.Failed)
	}
	return res, nil
}

func (s *ExpirySweeper) Stop() error {
	if s.sched == nil {
		return nil
	}
	err := s.sched.Shutdown()
	s.log.Info("expiry sweeper stopped")
	return err
}
