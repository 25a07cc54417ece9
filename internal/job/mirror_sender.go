package job

import (
	"context"
	"log/slog"
	"time"

	"modledger/internal/logger"
	"modledger/internal/mirror"
)

// MirrorSender drains the mirror outbox on a ticker, and immediately when
// the outbox reports newly queued records.
type MirrorSender struct {
	outbox   *mirror.Outbox
	loadTx   mirror.TransactionLoader
	interval time.Duration
	stopCh   chan struct{}
	log      *slog.Logger
}

func NewMirrorSender(outbox *mirror.Outbox, loadTx mirror.TransactionLoader, interval time.Duration, l *slog.Logger) *MirrorSender {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MirrorSender{
		outbox:   outbox,
		loadTx:   loadTx,
		interval: interval,
		stopCh:   make(chan struct{}),
		log:      logger.Component(l, "mirror_sender"),
	}
}

// Start blocks until ctx is done or Stop is called.
func (s *MirrorSender) Start(ctx context.Context) {
	s.log.Info("mirror sender started", "interval", s.interval, "networks", s.outbox.Networks())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("mirror sender exiting", "reason", ctx.Err())
			return
		case <-s.stopCh:
			s.log.Info("mirror sender stopped")
			return
		case <-ticker.C:
			s.processDue(ctx)
		case <-s.outbox.Notify():
			s.processDue(ctx)
		}
	}
}

func (s *MirrorSender) Stop() {
	close(s.stopCh)
}

func (s *MirrorSender) processDue(ctx context.Context) {
	res, err := s.outbox.ProcessDue(ctx, s.loadTx)
	if err != nil {
		s.log.Error("process mirror records failed", "error", err)
		return
	}
	if res.Attempted > 0 {
		s.log.Debug("mirror batch done", "attempted", res.Attempted, "confirmed", res.Confirmed, "failed", res.Failed)
	}
}
