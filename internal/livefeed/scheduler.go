package livefeed

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Refetcher reloads every open feed.
type Refetcher interface {
	RefetchAll(ctx context.Context) error
}

// RefetchScheduler periodically repairs drift by reloading all open feeds.
// Spec strings use the six-field cron format with seconds.
type RefetchScheduler struct {
	cron    *cron.Cron
	target  Refetcher
	timeout time.Duration
	logger  *slog.Logger
}

func NewRefetchScheduler(target Refetcher, logger *slog.Logger) *RefetchScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefetchScheduler{
		cron:    cron.New(cron.WithSeconds()),
		target:  target,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Start registers spec and starts the scheduler.
func (s *RefetchScheduler) Start(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("refetch scheduler started", "schedule", spec)
	return nil
}

// Stop waits for a running refetch to finish.
func (s *RefetchScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *RefetchScheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	started := time.Now()
	if err := s.target.RefetchAll(ctx); err != nil {
		s.logger.Warn("scheduled refetch failed", "error", err)
		return
	}
	s.logger.Info("scheduled refetch completed", "duration", time.Since(started))
}
