package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Sweeper periodically retries unresolved bohcodes.
type Sweeper struct {
	service   *Service
	pacer     *Pacer
	interval  time.Duration
	timeout   time.Duration
	scheduler *gocron.Scheduler
	logger    *zap.Logger
}

// NewSweeper schedules RetryUnresolved every interval. A run longer than
// the interval delays the next one instead of overlapping it.
func NewSweeper(service *Service, interval time.Duration, pacer *Pacer, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		service:   service,
		pacer:     pacer,
		interval:  interval,
		timeout:   interval * 4,
		scheduler: gocron.NewScheduler(time.Local),
		logger:    logger,
	}
}

// Start schedules the job. The first run happens after one interval.
func (s *Sweeper) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.interval)
	}
	_, err := s.scheduler.Every(s.interval).WaitForSchedule().SingletonMode().Do(s.Run)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.scheduler.StartAsync()
	s.logger.Info("retry sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop stops scheduling. A running sweep finishes on its own.
func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

// Run performs one sweep.
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	sum, err := s.service.RetryUnresolved(ctx, s.pacer)
	if err != nil {
		s.logger.Error("retry sweep failed", zap.Error(err))
		return
	}
	if sum.Total == 0 {
		return
	}
	s.logger.Info("retry sweep finished",
		zap.Int("total", sum.Total),
		zap.Int("upgraded", sum.Counts[StatusReplaced]+sum.Counts[StatusRefreshed]),
		zap.Int("still_unresolved", sum.Failed()),
		zap.Duration("took", time.Since(start)))
}
