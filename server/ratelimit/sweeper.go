package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper evicts expired windows from a Limiter on a cron schedule.
type Sweeper struct {
	limiter  Limiter
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// NewSweeper creates a sweeper. An empty schedule disables it.
func NewSweeper(limiter Limiter, schedule string, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		limiter:  limiter,
		schedule: schedule,
		logger:   logger.With(zap.String("component", "ratelimit.sweeper")),
	}
}

// Start schedules sweeping until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping sweeper")
		return nil
	}
	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sweeping: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.stop = make(chan struct{})
	s.logger.Info("rate limit sweeper started", zap.String("schedule", s.schedule))

	go func(stop chan struct{}) {
		select {
		case <-ctx.Done():
			s.stopRun(stop)
		case <-stop:
		}
	}(s.stop)
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	removed, err := s.limiter.Sweep(ctx)
	if err != nil {
		s.logger.Error("rate limit sweep failed", zap.Error(err))
		return
	}
	s.logger.Debug("rate limit sweep completed", zap.Int("removed", removed))
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.stopRun(nil)
}

// stopRun stops the schedule. A non-nil stop only ends the run it was
// created for, so a cancelled context cannot stop a later Start.
func (s *Sweeper) stopRun(stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running && (stop == nil || stop == s.stop) {
		close(s.stop)
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("rate limit sweeper stopped")
	}
}

// IsRunning reports whether the schedule is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
