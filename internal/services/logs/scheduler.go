package logs

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/amerfu/infergate/internal/config"
)

// Scheduler runs Clean on a cron schedule.
type Scheduler struct {
	cfg     config.HousekeepingConfig
	cron    *cron.Cron
	logger  *zap.Logger
	mu      sync.Mutex
	running bool
}

func NewScheduler(cfg config.HousekeepingConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules cleanup. An empty schedule or disabled housekeeping does
// nothing.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.Enabled || s.cfg.Schedule == "" {
		s.logger.Info("Log housekeeping disabled")
		return nil
	}

	if _, err := cron.ParseStandard(s.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.cfg.Schedule, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.run); err != nil {
		return fmt.Errorf("failed to schedule log cleanup: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("Log housekeeping started",
		zap.String("schedule", s.cfg.Schedule),
		zap.String("dir", s.cfg.Dir),
		zap.Int("keep_days", s.cfg.KeepDays))
	return nil
}

func (s *Scheduler) run() {
	res, err := Clean(s.cfg.Dir, s.cfg.KeepDays, s.logger)
	if err != nil {
		s.logger.Error("Scheduled log cleanup failed", zap.Error(err))
	}
	if res.DeletedFiles > 0 {
		s.logger.Info("Scheduled log cleanup completed",
			zap.Int("deleted_files", res.DeletedFiles),
			zap.Float64("freed_space_mb", res.FreedSpaceMB))
	}
}

// Stop waits for a running cleanup to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}

func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
