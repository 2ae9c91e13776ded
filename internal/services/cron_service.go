package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// CronService manages scheduled background jobs
type CronService struct {
	cron          *cron.Cron
	expirationSvc *ExpirationService
	schedule      string
	jobTimeout    time.Duration
	logger        *logrus.Logger

	sweepMu sync.Mutex // serializes scheduled and manual sweeps
	mu      sync.Mutex
	lastRun *SweepStats
}

// NewCronService creates a new CronService. schedule uses the six-field
// format with seconds.
func NewCronService(expirationSvc *ExpirationService, schedule string, logger *logrus.Logger) *CronService {
	c := cron.New(
		cron.WithSeconds(),
		// A slow sweep must not overlap the next one
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &CronService{
		cron:          c,
		expirationSvc: expirationSvc,
		schedule:      schedule,
		jobTimeout:    time.Minute,
		logger:        logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	// Job 1: Expire unpaid bookings and release orphan holds
	// Cron format: second minute hour day month weekday
	// "0 * * * * *" = At second 0 of every minute
	_, err := s.cron.AddFunc(s.schedule, s.expirationSweepJob)
	if err != nil {
		return fmt.Errorf("failed to schedule expiration sweep: %w", err)
	}
	s.logger.WithField("schedule", s.schedule).Info("✓ Scheduled: Expiration sweep")

	s.cron.Start()
	s.logger.Info("✓ Cron service started successfully")

	return nil
}

// Stop stops all cron jobs and waits for running ones to finish
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("✓ Cron service stopped")
}

// expirationSweepJob runs one sweep cycle
func (s *CronService) expirationSweepJob() {
	s.runSweep()
}

func (s *CronService) runSweep() SweepStats {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	startTime := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	stats := s.expirationSvc.RunOnce(ctx)

	s.mu.Lock()
	s.lastRun = &stats
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"expired":        stats.Expired,
		"holds_released": stats.HoldsReleased,
		"duration":       time.Since(startTime).String(),
	}).Debug("[CRON] Expiration sweep done")

	return stats
}

// RunExpirationSweepNow runs the sweep immediately (manual trigger)
func (s *CronService) RunExpirationSweepNow() SweepStats {
	s.logger.Info("[MANUAL] Running expiration sweep now...")
	return s.runSweep()
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	status := map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}

	s.mu.Lock()
	if s.lastRun != nil {
		status["last_sweep"] = *s.lastRun
	}
	s.mu.Unlock()

	return status
}
