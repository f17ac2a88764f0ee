/*
scheduler.go - Background maintenance jobs

PURPOSE:
  Runs the periodic sweeps that keep stored state consistent with the rules
  that depend on time or on lazily created data.

JOBS:
  expire-tasks       every minute   deactivate tasks whose expiry has passed
  backfill-referral  every hour     assign codes to users created without one

DESIGN:
  - gocron runs each job in singleton mode: a slow run is never overlapped
    by the next tick
  - Jobs run once immediately on start
  - Job failures are logged and retried on the next tick; the sweeps are
    idempotent

USAGE:
  scheduler, err := NewMaintenanceScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - admin.go: ExpireTasks / BackfillCodes endpoints (manual trigger)
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// MaintenanceScheduler owns the gocron scheduler for maintenance sweeps.
type MaintenanceScheduler struct {
	Handler        *Handler
	ExpiryInterval time.Duration
	BackfillEvery  time.Duration
	JobTimeout     time.Duration
	Logger         *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

func NewMaintenanceScheduler(h *Handler) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		Handler:        h,
		ExpiryInterval: time.Minute,
		BackfillEvery:  time.Hour,
		JobTimeout:     30 * time.Second,
		Logger:         h.Logger,
	}
}

// Start registers the jobs and starts the scheduler.
func (ms *MaintenanceScheduler) Start() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.scheduler != nil {
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	jobs := []struct {
		name  string
		every time.Duration
		run   func()
	}{
		{"expire-tasks", ms.ExpiryInterval, ms.ExpireTasks},
		{"backfill-referral-codes", ms.BackfillEvery, ms.BackfillCodes},
	}
	for _, j := range jobs {
		_, err := s.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(j.run),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			s.Shutdown()
			return fmt.Errorf("failed to register %s: %w", j.name, err)
		}
	}

	s.Start()
	ms.scheduler = s
	ms.Logger.Info("scheduler started", "expiry_interval", ms.ExpiryInterval, "backfill_interval", ms.BackfillEvery)
	return nil
}

// Stop waits for running jobs to finish and stops the scheduler.
func (ms *MaintenanceScheduler) Stop() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.scheduler == nil {
		return nil
	}
	err := ms.scheduler.Shutdown()
	ms.scheduler = nil
	ms.Logger.Info("scheduler stopped")
	return err
}

// ExpireTasks runs the expiry sweep once.
func (ms *MaintenanceScheduler) ExpireTasks() {
	ctx, cancel := context.WithTimeout(context.Background(), ms.JobTimeout)
	defer cancel()

	n, err := ms.Handler.Review.ExpireTasks(ctx)
	if err != nil {
		ms.Logger.Error("expire tasks failed", "expired", n, "error", err)
		return
	}
	if n > 0 {
		ms.Logger.Info("tasks expired", "count", n)
	}
}

// BackfillCodes runs the referral code backfill once.
func (ms *MaintenanceScheduler) BackfillCodes() {
	ctx, cancel := context.WithTimeout(context.Background(), ms.JobTimeout)
	defer cancel()

	n, err := ms.Handler.Referral.BackfillCodes(ctx)
	if err != nil {
		ms.Logger.Error("referral code backfill failed", "assigned", n, "error", err)
		return
	}
	if n > 0 {
		ms.Logger.Info("referral codes assigned", "count", n)
	}
}
