/**
 * @description
 * Cron scheduler setup for the periodic jobs: reconciliation runs and
 * allocation-expiry sweeps.
 */
package app

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// CronScheduler manages the periodic jobs.
type CronScheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
}

// NewCronScheduler creates a new scheduler instance.
func NewCronScheduler(reconciler *Reconciler) *CronScheduler {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &CronScheduler{cron: c, reconciler: reconciler}
}

// Start registers the jobs and starts the cron scheduler. Schedules use the
// robfig/cron syntax, e.g. "@every 5m".
func (s *CronScheduler) Start(ctx context.Context, reconcileSchedule, expirySchedule string) {
	if _, err := s.cron.AddFunc(reconcileSchedule, func() { s.reconciler.RunOnce(ctx) }); err != nil {
		log.Printf("level=error component=cron msg=\"failed to schedule reconciliation job\" schedule=%q err=%v", reconcileSchedule, err)
	} else {
		log.Printf("level=info component=cron msg=\"scheduled reconciliation job\" schedule=%q", reconcileSchedule)
	}

	if _, err := s.cron.AddFunc(expirySchedule, func() { s.reconciler.ExpireAllocations(ctx) }); err != nil {
		log.Printf("level=error component=cron msg=\"failed to schedule allocation expiry job\" schedule=%q err=%v", expirySchedule, err)
	} else {
		log.Printf("level=info component=cron msg=\"scheduled allocation expiry job\" schedule=%q", expirySchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *CronScheduler) Stop() context.Context {
	return s.cron.Stop()
}
