// Package scheduler runs periodic reconciliation passes on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calsync/internal/calsync"
	appLog "calsync/internal/log"
)

// Reconciler is the part of calsync.Reconciler the scheduler drives.
type Reconciler interface {
	ReconcileAll(ctx context.Context) calsync.Result
}

// Scheduler triggers ReconcileAll on a standard five-field cron spec.
// Passes never overlap: a tick that arrives while a pass is still running is
// skipped.
type Scheduler struct {
	spec string
	rec  Reconciler
	cron *cron.Cron

	mu   sync.Mutex
	last *Pass
}

// Pass summarizes the most recent scheduled run.
type Pass struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Result    calsync.Result `json:"result"`
}

// New validates spec and prepares the cron runner. It does not start it.
func New(spec string, rec Reconciler) (*Scheduler, error) {
	if rec == nil {
		return nil, errors.New("scheduler: reconciler is nil")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("scheduler: invalid cron spec %q: %w", spec, err)
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{spec: spec, rec: rec, cron: c}, nil
}

// Run starts the schedule and blocks until ctx is done. It waits for a pass
// in progress to finish before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	s.cron.Start()
	appLog.Info("reconcile scheduler started", "cron", s.spec, "next", s.Next().Format(time.RFC3339))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	appLog.Info("reconcile scheduler stopped")
	return nil
}

// RunOnce performs one reconciliation pass and records it as the last pass.
func (s *Scheduler) RunOnce(ctx context.Context) calsync.Result {
	if ctx.Err() != nil {
		return calsync.Result{Status: calsync.ResultSkipped}
	}
	started := time.Now()
	res := s.rec.ReconcileAll(ctx)
	pass := Pass{StartedAt: started, Duration: time.Since(started), Result: res}

	s.mu.Lock()
	s.last = &pass
	s.mu.Unlock()

	appLog.Info("scheduled reconcile finished",
		"status", res.Status,
		"deleted", res.Deleted,
		"updated", res.Updated,
		"relinked", res.Relinked,
		"needs_resync", res.NeedsResync,
		"errors", res.Errors,
		"duration", pass.Duration.String(),
	)
	return res
}

// LastPass returns the most recent pass, if any.
func (s *Scheduler) LastPass() (Pass, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Pass{}, false
	}
	return *s.last, true
}

// Next returns the next activation time, or the zero time before Run.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// cronLogger routes cron's own logging through the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
