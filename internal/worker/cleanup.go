// Package worker runs the periodic maintenance jobs.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// ExpiredCleaner deletes rows that expired before now.
type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

// SessionCleaner is implemented by session stores that need explicit sweeping.
type SessionCleaner interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// CleanupWorker sweeps expired OTP records and sessions on a cron schedule.
type CleanupWorker struct {
	cron     *cron.Cron
	otps     ExpiredCleaner
	sessions SessionCleaner
	timeout  time.Duration
	now      func() time.Time
	stopOnce sync.Once
}

func NewCleanupWorker(cfg config.CleanupConfig, otps ExpiredCleaner, sessions SessionCleaner) (*CleanupWorker, error) {
	w := &CleanupWorker{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		otps:     otps,
		sessions: sessions,
		timeout:  cfg.Timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if w.timeout <= 0 {
		w.timeout = 30 * time.Second
	}
	if _, err := w.cron.AddFunc(cfg.Schedule, w.run); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Schedule, err)
	}
	return w, nil
}

func (w *CleanupWorker) Start() {
	w.cron.Start()
	util.Info("Cleanup worker started", zap.Int("jobs", len(w.cron.Entries())))
}

// Stop waits for a running sweep to finish or ctx to end.
func (w *CleanupWorker) Stop(ctx context.Context) {
	w.stopOnce.Do(func() {
		select {
		case <-w.cron.Stop().Done():
		case <-ctx.Done():
			util.Warn("Cleanup worker stop timed out")
		}
	})
}

func (w *CleanupWorker) run() {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if _, _, err := w.RunOnce(ctx); err != nil {
		util.Error("Scheduled cleanup failed", zap.Error(err))
	}
}

// RunOnce performs a single sweep and reports how much was removed.
func (w *CleanupWorker) RunOnce(ctx context.Context) (otps, sessions int64, err error) {
	startTime := time.Now()
	now := w.now()

	if w.otps != nil {
		otps, err = w.otps.CleanupExpired(ctx, now)
		if err != nil {
			return 0, 0, fmt.Errorf("otp cleanup: %w", err)
		}
	}
	if w.sessions != nil {
		sessions, err = w.sessions.DeleteExpiredSessions(ctx, now)
		if err != nil {
			return otps, 0, fmt.Errorf("session cleanup: %w", err)
		}
	}

	util.Info("Cleanup completed",
		util.Int64("otps_removed", otps),
		util.Int64("sessions_removed", sessions),
		util.Duration("duration", time.Since(startTime)))
	return otps, sessions, nil
}
