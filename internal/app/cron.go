package app

import (
	"context"
	"time"

	"github.com/mx-space/authgate/internal/config"
	pkgcron "github.com/mx-space/authgate/internal/pkg/cron"
	"go.uber.org/zap"
)

const jobSweepSessions = "sweep_sessions"

// registerCronJobs registers all scheduled background jobs.
func registerCronJobs(sched *pkgcron.Scheduler, core *Core, cfg *config.AppConfig, logger *zap.Logger) error {
	cronLogger := logger.Named("CronService")

	return sched.Register(pkgcron.Job{
		Name:        jobSweepSessions,
		Description: "Delete expired and consumed sessions",
		Interval:    cfg.CleanupInterval,
		Fn: func(ctx context.Context) error {
			start := time.Now()
			n, err := core.Auth.CleanupExpired(ctx)
			if err != nil {
				return err
			}
			cronLogger.Info("session sweep done",
				zap.Int64("removed", n),
				zap.Duration("took", time.Since(start)))
			return nil
		},
	})
}
