package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"portal/cmd/internal/auth/session"
)

// Sweeper is the part of the session service the scheduled sweep needs.
type Sweeper interface {
	Sweep(ctx context.Context) (session.SweepResult, error)
}

// NewSweepScheduler schedules svc.Sweep on spec in UTC. Overlapping runs are
// skipped. The caller starts and stops the returned scheduler.
func NewSweepScheduler(log *slog.Logger, spec string, svc Sweeper, timeout time.Duration) (*cron.Cron, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(spec, func() { runSweep(log, svc, timeout) }); err != nil {
		return nil, err
	}
	return c, nil
}

func runSweep(log *slog.Logger, svc Sweeper, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := svc.Sweep(ctx)
	if err != nil {
		log.Error("session.sweep.fail", "err", err)
		return
	}
	log.Info("session.sweep.done", "expired", res.Expired, "dangling", res.Dangling)
}
