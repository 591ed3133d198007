package periodic

import (
	"context"
	"log/slog"
	"time"
)

// A restartable background job, run once per interval. Each call to the pass function is one complete (or
// resumed) walk; errors are logged and the job runs again on the next tick.
type Runner struct {
	Name     string
	Interval time.Duration
	Pass     func(ctx context.Context) error
	Logger   *slog.Logger
}

func NewRunner(name string, interval time.Duration, pass func(ctx context.Context) error, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Name:     name,
		Interval: interval,
		Pass:     pass,
		Logger:   logger.With("job", name),
	}
}

// Runs one pass immediately, then one per interval, until the context is cancelled. Always returns nil.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		r.runOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	start := time.Now()
	err := r.Pass(ctx)
	dur := time.Since(start)
	jobDuration.WithLabelValues(r.Name).Observe(dur.Seconds())
	if err != nil {
		if ctx.Err() != nil {
			r.Logger.Info("periodic job interrupted by shutdown", "err", err)
			return
		}
		jobRuns.WithLabelValues(r.Name, "error").Inc()
		// don't return an error, just log, and attempt again on the next tick
		r.Logger.Error("periodic job failed", "err", err, "duration", dur)
		return
	}
	jobRuns.WithLabelValues(r.Name, "ok").Inc()
	r.Logger.Info("periodic job pass complete", "duration", dur)
}
