package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner is one reconciliation invocation. *Task satisfies it.
type Runner interface {
	Run(ctx context.Context) (Result, error)
}

// Scheduler invokes a Runner on a fixed interval. An invocation that is
// still running when the next one is due makes the next one skip.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewScheduler returns a Scheduler. Nothing runs until Run is called.
func NewScheduler(r Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "reconcile")
	cl := cronLogger{logger}
	return &Scheduler{
		runner:   r,
		interval: interval,
		logger:   logger,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
}

// Run invokes the runner once immediately, then on every interval until
// ctx is done. It returns after the in-flight invocation finishes.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Schedule(every(s.interval), cron.FuncJob(func() { s.invoke(ctx) }))

	s.invoke(ctx)
	if ctx.Err() != nil {
		return nil
	}
	s.cron.Start()
	s.logger.Info("reconciliation scheduled", "interval", s.interval)

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (s *Scheduler) invoke(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	Once(ctx, s.runner, s.logger)
}

// Once runs a single invocation and logs its outcome.
func Once(ctx context.Context, r Runner, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	res, err := r.Run(ctx)
	if err != nil {
		logger.Warn("reconciliation failed", "result", res.String(), "error", err,
			"duration", time.Since(start))
	} else {
		logger.Info("reconciliation completed", "result", res.String(),
			"duration", time.Since(start))
	}
	return res, err
}

// every is cron.Every for whole seconds. cron.Every rounds anything
// shorter up to a second, so sub-second intervals get a plain fixed delay.
func every(d time.Duration) cron.Schedule {
	if d >= time.Second {
		return cron.Every(d)
	}
	return constantDelay(d)
}

type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// cronLogger routes cron's own logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
