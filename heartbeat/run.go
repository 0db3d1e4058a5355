package heartbeat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Run ticks on the configured interval until ctx is cancelled. A tick that
// is still running when the next one is due causes that one to be skipped.
// Executions started by ticks inherit ctx.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.ctxMu.Lock()
	h.execCtx = ctx
	h.ctxMu.Unlock()

	logger := cronLogger{h.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	spec := "@every " + h.cfg.Interval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := h.Tick(ctx); err != nil {
			h.logger.Error("heartbeat tick failed", slog.Any("err", err))
		}
	}); err != nil {
		return fmt.Errorf("schedule heartbeat %q: %w", spec, err)
	}

	h.logger.Info("heartbeat started", slog.Duration("interval", h.cfg.Interval))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	h.logger.Info("heartbeat stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
