package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"cdist-go/internal/cdist"
)

// cronLogger adapts cdist.Logger to cron.Logger.
type cronLogger struct {
	l cdist.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// auditJob re-verifies every cataloged version.
type auditJob struct {
	ctx     context.Context
	service *cdist.Service
	logger  cdist.Logger
}

func (j auditJob) Run() {
	results, err := j.service.VerifyAll(j.ctx)
	if err != nil {
		j.logger.Error("audit failed", "error", err)
		return
	}
	total, invalid := 0, 0
	for version, r := range results {
		total += r.Total
		invalid += r.Invalid
		if r.Invalid > 0 {
			j.logger.Warn("audit found invalid files", "version", version, "invalid", r.Invalid)
		}
	}
	j.logger.Info("audit finished", "versions", len(results), "files", total, "invalid", invalid)
}

// newAuditScheduler returns a stopped scheduler running auditJob on spec,
// a standard five-field cron expression. Overlapping runs are delayed and
// panics are recovered.
func newAuditScheduler(ctx context.Context, spec string, svc *cdist.Service, logger cdist.Logger) (*cron.Cron, error) {
	cl := cronLogger{l: logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(
			cron.Recover(cl),
			cron.DelayIfStillRunning(cl),
		),
	)
	if _, err := c.AddJob(spec, auditJob{ctx: ctx, service: svc, logger: logger}); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", spec, err)
	}
	return c, nil
}
