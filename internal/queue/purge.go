package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// PurgeScheduler removes synced submissions on a cron schedule.
type PurgeScheduler struct {
	cron    *cron.Cron
	manager *Manager
	logger  *slog.Logger
}

// NewPurgeScheduler parses spec (standard five-field cron or a descriptor
// such as "@every 30m") and binds it to m.PurgeSynced.
func NewPurgeScheduler(m *Manager, spec string) (*PurgeScheduler, error) {
	p := &PurgeScheduler{
		cron:    cron.New(),
		manager: m,
		logger:  slog.Default(),
	}
	if _, err := p.cron.AddFunc(spec, func() { p.purge(context.Background()) }); err != nil {
		return nil, fmt.Errorf("parsing purge schedule %q: %w", spec, err)
	}
	return p, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for
// a running purge to finish.
func (p *PurgeScheduler) Run(ctx context.Context) error {
	p.cron.Start()
	<-ctx.Done()
	<-p.cron.Stop().Done()
	return nil
}

func (p *PurgeScheduler) purge(ctx context.Context) int {
	n, err := p.manager.PurgeSynced(ctx)
	if err != nil {
		p.logger.Error("scheduled purge failed", "error", err)
		return 0
	}
	if n > 0 {
		p.logger.Debug("scheduled purge removed synced submissions", "count", n)
	}
	return n
}
