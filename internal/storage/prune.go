package storage

import (
	"context"
	"strings"
	"time"

	logx "fogworker/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Pruner drops history older than the retention window on a cron schedule.
type Pruner struct {
	c *cron.Cron
}

// StartPruner schedules h.Prune on spec (standard 5-field cron or a descriptor
// such as "@hourly"). A retention <= 0 disables pruning and returns nil.
func StartPruner(h History, spec string, retention time.Duration, log logx.Logger) (*Pruner, error) {
	if h == nil || retention <= 0 {
		return nil, nil
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "@hourly"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	job := cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := h.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn("history prune failed", logx.Err(err))
			return
		}
		if n > 0 {
			log.Info("history pruned", logx.Int("removed", n), logx.Duration("retention", retention))
		}
	})
	if _, err := c.AddJob(spec, cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(job)); err != nil {
		return nil, err
	}
	c.Start()
	return &Pruner{c: c}, nil
}

// Stop waits for a running prune, bounded by ctx.
func (p *Pruner) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case <-p.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ValidateCronSpec reports whether spec is accepted by StartPruner.
func ValidateCronSpec(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	_, err := cron.ParseStandard(spec)
	return err
}
