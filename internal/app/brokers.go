package app

import (
	"strings"
	"sync"

	"fogworker/internal/broker"
	"fogworker/internal/coordinator"
	logx "fogworker/pkg/logx"
)

// brokerPool hands the coordinator a client for the configured URL. All
// clients share one connection pool until the broker options change.
type brokerPool struct {
	log logx.Logger

	mu   sync.Mutex
	opts broker.Options
	base *broker.Client
	cur  *broker.Client
}

func newBrokerPool(opts broker.Options, log logx.Logger) *brokerPool {
	return &brokerPool{log: log, opts: opts, base: broker.New("", opts, log)}
}

func (p *brokerPool) For(baseURL string) coordinator.Broker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil || p.cur.BaseURL() != trimURL(baseURL) {
		if p.cur != nil {
			p.log.Info("broker target changed", logx.String("from", p.cur.BaseURL()), logx.String("to", trimURL(baseURL)))
		}
		p.cur = p.base.WithBaseURL(baseURL)
	}
	return p.cur
}

// Apply rebuilds the shared client when opts differ. A cycle already holding
// the old client finishes with it.
func (p *brokerPool) Apply(opts broker.Options) {
	p.mu.Lock()
	if opts == p.opts {
		p.mu.Unlock()
		return
	}
	old := p.base
	p.opts = opts
	p.base = broker.New("", opts, p.log)
	p.cur = nil
	p.mu.Unlock()

	old.Close()
	p.log.Info("broker client rebuilt", logx.Int("retry_max", opts.RetryMax), logx.Int("rate_per_sec", opts.RatePerSec))
}

func (p *brokerPool) Close() {
	p.mu.Lock()
	base := p.base
	p.mu.Unlock()
	base.Close()
}

func trimURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}
