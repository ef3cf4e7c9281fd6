// Package app wires the worker together: config, logging, history, the
// broker and engine clients, the coordinator and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fogworker/internal/config"
	"fogworker/internal/coordinator"
	"fogworker/internal/engine"
	"fogworker/internal/eventbus"
	"fogworker/internal/httpapi"
	"fogworker/internal/notify/telegram"
	rtsup "fogworker/internal/runtime/supervisor"
	"fogworker/internal/storage"
	logx "fogworker/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sup  *rtsup.Supervisor

	history storage.History
	brokers *brokerPool
	engine  *engine.Client
	coord   *coordinator.Coordinator
	http    *httpapi.Service

	mu     sync.Mutex
	pruner *storage.Pruner
}

// Option adjusts construction; tests use it to skip the start delay.
type Option func(*options)

type options struct {
	startDelay *time.Duration
}

// WithStartDelay overrides coordinator.start_delay.
func WithStartDelay(d time.Duration) Option {
	return func(o *options) { o.startDelay = &d }
}

// New loads the config at cfgPath and builds every component. A missing file
// yields a disabled worker; an invalid one is an error.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}
	cfgm.Commit(cfg)

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	if err := installAlertSender(logs, cfg, root); err != nil {
		log.Warn("telegram alerts disabled", logx.Err(err))
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	hist, err := storage.Open(sc, root)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	bopts, err := mapBrokerOptions(cfg)
	if err != nil {
		_ = hist.Close()
		return nil, err
	}
	eopts, err := mapEngineOptions(cfg)
	if err != nil {
		_ = hist.Close()
		return nil, err
	}
	eng, err := engine.New(eopts, root)
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("engine client: %w", err)
	}
	startDelay, interval, err := mapCadence(cfg)
	if err != nil {
		_ = hist.Close()
		return nil, err
	}
	if o.startDelay != nil {
		startDelay = *o.startDelay
	}

	bus := eventbus.New()
	brokers := newBrokerPool(bopts, root)
	coord := coordinator.New(coordinator.Options{
		Engine:     eng,
		BrokerFor:  brokers.For,
		Settings:   func() coordinator.Settings { return mapSettings(cfgm.Get()) },
		Bus:        bus,
		Log:        root,
		StartDelay: startDelay,
		Interval:   interval,
	})

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		history: hist,
		brokers: brokers,
		engine:  eng,
		coord:   coord,
	}
	a.http = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
		Status:  coord,
		Config:  cfgm,
		History: hist,
		Health:  a.health,
	}, root.With(logx.String("comp", "http")))

	log.Info("worker configured",
		logx.Bool("enabled", cfg.Enabled),
		logx.String("engine", eng.Address().HTTPBase()),
		logx.String("client_id", eng.ClientID()),
		logx.String("history", sc.Driver),
	)
	return a, nil
}

// installAlertSender points the log alert sink at Telegram, or clears it.
func installAlertSender(logs *logx.Service, cfg *config.Config, root logx.Logger) error {
	tc, ok := mapTelegramConfig(cfg)
	if !ok {
		logs.SetAlertSender(nil)
		return nil
	}
	s, err := telegram.New(tc, root.With(logx.String("comp", "telegram")))
	if err != nil {
		logs.SetAlertSender(nil)
		return err
	}
	logs.SetAlertSender(s)
	return nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Status() coordinator.Status { return a.coord.Status() }

// HTTPAddr is the bound address of the HTTP surface, or "" when disabled.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// HTTPReady is closed once the HTTP surface is listening; nil when disabled.
func (a *App) HTTPReady() <-chan struct{} { return a.http.Ready() }

func (a *App) health() rtsup.Snapshot {
	if a.sup == nil {
		return rtsup.Snapshot{}
	}
	return a.sup.Snapshot()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	if err := a.restartPruner(cfg); err != nil {
		return err
	}

	// subscribe before the coordinator can finish a cycle
	events, unsub := a.bus.Subscribe(64, eventbus.TypeCycleFinished)
	a.sup.Go("history.recorder", func(c context.Context) error {
		defer unsub()
		return a.recordHistory(c, events)
	})
	a.sup.GoRestart("coordinator", a.coord.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.apply", func(c context.Context) { a.applyLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.http.Start(a.sup.Context())

	a.log.Info("app started", logx.Bool("http", mapHTTPConfig(cfg).Enabled))
	return nil
}

func (a *App) restartPruner(cfg *config.Config) error {
	spec, retention, err := mapPruneConfig(cfg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	old := a.pruner
	a.pruner = nil
	a.mu.Unlock()
	if old != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = old.Stop(stopCtx)
		cancel()
	}

	p, err := storage.StartPruner(a.history, spec, retention, a.log.With(logx.String("comp", "history")))
	if err != nil {
		return fmt.Errorf("history.prune_schedule: %w", err)
	}
	a.mu.Lock()
	a.pruner = p
	a.mu.Unlock()
	if p != nil {
		a.log.Debug("history pruner scheduled", logx.String("spec", spec), logx.Duration("retention", retention))
	}
	return nil
}

// recordHistory appends every finished cycle to the history store.
func (a *App) recordHistory(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			rec, ok := e.Data.(storage.CycleRecord)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := a.history.Append(wctx, rec)
			cancel()
			if errors.Is(err, storage.ErrClosed) {
				return nil
			}
			if err != nil {
				a.log.Warn("history append failed", logx.String("task_id", rec.TaskID), logx.Err(err))
			}
		}
	}
}

// applyLoop pushes committed config changes into the running components.
func (a *App) applyLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			if newCfg == nil {
				continue
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(mapLogConfig(next))
	}
	if changed["telegram"] || changed["logging"] {
		if err := installAlertSender(a.logs, next, a.logs.Logger()); err != nil {
			a.log.Warn("telegram alerts disabled", logx.Err(err))
		}
	}
	if changed["broker"] {
		if bopts, err := mapBrokerOptions(next); err != nil {
			a.log.Warn("invalid broker config; keeping previous", logx.Err(err))
		} else {
			a.brokers.Apply(bopts)
		}
	}
	if changed["http"] {
		a.http.Reconfigure(ctx, mapHTTPConfig(next))
	}
	if changed["history"] {
		if prev.History.Driver != next.History.Driver || prev.History.Path != next.History.Path ||
			prev.History.MaxEntries != next.History.MaxEntries || prev.History.BusyTimeout != next.History.BusyTimeout {
			a.log.Warn("history storage changed; restart required for changes to take effect")
		}
		if err := a.restartPruner(next); err != nil {
			a.log.Warn("history pruner not restarted", logx.Err(err))
		}
	}
	if changed["engine"] {
		eopts, _ := mapEngineOptions(next)
		if !sameEngineTarget(a.engine, eopts) {
			a.log.Warn("engine address changed; restart required for changes to take effect")
		}
	}
	if changed["coordinator"] {
		a.log.Warn("coordinator cadence changed; restart required for changes to take effect")
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigApplied, Time: time.Now(), Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// sameEngineTarget reports whether opts still resolves to the address the
// running client was built for.
func sameEngineTarget(c *engine.Client, opts engine.Options) bool {
	addr, err := engine.ResolveAddress(opts)
	return err == nil && addr == c.Address()
}
