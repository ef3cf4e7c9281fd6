package app

import (
	"context"
	"fmt"
	"time"

	logx "fogworker/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// Stop cancels every background loop and tears components down in order.
// The whole sequence is bounded by shutdown_timeout and by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	budget := shutdownTimeout(a.cfgm.Get())
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	a.log.Info("stopping", logx.String("reason", string(reason)), logx.Duration("timeout", budget))
	a.sup.Cancel()

	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "pruner", 2*time.Second, func(c context.Context) error {
		a.mu.Lock()
		p := a.pruner
		a.pruner = nil
		a.mu.Unlock()
		return p.Stop(c)
	})
	// waits for the in-flight cycle to observe cancellation
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "broker", time.Second, func(context.Context) error { a.brokers.Close(); return nil })
	a.step(ctx, "history", 2*time.Second, func(context.Context) error { return a.history.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// closeResources releases what New opened when Start was never called.
func (a *App) closeResources() {
	a.brokers.Close()
	_ = a.history.Close()
	_ = a.logs.Close()
}

// step runs fn with an upper bound so one component can't stall the whole
// stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, maxWait time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", maxWait))

	if dl, ok := ctx.Deadline(); ok {
		maxWait = min(maxWait, time.Until(dl))
	}
	if maxWait <= 0 {
		a.log.Warn("stop step skipped: shutdown deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
