// Package coordinator runs the task cycle: gate, queue check, fetch,
// validate, submit, await, upload, reset. One task is in flight at a time.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fogworker/internal/broker"
	"fogworker/internal/engine"
	"fogworker/internal/eventbus"
	"fogworker/internal/schedule"
	"fogworker/internal/storage"
	logx "fogworker/pkg/logx"

	"github.com/google/uuid"
)

type Broker interface {
	FetchTask(ctx context.Context) (*broker.Task, error)
	UploadFiles(ctx context.Context, meta broker.Meta, outs broker.Outputs) broker.UploadReport
	ReportResult(ctx context.Context, r broker.Result) error
}

type Engine interface {
	QueueStatus(ctx context.Context) (engine.QueueStatus, error)
	Validate(ctx context.Context, workflow json.RawMessage) error
	Submit(ctx context.Context, workflow json.RawMessage) (engine.Handle, error)
	Subscribe(ctx context.Context) (engine.Source, error)
	Await(ctx context.Context, src engine.Source, promptID string, timeout time.Duration) (*engine.OutputSet, error)
}

type Options struct {
	Engine Engine
	// BrokerFor returns the broker client for the configured URL. It is called
	// once per cycle so URL changes apply on the next cycle.
	BrokerFor func(baseURL string) Broker
	// Settings returns the current configuration snapshot.
	Settings func() Settings

	Bus eventbus.Bus
	Log logx.Logger
	Now func() time.Time

	StartDelay time.Duration // default 5s; negative starts immediately
	Interval   time.Duration // default 1s
}

var errUploadIncomplete = errors.New("upload incomplete")

type Coordinator struct {
	engine    Engine
	brokerFor func(string) Broker
	settings  func() Settings
	bus       eventbus.Bus
	log       logx.Logger
	now       func() time.Time

	startDelay time.Duration
	interval   time.Duration

	// lastFetchErr is only touched by the cycle goroutine.
	lastFetchErr string

	mu          sync.Mutex
	active      bool
	state       State
	currentTask string
	promptID    string
	lastOutcome Outcome
	lastCycleAt time.Time
}

// New panics if a required collaborator is missing.
func New(opts Options) *Coordinator {
	if opts.Engine == nil || opts.BrokerFor == nil || opts.Settings == nil {
		panic("coordinator: Engine, BrokerFor and Settings are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StartDelay < 0 {
		opts.StartDelay = 0
	} else if opts.StartDelay == 0 {
		opts.StartDelay = 5 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Coordinator{
		engine:     opts.Engine,
		brokerFor:  opts.BrokerFor,
		settings:   opts.Settings,
		bus:        opts.Bus,
		log:        opts.Log.With(logx.String("comp", "coordinator")),
		now:        opts.Now,
		startDelay: opts.StartDelay,
		interval:   opts.Interval,
		state:      StateIdle,
	}
}

// Run waits StartDelay, then runs one cycle per Interval until ctx is done.
// Settings are read at the top of every cycle.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = false
		c.mu.Unlock()
	}()

	c.log.Info("coordinator started", logx.Duration("start_delay", c.startDelay), logx.Duration("interval", c.interval))
	if !sleepCtx(ctx, c.startDelay) {
		return nil
	}
	for {
		s := c.settings()
		if s.Enabled {
			c.Tick(ctx, s)
		} else {
			c.record(OutcomeDisabled)
		}
		if !sleepCtx(ctx, c.interval) {
			c.log.Info("coordinator stopped")
			return nil
		}
	}
}

// Tick runs one cycle with s and reports how it ended.
func (c *Coordinator) Tick(ctx context.Context, s Settings) Outcome {
	defer c.setState(StateIdle)

	c.setState(StateGateCheck)
	if !schedule.InSchedule(s.Schedule, c.now()) {
		c.log.Trace("outside schedule window")
		return c.record(OutcomeOutsideWindow)
	}

	c.setState(StateQueueCheck)
	qs, err := c.engine.QueueStatus(ctx)
	if err != nil {
		c.log.Warn("engine queue status failed", logx.Err(err))
		return c.record(OutcomeEngineUnavailable)
	}
	if qs.Remaining > 0 {
		c.log.Debug("engine busy", logx.Int("queue_remaining", qs.Remaining))
		return c.record(OutcomeEngineBusy)
	}

	c.setState(StateFetch)
	b := c.brokerFor(s.BrokerURL)
	task, err := b.FetchTask(ctx)
	if err != nil {
		// The broker answers "no work" with an error status; only log changes loudly.
		if reason := err.Error(); reason != c.lastFetchErr {
			c.lastFetchErr = reason
			c.log.Warn("no task fetched", logx.Err(err))
		} else {
			c.log.Debug("no task fetched", logx.Err(err))
		}
		return c.record(OutcomeNoTask)
	}
	c.lastFetchErr = ""

	return c.process(ctx, s, b, task)
}

// process drives one fetched task to completion or failure. The task is
// always cleared on return.
func (c *Coordinator) process(ctx context.Context, s Settings, b Broker, task *broker.Task) Outcome {
	started := c.now()
	c.mu.Lock()
	c.currentTask = task.ID
	c.mu.Unlock()
	defer c.reset()

	log := c.log.With(logx.String("task_id", task.ID))
	log.Info("task fetched", logx.String("create_at", task.CreatedAt))

	rec := storage.CycleRecord{ID: uuid.NewString(), TaskID: task.ID, StartedAt: started}
	err := c.execute(ctx, s, b, task, started, &rec, log)
	rec.EndedAt = c.now()

	outcome := OutcomeCompleted
	rec.Status = storage.StatusCompleted
	if err != nil {
		outcome = OutcomeFailed
		rec.Status = storage.StatusFailed
		rec.Error = err.Error()
		log.Error("task failed", logx.String("prompt_id", rec.PromptID), logx.Err(err))
	} else {
		log.Info("task completed",
			logx.String("prompt_id", rec.PromptID),
			logx.Int("files", rec.Files),
			logx.Duration("took", rec.EndedAt.Sub(started)),
		)
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Data: rec})
	}
	c.reportResult(ctx, s, b, rec, log)
	return c.record(outcome)
}

func (c *Coordinator) execute(ctx context.Context, s Settings, b Broker, task *broker.Task, started time.Time, rec *storage.CycleRecord, log logx.Logger) error {
	if s.ValidateWorkflow {
		c.setState(StateValidate)
		err := c.engine.Validate(ctx, task.Workflow)
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrInvalidWorkflow):
			return fmt.Errorf("validate: %w", err)
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			// task already fetched; submit it unchecked
			log.Warn("workflow validation skipped", logx.Err(err))
		}
	}

	// Listen before submitting so a fast prompt cannot finish unobserved.
	c.setState(StateSubmit)
	src, err := c.engine.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer src.Close()

	h, err := c.engine.Submit(ctx, task.Workflow)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	rec.PromptID = h.PromptID
	c.mu.Lock()
	c.promptID = h.PromptID
	c.mu.Unlock()
	fields := []logx.Field{logx.String("prompt_id", h.PromptID), logx.Int("number", h.Number)}
	if hasNodeErrors(h.NodeErrors) {
		fields = append(fields, logx.String("node_errors", string(h.NodeErrors)))
	}
	log.Info("workflow submitted", fields...)

	c.setState(StateAwait)
	outs, err := c.engine.Await(ctx, src, h.PromptID, s.AwaitTimeout)
	if err != nil {
		return fmt.Errorf("await: %w", err)
	}
	rec.Files = outs.FileCount()

	c.setState(StateUpload)
	meta := broker.Meta{
		TaskID:    task.ID,
		CreateAt:  task.CreatedAt,
		StartAt:   started.Unix(),
		EndAt:     c.now().Unix(),
		ImagesIdx: broker.ImagesIndex(outs),
	}
	report := b.UploadFiles(ctx, meta, outs)
	rec.Uploaded, rec.FailedUploads = report.Counts()
	if !report.OK() {
		return fmt.Errorf("%w: %d of %d files failed", errUploadIncomplete, rec.FailedUploads, rec.Files)
	}
	return nil
}

func (c *Coordinator) reportResult(ctx context.Context, s Settings, b Broker, rec storage.CycleRecord, log logx.Logger) {
	switch strings.ToLower(s.ReportResult) {
	case ReportAll:
	case ReportFailed:
		if rec.Status != storage.StatusFailed {
			return
		}
	default:
		return
	}
	if ctx.Err() != nil {
		return
	}
	err := b.ReportResult(ctx, broker.Result{
		TaskID:      rec.TaskID,
		Status:      rec.Status,
		Error:       rec.Error,
		CompletedAt: rec.EndedAt,
	})
	if err != nil {
		log.Warn("result report failed", logx.Err(err))
	}
}

// Status returns a snapshot for external callers.
func (c *Coordinator) Status() Status {
	s := c.settings()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Enabled:         s.Enabled,
		SchedulerActive: c.active,
		PromptID:        c.promptID,
		Schedule:        s.Schedule,
		State:           c.state,
		LastOutcome:     c.lastOutcome,
	}
	if st.Schedule == nil {
		st.Schedule = []schedule.Window{}
	}
	if c.currentTask != "" {
		id := c.currentTask
		st.CurrentTask = &id
	}
	if !c.lastCycleAt.IsZero() {
		at := c.lastCycleAt
		st.LastCycleAt = &at
	}
	return st
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) record(o Outcome) Outcome {
	c.mu.Lock()
	c.lastOutcome = o
	c.lastCycleAt = c.now()
	c.mu.Unlock()
	return o
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	c.currentTask = ""
	c.promptID = ""
	c.state = StateIdle
	c.mu.Unlock()
}

func hasNodeErrors(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "{}" && s != "[]"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
