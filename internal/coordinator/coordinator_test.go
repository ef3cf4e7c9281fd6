package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fogworker/internal/broker"
	"fogworker/internal/engine"
	"fogworker/internal/eventbus"
	"fogworker/internal/schedule"
	"fogworker/internal/storage"
	logx "fogworker/pkg/logx"
)

// script replays events; once exhausted it blocks until ctx or the deadline ends.
type script struct {
	events   []engine.Event
	deadline time.Time
}

func (s *script) SetDeadline(t time.Time) error { s.deadline = t; return nil }

func (s *script) Next(ctx context.Context) (engine.Event, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	wait := time.Until(s.deadline)
	if s.deadline.IsZero() {
		wait = time.Hour
	}
	select {
	case <-ctx.Done():
		return engine.Event{}, ctx.Err()
	case <-time.After(wait):
		return engine.Event{}, os.ErrDeadlineExceeded
	}
}

func (s *script) Close() error { return nil }

type fakeEngine struct {
	*engine.Client // real Await over the scripted source

	mu        sync.Mutex
	calls     []string
	queue     int
	queueErr  error
	validErr  error
	submitErr error
	events    []engine.Event
	awaitHook func()
}

func newFakeEngine(t *testing.T, outDir string) *fakeEngine {
	t.Helper()
	c, err := engine.New(engine.Options{OutputDir: outDir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return &fakeEngine{Client: c}
}

func (f *fakeEngine) call(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeEngine) history() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.calls, ",")
}

func (f *fakeEngine) QueueStatus(context.Context) (engine.QueueStatus, error) {
	f.call("queue")
	return engine.QueueStatus{Remaining: f.queue}, f.queueErr
}

func (f *fakeEngine) Validate(context.Context, json.RawMessage) error {
	f.call("validate")
	return f.validErr
}

func (f *fakeEngine) Submit(context.Context, json.RawMessage) (engine.Handle, error) {
	f.call("submit")
	if f.submitErr != nil {
		return engine.Handle{}, f.submitErr
	}
	return engine.Handle{PromptID: "p1", Number: 1}, nil
}

func (f *fakeEngine) Subscribe(context.Context) (engine.Source, error) {
	f.call("subscribe")
	return &script{events: append([]engine.Event(nil), f.events...)}, nil
}

func (f *fakeEngine) Await(ctx context.Context, src engine.Source, promptID string, timeout time.Duration) (*engine.OutputSet, error) {
	f.call("await")
	if f.awaitHook != nil {
		f.awaitHook()
	}
	return f.Client.Await(ctx, src, promptID, timeout)
}

type fakeBroker struct {
	mu       sync.Mutex
	task     *broker.Task
	fetchErr error
	fetches  int
	uploads  []broker.Meta
	files    []string
	failFile string
	results  []broker.Result
}

func (b *fakeBroker) FetchTask(context.Context) (*broker.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	return b.task, nil
}

func (b *fakeBroker) UploadFiles(_ context.Context, meta broker.Meta, outs broker.Outputs) broker.UploadReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, meta)
	rep := broker.UploadReport{}
	for _, n := range outs.Nodes() {
		for _, f := range outs.Files(n) {
			b.files = append(b.files, f)
			e := broker.UploadEntry{File: f, Success: f != b.failFile}
			if !e.Success {
				e.Error = "connection reset"
			}
			rep[n] = append(rep[n], e)
		}
	}
	return rep
}

func (b *fakeBroker) ReportResult(_ context.Context, r broker.Result) error {
	b.mu.Lock()
	b.results = append(b.results, r)
	b.mu.Unlock()
	return nil
}

func executed(node, file string) engine.Event {
	d, _ := json.Marshal(map[string]any{
		"node": node, "prompt_id": "p1",
		"output": map[string]any{"images": []map[string]string{{"filename": file, "subfolder": "", "type": "output"}}},
	})
	return engine.Event{Type: engine.EventExecuted, Data: d}
}

var done = engine.Event{Type: engine.EventExecuting, Data: json.RawMessage(`{"node":null,"prompt_id":"p1"}`)}

func newCoordinator(eng Engine, b *fakeBroker, s Settings, bus eventbus.Bus) *Coordinator {
	return New(Options{
		Engine:     eng,
		BrokerFor:  func(string) Broker { return b },
		Settings:   func() Settings { return s },
		Bus:        bus,
		Log:        logx.Nop(),
		StartDelay: -1,
		Interval:   time.Millisecond,
	})
}

func baseSettings() Settings {
	return Settings{Enabled: true, BrokerURL: "http://broker", AwaitTimeout: time.Second, ValidateWorkflow: true}
}

func sampleTask() *broker.Task {
	return &broker.Task{ID: "t1", Workflow: json.RawMessage(`{"9":{"class_type":"SaveImage"}}`), CreatedAt: "2024-01-01T00:00:00Z"}
}

func TestTickCompletesAndUploadsEachFile(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	eng.events = []engine.Event{executed("9", "ComfyUI_0001_.png"), done}
	b := &fakeBroker{task: sampleTask()}
	bus := eventbus.New()
	cycles, unsub := bus.Subscribe(4, eventbus.TypeCycleFinished)
	defer unsub()

	c := newCoordinator(eng, b, baseSettings(), bus)
	if got := c.Tick(context.Background(), baseSettings()); got != OutcomeCompleted {
		t.Fatalf("outcome = %s", got)
	}
	if h := eng.history(); h != "queue,validate,subscribe,submit,await" {
		t.Fatalf("engine calls = %s", h)
	}
	if len(b.uploads) != 1 || len(b.files) != 1 || b.files[0] != filepath.Join("/out", "ComfyUI_0001_.png") {
		t.Fatalf("uploads = %+v files = %v", b.uploads, b.files)
	}
	meta := b.uploads[0]
	if meta.TaskID != "t1" || meta.CreateAt != "2024-01-01T00:00:00Z" || meta.ImagesIdx != "/9/0," || meta.EndAt < meta.StartAt {
		t.Fatalf("meta = %+v", meta)
	}
	if st := c.Status(); st.CurrentTask != nil || st.State != StateIdle || st.LastOutcome != OutcomeCompleted {
		t.Fatalf("status after cycle = %+v", st)
	}
	select {
	case ev := <-cycles:
		rec := ev.Data.(storage.CycleRecord)
		if rec.Status != storage.StatusCompleted || rec.PromptID != "p1" || rec.Files != 1 || rec.Uploaded != 1 {
			t.Fatalf("record = %+v", rec)
		}
	default:
		t.Fatal("no cycle record published")
	}
	if len(b.results) != 0 {
		t.Fatal("report_result none must not report")
	}
}

func TestTickGateAndQueue(t *testing.T) {
	cases := []struct {
		name     string
		setup    func(*fakeEngine, *Settings)
		want     Outcome
		engCalls string
	}{
		{"outside window", func(_ *fakeEngine, s *Settings) {
			// a window that ends before it starts never matches
			s.Schedule = []schedule.Window{{Start: "23:59", End: "00:00"}}
		}, OutcomeOutsideWindow, ""},
		{"engine busy", func(e *fakeEngine, _ *Settings) { e.queue = 2 }, OutcomeEngineBusy, "queue"},
		{"engine down", func(e *fakeEngine, _ *Settings) { e.queueErr = errors.New("refused") }, OutcomeEngineUnavailable, "queue"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := newFakeEngine(t, "/out")
			s := baseSettings()
			tc.setup(eng, &s)
			b := &fakeBroker{task: sampleTask()}
			c := newCoordinator(eng, b, s, nil)
			if got := c.Tick(context.Background(), s); got != tc.want {
				t.Fatalf("outcome = %s, want %s", got, tc.want)
			}
			if b.fetches != 0 {
				t.Fatalf("fetched %d times", b.fetches)
			}
			if h := eng.history(); h != tc.engCalls {
				t.Fatalf("engine calls = %q", h)
			}
		})
	}
}

func TestTickNoTask(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	b := &fakeBroker{fetchErr: broker.ErrInvalidTask}
	c := newCoordinator(eng, b, baseSettings(), nil)
	if got := c.Tick(context.Background(), baseSettings()); got != OutcomeNoTask {
		t.Fatalf("outcome = %s", got)
	}
	if h := eng.history(); h != "queue" {
		t.Fatalf("engine calls = %s", h)
	}
}

func TestTickAwaitTimeoutSkipsUpload(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	eng.events = []engine.Event{{Type: "progress", Data: json.RawMessage(`{"prompt_id":"p1"}`)}}
	b := &fakeBroker{task: sampleTask()}
	s := baseSettings()
	s.AwaitTimeout = 50 * time.Millisecond
	s.ReportResult = ReportFailed

	c := newCoordinator(eng, b, s, nil)
	if got := c.Tick(context.Background(), s); got != OutcomeFailed {
		t.Fatalf("outcome = %s", got)
	}
	if len(b.uploads) != 0 {
		t.Fatal("upload must not run after await timeout")
	}
	if st := c.Status(); st.CurrentTask != nil || st.PromptID != "" {
		t.Fatalf("task not cleared: %+v", st)
	}
	if len(b.results) != 1 || b.results[0].Status != broker.StatusFailed || !strings.Contains(b.results[0].Error, "timed out") {
		t.Fatalf("results = %+v", b.results)
	}
}

func TestTickValidationFailureSkipsSubmit(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	eng.validErr = engine.ErrInvalidWorkflow
	b := &fakeBroker{task: sampleTask()}
	c := newCoordinator(eng, b, baseSettings(), nil)
	if got := c.Tick(context.Background(), baseSettings()); got != OutcomeFailed {
		t.Fatalf("outcome = %s", got)
	}
	if h := eng.history(); h != "queue,validate" {
		t.Fatalf("engine calls = %s", h)
	}

	// validation disabled goes straight to submit
	eng2 := newFakeEngine(t, "/out")
	eng2.submitErr = engine.ErrNoPromptID
	s := baseSettings()
	s.ValidateWorkflow = false
	c2 := newCoordinator(eng2, &fakeBroker{task: sampleTask()}, s, nil)
	if got := c2.Tick(context.Background(), s); got != OutcomeFailed {
		t.Fatalf("outcome = %s", got)
	}
	if h := eng2.history(); h != "queue,subscribe,submit" {
		t.Fatalf("engine calls = %s", h)
	}
}

func TestTickSubmitsWhenValidationUnavailable(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	eng.validErr = fmt.Errorf("%w: GET /object_info: status 404", engine.ErrValidationUnavailable)
	eng.events = []engine.Event{executed("9", "a.png"), done}
	b := &fakeBroker{task: sampleTask()}
	c := newCoordinator(eng, b, baseSettings(), nil)
	if got := c.Tick(context.Background(), baseSettings()); got != OutcomeCompleted {
		t.Fatalf("outcome = %s", got)
	}
	if h := eng.history(); h != "queue,validate,subscribe,submit,await" {
		t.Fatalf("engine calls = %s", h)
	}
	if len(b.files) != 1 {
		t.Fatalf("files = %v", b.files)
	}
}

func TestTickUploadFailureReported(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	eng.events = []engine.Event{executed("9", "a.png"), executed("9", "b.png"), done}
	b := &fakeBroker{task: sampleTask(), failFile: filepath.Join("/out", "b.png")}
	s := baseSettings()
	s.ReportResult = ReportAll

	c := newCoordinator(eng, b, s, nil)
	if got := c.Tick(context.Background(), s); got != OutcomeFailed {
		t.Fatalf("outcome = %s", got)
	}
	if len(b.files) != 2 || b.uploads[0].ImagesIdx != "/9/0,/9/1," {
		t.Fatalf("files = %v meta = %+v", b.files, b.uploads)
	}
	if len(b.results) != 1 || b.results[0].Status != broker.StatusFailed {
		t.Fatalf("results = %+v", b.results)
	}
}

func TestStatusDuringAwait(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	eng.events = []engine.Event{done}
	b := &fakeBroker{task: sampleTask()}
	s := baseSettings()
	c := newCoordinator(eng, b, s, nil)

	var mid Status
	eng.awaitHook = func() { mid = c.Status() }
	c.Tick(context.Background(), s)

	if mid.CurrentTask == nil || *mid.CurrentTask != "t1" || mid.PromptID != "p1" || mid.State != StateAwait {
		t.Fatalf("status during await = %+v", mid)
	}
	if !mid.Enabled {
		t.Fatal("status should reflect enabled setting")
	}
}

func TestRunSkipsWhenDisabledAndStops(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	b := &fakeBroker{fetchErr: io.EOF}
	s := baseSettings()
	s.Enabled = false
	c := newCoordinator(eng, b, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !c.Status().SchedulerActive && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if h := eng.history(); h != "" {
		t.Fatalf("disabled worker touched the engine: %s", h)
	}
	st := c.Status()
	if st.SchedulerActive || st.LastOutcome != OutcomeDisabled {
		t.Fatalf("status = %+v", st)
	}
}

func TestRunTicksWhenEnabled(t *testing.T) {
	eng := newFakeEngine(t, "/out")
	b := &fakeBroker{fetchErr: io.EOF}
	c := newCoordinator(eng, b, baseSettings(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = c.Run(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetches < 2 {
		t.Fatalf("fetches = %d, want several cycles", b.fetches)
	}
}

func TestNewPanicsWithoutCollaborators(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New(Options{})
}
