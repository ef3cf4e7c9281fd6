package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fogworker/internal/broker"
	"fogworker/internal/config"
	"fogworker/internal/coordinator"
	logx "fogworker/pkg/logx"

	"github.com/gorilla/websocket"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewMissingConfigIsDisabled(t *testing.T) {
	a, err := New(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	st := a.Status()
	if st.Enabled || st.CurrentTask != nil || st.State != coordinator.StateIdle {
		t.Fatalf("unexpected status: %+v", st)
	}
	if a.HTTPAddr() != "" {
		t.Fatalf("http should be off by default")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad schedule":  `{"schedule":[{"start":"9:00","end":"17:00"}]}`,
		"unknown field": `{"enabled":true,"bogus":1}`,
		"bad report":    `{"broker":{"report_result":"sometimes"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, dir, body)
			if _, err := New(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	neg := -1
	cases := []struct {
		name string
		cfg  config.Config
		ok   bool
	}{
		{"zero", config.Config{}, true},
		{"enabled default url", config.Config{Enabled: true}, true},
		{"bad url", config.Config{TaskCenterURL: "ftp://x"}, false},
		{"bad interval", config.Config{Coordinator: config.CoordinatorConfig{Interval: "soon"}}, false},
		{"negative retry", config.Config{Broker: config.BrokerConfig{RetryMax: &neg}}, false},
		{"report failed", config.Config{Broker: config.BrokerConfig{ReportResult: "FAILED"}}, true},
		{"bad port", config.Config{Engine: config.EngineConfig{Port: 70000}}, false},
		{"sqlite without path", config.Config{History: config.HistoryConfig{Driver: "sqlite"}}, false},
		{"unknown driver", config.Config{History: config.HistoryConfig{Driver: "redis"}}, false},
		{"bad cron", config.Config{History: config.HistoryConfig{PruneSchedule: "every day"}}, false},
		{"cron descriptor", config.Config{History: config.HistoryConfig{PruneSchedule: "@daily", Retention: "24h"}}, true},
		{"alert without telegram", config.Config{Logging: config.LoggingConfig{Alert: config.LoggingAlert{Enabled: true}}}, false},
		{"alert with telegram", config.Config{
			Logging:  config.LoggingConfig{Alert: config.LoggingAlert{Enabled: true}},
			Telegram: &config.TelegramConfig{Token: "t", ChatID: 5},
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateConfig(context.Background(), &tc.cfg)
			if (err == nil) != tc.ok {
				t.Fatalf("validateConfig err = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestMapSettingsDefaults(t *testing.T) {
	s := mapSettings(&config.Config{Enabled: true})
	if s.BrokerURL != DefaultTaskCenterURL {
		t.Fatalf("broker url = %q", s.BrokerURL)
	}
	if !s.ValidateWorkflow || s.AwaitTimeout != 300*time.Second || s.ReportResult != coordinator.ReportNone {
		t.Fatalf("unexpected defaults: %+v", s)
	}

	off := false
	s = mapSettings(&config.Config{
		TaskCenterURL: " http://b/api ",
		Engine:        config.EngineConfig{Validate: &off, AwaitTimeout: "2s"},
		Broker:        config.BrokerConfig{ReportResult: "All"},
	})
	if s.BrokerURL != "http://b/api" || s.ValidateWorkflow || s.AwaitTimeout != 2*time.Second || s.ReportResult != coordinator.ReportAll {
		t.Fatalf("unexpected settings: %+v", s)
	}
}

func TestMapCadence(t *testing.T) {
	d, iv, err := mapCadence(&config.Config{})
	if err != nil || d != 5*time.Second || iv != time.Second {
		t.Fatalf("defaults = %v %v %v", d, iv, err)
	}
	d, _, err = mapCadence(&config.Config{Coordinator: config.CoordinatorConfig{StartDelay: "0s"}})
	if err != nil || d >= 0 {
		t.Fatalf("explicit zero delay should start immediately, got %v %v", d, err)
	}
}

func TestBrokerPoolFollowsURL(t *testing.T) {
	p := newBrokerPool(mustBrokerOptions(t, &config.Config{}), logx.Nop())
	a := p.For("http://one/api/")
	if p.For("http://one/api") != a {
		t.Fatal("same url should reuse the client")
	}
	b := p.For("http://two/api")
	if b == a {
		t.Fatal("new url should yield a new client")
	}
	p.Apply(mustBrokerOptions(t, &config.Config{Broker: config.BrokerConfig{RatePerSec: 3}}))
	if p.For("http://two/api") == b {
		t.Fatal("new options should rebuild the client")
	}
	p.Close()
}

func mustBrokerOptions(t *testing.T, cfg *config.Config) broker.Options {
	t.Helper()
	o, err := mapBrokerOptions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

// fakeCenter is a broker that hands out one task and records uploads.
type fakeCenter struct {
	served  atomic.Bool
	mu      sync.Mutex
	uploads []string
	results []map[string]any
}

func (f *fakeCenter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/get", func(w http.ResponseWriter, _ *http.Request) {
		if f.served.Swap(true) {
			http.Error(w, `{"msg":"no task"}`, http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"task_id":"t-1","create_at":"1700000000","workflow":{"9":{"class_type":"SaveImage"}}}`)
	})
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		f.mu.Lock()
		f.uploads = append(f.uploads, r.URL.RawQuery)
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("/api/result", func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		f.mu.Lock()
		f.results = append(f.results, m)
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{}`)
	})
	return mux
}

// fakeComfy is an idle engine that finishes every prompt with one image.
func fakeComfy(t *testing.T) http.Handler {
	up := websocket.Upgrader{}
	var submitted atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			submitted.Store(true)
			_, _ = io.WriteString(w, `{"prompt_id":"p1","number":1,"node_errors":{}}`)
			return
		}
		_, _ = io.WriteString(w, `{"exec_info":{"queue_remaining":0}}`)
	})
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"SaveImage":{}}`)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for !submitted.Load() {
			time.Sleep(5 * time.Millisecond)
		}
		for _, m := range []string{
			`{"type":"executed","data":{"node":"9","prompt_id":"p1","output":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}`,
			`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

func TestAppRunsOneTaskEndToEnd(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "output")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "out.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}

	center := &fakeCenter{}
	brokerSrv := httptest.NewServer(center.handler())
	defer brokerSrv.Close()
	engineSrv := httptest.NewServer(fakeComfy(t))
	defer engineSrv.Close()
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(engineSrv.URL, "http://"))

	path := writeConfig(t, dir, fmt.Sprintf(`{
  "enabled": true,
  "task_center_url": %q,
  "coordinator": {"interval": "20ms"},
  "broker": {"retry_backoff": "1ms", "report_result": "all"},
  "engine": {"listen": %q, "port": %s, "output_dir": %q, "await_timeout": "5s"},
  "http": {"enabled": true, "addr": "127.0.0.1:0"},
  "history": {"driver": "file", "path": %q},
  "logging": {"level": "error"}
}`, brokerSrv.URL+"/api", host, port, outDir, filepath.Join(dir, "history.jsonl")))

	a, err := New(path, WithStartDelay(-1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	select {
	case <-a.HTTPReady():
	case <-time.After(3 * time.Second):
		t.Fatal("http api not ready")
	}
	base := "http://" + a.HTTPAddr()

	var history []map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/fog/history")
		if err == nil {
			var body struct {
				History []map[string]any `json:"history"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			if len(body.History) > 0 {
				history = body.History
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(history) != 1 {
		t.Fatalf("history = %v", history)
	}
	rec := history[0]
	if rec["task_id"] != "t-1" || rec["status"] != "completed" || rec["prompt_id"] != "p1" || rec["uploaded"] != float64(1) {
		t.Fatalf("unexpected record: %v", rec)
	}

	var uploads []string
	var results int
	for end := time.Now().Add(2 * time.Second); time.Now().Before(end); time.Sleep(10 * time.Millisecond) {
		center.mu.Lock()
		uploads = append([]string(nil), center.uploads...)
		results = len(center.results)
		center.mu.Unlock()
		if results > 0 {
			break
		}
	}
	if len(uploads) != 1 || !strings.Contains(uploads[0], "task_id=t-1") || !strings.HasSuffix(uploads[0], "&node=9&index=0") {
		t.Fatalf("uploads = %v", uploads)
	}
	if results != 1 {
		t.Fatalf("expected one result report, got %d", results)
	}
	if _, err := os.Stat(filepath.Join(outDir, "out.png")); !os.IsNotExist(err) {
		t.Fatalf("uploaded file should be removed, stat err = %v", err)
	}

	// disabling over HTTP takes effect on the next status read
	resp, err := http.Post(base+"/fog/config", "application/json", strings.NewReader(`{"enabled": false}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config update code = %d", resp.StatusCode)
	}
	if a.Status().Enabled {
		t.Fatal("worker should be disabled after update")
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"enabled": false`) {
		t.Fatalf("update not persisted: %s", raw)
	}
}
