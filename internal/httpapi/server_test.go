package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fogworker/internal/config"
	"fogworker/internal/coordinator"
	"fogworker/internal/schedule"
	"fogworker/internal/storage"
	logx "fogworker/pkg/logx"
)

type staticStatus struct{ st coordinator.Status }

func (s staticStatus) Status() coordinator.Status { return s.st }

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newTestDeps(t *testing.T) (Deps, *config.Manager, storage.History) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"enabled": false, "task_center_url": "http://broker.local"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr := config.NewManager(path)
	if _, err := mgr.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	hist, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	task := "task-1"
	st := coordinator.Status{
		Enabled:         true,
		SchedulerActive: true,
		CurrentTask:     &task,
		Schedule:        []schedule.Window{{Start: "09:00", End: "17:00"}},
		State:           coordinator.StateAwait,
	}
	return Deps{Status: staticStatus{st}, Config: mgr, History: hist}, mgr, hist
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestStatusEndpoint(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	srv := httptest.NewServer(New(Config{}, deps, logx.Nop()).Handler(Config{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/fog/status")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	st, ok := body["status"].(map[string]any)
	if !ok {
		t.Fatalf("missing status object: %v", body)
	}
	if st["current_task"] != "task-1" || st["state"] != "await" || st["enabled"] != true {
		t.Fatalf("unexpected status: %v", st)
	}
	if ws, _ := st["schedule"].([]any); len(ws) != 1 {
		t.Fatalf("schedule = %v", st["schedule"])
	}
}

func TestConfigEndpoint(t *testing.T) {
	deps, mgr, _ := newTestDeps(t)
	srv := httptest.NewServer(New(Config{}, deps, logx.Nop()).Handler(Config{}))
	defer srv.Close()

	cases := []struct {
		name   string
		body   string
		code   int
		status string
	}{
		{"empty", "", http.StatusBadRequest, "error"},
		{"unknown field", `{"nope": 1}`, http.StatusBadRequest, "error"},
		{"not an object", `[1,2]`, http.StatusBadRequest, "error"},
		{"ok", `{"enabled": true, "schedule": [{"start":"08:00","end":"12:00"}]}`, http.StatusOK, "success"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/fog/config", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tc.code {
				t.Fatalf("code = %d, want %d", resp.StatusCode, tc.code)
			}
			body := decodeBody(t, resp)
			if body["status"] != tc.status {
				t.Fatalf("status = %v, want %s (%v)", body["status"], tc.status, body)
			}
			if tc.status == "error" {
				if msg, _ := body["message"].(string); msg == "" {
					t.Fatalf("error response without message: %v", body)
				}
			}
		})
	}

	cur := mgr.Get()
	if !cur.Enabled || len(cur.Schedule) != 1 || cur.Schedule[0].Start != "08:00" {
		t.Fatalf("config not applied: %+v", cur)
	}
	if cur.TaskCenterURL != "http://broker.local" {
		t.Fatalf("untouched key lost: %q", cur.TaskCenterURL)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	deps, _, hist := newTestDeps(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []string{storage.StatusCompleted, storage.StatusFailed, storage.StatusCompleted, storage.StatusFailed} {
		rec := storage.CycleRecord{
			ID:        string(rune('a' + i)),
			TaskID:    "t" + string(rune('0'+i)),
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if err := hist.Append(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	srv := httptest.NewServer(New(Config{}, deps, logx.Nop()).Handler(Config{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/fog/history?limit=1&status=failed")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	items, _ := body["history"].([]any)
	if len(items) != 1 {
		t.Fatalf("history = %v", body)
	}
	if rec, _ := items[0].(map[string]any); rec["task_id"] != "t3" {
		t.Fatalf("expected newest failed record, got %v", rec)
	}

	resp, err = http.Get(srv.URL + "/fog/history?limit=x")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit code = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/fog/history", http.NoBody)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear code = %d", resp.StatusCode)
	}
	left, err := hist.List(ctx, storage.Query{})
	if err != nil || len(left) != 0 {
		t.Fatalf("history not cleared: %v %v", left, err)
	}
}

func TestTokenAuth(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	cfg := Config{Token: "s3cret"}
	srv := httptest.NewServer(New(cfg, deps, logx.Nop()).Handler(cfg))
	defer srv.Close()

	cases := []struct {
		name   string
		url    string
		header string
		code   int
	}{
		{"missing", "/fog/status", "", http.StatusUnauthorized},
		{"wrong query", "/fog/status?token=nope", "", http.StatusUnauthorized},
		{"query", "/fog/status?token=s3cret", "", http.StatusOK},
		{"bearer", "/fog/status", "Bearer s3cret", http.StatusOK},
		{"wrong bearer", "/fog/status", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+tc.url, http.NoBody)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.code {
				t.Fatalf("code = %d, want %d", resp.StatusCode, tc.code)
			}
		})
	}
}

func TestPprofRoutesOnlyWhenEnabled(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	svc := New(Config{}, deps, logx.Nop())

	off := httptest.NewServer(svc.Handler(Config{}))
	defer off.Close()
	resp, err := http.Get(off.URL + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof disabled code = %d", resp.StatusCode)
	}

	on := httptest.NewServer(svc.Handler(Config{Pprof: true}))
	defer on.Close()
	resp, err = http.Get(on.URL + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof enabled code = %d", resp.StatusCode)
	}
}

func TestServiceReconfigureEnableDisable(t *testing.T) {
	deps, _, _ := newTestDeps(t)
	svc := New(Config{}, deps, logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	select {
	case <-svc.Ready():
	case <-ctx.Done():
		t.Fatal("server did not become ready")
	}
	addr := svc.Addr()
	if addr == "" {
		t.Fatal("expected bound address")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if got := svc.Addr(); got != "" {
		t.Fatalf("expected listener closed, still at %s", got)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8190": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8190":          false,
		"0.0.0.0:8190":   false,
		"10.0.0.5:8190":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
