package config

import "fogworker/internal/schedule"

// Config is the on-disk worker configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Omitted fields fall back to the defaults documented on each section.
type Config struct {
	// Enabled gates the coordinator. A disabled worker keeps serving status
	// and config endpoints but never fetches tasks.
	Enabled bool `json:"enabled"`

	// TaskCenterURL is the broker base URL (".../get", ".../upload" and
	// ".../result" are appended).
	TaskCenterURL string `json:"task_center_url"`

	// Schedule lists daily windows in which new work may start.
	// An empty list means "always allowed".
	Schedule []schedule.Window `json:"schedule"`

	Coordinator CoordinatorConfig `json:"coordinator,omitempty"`
	Broker      BrokerConfig      `json:"broker,omitempty"`
	Engine      EngineConfig      `json:"engine,omitempty"`
	HTTP        HTTPConfig        `json:"http,omitempty"`
	History     HistoryConfig     `json:"history,omitempty"`
	Logging     LoggingConfig     `json:"logging,omitempty"`
	Telegram    *TelegramConfig   `json:"telegram,omitempty"`

	// ShutdownTimeout bounds App.Stop. Default "10s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// CoordinatorConfig controls the run loop cadence.
//
// Defaults:
//   - start_delay: "5s" (lets the engine finish starting)
//   - interval: "1s"
type CoordinatorConfig struct {
	StartDelay string `json:"start_delay,omitempty"`
	Interval   string `json:"interval,omitempty"`
}

// BrokerConfig controls the remote task client.
//
// Defaults:
//   - connect_timeout: "5s"
//   - read_timeout: "30s"
//   - retry_max: 2 (extra attempts on transport errors only)
//   - retry_backoff: "5s"
//   - rate_per_sec: 0 (unlimited)
//   - report_result: "none"
type BrokerConfig struct {
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	ReadTimeout    string `json:"read_timeout,omitempty"`
	RetryMax       *int   `json:"retry_max,omitempty"`
	RetryBackoff   string `json:"retry_backoff,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`

	// ReportResult selects which finished cycles are POSTed to /result:
	// "none", "failed" (including cycles whose upload failed) or "all".
	ReportResult string `json:"report_result,omitempty"`
}

// EngineConfig describes how to reach the local generation engine.
//
// Address priority: listen/port, then reported_addr, then 127.0.0.1:8188.
type EngineConfig struct {
	Listen       string `json:"listen,omitempty"`
	Port         int    `json:"port,omitempty"`
	ReportedAddr string `json:"reported_addr,omitempty"`
	TLSKeyFile   string `json:"tls_keyfile,omitempty"`
	TLSCertFile  string `json:"tls_certfile,omitempty"`

	// OutputDir is the engine's output directory; produced files are
	// resolved against it. Default "./output".
	OutputDir string `json:"output_dir,omitempty"`

	// ClientID overrides the generated event channel client id.
	ClientID string `json:"client_id,omitempty"`

	// Validate checks workflows against the engine's node catalog before
	// submission. Default true.
	Validate *bool `json:"validate,omitempty"`

	RequestTimeout string `json:"request_timeout,omitempty"` // default "10s"
	AwaitTimeout   string `json:"await_timeout,omitempty"`   // default "300s"
}

// HTTPConfig controls the status/config endpoint server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8190").
//   - A non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// HistoryConfig controls the task history log.
//
// Example:
//
//	"history": { "driver": "sqlite", "path": "./data/history.db", "retention": "168h" }
type HistoryConfig struct {
	Driver        string `json:"driver,omitempty"` // "memory" (default) | "file" | "sqlite"
	Path          string `json:"path,omitempty"`
	MaxEntries    int    `json:"max_entries,omitempty"`    // default 100
	Retention     string `json:"retention,omitempty"`      // "0s" keeps everything
	PruneSchedule string `json:"prune_schedule,omitempty"` // cron spec, default "@hourly"
	BusyTimeout   string `json:"busy_timeout,omitempty"`   // sqlite only
}

type LoggingConfig struct {
	Level   string       `json:"level,omitempty"`
	Console *bool        `json:"console,omitempty"`
	File    LoggingFile  `json:"file,omitempty"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingAlert forwards warnings and errors to Telegram (requires the
// telegram section).
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`

	// DedupWindow drops repeated identical alerts. Default "1m"; "0s" disables.
	DedupWindow string `json:"dedup_window,omitempty"`
}
