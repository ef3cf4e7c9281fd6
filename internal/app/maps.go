package app

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fogworker/internal/broker"
	"fogworker/internal/config"
	"fogworker/internal/coordinator"
	"fogworker/internal/engine"
	"fogworker/internal/httpapi"
	"fogworker/internal/notify/telegram"
	"fogworker/internal/schedule"
	"fogworker/internal/storage"
	logx "fogworker/pkg/logx"
)

// DefaultTaskCenterURL is used when task_center_url is unset.
const DefaultTaskCenterURL = "https://control.comfyfog.org/schedule/task"

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultAwaitTimeout    = 300 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	console := true
	if lc.Console != nil {
		console = *lc.Console
	}
	return logx.Config{
		Level:   lc.Level,
		Console: console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

func mapBrokerOptions(cfg *config.Config) (broker.Options, error) {
	bc := cfg.Broker
	connect, err := config.ParseDurationOrDefault("broker.connect_timeout", bc.ConnectTimeout, 5*time.Second)
	if err != nil {
		return broker.Options{}, err
	}
	read, err := config.ParseDurationOrDefault("broker.read_timeout", bc.ReadTimeout, 30*time.Second)
	if err != nil {
		return broker.Options{}, err
	}
	backoff, err := config.ParseDurationOrDefault("broker.retry_backoff", bc.RetryBackoff, 5*time.Second)
	if err != nil {
		return broker.Options{}, err
	}
	retryMax := 2
	if bc.RetryMax != nil {
		if *bc.RetryMax < 0 {
			return broker.Options{}, fmt.Errorf("broker.retry_max must be >= 0")
		}
		retryMax = *bc.RetryMax
	}
	if bc.RatePerSec < 0 {
		return broker.Options{}, fmt.Errorf("broker.rate_per_sec must be >= 0")
	}
	return broker.Options{
		ConnectTimeout: connect,
		ReadTimeout:    read,
		RetryMax:       retryMax,
		RetryBackoff:   backoff,
		RatePerSec:     bc.RatePerSec,
	}, nil
}

func mapEngineOptions(cfg *config.Config) (engine.Options, error) {
	ec := cfg.Engine
	reqTimeout, err := config.ParseDurationOrDefault("engine.request_timeout", ec.RequestTimeout, 10*time.Second)
	if err != nil {
		return engine.Options{}, err
	}
	if ec.Port < 0 || ec.Port > 65535 {
		return engine.Options{}, fmt.Errorf("engine.port out of range: %d", ec.Port)
	}
	return engine.Options{
		Listen:         ec.Listen,
		Port:           ec.Port,
		ReportedAddr:   ec.ReportedAddr,
		TLSKeyFile:     ec.TLSKeyFile,
		TLSCertFile:    ec.TLSCertFile,
		OutputDir:      ec.OutputDir,
		ClientID:       ec.ClientID,
		RequestTimeout: reqTimeout,
	}, nil
}

// mapSettings never fails: the validator has already rejected bad values,
// so a parse error here falls back to the default.
func mapSettings(cfg *config.Config) coordinator.Settings {
	if cfg == nil {
		return coordinator.Settings{}
	}
	await, err := config.ParseDurationOrDefault("engine.await_timeout", cfg.Engine.AwaitTimeout, defaultAwaitTimeout)
	if err != nil {
		await = defaultAwaitTimeout
	}
	validate := true
	if cfg.Engine.Validate != nil {
		validate = *cfg.Engine.Validate
	}
	report := strings.ToLower(strings.TrimSpace(cfg.Broker.ReportResult))
	if report == "" {
		report = coordinator.ReportNone
	}
	brokerURL := strings.TrimSpace(cfg.TaskCenterURL)
	if brokerURL == "" {
		brokerURL = DefaultTaskCenterURL
	}
	return coordinator.Settings{
		Enabled:          cfg.Enabled,
		BrokerURL:        brokerURL,
		Schedule:         cfg.Schedule,
		ValidateWorkflow: validate,
		AwaitTimeout:     await,
		ReportResult:     report,
	}
}

func mapCadence(cfg *config.Config) (startDelay, interval time.Duration, err error) {
	startDelay, err = config.ParseDurationIfSet("coordinator.start_delay", cfg.Coordinator.StartDelay, 5*time.Second)
	if err != nil {
		return 0, 0, err
	}
	if startDelay == 0 {
		// explicit "0s" starts immediately
		startDelay = -1
	}
	interval, err = config.ParseDurationOrDefault("coordinator.interval", cfg.Coordinator.Interval, time.Second)
	if err != nil {
		return 0, 0, err
	}
	return startDelay, interval, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	hc := cfg.History
	driver := strings.ToLower(strings.TrimSpace(hc.Driver))
	path := strings.TrimSpace(hc.Path)
	if hc.MaxEntries < 0 {
		return storage.Config{}, fmt.Errorf("history.max_entries must be >= 0")
	}
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory", MaxEntries: hc.MaxEntries}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path, MaxEntries: hc.MaxEntries}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("history.path is required when history.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("history.busy_timeout", hc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, MaxEntries: hc.MaxEntries, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown history.driver: %s", hc.Driver)
	}
}

func mapPruneConfig(cfg *config.Config) (spec string, retention time.Duration, err error) {
	retention, err = config.ParseDurationField("history.retention", cfg.History.Retention)
	if err != nil {
		return "", 0, err
	}
	spec = strings.TrimSpace(cfg.History.PruneSchedule)
	if err := storage.ValidateCronSpec(spec); err != nil {
		return "", 0, fmt.Errorf("history.prune_schedule: %w", err)
	}
	return spec, retention, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	hc := cfg.HTTP
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   15 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

// mapTelegramConfig returns ok=false when no alert bot is configured.
func mapTelegramConfig(cfg *config.Config) (telegram.Config, bool) {
	tc := cfg.Telegram
	if tc == nil || strings.TrimSpace(tc.Token) == "" {
		return telegram.Config{}, false
	}
	window, err := config.ParseDurationIfSet("telegram.dedup_window", tc.DedupWindow, time.Minute)
	if err != nil {
		window = time.Minute
	}
	return telegram.Config{
		Token:       strings.TrimSpace(tc.Token),
		ChatID:      tc.ChatID,
		ThreadID:    tc.ThreadID,
		Offline:     true,
		DedupWindow: window,
	}, true
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("shutdown_timeout", cfg.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil || d <= 0 {
		return defaultShutdownTimeout
	}
	return d
}

// validateConfig rejects a config before it is committed, both on hot reload
// and on POST /fog/config.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if u := strings.TrimSpace(cfg.TaskCenterURL); u != "" {
		pu, err := url.Parse(u)
		if err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
			return fmt.Errorf("task_center_url: invalid %q", u)
		}
	}
	if err := schedule.Validate(cfg.Schedule); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if _, _, err := mapCadence(cfg); err != nil {
		return err
	}
	if _, err := mapBrokerOptions(cfg); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Broker.ReportResult)) {
	case "", coordinator.ReportNone, coordinator.ReportFailed, coordinator.ReportAll:
	default:
		return fmt.Errorf("broker.report_result: unknown mode %q", cfg.Broker.ReportResult)
	}
	if _, err := mapEngineOptions(cfg); err != nil {
		return err
	}
	if d, err := config.ParseDurationField("engine.await_timeout", cfg.Engine.AwaitTimeout); err != nil {
		return err
	} else if d < 0 {
		return fmt.Errorf("engine.await_timeout must be >= 0")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapPruneConfig(cfg); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("shutdown_timeout", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.Telegram != nil {
		if _, err := config.ParseDurationField("telegram.dedup_window", cfg.Telegram.DedupWindow); err != nil {
			return err
		}
	}
	if cfg.Logging.Alert.Enabled {
		if _, ok := mapTelegramConfig(cfg); !ok || cfg.Telegram.ChatID == 0 {
			return fmt.Errorf("logging.alert requires telegram.token and telegram.chat_id")
		}
	}
	return nil
}
