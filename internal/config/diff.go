package config

import (
	"reflect"
	"strings"

	logx "fogworker/pkg/logx"
)

// SummarizeChange returns the names of changed top-level sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Enabled != newCfg.Enabled {
		changed = append(changed, "enabled")
		attrs = append(attrs, logx.Bool("enabled", newCfg.Enabled))
	}
	if strings.TrimSpace(oldCfg.TaskCenterURL) != strings.TrimSpace(newCfg.TaskCenterURL) {
		changed = append(changed, "task_center_url")
		attrs = append(attrs, logx.String("task_center_url", strings.TrimSpace(newCfg.TaskCenterURL)))
	}
	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.Int("schedule.windows", len(newCfg.Schedule)))
	}
	if oldCfg.Coordinator != newCfg.Coordinator {
		changed = append(changed, "coordinator")
		attrs = append(attrs,
			logx.String("coordinator.interval", newCfg.Coordinator.Interval),
			logx.String("coordinator.start_delay", newCfg.Coordinator.StartDelay),
		)
	}
	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.String("broker.report_result", newCfg.Broker.ReportResult),
			logx.Int("broker.rate_per_sec", newCfg.Broker.RatePerSec),
		)
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs, logx.String("engine.await_timeout", newCfg.Engine.AwaitTimeout))
	}

	// HTTP (never log token)
	if oldCfg.HTTP.Enabled != newCfg.HTTP.Enabled ||
		strings.TrimSpace(oldCfg.HTTP.Addr) != strings.TrimSpace(newCfg.HTTP.Addr) ||
		oldCfg.HTTP.AllowInsecure != newCfg.HTTP.AllowInsecure ||
		oldCfg.HTTP.Pprof != newCfg.HTTP.Pprof ||
		oldCfg.HTTP.Token != newCfg.HTTP.Token {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}
	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.String("history.driver", newCfg.History.Driver),
			logx.Int("history.max_entries", newCfg.History.MaxEntries),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.set", newCfg.Telegram != nil && newCfg.Telegram.Token != ""))
	}
	if strings.TrimSpace(oldCfg.ShutdownTimeout) != strings.TrimSpace(newCfg.ShutdownTimeout) {
		changed = append(changed, "shutdown_timeout")
	}
	return changed, attrs
}
