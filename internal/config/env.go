package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "FOGWORKER_"

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides file values with FOGWORKER_* variables.
func applyEnv(cfg *Config) error {
	if v, ok := lookupEnv("ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sENABLED: %w", envPrefix, err)
		}
		cfg.Enabled = b
	}
	if v, ok := lookupEnv("TASK_CENTER_URL"); ok {
		cfg.TaskCenterURL = v
	}
	if v, ok := lookupEnv("HTTP_TOKEN"); ok {
		cfg.HTTP.Token = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := lookupEnv("TELEGRAM_TOKEN"); ok {
		if cfg.Telegram == nil {
			cfg.Telegram = &TelegramConfig{}
		}
		cfg.Telegram.Token = v
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}
