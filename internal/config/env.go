package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overrides file values with WABLAST_* environment variables.
// Env vars always win, including across hot reloads.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WABLAST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WABLAST_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("WABLAST_HTTP_TOKEN"); v != "" {
		cfg.HTTP.Token = v
	}
	if v := os.Getenv("WABLAST_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("WABLAST_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("WABLAST_GATEWAY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Gateway.RatePerSec = f
		}
	}

	if v := os.Getenv("WABLAST_STORAGE_DRIVER"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("WABLAST_STORAGE_PATH"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		cfg.Storage.Path = v
	}

	if v := os.Getenv("WABLAST_TELEGRAM_TOKEN"); v != "" {
		tg := telegram(cfg)
		tg.Token = v
		tg.Enabled = true
	}
	if v := os.Getenv("WABLAST_TELEGRAM_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			telegram(cfg).ChatID = n
		}
	}
}

func telegram(cfg *Config) *TelegramConfig {
	if cfg.Telegram == nil {
		cfg.Telegram = &TelegramConfig{}
	}
	return cfg.Telegram
}
