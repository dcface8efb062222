package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKBOT"

// envOverrides are read from TASKBOT_* variables. Set values win over the
// file so secrets can stay out of it.
type envOverrides struct {
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	StorageDriver string `envconfig:"STORAGE_DRIVER"`
	StorageDSN    string `envconfig:"STORAGE_DSN"`
	JWTSecret     string `envconfig:"HTTP_JWT_SECRET"`
	LogLevel      string `envconfig:"LOG_LEVEL"`
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored and variables already set are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays TASKBOT_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.HTTP.JWTSecret, o.JWTSecret)
	set(&cfg.Logging.Level, o.LogLevel)
	return nil
}
