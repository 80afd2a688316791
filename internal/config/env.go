package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables holding secrets. They never appear in config files.
const (
	EnvLedgerURL   = "CROSSING_LEDGER_URL"
	EnvLedgerToken = "CROSSING_LEDGER_TOKEN"
	EnvRedisURL    = "CROSSING_REDIS_URL"
)

// Credentials are the secrets needed by the external collaborators.
type Credentials struct {
	LedgerURL   string
	LedgerToken string
	RedisURL    string
}

// LoadEnv loads variables from the given .env files into the process
// environment. Variables already set are not overridden. A missing file is
// not an error so deployments can rely on the real environment alone.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// CredentialsFromEnv reads Credentials from the environment.
func CredentialsFromEnv() Credentials {
	return Credentials{
		LedgerURL:   os.Getenv(EnvLedgerURL),
		LedgerToken: os.Getenv(EnvLedgerToken),
		RedisURL:    os.Getenv(EnvRedisURL),
	}
}

// Check reports missing credentials for the backends enabled in cfg.
func (c Credentials) Check(cfg *Config) error {
	if cfg.GetLedgerBackend() == "webapp" {
		if c.LedgerURL == "" {
			return invalid("ledger_backend \"webapp\" requires %s", EnvLedgerURL)
		}
		if c.LedgerToken == "" {
			return invalid("ledger_backend \"webapp\" requires %s", EnvLedgerToken)
		}
	}
	if cfg.GetNotifyChannel() != "" && c.RedisURL == "" {
		return invalid("notify_channel requires %s", EnvRedisURL)
	}
	return nil
}
