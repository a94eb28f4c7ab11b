// Package config loads daemon settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all daemon configuration.
type Config struct {
	// Storage
	DBPath      string `env:"DB_PATH" envDefault:"./data/splitkeeper.db"`
	BackupDir   string `env:"BACKUP_DIR" envDefault:"./data/backups"`
	KeepBackups int    `env:"KEEP_BACKUPS" envDefault:"5"`

	// Server
	ListenAddr string     `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel   slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// Integrity
	MaxNestedDepth     int           `env:"MAX_NESTED_DEPTH" envDefault:"10"`
	TransactionTimeout time.Duration `env:"TRANSACTION_TIMEOUT" envDefault:"30s"`
	RecursionLimit     int           `env:"RECURSION_LIMIT" envDefault:"100"`
	StrictIntegrity    bool          `env:"STRICT_INTEGRITY" envDefault:"false"`
	SweepSchedule      string        `env:"SWEEP_SCHEDULE" envDefault:"@every 15m"` // "off" disables the sweep

	Auth AuthConfig
}

// AuthConfig holds operator authentication settings.
type AuthConfig struct {
	JWTSecret     string        `env:"JWT_SECRET,required,notEmpty"`
	TokenDuration time.Duration `env:"TOKEN_DURATION" envDefault:"12h"`
	// bcrypt hash of the operator password; empty disables login.
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`
}

// Load reads envFile if it exists, then parses the environment. Variables
// already set in the environment win over the file.
func Load(envFile string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
			}
			logger.Warn("Env file not found, using environment only", "path", envFile)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Configuration loaded",
		"db_path", cfg.DBPath,
		"backup_dir", cfg.BackupDir,
		"listen_addr", cfg.ListenAddr,
		"log_level", cfg.LogLevel,
		"strict_integrity", cfg.StrictIntegrity,
		"sweep_schedule", cfg.SweepSchedule,
	)
	return cfg, nil
}

// Validate checks value ranges that env tags cannot express.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if c.BackupDir == "" {
		return errors.New("BACKUP_DIR must not be empty")
	}
	if c.MaxNestedDepth < 1 {
		return fmt.Errorf("MAX_NESTED_DEPTH must be at least 1, got %d", c.MaxNestedDepth)
	}
	if c.RecursionLimit < 1 {
		return fmt.Errorf("RECURSION_LIMIT must be at least 1, got %d", c.RecursionLimit)
	}
	if c.TransactionTimeout < 0 {
		return fmt.Errorf("TRANSACTION_TIMEOUT must not be negative, got %s", c.TransactionTimeout)
	}
	if c.KeepBackups < 0 {
		return fmt.Errorf("KEEP_BACKUPS must not be negative, got %d", c.KeepBackups)
	}
	if c.Auth.TokenDuration <= 0 {
		return fmt.Errorf("TOKEN_DURATION must be positive, got %s", c.Auth.TokenDuration)
	}
	if c.SweepEnabled() {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err)
		}
	}
	return nil
}

// SweepEnabled reports whether the periodic integrity sweep should run.
func (c *Config) SweepEnabled() bool {
	return c.SweepSchedule != "off"
}
