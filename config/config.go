/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults
  2. Optional .env file (loaded into the process environment)
  3. Optional YAML file
  4. Environment variables
  5. Command-line flags (applied by cmd/server)

EXAMPLE (config.yaml):
  server:
    port: 8080
    allowed_origins: ["http://localhost:5173"]
  database:
    path: finance.db
  scheduler:
    enabled: true
    cron: "5 0 * * *"
    timezone: Europe/Paris
    run_on_start: true
  processor:
    rule_timeout: 10s
    workers: 4
    max_consecutive_failures: 5
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Scheduler struct {
		Enabled    *bool  `yaml:"enabled"`
		Cron       string `yaml:"cron"`
		Timezone   string `yaml:"timezone"`
		RunOnStart bool   `yaml:"run_on_start"`
	} `yaml:"scheduler"`
	Processor struct {
		RuleTimeout            time.Duration `yaml:"rule_timeout"`
		Workers                int           `yaml:"workers"`
		MaxConsecutiveFailures *int          `yaml:"max_consecutive_failures"`
	} `yaml:"processor"`
}

// Defaults
const (
	DefaultPort        = 8080
	DefaultDBPath      = "finance.db"
	DefaultCron        = "5 0 * * *"
	DefaultTimezone    = "UTC"
	DefaultRuleTimeout = 10 * time.Second
	DefaultWorkers     = 1
	DefaultMaxFailures = 5
)

// Load reads an optional .env file and an optional YAML file at path, then
// applies environment overrides and defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PROCESS_CRON"); v != "" {
		c.Scheduler.Cron = v
	}
	if v := os.Getenv("PROCESS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PROCESS_ENABLED: %w", err)
		}
		c.Scheduler.Enabled = &enabled
	}
	if v := os.Getenv("APP_TIMEZONE"); v != "" {
		c.Scheduler.Timezone = v
	}
	if v := os.Getenv("RULE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RULE_TIMEOUT: %w", err)
		}
		c.Processor.RuleTimeout = d
	}
	if v := os.Getenv("PROCESS_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROCESS_WORKERS: %w", err)
		}
		c.Processor.Workers = n
	}
	if v := os.Getenv("MAX_CONSECUTIVE_FAILURES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CONSECUTIVE_FAILURES: %w", err)
		}
		c.Processor.MaxConsecutiveFailures = &n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDBPath
	}
	if c.Scheduler.Enabled == nil {
		enabled := true
		c.Scheduler.Enabled = &enabled
	}
	if c.Scheduler.Cron == "" {
		c.Scheduler.Cron = DefaultCron
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = DefaultTimezone
	}
	if c.Processor.RuleTimeout == 0 {
		c.Processor.RuleTimeout = DefaultRuleTimeout
	}
	if c.Processor.Workers == 0 {
		c.Processor.Workers = DefaultWorkers
	}
	if c.Processor.MaxConsecutiveFailures == nil {
		n := DefaultMaxFailures
		c.Processor.MaxConsecutiveFailures = &n
	}
}

// SchedulerEnabled reports whether the in-process cron trigger runs.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// MaxFailures is the suspension threshold; 0 disables suspension.
func (c *Config) MaxFailures() int {
	if c.Processor.MaxConsecutiveFailures == nil {
		return DefaultMaxFailures
	}
	return *c.Processor.MaxConsecutiveFailures
}

// Location resolves the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if _, err := cron.ParseStandard(c.Scheduler.Cron); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.cron: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if c.Processor.RuleTimeout < 0 {
		errs = append(errs, errors.New("processor.rule_timeout must not be negative"))
	}
	if c.Processor.Workers < 1 {
		errs = append(errs, fmt.Errorf("processor.workers must be at least 1, got %d", c.Processor.Workers))
	}
	if c.MaxFailures() < 0 {
		errs = append(errs, errors.New("processor.max_consecutive_failures must not be negative"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
