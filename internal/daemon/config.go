// Package daemon loads transferd's configuration and wires its components.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/transferd/internal/app/banking"
	"github.com/tutu-network/transferd/internal/app/executor"
	"github.com/tutu-network/transferd/internal/app/retry"
	"github.com/tutu-network/transferd/internal/app/rules"
	"github.com/tutu-network/transferd/internal/app/saga"
)

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

// Config is the top-level transferd configuration (config.toml).
type Config struct {
	API      APIConfig      `toml:"api"`
	Storage  StorageConfig  `toml:"storage"`
	Transfer TransferConfig `toml:"transfer"`
	Retry    RetryConfig    `toml:"retry"`
	Executor ExecutorConfig `toml:"executor"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`
	Rules    []rules.Rule   `toml:"rules"` // escalate matching transfers to approval
}

// APIConfig controls the HTTP listener.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"` // 0 picks a free port
}

// StorageConfig selects the durable store.
type StorageConfig struct {
	Driver string `toml:"driver"` // sqlite | pebble
	Dir    string `toml:"dir"`    // default: $TRANSFERD_HOME
}

// TransferConfig holds the orchestration and simulated-bank settings.
type TransferConfig struct {
	TaskQueue                  string  `toml:"task_queue"`
	ApprovalThreshold          int64   `toml:"approval_threshold"`
	ApprovalTimeout            string  `toml:"approval_timeout"`
	InsufficientFundsThreshold int64   `toml:"insufficient_funds_threshold"`
	InvalidAccountPattern      string  `toml:"invalid_account_pattern"`
	ProcessingDelay            string  `toml:"processing_delay"`
	TransientFailureRate       float64 `toml:"transient_failure_rate"`
}

// RetryConfig is the operation retry policy.
type RetryConfig struct {
	MaxAttempts        int     `toml:"max_attempts"`
	InitialInterval    string  `toml:"initial_interval"`
	BackoffCoefficient float64 `toml:"backoff_coefficient"`
	MaximumInterval    string  `toml:"maximum_interval"`
}

// ExecutorConfig bounds operation execution.
type ExecutorConfig struct {
	MaxConcurrent    int    `toml:"max_concurrent"`
	OperationTimeout string `toml:"operation_timeout"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json | console
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// TracingConfig controls the in-process span recorder.
type TracingConfig struct {
	Enabled  bool `toml:"enabled"`
	MaxSpans int  `toml:"max_spans"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8233,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
		},
		Transfer: TransferConfig{
			TaskQueue:                  "money-transfer",
			ApprovalThreshold:          500,
			ApprovalTimeout:            "24h",
			InsufficientFundsThreshold: 5000,
			InvalidAccountPattern:      "^B5555$",
			ProcessingDelay:            "200ms",
		},
		Retry: RetryConfig{
			MaxAttempts:        5,
			InitialInterval:    "1s",
			BackoffCoefficient: 2.0,
			MaximumInterval:    "5s",
		},
		Executor: ExecutorConfig{
			MaxConcurrent:    4,
			OperationTimeout: "1m",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:  true,
			MaxSpans: 1000,
		},
	}
}

// Home returns the transferd data directory: $TRANSFERD_HOME or ~/.transferd.
func Home() string {
	if h := os.Getenv("TRANSFERD_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".transferd"
	}
	return filepath.Join(home, ".transferd")
}

// ConfigPath is the default config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Storage.Driver != DriverSQLite && c.Storage.Driver != DriverPebble {
		return fmt.Errorf("storage.driver must be %q or %q, got %q", DriverSQLite, DriverPebble, c.Storage.Driver)
	}
	if c.Transfer.TaskQueue == "" {
		return errors.New("transfer.task_queue must not be empty")
	}
	if _, err := regexp.Compile(c.Transfer.InvalidAccountPattern); err != nil {
		return fmt.Errorf("transfer.invalid_account_pattern: %w", err)
	}
	if _, err := c.Saga(); err != nil {
		return err
	}
	if _, err := c.Bank(); err != nil {
		return err
	}
	if _, err := c.ExecutorConfig(); err != nil {
		return err
	}
	return nil
}

// DataDir is where the store lives.
func (c Config) DataDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return Home()
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// Saga builds the orchestrator config.
func (c Config) Saga() (saga.Config, error) {
	timeout, err := parseDuration("transfer.approval_timeout", c.Transfer.ApprovalTimeout)
	if err != nil {
		return saga.Config{}, err
	}
	policy, err := c.RetryPolicy()
	if err != nil {
		return saga.Config{}, err
	}
	sc := saga.Config{
		ApprovalThreshold: c.Transfer.ApprovalThreshold,
		ApprovalTimeout:   timeout,
		Retry:             policy,
	}
	if len(c.Rules) > 0 {
		engine, err := rules.New(c.Rules)
		if err != nil {
			return saga.Config{}, err
		}
		sc.Rules = engine
	}
	return sc, sc.Validate()
}

// RetryPolicy builds the operation retry policy.
func (c Config) RetryPolicy() (retry.Policy, error) {
	initial, err := parseDuration("retry.initial_interval", c.Retry.InitialInterval)
	if err != nil {
		return retry.Policy{}, err
	}
	maximum, err := parseDuration("retry.maximum_interval", c.Retry.MaximumInterval)
	if err != nil {
		return retry.Policy{}, err
	}
	p := retry.Policy{
		MaxAttempts:        c.Retry.MaxAttempts,
		InitialInterval:    initial,
		BackoffCoefficient: c.Retry.BackoffCoefficient,
		MaximumInterval:    maximum,
	}
	return p, p.Validate()
}

// Bank builds the simulated bank config.
func (c Config) Bank() (banking.Config, error) {
	delay, err := parseDuration("transfer.processing_delay", c.Transfer.ProcessingDelay)
	if err != nil {
		return banking.Config{}, err
	}
	if c.Transfer.TransientFailureRate < 0 || c.Transfer.TransientFailureRate > 1 {
		return banking.Config{}, fmt.Errorf("transfer.transient_failure_rate %v not in [0,1]", c.Transfer.TransientFailureRate)
	}
	return banking.Config{
		InsufficientFundsThreshold: c.Transfer.InsufficientFundsThreshold,
		InvalidAccountPattern:      c.Transfer.InvalidAccountPattern,
		ProcessingDelay:            delay,
		TransientFailureRate:       c.Transfer.TransientFailureRate,
	}, nil
}

// ExecutorConfig builds the dispatcher config.
func (c Config) ExecutorConfig() (executor.Config, error) {
	timeout, err := parseDuration("executor.operation_timeout", c.Executor.OperationTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	if c.Executor.MaxConcurrent <= 0 {
		return executor.Config{}, fmt.Errorf("executor.max_concurrent must be positive, got %d", c.Executor.MaxConcurrent)
	}
	return executor.Config{MaxConcurrent: c.Executor.MaxConcurrent, OperationTimeout: timeout}, nil
}

// parseDuration parses a config duration; empty means zero.
func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", key, s)
	}
	return d, nil
}
