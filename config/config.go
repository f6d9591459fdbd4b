// Package config defines the conductor configuration.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/conductor/assign"
	"github.com/GoCodeAlone/conductor/jobs"
	"github.com/GoCodeAlone/conductor/store"
)

// Config is the top-level conductor configuration.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server" toml:"server"`
	Database   DatabaseConfig   `json:"database" yaml:"database" toml:"database"`
	LogLevel   string           `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format" toml:"log_format"` // "text" or "json"
	LLM        LLMConfig        `json:"llm" yaml:"llm" toml:"llm"`
	Assignment AssignmentConfig `json:"assignment" yaml:"assignment" toml:"assignment"`
	Jobs       JobsConfig       `json:"jobs" yaml:"jobs" toml:"jobs"`
	Agents     AgentsConfig     `json:"agents" yaml:"agents" toml:"agents"`
	Workflow   WorkflowConfig   `json:"workflow" yaml:"workflow" toml:"workflow"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr              string        `json:"addr" yaml:"addr" toml:"addr"` // listen address, e.g., ":9090"
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout" toml:"read_header_timeout"`
}

// DatabaseConfig selects the persistent store backend.
type DatabaseConfig struct {
	Driver      string        `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
	DSN         string        `json:"dsn" yaml:"dsn" toml:"dsn"`
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout" toml:"busy_timeout"`
}

// LLMConfig selects the language-model provider behind assignment,
// decomposition and job analysis.
type LLMConfig struct {
	Provider  string        `json:"provider" yaml:"provider" toml:"provider"` // "none", "mock", "anthropic", "openai"
	Model     string        `json:"model,omitempty" yaml:"model" toml:"model"`
	APIKey    string        `json:"-" yaml:"api_key" toml:"api_key"`
	BaseURL   string        `json:"base_url,omitempty" yaml:"base_url" toml:"base_url"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxTokens int           `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

// AssignmentConfig tunes agent scoring.
type AssignmentConfig struct {
	QualityWeight      float64 `json:"quality_weight" yaml:"quality_weight" toml:"quality_weight"`
	SuccessWeight      float64 `json:"success_weight" yaml:"success_weight" toml:"success_weight"`
	PreferredTypeBonus float64 `json:"preferred_type_bonus" yaml:"preferred_type_bonus" toml:"preferred_type_bonus"`
	SpecialtyBonus     float64 `json:"specialty_bonus" yaml:"specialty_bonus" toml:"specialty_bonus"`
	LoadPenalty        float64 `json:"load_penalty" yaml:"load_penalty" toml:"load_penalty"`
	Shortlist          int     `json:"shortlist" yaml:"shortlist" toml:"shortlist"`
	Backups            int     `json:"backups" yaml:"backups" toml:"backups"`
	ForceAssign        bool    `json:"force_assign" yaml:"force_assign" toml:"force_assign"`
}

// JobsConfig controls the background job processor and enqueue policy.
type JobsConfig struct {
	Interval        time.Duration `json:"interval" yaml:"interval" toml:"interval"`
	BatchSize       int           `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Workers         int           `json:"workers" yaml:"workers" toml:"workers"`
	JobTimeout      time.Duration `json:"job_timeout" yaml:"job_timeout" toml:"job_timeout"`
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay       time.Duration `json:"base_delay" yaml:"base_delay" toml:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	PatternEvery    int           `json:"pattern_every" yaml:"pattern_every" toml:"pattern_every"`
	PatternWindow   int           `json:"pattern_window" yaml:"pattern_window" toml:"pattern_window"`
	ReviewThreshold int           `json:"review_threshold" yaml:"review_threshold" toml:"review_threshold"`
	StaleAfter      time.Duration `json:"stale_after" yaml:"stale_after" toml:"stale_after"`
}

// AgentsConfig controls agent liveness.
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	WatchdogInterval time.Duration `json:"watchdog_interval" yaml:"watchdog_interval" toml:"watchdog_interval"`
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

// WorkflowConfig points at additional workflow templates.
type WorkflowConfig struct {
	TemplatesDir string `json:"templates_dir,omitempty" yaml:"templates_dir" toml:"templates_dir"`
	Watch        bool   `json:"watch" yaml:"watch" toml:"watch"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	a := assign.DefaultConfig()
	j := jobs.DefaultConfig()
	p := jobs.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			Addr:              ":9090",
			ReadHeaderTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:      string(store.DriverSQLite),
			DSN:         filepath.Join("data", "conductor.db"),
			BusyTimeout: 5 * time.Second,
		},
		LogLevel:  "info",
		LogFormat: "text",
		LLM: LLMConfig{
			Provider:  "none",
			Timeout:   30 * time.Second,
			MaxTokens: 2048,
		},
		Assignment: AssignmentConfig{
			QualityWeight:      a.QualityWeight,
			SuccessWeight:      a.SuccessWeight,
			PreferredTypeBonus: a.PreferredBonus,
			SpecialtyBonus:     a.SpecialtyBonus,
			LoadPenalty:        a.LoadPenalty,
			Shortlist:          a.Shortlist,
			Backups:            a.Backups,
		},
		Jobs: JobsConfig{
			Interval:        j.Interval,
			BatchSize:       j.BatchSize,
			Workers:         j.Workers,
			JobTimeout:      j.JobTimeout,
			MaxAttempts:     p.MaxAttempts,
			BaseDelay:       j.Backoff.Base,
			MaxDelay:        j.Backoff.Max,
			PatternEvery:    p.PatternEvery,
			PatternWindow:   p.PatternWindow,
			ReviewThreshold: p.ReviewThreshold,
			StaleAfter:      j.StaleAfter,
		},
		Agents: AgentsConfig{
			HeartbeatTimeout: 2 * time.Minute,
			WatchdogInterval: 30 * time.Second,
			PollInterval:     5 * time.Second,
		},
	}
}

// Load reads a YAML or TOML config file over the defaults. The format is
// chosen by extension; .json files are read as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported extension %q", path, filepath.Ext(path))
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch store.Driver(c.Database.Driver) {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("database.driver: unsupported value %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format: unsupported value %q", c.LogFormat)
	}
	switch c.LLM.Provider {
	case "", "none", "mock", "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider: unsupported value %q", c.LLM.Provider)
	}
	a := c.Assignment
	if a.QualityWeight < 0 || a.SuccessWeight < 0 || a.PreferredTypeBonus < 0 || a.SpecialtyBonus < 0 || a.LoadPenalty < 0 {
		return fmt.Errorf("assignment: weights must not be negative")
	}
	j := c.Jobs
	if j.BatchSize <= 0 || j.Workers <= 0 {
		return fmt.Errorf("jobs: batch_size and workers must be positive")
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("jobs.max_attempts must be at least 1")
	}
	if j.BaseDelay <= 0 || j.MaxDelay < j.BaseDelay {
		return fmt.Errorf("jobs: base_delay must be positive and max_delay at least base_delay")
	}
	if c.Agents.HeartbeatTimeout <= 0 {
		return fmt.Errorf("agents.heartbeat_timeout must be positive")
	}
	if c.Workflow.Watch && c.Workflow.TemplatesDir == "" {
		return fmt.Errorf("workflow.watch requires workflow.templates_dir")
	}
	return nil
}

// StoreConfig returns the store settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:      store.Driver(c.Database.Driver),
		DSN:         c.Database.DSN,
		BusyTimeout: c.Database.BusyTimeout,
	}
}

// AssignConfig returns the assignment engine weights.
func (c *Config) AssignConfig() assign.Config {
	a := c.Assignment
	return assign.Config{
		QualityWeight:  a.QualityWeight,
		SuccessWeight:  a.SuccessWeight,
		PreferredBonus: a.PreferredTypeBonus,
		SpecialtyBonus: a.SpecialtyBonus,
		LoadPenalty:    a.LoadPenalty,
		Shortlist:      a.Shortlist,
		Backups:        a.Backups,
	}
}

// ProcessorConfig returns the job processor settings.
func (c *Config) ProcessorConfig() jobs.Config {
	j := c.Jobs
	return jobs.Config{
		BatchSize:  j.BatchSize,
		Workers:    j.Workers,
		Interval:   j.Interval,
		JobTimeout: j.JobTimeout,
		StaleAfter: j.StaleAfter,
		Backoff:    jobs.Backoff{Base: j.BaseDelay, Max: j.MaxDelay},
	}
}

// JobPolicy returns the job enqueue policy.
func (c *Config) JobPolicy() jobs.Policy {
	j := c.Jobs
	return jobs.Policy{
		PatternEvery:    j.PatternEvery,
		PatternWindow:   j.PatternWindow,
		ReviewThreshold: j.ReviewThreshold,
		MaxAttempts:     j.MaxAttempts,
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log_level: unsupported value %q", s)
}

// NewLogger builds the process logger from log_level and log_format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
