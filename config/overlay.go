package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CONDUCTOR_SERVER_ADDR.
const EnvPrefix = "CONDUCTOR"

// Overlay applies environment variables and any flags bound on v over cfg.
// Only keys that are explicitly set win; unset keys keep the file values.
func Overlay(cfg *Config, v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str(v, "server.addr", &cfg.Server.Addr)
	dur(v, "server.read_header_timeout", &cfg.Server.ReadHeaderTimeout)

	str(v, "database.driver", &cfg.Database.Driver)
	str(v, "database.dsn", &cfg.Database.DSN)
	dur(v, "database.busy_timeout", &cfg.Database.BusyTimeout)

	str(v, "log_level", &cfg.LogLevel)
	str(v, "log_format", &cfg.LogFormat)

	str(v, "llm.provider", &cfg.LLM.Provider)
	str(v, "llm.model", &cfg.LLM.Model)
	str(v, "llm.api_key", &cfg.LLM.APIKey)
	str(v, "llm.base_url", &cfg.LLM.BaseURL)
	dur(v, "llm.timeout", &cfg.LLM.Timeout)
	num(v, "llm.max_tokens", &cfg.LLM.MaxTokens)
	if cfg.LLM.APIKey == "" {
		_ = v.BindEnv("anthropic_api_key", "ANTHROPIC_API_KEY")
		_ = v.BindEnv("openai_api_key", "OPENAI_API_KEY")
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.APIKey = v.GetString("anthropic_api_key")
		case "openai":
			cfg.LLM.APIKey = v.GetString("openai_api_key")
		}
	}

	float(v, "assignment.quality_weight", &cfg.Assignment.QualityWeight)
	float(v, "assignment.success_weight", &cfg.Assignment.SuccessWeight)
	float(v, "assignment.preferred_type_bonus", &cfg.Assignment.PreferredTypeBonus)
	float(v, "assignment.specialty_bonus", &cfg.Assignment.SpecialtyBonus)
	float(v, "assignment.load_penalty", &cfg.Assignment.LoadPenalty)
	num(v, "assignment.shortlist", &cfg.Assignment.Shortlist)
	num(v, "assignment.backups", &cfg.Assignment.Backups)
	boolean(v, "assignment.force_assign", &cfg.Assignment.ForceAssign)

	dur(v, "jobs.interval", &cfg.Jobs.Interval)
	num(v, "jobs.batch_size", &cfg.Jobs.BatchSize)
	num(v, "jobs.workers", &cfg.Jobs.Workers)
	dur(v, "jobs.job_timeout", &cfg.Jobs.JobTimeout)
	num(v, "jobs.max_attempts", &cfg.Jobs.MaxAttempts)
	dur(v, "jobs.base_delay", &cfg.Jobs.BaseDelay)
	dur(v, "jobs.max_delay", &cfg.Jobs.MaxDelay)
	num(v, "jobs.pattern_every", &cfg.Jobs.PatternEvery)
	num(v, "jobs.pattern_window", &cfg.Jobs.PatternWindow)
	num(v, "jobs.review_threshold", &cfg.Jobs.ReviewThreshold)
	dur(v, "jobs.stale_after", &cfg.Jobs.StaleAfter)

	dur(v, "agents.heartbeat_timeout", &cfg.Agents.HeartbeatTimeout)
	dur(v, "agents.watchdog_interval", &cfg.Agents.WatchdogInterval)
	dur(v, "agents.poll_interval", &cfg.Agents.PollInterval)

	str(v, "workflow.templates_dir", &cfg.Workflow.TemplatesDir)
	boolean(v, "workflow.watch", &cfg.Workflow.Watch)
}

func str(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func num(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func float(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func boolean(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func dur(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}
