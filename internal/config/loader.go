package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "maestro.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MAESTRO_PORT")
	setString(&cfg.Server.CORSOrigin, "MAESTRO_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MAESTRO_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MAESTRO_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MAESTRO_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MAESTRO_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MAESTRO_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "MAESTRO_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MAESTRO_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "MAESTRO_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MAESTRO_BREAKER_TIMEOUT")
	setInt(&cfg.Git.MaxConcurrent, "MAESTRO_GIT_MAX_CONCURRENT")
	setString(&cfg.Git.WorktreeRoot, "MAESTRO_WORKTREE_ROOT")
	setString(&cfg.Git.ReposRoot, "MAESTRO_REPOS_ROOT")
	setBool(&cfg.Git.AutoClone, "MAESTRO_GIT_AUTO_CLONE")
	setString(&cfg.Prompt.Dir, "MAESTRO_PROMPT_DIR")
	setInt64(&cfg.Prompt.CacheBytes, "MAESTRO_PROMPT_CACHE_BYTES")
	setString(&cfg.Agents.Mode, "MAESTRO_AGENT_MODE")
	setStrings(&cfg.Agents.Engines, "MAESTRO_AGENT_ENGINES")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.MCP.Enabled, "MAESTRO_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "MAESTRO_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "MAESTRO_MCP_API_KEY")

	setInt(&cfg.Orchestrator.MaxWorkers, "MAESTRO_MAX_WORKERS")
	setInt(&cfg.Orchestrator.MaxInlineTriggerDepth, "MAESTRO_MAX_INLINE_TRIGGER_DEPTH")
	setString(&cfg.Orchestrator.DefaultEnforcement, "MAESTRO_DEFAULT_ENFORCEMENT")
	setDuration(&cfg.Orchestrator.AgentWallTime, "MAESTRO_AGENT_WALL_TIME")
	setDuration(&cfg.Orchestrator.QAWallTime, "MAESTRO_QA_WALL_TIME")
	setDuration(&cfg.Orchestrator.CancelGrace, "MAESTRO_CANCEL_GRACE")
	setInt(&cfg.Orchestrator.DefaultMaxLoops, "MAESTRO_DEFAULT_MAX_LOOPS")
	setInt(&cfg.Orchestrator.DefaultRetryMax, "MAESTRO_DEFAULT_RETRY_MAX")
	setDuration(&cfg.Orchestrator.RetryBackoffBase, "MAESTRO_RETRY_BACKOFF_BASE")
	setInt64(&cfg.Orchestrator.TokenBudget, "MAESTRO_TOKEN_BUDGET")
	setBool(&cfg.Orchestrator.AutoGeneratePlan, "MAESTRO_AUTO_GENERATE_PLAN")
	setString(&cfg.Orchestrator.PlannerEngine, "MAESTRO_PLANNER_ENGINE")
	setString(&cfg.Orchestrator.PlannerModel, "MAESTRO_PLANNER_MODEL")
	setString(&cfg.Orchestrator.PlannerPromptRef, "MAESTRO_PLANNER_PROMPT_REF")
}

// validate rejects configurations the orchestrator cannot run with.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Orchestrator.MaxWorkers < 1 {
		return errors.New("orchestrator.max_workers must be >= 1")
	}
	if cfg.Orchestrator.MaxInlineTriggerDepth < 0 {
		return errors.New("orchestrator.max_inline_trigger_depth must be >= 0")
	}
	switch cfg.Orchestrator.DefaultEnforcement {
	case "off", "warn", "block":
	default:
		return fmt.Errorf("orchestrator.default_enforcement %q: must be off, warn, or block", cfg.Orchestrator.DefaultEnforcement)
	}
	if cfg.Orchestrator.AutoGeneratePlan && cfg.Orchestrator.PlannerEngine == "" {
		return errors.New("orchestrator.planner_engine is required when auto_generate_plan is on")
	}
	switch cfg.Agents.Mode {
	case "nats", "local":
	default:
		return fmt.Errorf("agents.mode %q: must be nats or local", cfg.Agents.Mode)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
