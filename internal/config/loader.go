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
const DefaultConfigFile = "deployops.yaml"

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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "DEPLOYOPS_PORT")
	setString(&cfg.Server.CORSOrigin, "DEPLOYOPS_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimitRPS, "DEPLOYOPS_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "DEPLOYOPS_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "DEPLOYOPS_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "DEPLOYOPS_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "DEPLOYOPS_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "DEPLOYOPS_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "DEPLOYOPS_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")

	setInt64(&cfg.Cache.L1MaxSizeMB, "DEPLOYOPS_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.PlanTTL, "DEPLOYOPS_CACHE_PLAN_TTL")
	setDuration(&cfg.Cache.EvidenceTTL, "DEPLOYOPS_CACHE_EVIDENCE_TTL")
	setString(&cfg.Cache.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Cache.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.Cache.RedisDB, "REDIS_DB")

	setString(&cfg.Retriever.URL, "DEPLOYOPS_RETRIEVER_URL")
	setString(&cfg.Retriever.APIKey, "DEPLOYOPS_RETRIEVER_API_KEY")
	setInt(&cfg.Retriever.TopKInitial, "DEPLOYOPS_RETRIEVER_TOP_K_INITIAL")
	setInt(&cfg.Retriever.TopKIterative, "DEPLOYOPS_RETRIEVER_TOP_K_ITERATIVE")
	setDuration(&cfg.Retriever.Timeout, "DEPLOYOPS_RETRIEVER_TIMEOUT")

	setString(&cfg.Synthesizer.URL, "DEPLOYOPS_SYNTHESIZER_URL")
	setString(&cfg.Synthesizer.APIKey, "DEPLOYOPS_SYNTHESIZER_API_KEY")
	setString(&cfg.Synthesizer.Model, "DEPLOYOPS_SYNTHESIZER_MODEL")
	setFloat64(&cfg.Synthesizer.Temperature, "DEPLOYOPS_SYNTHESIZER_TEMPERATURE")
	setInt(&cfg.Synthesizer.MaxTokens, "DEPLOYOPS_SYNTHESIZER_MAX_TOKENS")
	setDuration(&cfg.Synthesizer.Timeout, "DEPLOYOPS_SYNTHESIZER_TIMEOUT")

	setString(&cfg.Backend.URL, "DEPLOYOPS_BACKEND_URL")
	setString(&cfg.Backend.APIKey, "DEPLOYOPS_BACKEND_API_KEY")
	setBool(&cfg.Backend.ExecuteReal, "DEPLOYOPS_EXECUTE_REAL")
	setDuration(&cfg.Backend.Timeout, "DEPLOYOPS_BACKEND_TIMEOUT")
	setDuration(&cfg.Backend.VerifyTimeout, "DEPLOYOPS_VERIFY_TIMEOUT")
	setDuration(&cfg.Backend.VerifyPoll, "DEPLOYOPS_VERIFY_POLL")

	setInt(&cfg.Orchestrator.MaxReplans, "DEPLOYOPS_MAX_REPLANS")
	setInt(&cfg.Orchestrator.MaxRetriesPerStep, "DEPLOYOPS_MAX_RETRIES_PER_STEP")
	setDuration(&cfg.Orchestrator.BackoffBase, "DEPLOYOPS_BACKOFF_BASE")
	setDuration(&cfg.Orchestrator.BackoffMax, "DEPLOYOPS_BACKOFF_MAX")
	setInt(&cfg.Orchestrator.Workers, "DEPLOYOPS_WORKERS")

	setInt(&cfg.Memory.RecallLimit, "DEPLOYOPS_MEMORY_RECALL_LIMIT")
	setDuration(&cfg.Memory.TTL, "DEPLOYOPS_MEMORY_TTL")
	setInt(&cfg.Memory.RetryThreshold, "DEPLOYOPS_MEMORY_RETRY_THRESHOLD")
	setInt(&cfg.Memory.ReplanThreshold, "DEPLOYOPS_MEMORY_REPLAN_THRESHOLD")

	setInt(&cfg.Audit.BufferSize, "DEPLOYOPS_AUDIT_BUFFER_SIZE")
	setDuration(&cfg.Audit.FlushInterval, "DEPLOYOPS_AUDIT_FLUSH_INTERVAL")
	setInt(&cfg.Audit.MaxRetries, "DEPLOYOPS_AUDIT_MAX_RETRIES")

	setString(&cfg.Guardrail.ProfileDir, "DEPLOYOPS_GUARDRAIL_DIR")
	setString(&cfg.Guardrail.Profile, "DEPLOYOPS_GUARDRAIL_PROFILE")

	setBool(&cfg.Auth.Enabled, "DEPLOYOPS_AUTH_ENABLED")
	setStrings(&cfg.Auth.KeyHashes, "DEPLOYOPS_AUTH_KEY_HASHES")

	setBool(&cfg.MCP.Enabled, "DEPLOYOPS_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "DEPLOYOPS_MCP_ADDR")

	setBool(&cfg.OTel.Enabled, "DEPLOYOPS_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloat64(&cfg.OTel.SampleRatio, "DEPLOYOPS_OTEL_SAMPLE_RATIO")

	setString(&cfg.Logging.Level, "DEPLOYOPS_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DEPLOYOPS_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "DEPLOYOPS_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "DEPLOYOPS_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DEPLOYOPS_BREAKER_TIMEOUT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Retriever.TopKInitial < 1 || cfg.Retriever.TopKIterative < 1 {
		return errors.New("retriever top_k values must be >= 1")
	}
	if cfg.Orchestrator.MaxReplans < 0 {
		return errors.New("orchestrator.max_replans must be >= 0")
	}
	if cfg.Orchestrator.MaxRetriesPerStep < 0 {
		return errors.New("orchestrator.max_retries_per_step must be >= 0")
	}
	if cfg.Orchestrator.Workers < 1 {
		return errors.New("orchestrator.workers must be >= 1")
	}
	if cfg.Backend.VerifyPoll <= 0 {
		return errors.New("backend.verify_poll must be > 0")
	}
	if cfg.Audit.BufferSize < 1 {
		return errors.New("audit.buffer_size must be >= 1")
	}
	if cfg.Audit.MaxRetries < 1 {
		return errors.New("audit.max_retries must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Auth.Enabled && len(cfg.Auth.KeyHashes) == 0 {
		return errors.New("auth.key_hashes is required when auth is enabled")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

// setStrings splits a comma-separated env value, dropping empty elements.
func setStrings(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
