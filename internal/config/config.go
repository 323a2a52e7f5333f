package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/longregen/teleprompt/internal/adapters/retry"
	"github.com/longregen/teleprompt/internal/application/services"
	"github.com/longregen/teleprompt/internal/llm"
)

// Config holds all configuration for teleprompt
type Config struct {
	LLM        LLMConfig        `json:"llm"`
	Database   DatabaseConfig   `json:"database"`
	Evaluation EvaluationConfig `json:"evaluation"`
	Bootstrap  BootstrapConfig  `json:"bootstrap"`
	SIMBA      SIMBAConfig      `json:"simba"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
}

// Duration reads either a Go duration string ("30s") or a number of seconds
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds")
	}
	d.Duration = time.Duration(seconds * float64(time.Second))
	return nil
}

// LLMConfig holds the OpenAI-compatible endpoint used by LM programs and
// judge metrics
type LLMConfig struct {
	URL               string   `json:"url" validate:"required,url"`
	APIKey            string   `json:"api_key"`
	Model             string   `json:"model" validate:"required"`
	MaxTokens         int      `json:"max_tokens" validate:"gte=1"`
	Temperature       float64  `json:"temperature" validate:"gte=0,lte=2"`
	Timeout           Duration `json:"timeout"`
	MaxRetries        int      `json:"max_retries" validate:"gte=0,lte=10"`
	RequestsPerSecond float64  `json:"requests_per_second" validate:"gte=0"`
	Burst             int      `json:"burst" validate:"gte=0"`
	CacheEntries      int64    `json:"cache_entries" validate:"gte=0"`
	CacheTTL          Duration `json:"cache_ttl"`
	BreakerFailures   int      `json:"breaker_failures" validate:"gte=1"`
	BreakerTimeout    Duration `json:"breaker_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// PostgresURL enables persistence of optimization runs when set
	PostgresURL    string `json:"postgres_url" validate:"omitempty,url"`
	MigrateOnStart bool   `json:"migrate_on_start"`
}

// EvaluationConfig configures the evaluation engine
type EvaluationConfig struct {
	MaxConcurrency int      `json:"max_concurrency" validate:"gte=1"`
	Timeout        Duration `json:"timeout"`
}

// BootstrapConfig configures the bootstrap optimizer
type BootstrapConfig struct {
	MaxBootstrappedDemos int      `json:"max_bootstrapped_demos" validate:"gte=1"`
	QualityThreshold     float64  `json:"quality_threshold" validate:"gte=0"`
	MaxConcurrency       int      `json:"max_concurrency" validate:"gte=1"`
	TeacherRetries       int      `json:"teacher_retries" validate:"gte=0"`
	RetryBackoff         Duration `json:"retry_backoff"`
	Timeout              Duration `json:"timeout"`
}

// SIMBAConfig configures the hill-climbing optimizer
type SIMBAConfig struct {
	MaxSteps                 int      `json:"max_steps" validate:"gte=1"`
	BatchSize                int      `json:"batch_size" validate:"gte=1"`
	NumCandidates            int      `json:"num_candidates" validate:"gte=1"`
	MaxDemos                 int      `json:"max_demos" validate:"gte=0"`
	TemperatureForSampling   float64  `json:"temperature_for_sampling" validate:"gte=0"`
	TemperatureForCandidates float64  `json:"temperature_for_candidates" validate:"gte=0"`
	MinScoreSpread           float64  `json:"min_score_spread" validate:"gte=0,lte=1"`
	Patience                 int      `json:"patience" validate:"gte=0"`
	FreshBatchForSelection   bool     `json:"fresh_batch_for_selection"`
	RequireImprovement       bool     `json:"require_improvement"`
	MaxConcurrency           int      `json:"max_concurrency" validate:"gte=1"`
	Timeout                  Duration `json:"timeout"`
	Seed                     int64    `json:"seed"`
}

// TelemetryConfig controls tracing and metrics
type TelemetryConfig struct {
	ServiceName    string `json:"service_name" validate:"required"`
	TracingEnabled bool   `json:"tracing_enabled"`
	MetricsAddr    string `json:"metrics_addr" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	evaluation := services.DefaultEvaluationConfig()
	bootstrap := services.DefaultBootstrapConfig()
	simba := services.DefaultSIMBAConfig()
	client := llm.DefaultConfig()

	return &Config{
		LLM: LLMConfig{
			URL:               "http://localhost:8000/v1",
			Model:             client.Model,
			MaxTokens:         client.MaxTokens,
			Temperature:       client.Temperature,
			Timeout:           Duration{client.Timeout},
			MaxRetries:        client.Retry.MaxRetries,
			RequestsPerSecond: 0,
			Burst:             client.Burst,
			CacheEntries:      client.CacheEntries,
			CacheTTL:          Duration{client.CacheTTL},
			BreakerFailures:   client.BreakerFailures,
			BreakerTimeout:    Duration{client.BreakerTimeout},
		},
		Evaluation: EvaluationConfig{
			MaxConcurrency: evaluation.MaxConcurrency,
			Timeout:        Duration{evaluation.Timeout},
		},
		Bootstrap: BootstrapConfig{
			MaxBootstrappedDemos: bootstrap.MaxBootstrappedDemos,
			QualityThreshold:     bootstrap.QualityThreshold,
			MaxConcurrency:       bootstrap.MaxConcurrency,
			TeacherRetries:       bootstrap.TeacherRetries,
			RetryBackoff:         Duration{bootstrap.RetryBackoff},
			Timeout:              Duration{bootstrap.Timeout},
		},
		SIMBA: SIMBAConfig{
			MaxSteps:                 simba.MaxSteps,
			BatchSize:                simba.BatchSize,
			NumCandidates:            simba.NumCandidates,
			MaxDemos:                 simba.MaxDemos,
			TemperatureForSampling:   simba.TemperatureForSampling,
			TemperatureForCandidates: simba.TemperatureForCandidates,
			MaxConcurrency:           simba.MaxConcurrency,
			Timeout:                  Duration{simba.Timeout},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "teleprompt",
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

// envInt64 loads an int64 environment variable into the target pointer if set and valid
func envInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = i
		}
	}
}

// envFloat loads a float64 environment variable into the target pointer if set and valid
func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envBool loads a boolean environment variable into the target pointer if set and valid
func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// envDuration loads a duration environment variable ("30s", "2m") if set and valid
func envDuration(key string, target *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			target.Duration = d
		}
	}
}

// Load loads configuration from the config file and environment variables
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := getConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to parse config file %s: %v\n", configPath, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// LLM
	envString("TELEPROMPT_LLM_URL", &cfg.LLM.URL)
	envString("TELEPROMPT_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("TELEPROMPT_LLM_MODEL", &cfg.LLM.Model)
	envInt("TELEPROMPT_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)
	envFloat("TELEPROMPT_LLM_TEMPERATURE", &cfg.LLM.Temperature)
	envDuration("TELEPROMPT_LLM_TIMEOUT", &cfg.LLM.Timeout)
	envInt("TELEPROMPT_LLM_MAX_RETRIES", &cfg.LLM.MaxRetries)
	envFloat("TELEPROMPT_LLM_REQUESTS_PER_SECOND", &cfg.LLM.RequestsPerSecond)
	envInt("TELEPROMPT_LLM_BURST", &cfg.LLM.Burst)
	envInt64("TELEPROMPT_LLM_CACHE_ENTRIES", &cfg.LLM.CacheEntries)
	envDuration("TELEPROMPT_LLM_CACHE_TTL", &cfg.LLM.CacheTTL)

	// Database
	envString("TELEPROMPT_POSTGRES_URL", &cfg.Database.PostgresURL)
	envBool("TELEPROMPT_MIGRATE_ON_START", &cfg.Database.MigrateOnStart)

	// Evaluation
	envInt("TELEPROMPT_EVAL_MAX_CONCURRENCY", &cfg.Evaluation.MaxConcurrency)
	envDuration("TELEPROMPT_EVAL_TIMEOUT", &cfg.Evaluation.Timeout)

	// Bootstrap
	envInt("TELEPROMPT_BOOTSTRAP_MAX_DEMOS", &cfg.Bootstrap.MaxBootstrappedDemos)
	envFloat("TELEPROMPT_BOOTSTRAP_QUALITY_THRESHOLD", &cfg.Bootstrap.QualityThreshold)
	envInt("TELEPROMPT_BOOTSTRAP_TEACHER_RETRIES", &cfg.Bootstrap.TeacherRetries)

	// SIMBA
	envInt("TELEPROMPT_SIMBA_MAX_STEPS", &cfg.SIMBA.MaxSteps)
	envInt("TELEPROMPT_SIMBA_BATCH_SIZE", &cfg.SIMBA.BatchSize)
	envInt("TELEPROMPT_SIMBA_NUM_CANDIDATES", &cfg.SIMBA.NumCandidates)
	envInt("TELEPROMPT_SIMBA_MAX_DEMOS", &cfg.SIMBA.MaxDemos)
	envInt("TELEPROMPT_SIMBA_PATIENCE", &cfg.SIMBA.Patience)
	envInt64("TELEPROMPT_SIMBA_SEED", &cfg.SIMBA.Seed)

	// Telemetry
	envString("TELEPROMPT_SERVICE_NAME", &cfg.Telemetry.ServiceName)
	envBool("TELEPROMPT_TRACING_ENABLED", &cfg.Telemetry.TracingEnabled)
	envString("TELEPROMPT_METRICS_ADDR", &cfg.Telemetry.MetricsAddr)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("configuration errors: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, fmt.Sprintf("%s failed %s", fe.Namespace(), describeTag(fe)))
		}
	}

	// Cross-field checks
	if c.Database.PostgresURL != "" && !isValidURL(c.Database.PostgresURL) {
		errs = append(errs, "PostgreSQL URL must include scheme and host")
	}
	if c.Database.MigrateOnStart && c.Database.PostgresURL == "" {
		errs = append(errs, "migrate_on_start requires a PostgreSQL URL")
	}
	if c.SIMBA.MaxDemos == 0 {
		errs = append(errs, "SIMBA max_demos must be positive for the append_demo strategy")
	}
	if c.LLM.RequestsPerSecond > 0 && c.LLM.Burst < 1 {
		errs = append(errs, "LLM burst must be at least 1 when rate limiting is enabled")
	}
	durations := []struct {
		name string
		d    Duration
	}{
		{"LLM timeout", c.LLM.Timeout},
		{"evaluation timeout", c.Evaluation.Timeout},
		{"bootstrap timeout", c.Bootstrap.Timeout},
		{"SIMBA timeout", c.SIMBA.Timeout},
	}
	for _, d := range durations {
		if d.d.Duration < 0 {
			errs = append(errs, d.name+" must not be negative")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fe.Tag() + "=" + fe.Param()
	}
	return fe.Tag()
}

// ToLLMConfig converts the LLM section to a client configuration
func (c *Config) ToLLMConfig() llm.Config {
	backoff := retry.HTTPPolicy()
	backoff.MaxRetries = c.LLM.MaxRetries
	return llm.Config{
		BaseURL:           c.LLM.URL,
		APIKey:            c.LLM.APIKey,
		Model:             c.LLM.Model,
		MaxTokens:         c.LLM.MaxTokens,
		Temperature:       c.LLM.Temperature,
		Timeout:           c.LLM.Timeout.Duration,
		Retry:             backoff,
		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
		CacheEntries:      c.LLM.CacheEntries,
		CacheTTL:          c.LLM.CacheTTL.Duration,
		BreakerFailures:   c.LLM.BreakerFailures,
		BreakerTimeout:    c.LLM.BreakerTimeout.Duration,
	}
}

// ToEvaluationConfig converts the evaluation section
func (c *Config) ToEvaluationConfig() services.EvaluationConfig {
	return services.EvaluationConfig{
		MaxConcurrency: c.Evaluation.MaxConcurrency,
		Timeout:        c.Evaluation.Timeout.Duration,
	}
}

// ToBootstrapConfig converts the bootstrap section
func (c *Config) ToBootstrapConfig() services.BootstrapConfig {
	return services.BootstrapConfig{
		MaxBootstrappedDemos: c.Bootstrap.MaxBootstrappedDemos,
		QualityThreshold:     c.Bootstrap.QualityThreshold,
		MaxConcurrency:       c.Bootstrap.MaxConcurrency,
		TeacherRetries:       c.Bootstrap.TeacherRetries,
		RetryBackoff:         c.Bootstrap.RetryBackoff.Duration,
		Timeout:              c.Bootstrap.Timeout.Duration,
	}
}

// ToSIMBAConfig converts the SIMBA section
func (c *Config) ToSIMBAConfig() services.SIMBAConfig {
	return services.SIMBAConfig{
		MaxSteps:                 c.SIMBA.MaxSteps,
		BatchSize:                c.SIMBA.BatchSize,
		NumCandidates:            c.SIMBA.NumCandidates,
		MaxDemos:                 c.SIMBA.MaxDemos,
		TemperatureForSampling:   c.SIMBA.TemperatureForSampling,
		TemperatureForCandidates: c.SIMBA.TemperatureForCandidates,
		MinScoreSpread:           c.SIMBA.MinScoreSpread,
		Patience:                 c.SIMBA.Patience,
		FreshBatchForSelection:   c.SIMBA.FreshBatchForSelection,
		RequireImprovement:       c.SIMBA.RequireImprovement,
		MaxConcurrency:           c.SIMBA.MaxConcurrency,
		Timeout:                  c.SIMBA.Timeout.Duration,
		Seed:                     c.SIMBA.Seed,
	}
}

// IsDatabaseConfigured returns true if runs should be persisted to PostgreSQL
func (c *Config) IsDatabaseConfigured() bool {
	return c.Database.PostgresURL != ""
}

// getConfigPath returns the path to the config file
func getConfigPath() string {
	if path := os.Getenv("TELEPROMPT_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(homeDir, ".config", "teleprompt", "config.json")
}
