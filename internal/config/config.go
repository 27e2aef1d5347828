// Package config manages application configuration from environment variables,
// an optional config.yaml file, and default values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrValidation is returned when the loaded configuration fails validation.
var ErrValidation = errors.New("configuration validation error")

// Provider identifies an LLM backend.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOpenAI     Provider = "openai"
	ProviderMistral    Provider = "mistral"
)

// Config defines the application configuration. Required values come from the
// environment (BUCKET_*, WA_*, provider API keys); tunables can also be set
// through config.yaml.
type Config struct {
	// Object storage bucket
	BucketName      string `mapstructure:"bucket_name"       validate:"required"`
	BucketRegion    string `mapstructure:"bucket_region"     validate:"required"`
	BucketKey       string `mapstructure:"bucket_key"        validate:"required"`
	BucketKeySecret string `mapstructure:"bucket_key_secret" validate:"required"`

	// LLM providers; at least one key must be present
	OpenRouterAPIKey string `mapstructure:"openrouter_api_key"`
	OpenAIAPIKey     string `mapstructure:"openai_api_key"`
	MistralAPIKey    string `mapstructure:"mistral_api_key"`

	// Optional explicit provider choice; empty means key-based priority
	LLMProvider       string        `mapstructure:"llm_provider"        validate:"omitempty,oneof=openrouter openai mistral"`
	LLMModel          string        `mapstructure:"llm_model"           validate:"required"`
	LLMFallbackModels []string      `mapstructure:"llm_fallback_models"`
	LLMTimeout        time.Duration `mapstructure:"llm_timeout"         validate:"min=1s,max=10m"`
	LLMMaxRetries     int           `mapstructure:"llm_max_retries"     validate:"min=0,max=10"`
	LLMRetryDelay     time.Duration `mapstructure:"llm_retry_delay"     validate:"min=100ms,max=1m"`
	LLMInstruction    string        `mapstructure:"llm_instruction"`

	// WhatsApp Cloud API
	WAToken       string `mapstructure:"wa_token"        validate:"required"`
	WAVerifyToken string `mapstructure:"wa_verify_token" validate:"required"`

	// Queue database and worker cadence
	QueueDBName        string        `mapstructure:"queue_db_name"            validate:"required"`
	PollIntervalBusy   time.Duration `mapstructure:"queue_poll_interval_busy" validate:"min=10ms"`
	PollIntervalIdle   time.Duration `mapstructure:"queue_poll_interval_idle" validate:"min=10ms"`
	ResponseDelay      time.Duration `mapstructure:"queue_response_delay"     validate:"min=0"`
	QueueDoneRetention time.Duration `mapstructure:"queue_done_retention"     validate:"min=1m"`

	// HTTP server
	ServerAddr string `mapstructure:"server_addr" validate:"required"`

	// Scheduled maintenance (cron expressions; empty disables the task)
	PruneSchedule       string `mapstructure:"prune_schedule"`
	MaintenanceSchedule string `mapstructure:"maintenance_schedule"`

	// Logging
	LogLevel  string `mapstructure:"log_level"  validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`
}

// envBindings maps viper keys to the environment variable names documented in
// the README. The names are fixed, so they are bound explicitly instead of
// through a prefix.
var envBindings = map[string][]string{
	"bucket_name":       {"BUCKET_NAME"},
	"bucket_region":     {"BUCKET_REGION"},
	"bucket_key":        {"BUCKET_KEY", "BUCKET_KEY_ID"}, // BUCKET_KEY_ID is a legacy alias
	"bucket_key_secret": {"BUCKET_KEY_SECRET"},

	"openrouter_api_key": {"OPENROUTER_API_KEY"},
	"openai_api_key":     {"OPENAI_API_KEY"},
	"mistral_api_key":    {"MISTRAL_API_KEY"},

	"llm_provider":        {"LLM_PROVIDER"},
	"llm_model":           {"LLM_MODEL"},
	"llm_fallback_models": {"LLM_FALLBACK_MODELS"},
	"llm_instruction":     {"LLM_INSTRUCTION"},

	"wa_token":        {"WA_TOKEN"},
	"wa_verify_token": {"WA_VERIFY_TOKEN"},

	"queue_db_name":            {"QUEUE_DB_NAME"},
	"queue_poll_interval_busy": {"QUEUE_POLL_INTERVAL_BUSY"},
	"queue_poll_interval_idle": {"QUEUE_POLL_INTERVAL_IDLE"},
	"queue_response_delay":     {"QUEUE_RESPONSE_DELAY"},

	"server_addr": {"SERVER_ADDR"},
	"log_level":   {"LOG_LEVEL"},
	"log_format":  {"LOG_FORMAT"},
}

// Load reads configuration from defaults, an optional config file, and the
// environment, then validates the result. configPath may be empty, in which
// case ./config.yaml is tried and silently skipped when absent.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable for %q: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// No config file is fine; environment and defaults cover everything.
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	// Fallback model lists arrive comma-separated from the environment.
	if len(cfg.LLMFallbackModels) == 1 && strings.Contains(cfg.LLMFallbackModels[0], ",") {
		parts := strings.Split(cfg.LLMFallbackModels[0], ",")
		cfg.LLMFallbackModels = cfg.LLMFallbackModels[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.LLMFallbackModels = append(cfg.LLMFallbackModels, p)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and the provider key constraint.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				missing = append(missing, fieldEnvName(fe.StructField())+" ("+fe.Tag()+")")
			}
			return fmt.Errorf("%w: %s", ErrValidation, strings.Join(missing, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if c.OpenRouterAPIKey == "" && c.OpenAIAPIKey == "" && c.MistralAPIKey == "" {
		return fmt.Errorf("%w: at least one of OPENROUTER_API_KEY, OPENAI_API_KEY, MISTRAL_API_KEY must be set", ErrValidation)
	}

	if p := c.LLMProvider; p != "" {
		if c.providerKey(Provider(p)) == "" {
			return fmt.Errorf("%w: LLM_PROVIDER is %q but its API key is not set", ErrValidation, p)
		}
	}
	return nil
}

// SelectedProvider resolves the active LLM backend: an explicit LLM_PROVIDER
// wins, otherwise the first configured key in priority order
// openrouter > openai > mistral.
func (c *Config) SelectedProvider() Provider {
	if c.LLMProvider != "" {
		return Provider(c.LLMProvider)
	}
	switch {
	case c.OpenRouterAPIKey != "":
		return ProviderOpenRouter
	case c.OpenAIAPIKey != "":
		return ProviderOpenAI
	default:
		return ProviderMistral
	}
}

// ProviderAPIKey returns the API key for the selected provider.
func (c *Config) ProviderAPIKey() string {
	return c.providerKey(c.SelectedProvider())
}

func (c *Config) providerKey(p Provider) string {
	switch p {
	case ProviderOpenRouter:
		return c.OpenRouterAPIKey
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderMistral:
		return c.MistralAPIKey
	}
	return ""
}

// BucketEndpoint builds the S3-compatible endpoint URL for the configured
// region, e.g. https://atl1.digitaloceanspaces.com.
func (c *Config) BucketEndpoint() string {
	return fmt.Sprintf("https://%s.digitaloceanspaces.com", c.BucketRegion)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue_db_name", "queue.sqlite3")
	v.SetDefault("queue_poll_interval_busy", 200*time.Millisecond)
	v.SetDefault("queue_poll_interval_idle", time.Second)
	v.SetDefault("queue_response_delay", time.Second)
	v.SetDefault("queue_done_retention", 7*24*time.Hour)

	v.SetDefault("llm_model", "openai/gpt-5-mini")
	v.SetDefault("llm_timeout", 2*time.Minute)
	v.SetDefault("llm_max_retries", 2)
	v.SetDefault("llm_retry_delay", 5*time.Second)

	v.SetDefault("server_addr", ":8080")

	v.SetDefault("prune_schedule", "0 0 4 * * *")
	v.SetDefault("maintenance_schedule", "0 30 4 * * 0")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// fieldEnvName maps a Config struct field back to the environment variable a
// user would set, so validation errors name something actionable.
func fieldEnvName(field string) string {
	known := map[string]string{
		"BucketName":      "BUCKET_NAME",
		"BucketRegion":    "BUCKET_REGION",
		"BucketKey":       "BUCKET_KEY",
		"BucketKeySecret": "BUCKET_KEY_SECRET",
		"WAToken":         "WA_TOKEN",
		"WAVerifyToken":   "WA_VERIFY_TOKEN",
		"QueueDBName":     "QUEUE_DB_NAME",
		"LLMModel":        "LLM_MODEL",
		"LLMProvider":     "LLM_PROVIDER",
		"ServerAddr":      "SERVER_ADDR",
		"LogLevel":        "LOG_LEVEL",
		"LogFormat":       "LOG_FORMAT",
	}
	if name, ok := known[field]; ok {
		return name
	}
	return field
}
