// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/providers/llm"
	"github.com/01Bisheshwar/ServiceNowAgentv1/internal/providers/servicenow"
)

type Config struct {
	Port      int    `validate:"min=1,max=65535"`
	LogLevel  string `validate:"required"`
	LogFormat string `validate:"oneof=json console"`

	ServiceNow ServiceNow
	LLM        LLM
	Cache      Cache

	PlanTTL        time.Duration `validate:"gt=0"`
	SchemaHints    bool
	MetricsEnabled bool
}

type ServiceNow struct {
	Instance      string `validate:"omitempty,url"`
	AccessToken   string
	ClientID      string
	ClientSecret  string `validate:"required_with=ClientID"`
	Username      string
	Password      string `validate:"required_with=Username"`
	Timeout       time.Duration `validate:"gt=0"`
	UpdateSetPath string        `validate:"startswith=/"`
	MaxLimit      int           `validate:"gte=0"`
}

type LLM struct {
	Provider        string `validate:"omitempty,oneof=gemini google openai anthropic mock"`
	Model           string
	GeminiAPIKey    string
	GeminiModel     string
	OpenAIAPIKey    string
	OpenAIBaseURL   string `validate:"omitempty,url"`
	AnthropicAPIKey string
	Timeout         time.Duration `validate:"gt=0"`
}

type Cache struct {
	Backend  string        `validate:"oneof=memory redis none"`
	RedisURL string        `validate:"required_if=Backend redis"`
	TTL      time.Duration `validate:"gt=0"`
	MaxItems int           `validate:"gt=0"`
}

// Default returns the settings used when no variable is set.
func Default() Config {
	return Config{
		Port:      8080,
		LogLevel:  "info",
		LogFormat: "json",
		ServiceNow: ServiceNow{
			Timeout:       servicenow.DefaultTimeout,
			UpdateSetPath: servicenow.DefaultUpdateSetPath,
			MaxLimit:      100,
		},
		LLM: LLM{Timeout: llm.DefaultTimeout},
		Cache: Cache{
			Backend:  "memory",
			TTL:      10 * time.Minute,
			MaxItems: 600,
		},
		PlanTTL:        15 * time.Minute,
		SchemaHints:    true,
		MetricsEnabled: true,
	}
}

// Load reads files (".env" when none are given) if they exist, then applies
// the environment over Default and validates the result. Variables already
// set in the process win over the files.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	cfg := Default()
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv overrides c with every variable that is set. Malformed
// numbers, durations and booleans are reported together.
func (c *Config) LoadFromEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	str("SN_INSTANCE", &c.ServiceNow.Instance)
	str("SN_ACCESS_TOKEN", &c.ServiceNow.AccessToken)
	str("SN_CLIENT_ID", &c.ServiceNow.ClientID)
	str("SN_CLIENT_SECRET", &c.ServiceNow.ClientSecret)
	str("SN_USERNAME", &c.ServiceNow.Username)
	str("SN_PASSWORD", &c.ServiceNow.Password)
	dur("SN_TIMEOUT", &c.ServiceNow.Timeout)
	str("SN_UPDATE_SET_PATH", &c.ServiceNow.UpdateSetPath)
	num("SN_MAX_LIMIT", &c.ServiceNow.MaxLimit)

	str("LLM_PROVIDER", &c.LLM.Provider)
	str("LLM_MODEL", &c.LLM.Model)
	str("GEMINI_API_KEY", &c.LLM.GeminiAPIKey)
	str("GOOGLE_API_KEY", &c.LLM.GeminiAPIKey)
	str("GEMINI_MODEL", &c.LLM.GeminiModel)
	str("OPENAI_API_KEY", &c.LLM.OpenAIAPIKey)
	str("OPENAI_API_BASE", &c.LLM.OpenAIBaseURL)
	str("ANTHROPIC_API_KEY", &c.LLM.AnthropicAPIKey)
	dur("LLM_TIMEOUT", &c.LLM.Timeout)

	str("CACHE_BACKEND", &c.Cache.Backend)
	str("REDIS_URL", &c.Cache.RedisURL)
	dur("RESULT_CACHE_TTL", &c.Cache.TTL)
	num("RESULT_CACHE_MAX_ITEMS", &c.Cache.MaxItems)

	dur("PLAN_TTL", &c.PlanTTL)
	flag("SCHEMA_HINTS", &c.SchemaHints)
	flag("METRICS_ENABLED", &c.MetricsEnabled)

	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	c.LogFormat = strings.ToLower(c.LogFormat)
	return errors.Join(errs...)
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Addr is the listen address for Port.
func (c Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

// HasServiceNow reports whether an instance is configured.
func (c Config) HasServiceNow() bool { return c.ServiceNow.Instance != "" }

func (c Config) ServiceNowConfig() servicenow.Config {
	return servicenow.Config{
		Instance:      c.ServiceNow.Instance,
		AccessToken:   c.ServiceNow.AccessToken,
		ClientID:      c.ServiceNow.ClientID,
		ClientSecret:  c.ServiceNow.ClientSecret,
		Username:      c.ServiceNow.Username,
		Password:      c.ServiceNow.Password,
		Timeout:       c.ServiceNow.Timeout,
		UpdateSetPath: c.ServiceNow.UpdateSetPath,
	}
}

// LLMConfig maps the provider settings. GEMINI_MODEL applies only when the
// generic LLM_MODEL is unset and Gemini is in play.
func (c Config) LLMConfig() llm.Config {
	model := c.LLM.Model
	gemini := c.LLM.Provider == "gemini" || c.LLM.Provider == "google" ||
		(c.LLM.Provider == "" && c.LLM.GeminiAPIKey != "")
	if model == "" && gemini {
		model = c.LLM.GeminiModel
	}
	return llm.Config{
		Provider:        c.LLM.Provider,
		Model:           model,
		GeminiAPIKey:    c.LLM.GeminiAPIKey,
		OpenAIAPIKey:    c.LLM.OpenAIAPIKey,
		OpenAIBaseURL:   c.LLM.OpenAIBaseURL,
		AnthropicAPIKey: c.LLM.AnthropicAPIKey,
		Timeout:         c.LLM.Timeout,
	}
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
