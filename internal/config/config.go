// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"qci-scorer-go/internal/cost"
	"qci-scorer-go/internal/scheduler"
)

// Profile is a named scheduler preset.
type Profile struct {
	Name          string
	BatchSize     int
	MaxConcurrent int
	RetryAttempts int
}

// Profiles are the presets selectable with QCI_PROFILE.
var Profiles = map[string]Profile{
	"test":       {Name: "test", BatchSize: 5, MaxConcurrent: 2, RetryAttempts: 2},
	"default":    {Name: "default", BatchSize: 20, MaxConcurrent: 5, RetryAttempts: 3},
	"large":      {Name: "large", BatchSize: 50, MaxConcurrent: 10, RetryAttempts: 3},
	"production": {Name: "production", BatchSize: 100, MaxConcurrent: 15, RetryAttempts: 5},
}

// Config is the full service configuration.
type Config struct {
	Profile   string
	Scheduler scheduler.Config

	PassThreshold float64
	BudgetUSD     float64

	Model      string
	LLMBaseURL string
	APIKey     string
	UseMock    bool

	LexiconPath string

	VoiceAPIURL string
	VoiceAPIKey string

	AMQPURL      string
	AMQPExchange string

	SyncCron string
	Port     string
}

// Default returns the "default" profile with no external services.
func Default() Config {
	return Config{
		Profile:       "default",
		Scheduler:     scheduler.DefaultConfig(),
		PassThreshold: 80,
		Model:         cost.DefaultModel,
		VoiceAPIURL:   "https://api.vapi.ai",
		AMQPExchange:  "qci",
		Port:          "8080",
	}
}

// Load reads the environment on top of Default and validates the result.
func Load() (Config, error) {
	cfg := Default()
	var errs []error

	if name := os.Getenv("QCI_PROFILE"); name != "" {
		p, ok := Profiles[strings.ToLower(name)]
		if !ok {
			errs = append(errs, fmt.Errorf("QCI_PROFILE: unknown profile %q", name))
		} else {
			cfg.Profile = p.Name
			cfg.Scheduler.BatchSize = p.BatchSize
			cfg.Scheduler.MaxConcurrent = p.MaxConcurrent
			cfg.Scheduler.RetryAttempts = p.RetryAttempts
		}
	}

	intVar(&errs, "QCI_BATCH_SIZE", &cfg.Scheduler.BatchSize)
	intVar(&errs, "QCI_MAX_CONCURRENT", &cfg.Scheduler.MaxConcurrent)
	intVar(&errs, "QCI_RETRY_ATTEMPTS", &cfg.Scheduler.RetryAttempts)
	durationVar(&errs, "QCI_BASE_RETRY_DELAY_MS", time.Millisecond, &cfg.Scheduler.BaseRetryDelay)
	durationVar(&errs, "QCI_MAX_RETRY_DELAY_MS", time.Millisecond, &cfg.Scheduler.MaxRetryDelay)
	durationVar(&errs, "QCI_CALL_TIMEOUT_SEC", time.Second, &cfg.Scheduler.CallTimeout)
	floatVar(&errs, "QCI_PASS_THRESHOLD", &cfg.PassThreshold)
	floatVar(&errs, "QCI_BUDGET_USD", &cfg.BudgetUSD)

	cfg.Model = envOr("LLM_MODEL", cfg.Model)
	cfg.LLMBaseURL = os.Getenv("LLM_BASE_URL")
	cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.UseMock = os.Getenv("USE_MOCK_LLM") == "true"
	cfg.LexiconPath = os.Getenv("LEXICON_PATH")
	cfg.VoiceAPIURL = envOr("VOICE_API_URL", cfg.VoiceAPIURL)
	cfg.VoiceAPIKey = os.Getenv("VOICE_API_KEY")
	cfg.AMQPURL = os.Getenv("AMQP_URL")
	cfg.AMQPExchange = envOr("AMQP_EXCHANGE", cfg.AMQPExchange)
	cfg.SyncCron = os.Getenv("QCI_SYNC_CRON")
	cfg.Port = envOr("PORT", cfg.Port)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks limits and that a real scorer has credentials.
func (c Config) Validate() error {
	var errs []error
	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.PassThreshold < 0 || c.PassThreshold > 100 {
		errs = append(errs, fmt.Errorf("pass threshold must be within [0,100], got %v", c.PassThreshold))
	}
	if c.BudgetUSD < 0 {
		errs = append(errs, fmt.Errorf("budget must be >= 0, got %v", c.BudgetUSD))
	}
	if _, err := cost.PricingFor(c.Model); err != nil {
		errs = append(errs, err)
	}
	if !c.UseMock && c.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required unless USE_MOCK_LLM=true"))
	}
	return errors.Join(errs...)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func intVar(errs *[]error, key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func floatVar(errs *[]error, key string, dst *float64) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func durationVar(errs *[]error, key string, unit time.Duration, dst *time.Duration) {
	var n int
	before := len(*errs)
	intVar(errs, key, &n)
	if len(*errs) > before || os.Getenv(key) == "" {
		return
	}
	*dst = time.Duration(n) * unit
}
