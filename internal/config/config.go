package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	defaultWorkshopMaxRequests   = 60
	defaultWorkshopWindowSeconds = 60
	defaultLLMMaxRequests        = 50
	defaultLLMMaxTokens          = 40000
	defaultLLMWindowSeconds      = 60
	defaultPollLookbackHours     = 24
	defaultProcessConcurrency    = 1
)

type Config struct {
	WorkshopAPIBaseURL      string `yaml:"workshop_api_base_url"`
	WorkshopTokenURL        string `yaml:"workshop_token_url"`
	WorkshopClientID        string `yaml:"workshop_client_id"`
	WorkshopClientSecret    string `yaml:"workshop_client_secret"`
	WorkshopMaxRequests     int    `yaml:"workshop_max_requests"`
	WorkshopWindowSeconds   int    `yaml:"workshop_window_seconds"`
	WorkshopEventType       string `yaml:"workshop_event_type"`
	WorkshopUnprocessedOnly bool   `yaml:"workshop_unprocessed_only"`

	LLMProvider           string `yaml:"llm_provider"`
	LLMModel              string `yaml:"llm_model"`
	LLMBaseURL            string `yaml:"llm_base_url"`
	AnthropicAPIKey       string `yaml:"anthropic_api_key"`
	OpenAIAPIKey          string `yaml:"openai_api_key"`
	LLMMaxRequests        int    `yaml:"llm_max_requests"`
	LLMMaxTokensPerWindow int    `yaml:"llm_max_tokens_per_window"`
	LLMWindowSeconds      int    `yaml:"llm_window_seconds"`

	DBPath                   string `yaml:"db_path"`
	CertificateOutputDir     string `yaml:"certificate_output_dir"`
	CertificatePublicBaseURL string `yaml:"certificate_public_base_url"`

	PollSchedule       string `yaml:"poll_schedule"`
	PollLookbackHours  int    `yaml:"poll_lookback_hours"`
	ProcessConcurrency int    `yaml:"process_concurrency"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	MetricsAddr                string `yaml:"metrics_addr"`
	ExternalHTTPTimeoutSeconds int    `yaml:"external_http_timeout_seconds"`
	LogLevel                   string `yaml:"log_level"`
	LogFormat                  string `yaml:"log_format"`
	Timezone                   string `yaml:"timezone"`

	Location *time.Location `yaml:"-"` // computed from Timezone, not from YAML
}

// Load reads .env (if present), the YAML config file, environment overrides,
// and applies defaults. It fails when a required endpoint or credential is
// missing or malformed.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", configPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("reading %s: %w", configPath, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envOverride(&cfg.WorkshopAPIBaseURL, "WORKSHOP_API_BASE_URL")
	envOverride(&cfg.WorkshopTokenURL, "WORKSHOP_TOKEN_URL")
	envOverride(&cfg.WorkshopClientID, "WORKSHOP_CLIENT_ID")
	envOverride(&cfg.WorkshopClientSecret, "WORKSHOP_CLIENT_SECRET")
	envOverride(&cfg.WorkshopEventType, "WORKSHOP_EVENT_TYPE")
	envOverrideBool(&cfg.WorkshopUnprocessedOnly, "WORKSHOP_UNPROCESSED_ONLY")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.LLMBaseURL, "LLM_BASE_URL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.CertificateOutputDir, "CERTIFICATE_OUTPUT_DIR")
	envOverride(&cfg.CertificatePublicBaseURL, "CERTIFICATE_PUBLIC_BASE_URL")
	envOverride(&cfg.PollSchedule, "POLL_SCHEDULE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.MetricsAddr, "METRICS_ADDR")
	envOverride(&cfg.LogLevel, "LOG_LEVEL")
	envOverride(&cfg.LogFormat, "LOG_FORMAT")
	envOverride(&cfg.Timezone, "TIMEZONE")

	ints := []struct {
		field *int
		key   string
	}{
		{&cfg.WorkshopMaxRequests, "WORKSHOP_MAX_REQUESTS"},
		{&cfg.WorkshopWindowSeconds, "WORKSHOP_WINDOW_SECONDS"},
		{&cfg.LLMMaxRequests, "LLM_MAX_REQUESTS"},
		{&cfg.LLMMaxTokensPerWindow, "LLM_MAX_TOKENS_PER_WINDOW"},
		{&cfg.LLMWindowSeconds, "LLM_WINDOW_SECONDS"},
		{&cfg.PollLookbackHours, "POLL_LOOKBACK_HOURS"},
		{&cfg.ProcessConcurrency, "PROCESS_CONCURRENCY"},
		{&cfg.ExternalHTTPTimeoutSeconds, "EXTERNAL_HTTP_TIMEOUT_SECONDS"},
	}
	for _, i := range ints {
		if err := envOverrideInt(i.field, i.key); err != nil {
			return err
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.WorkshopMaxRequests == 0 {
		cfg.WorkshopMaxRequests = defaultWorkshopMaxRequests
	}
	if cfg.WorkshopWindowSeconds == 0 {
		cfg.WorkshopWindowSeconds = defaultWorkshopWindowSeconds
	}
	if cfg.WorkshopEventType == "" {
		cfg.WorkshopEventType = "ticket.closed"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.LLMMaxRequests == 0 {
		cfg.LLMMaxRequests = defaultLLMMaxRequests
	}
	if cfg.LLMMaxTokensPerWindow == 0 {
		cfg.LLMMaxTokensPerWindow = defaultLLMMaxTokens
	}
	if cfg.LLMWindowSeconds == 0 {
		cfg.LLMWindowSeconds = defaultLLMWindowSeconds
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./servicecert.db"
	}
	if cfg.CertificateOutputDir == "" {
		cfg.CertificateOutputDir = "./certificates"
	}
	if cfg.PollLookbackHours == 0 {
		cfg.PollLookbackHours = defaultPollLookbackHours
	}
	if cfg.ProcessConcurrency == 0 {
		cfg.ProcessConcurrency = defaultProcessConcurrency
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}
}

// Validate checks required settings. It also resolves Location.
func (c *Config) Validate() error {
	required := []struct {
		name string
		val  string
	}{
		{"workshop_api_base_url", c.WorkshopAPIBaseURL},
		{"workshop_token_url", c.WorkshopTokenURL},
		{"workshop_client_id", c.WorkshopClientID},
		{"workshop_client_secret", c.WorkshopClientSecret},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return fmt.Errorf("required config '%s' is not set (via config.yaml or env var)", r.name)
		}
	}

	urls := map[string]string{
		"workshop_api_base_url": c.WorkshopAPIBaseURL,
		"workshop_token_url":    c.WorkshopTokenURL,
	}
	if c.LLMBaseURL != "" {
		urls["llm_base_url"] = c.LLMBaseURL
	}
	if c.CertificatePublicBaseURL != "" {
		urls["certificate_public_base_url"] = c.CertificatePublicBaseURL
	}
	for name, raw := range urls {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, raw, err)
		}
	}

	switch c.LLMProvider {
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return errors.New("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return errors.New("openai_api_key is required when llm_provider=openai")
		}
	default:
		return fmt.Errorf("llm_provider must be 'anthropic' or 'openai', got '%s'", c.LLMProvider)
	}

	positive := []struct {
		name string
		val  int
	}{
		{"workshop_max_requests", c.WorkshopMaxRequests},
		{"workshop_window_seconds", c.WorkshopWindowSeconds},
		{"llm_max_requests", c.LLMMaxRequests},
		{"llm_window_seconds", c.LLMWindowSeconds},
		{"poll_lookback_hours", c.PollLookbackHours},
		{"process_concurrency", c.ProcessConcurrency},
	}
	for _, p := range positive {
		if p.val < 1 {
			return fmt.Errorf("invalid %s '%d': must be >= 1", p.name, p.val)
		}
	}
	if c.ExternalHTTPTimeoutSeconds < 0 {
		return fmt.Errorf("invalid external_http_timeout_seconds '%d': must be >= 0", c.ExternalHTTPTimeoutSeconds)
	}
	if c.LLMMaxTokensPerWindow < 0 {
		return fmt.Errorf("invalid llm_max_tokens_per_window '%d': must be >= 0", c.LLMMaxTokensPerWindow)
	}

	if c.PollSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(c.PollSchedule); err != nil {
			return fmt.Errorf("invalid poll_schedule '%s': %w", c.PollSchedule, err)
		}
	}

	if (c.SlackBotToken == "") != (c.SlackChannelID == "") {
		return errors.New("slack_bot_token and slack_channel_id must be set together")
	}

	if strings.EqualFold(c.Timezone, "Local") {
		c.Location = time.Local
	} else {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
		}
		c.Location = loc
	}
	return nil
}

func (c Config) SlackConfigured() bool {
	return c.SlackBotToken != "" && c.SlackChannelID != ""
}

func (c Config) WorkshopWindow() time.Duration {
	return time.Duration(c.WorkshopWindowSeconds) * time.Second
}

func (c Config) LLMWindow() time.Duration {
	return time.Duration(c.LLMWindowSeconds) * time.Second
}

func (c Config) PollLookback() time.Duration {
	return time.Duration(c.PollLookbackHours) * time.Hour
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = strings.EqualFold(val, "true") || val == "1"
	}
}
