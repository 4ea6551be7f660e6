package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	Timezone   string `yaml:"timezone"`

	SerperAPIKey string `yaml:"serper_api_key"`

	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	FetchMode        string `yaml:"fetch_mode"` // "http" or "browser"
	FetchTimeoutSecs int    `yaml:"fetch_timeout_seconds"`

	MaxSearchAttempts int    `yaml:"max_search_attempts"`
	MaxConcurrentJobs int    `yaml:"max_concurrent_jobs"`
	ZombieAfterMins   int    `yaml:"zombie_after_minutes"`
	RecheckAfterHours int    `yaml:"recheck_after_hours"`
	TriageSchedule    string `yaml:"triage_schedule"`

	Notifier       string `yaml:"notifier"` // "email", "slack", "both", or "none"
	EmailSender    string `yaml:"email_sender"`
	EmailPassword  string `yaml:"email_password"`
	EmailRecipient string `yaml:"email_recipient"`
	SMTPServer     string `yaml:"smtp_server"`
	SMTPPort       int    `yaml:"smtp_port"`
	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.ListenAddr, "LISTEN_ADDR")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.SerperAPIKey, "SERPER_API_KEY")
	envOverride(&cfg.LLMProvider, "LLM_PROVIDER")
	envOverride(&cfg.LLMModel, "LLM_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverride(&cfg.FetchMode, "FETCH_MODE")
	envOverrideInt(&cfg.FetchTimeoutSecs, "FETCH_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.MaxSearchAttempts, "MAX_SEARCH_ATTEMPTS")
	envOverrideInt(&cfg.MaxConcurrentJobs, "MAX_CONCURRENT_JOBS")
	envOverrideInt(&cfg.ZombieAfterMins, "ZOMBIE_AFTER_MINUTES")
	envOverrideInt(&cfg.RecheckAfterHours, "RECHECK_AFTER_HOURS")
	envOverride(&cfg.TriageSchedule, "TRIAGE_SCHEDULE")
	envOverride(&cfg.Notifier, "NOTIFIER")
	envOverride(&cfg.EmailSender, "EMAIL_SENDER")
	envOverride(&cfg.EmailPassword, "EMAIL_PASSWORD")
	envOverride(&cfg.EmailRecipient, "EMAIL_RECIPIENT")
	envOverride(&cfg.SMTPServer, "SMTP_SERVER")
	envOverrideInt(&cfg.SMTPPort, "SMTP_PORT")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./caseline.db"
	}
	if cfg.LLMProvider == "" {
		cfg.LLMProvider = "anthropic"
	}
	if cfg.FetchMode == "" {
		cfg.FetchMode = "http"
	}
	if cfg.FetchTimeoutSecs == 0 {
		cfg.FetchTimeoutSecs = 30
	}
	if cfg.MaxSearchAttempts == 0 {
		cfg.MaxSearchAttempts = 2
	}
	if cfg.MaxConcurrentJobs == 0 {
		cfg.MaxConcurrentJobs = 4
	}
	if cfg.ZombieAfterMins == 0 {
		cfg.ZombieAfterMins = 60
	}
	if cfg.RecheckAfterHours == 0 {
		cfg.RecheckAfterHours = 72
	}
	if cfg.TriageSchedule == "" {
		cfg.TriageSchedule = "0 6 * * *"
	}
	if cfg.Notifier == "" {
		cfg.Notifier = "none"
	}
	if cfg.SMTPServer == "" {
		cfg.SMTPServer = "smtp.gmail.com"
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}

	// Validate required fields
	if cfg.SerperAPIKey == "" {
		log.Fatalf("Required config 'serper_api_key' is not set (via config.yaml or env var)")
	}

	switch cfg.LLMProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when llm_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when llm_provider=openai")
		}
	default:
		log.Fatalf("llm_provider must be 'anthropic' or 'openai', got '%s'", cfg.LLMProvider)
	}

	switch cfg.FetchMode {
	case "http", "browser":
	default:
		log.Fatalf("fetch_mode must be 'http' or 'browser', got '%s'", cfg.FetchMode)
	}

	switch cfg.Notifier {
	case "none":
	case "email":
		requireEmailConfig(cfg)
	case "slack":
		requireSlackConfig(cfg)
	case "both":
		requireEmailConfig(cfg)
		requireSlackConfig(cfg)
	default:
		log.Fatalf("notifier must be 'email', 'slack', 'both', or 'none', got '%s'", cfg.Notifier)
	}

	if cfg.MaxSearchAttempts < 1 {
		log.Fatalf("invalid max_search_attempts '%d': must be >= 1", cfg.MaxSearchAttempts)
	}
	if cfg.MaxConcurrentJobs < 1 {
		log.Fatalf("invalid max_concurrent_jobs '%d': must be >= 1", cfg.MaxConcurrentJobs)
	}
	if cfg.ZombieAfterMins < 1 {
		log.Fatalf("invalid zombie_after_minutes '%d': must be >= 1", cfg.ZombieAfterMins)
	}

	if cfg.Timezone != "" && !strings.EqualFold(cfg.Timezone, "Local") {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		time.Local = loc
	}

	return cfg
}

func requireEmailConfig(cfg Config) {
	if cfg.EmailSender == "" || cfg.EmailPassword == "" || cfg.EmailRecipient == "" {
		log.Fatalf("email_sender, email_password and email_recipient are required when notifier includes email")
	}
}

func requireSlackConfig(cfg Config) {
	if cfg.SlackBotToken == "" || cfg.SlackChannelID == "" {
		log.Fatalf("slack_bot_token and slack_channel_id are required when notifier includes slack")
	}
}

func (c Config) ZombieThreshold() time.Duration {
	return time.Duration(c.ZombieAfterMins) * time.Minute
}

func (c Config) RecheckThreshold() time.Duration {
	return time.Duration(c.RecheckAfterHours) * time.Hour
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
