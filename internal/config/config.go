package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentoven/postpilot/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the postpilot control plane.
type Config struct {
	Port         int
	Version      string
	DataDir      string
	KnowledgeDir string
	LogLevel     string
	// Store is "sqlite" (default) or "memory".
	Store string

	Database     DatabaseConfig
	Telemetry    TelemetryConfig
	Auth         AuthConfig
	Session      SessionConfig
	Events       EventsConfig
	Tracer       TracerConfig
	Stock        StockConfig
	Retry        RetryConfig
	React        ReactConfig
	Orchestrator OrchestratorConfig
	Guardrails   GuardrailConfig
	LLM          LLMConfig
	SNS          SNSConfig
	Notify       NotifyConfig
	Janitor      JanitorConfig
}

type DatabaseConfig struct {
	// URL of an optional Postgres event archive. Empty disables the archive.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// CronSecret guards scheduler-triggered endpoints. Empty = dev mode.
	CronSecret string
}

type SessionConfig struct {
	Secret string
	TTL    time.Duration
}

type EventsConfig struct {
	MaxLog           int
	SubscriberBuffer int
}

type TracerConfig struct {
	MaxChains int
	OrphanTTL time.Duration
}

// AccountConfig describes one managed account.
type AccountConfig struct {
	Name          string   `yaml:"name"`
	Platform      string   `yaml:"platform"`
	Themes        []string `yaml:"themes"`
	DailyPostGoal int      `yaml:"daily_post_goal"`

	models.StockThresholds `yaml:",inline"`
}

type StockConfig struct {
	Defaults          models.StockThresholds
	Accounts          []AccountConfig
	RetryBudget       int
	RefillConcurrency int
	UsedRetention     time.Duration
}

// Account returns the configuration of name, falling back to defaults.
func (s StockConfig) Account(name string) AccountConfig {
	for _, a := range s.Accounts {
		if a.Name == name {
			return a
		}
	}
	return AccountConfig{Name: name, StockThresholds: s.Defaults}
}

// AccountNames lists configured account names in file order.
func (s StockConfig) AccountNames() []string {
	names := make([]string, 0, len(s.Accounts))
	for _, a := range s.Accounts {
		names = append(names, a.Name)
	}
	return names
}

type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	RetryablePatterns []string
	SweepInterval     time.Duration
}

// ReactRule is one think-phase rule: when Expr evaluates true over the
// observation, Action is proposed with the given base confidence.
type ReactRule struct {
	Name       string  `yaml:"name" json:"name"`
	Expr       string  `yaml:"expr" json:"expr"`
	Action     string  `yaml:"action" json:"action"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
}

type ReactConfig struct {
	AutoStart          bool          `yaml:"auto_start"`
	CycleInterval      time.Duration `yaml:"cycle_interval"`
	MaxActionsPerCycle int           `yaml:"max_actions_per_cycle"`
	MinConfidenceToAct float64       `yaml:"min_confidence_to_act"`
	SleepStartHour     int           `yaml:"sleep_start_hour"`
	SleepEndHour       int           `yaml:"sleep_end_hour"`
	BreakerThreshold   int           `yaml:"breaker_threshold"`
	BreakerCooldown    time.Duration `yaml:"breaker_cooldown"`
	Rules              []ReactRule   `yaml:"rules"`
}

type OrchestratorConfig struct {
	MaxRetries     int
	CandidateCount int
	MaxInsights    int
	Prompts        map[string]string
}

type GuardrailConfig struct {
	MinLength       int      `yaml:"min_length"`
	MaxLength       int      `yaml:"max_length"`
	BlockedWords    []string `yaml:"blocked_words"`
	BlockedPatterns []string `yaml:"blocked_patterns"`
	MinScore        float64  `yaml:"min_score"`
}

type LLMConfig struct {
	// Kind is "openai", "anthropic", "ollama" or "" (disabled).
	Kind        string
	Endpoint    string
	APIKey      string
	Model       string
	VisionModel string
	Timeout     time.Duration
}

type SNSConfig struct {
	PublishEndpoint string
	LoginEndpoint   string
	Token           string
	Timeout         time.Duration
}

type NotifyConfig struct {
	WebhookURL  string
	Secret      string
	MinPriority models.Priority
}

type JanitorConfig struct {
	Interval time.Duration
}

// fileConfig is the optional YAML overlay (POSTPILOT_CONFIG).
type fileConfig struct {
	Accounts   []AccountConfig         `yaml:"accounts"`
	Defaults   *models.StockThresholds `yaml:"stock_defaults"`
	React      *ReactConfig            `yaml:"react"`
	Guardrails *GuardrailConfig        `yaml:"guardrails"`
	Prompts    map[string]string       `yaml:"prompts"`
	Retry      *struct {
		RetryablePatterns []string `yaml:"retryable_patterns"`
	} `yaml:"retry"`
}

// DefaultRetryablePatterns are matched case-insensitively against error text.
var DefaultRetryablePatterns = []string{
	"429", "rate limit", "too many requests", "ETIMEDOUT", "ECONNRESET",
	"timeout", "deadline exceeded", "connection refused", "503", "502", "504",
}

// Load reads configuration from environment variables with sensible defaults,
// then overlays the YAML file named by POSTPILOT_CONFIG when present.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         envInt("POSTPILOT_PORT", 8080),
		Version:      envStr("POSTPILOT_VERSION", "0.1.0"),
		DataDir:      envStr("POSTPILOT_DATA_DIR", "./data"),
		KnowledgeDir: envStr("POSTPILOT_KNOWLEDGE_DIR", "./knowledge"),
		LogLevel:     envStr("POSTPILOT_LOG_LEVEL", "info"),
		Store:        envStr("POSTPILOT_STORE", "sqlite"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 4),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "postpilot"),
		},
		Auth: AuthConfig{
			CronSecret: envStr("CRON_SECRET", ""),
		},
		Session: SessionConfig{
			Secret: envStr("SESSION_SECRET", ""),
			TTL:    envDuration("SESSION_TTL", 30*24*time.Hour),
		},
		Events: EventsConfig{
			MaxLog:           envInt("EVENT_LOG_MAX", 1000),
			SubscriberBuffer: envInt("EVENT_SUBSCRIBER_BUFFER", 64),
		},
		Tracer: TracerConfig{
			MaxChains: envInt("CHAIN_LOG_MAX", 500),
			OrphanTTL: envDuration("CHAIN_ORPHAN_TTL", 6*time.Hour),
		},
		Stock: StockConfig{
			Defaults: models.StockThresholds{
				MinStockPerAccount: envInt("STOCK_MIN", 5),
				MaxStockPerAccount: envInt("STOCK_MAX", 10),
				RefillThreshold:    envInt("STOCK_REFILL_THRESHOLD", 3),
			},
			RetryBudget:       envInt("STOCK_RETRY_BUDGET", 3),
			RefillConcurrency: envInt("STOCK_REFILL_CONCURRENCY", 2),
			UsedRetention:     envDuration("STOCK_USED_RETENTION", 7*24*time.Hour),
		},
		Retry: RetryConfig{
			MaxRetries:        envInt("RETRY_MAX", 3),
			InitialDelay:      envDuration("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:          envDuration("RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:        envFloat("RETRY_MULTIPLIER", 2),
			RetryablePatterns: DefaultRetryablePatterns,
			SweepInterval:     envDuration("FAILED_QUEUE_SWEEP_INTERVAL", 5*time.Minute),
		},
		React: ReactConfig{
			AutoStart:          envBool("REACT_AUTO_START", false),
			CycleInterval:      envDuration("REACT_CYCLE_INTERVAL", 15*time.Minute),
			MaxActionsPerCycle: envInt("REACT_MAX_ACTIONS", 3),
			MinConfidenceToAct: envFloat("REACT_MIN_CONFIDENCE", 0.6),
			SleepStartHour:     envInt("REACT_SLEEP_START_HOUR", 1),
			SleepEndHour:       envInt("REACT_SLEEP_END_HOUR", 7),
			BreakerThreshold:   envInt("REACT_BREAKER_THRESHOLD", 5),
			BreakerCooldown:    envDuration("REACT_BREAKER_COOLDOWN", time.Hour),
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries:     envInt("ORCHESTRATOR_MAX_RETRIES", 2),
			CandidateCount: envInt("ORCHESTRATOR_CANDIDATES", 3),
			MaxInsights:    envInt("ORCHESTRATOR_MAX_INSIGHTS", 200),
		},
		Guardrails: GuardrailConfig{
			MinLength: envInt("GUARDRAIL_MIN_LENGTH", 10),
			MaxLength: envInt("GUARDRAIL_MAX_LENGTH", 280),
			MinScore:  envFloat("GUARDRAIL_MIN_SCORE", 0),
		},
		LLM: LLMConfig{
			Kind:        envStr("LLM_KIND", ""),
			Endpoint:    envStr("LLM_ENDPOINT", ""),
			APIKey:      envStr("LLM_API_KEY", ""),
			Model:       envStr("LLM_MODEL", ""),
			VisionModel: envStr("LLM_VISION_MODEL", ""),
			Timeout:     envDuration("LLM_TIMEOUT", 120*time.Second),
		},
		SNS: SNSConfig{
			PublishEndpoint: envStr("PUBLISH_ENDPOINT", ""),
			LoginEndpoint:   envStr("LOGIN_ENDPOINT", ""),
			Token:           envStr("SNS_TOKEN", ""),
			Timeout:         envDuration("SNS_TIMEOUT", 30*time.Second),
		},
		Notify: NotifyConfig{
			WebhookURL:  envStr("ALERT_WEBHOOK_URL", ""),
			Secret:      envStr("ALERT_WEBHOOK_SECRET", ""),
			MinPriority: models.Priority(envStr("ALERT_MIN_PRIORITY", string(models.PriorityHigh))),
		},
		Janitor: JanitorConfig{
			Interval: envDuration("JANITOR_INTERVAL", 10*time.Minute),
		},
	}

	if accounts := envStr("POSTPILOT_ACCOUNTS", ""); accounts != "" {
		for _, name := range strings.Split(accounts, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Stock.Accounts = append(cfg.Stock.Accounts, AccountConfig{
					Name:            name,
					Platform:        envStr("POSTPILOT_DEFAULT_PLATFORM", "twitter"),
					DailyPostGoal:   envInt("POSTPILOT_DAILY_GOAL", 3),
					StockThresholds: cfg.Stock.Defaults,
				})
			}
		}
	}

	if path := envStr("POSTPILOT_CONFIG", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Defaults != nil {
		c.Stock.Defaults = *fc.Defaults
	}
	if len(fc.Accounts) > 0 {
		c.Stock.Accounts = nil
		for _, a := range fc.Accounts {
			if a.Name == "" {
				return fmt.Errorf("config file %s: account without name", path)
			}
			if a.MinStockPerAccount == 0 {
				a.MinStockPerAccount = c.Stock.Defaults.MinStockPerAccount
			}
			if a.MaxStockPerAccount == 0 {
				a.MaxStockPerAccount = c.Stock.Defaults.MaxStockPerAccount
			}
			if a.RefillThreshold == 0 {
				a.RefillThreshold = c.Stock.Defaults.RefillThreshold
			}
			if a.MaxStockPerAccount < a.MinStockPerAccount {
				return fmt.Errorf("config file %s: account %s: max_stock < min_stock", path, a.Name)
			}
			c.Stock.Accounts = append(c.Stock.Accounts, a)
		}
	}
	if fc.React != nil {
		r := *fc.React
		if r.CycleInterval == 0 {
			r.CycleInterval = c.React.CycleInterval
		}
		if r.MaxActionsPerCycle == 0 {
			r.MaxActionsPerCycle = c.React.MaxActionsPerCycle
		}
		if r.BreakerThreshold == 0 {
			r.BreakerThreshold = c.React.BreakerThreshold
		}
		if r.BreakerCooldown == 0 {
			r.BreakerCooldown = c.React.BreakerCooldown
		}
		c.React = r
	}
	if fc.Guardrails != nil {
		g := *fc.Guardrails
		if g.MaxLength == 0 {
			g.MaxLength = c.Guardrails.MaxLength
		}
		c.Guardrails = g
	}
	if len(fc.Prompts) > 0 {
		c.Orchestrator.Prompts = fc.Prompts
	}
	if fc.Retry != nil && len(fc.Retry.RetryablePatterns) > 0 {
		c.Retry.RetryablePatterns = fc.Retry.RetryablePatterns
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
