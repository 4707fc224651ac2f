// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Model providers.
const (
	ProviderBedrock   = "bedrock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Database drivers for the analytics database.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	DBPath          string // conversation store (SQLite)
	ChartsDir       string
	SchemaPath      string
	Database        DatabaseConfig
	Model           ModelConfig
	Agents          AgentConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
	Retention       RetentionConfig
}

// RetentionConfig controls how long stored conversations are kept.
type RetentionConfig struct {
	TTL      time.Duration
	Interval time.Duration
}

// DatabaseConfig describes the analytics database queried by the agents.
type DatabaseConfig struct {
	Driver       string
	URL          string
	Host         string
	Port         string
	Name         string
	User         string
	Password     string
	QueryTimeout time.Duration
	MaxRows      int
}

// ModelConfig selects and configures the language model provider.
type ModelConfig struct {
	Provider           string
	ID                 string
	MaxTokens          int
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
}

// AgentConfig bounds the model loop of each agent.
type AgentConfig struct {
	ResearchMaxIterations      int
	VisualizationMaxIterations int
	CoordinatorMaxIterations   int
}

// RateLimitConfig throttles inbound chat messages per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/sqlsight.db"),
		ChartsDir:   getEnv("CHARTS_DIR", "./generated_charts"),
		SchemaPath:  getEnv("SCHEMA_PATH", "./tables_schema.json"),
		Database: DatabaseConfig{
			Driver:       strings.ToLower(getEnv("DATABASE_DRIVER", DriverPostgres)),
			URL:          getEnv("DATABASE_URL", ""),
			Host:         getEnv("host", "localhost"),
			Port:         getEnv("port", "5432"),
			Name:         getEnv("dbname", ""),
			User:         getEnv("user", ""),
			Password:     getEnv("password", ""),
			QueryTimeout: getEnvDuration("QUERY_TIMEOUT", 30*time.Second),
			MaxRows:      getEnvInt("QUERY_MAX_ROWS", 500),
		},
		Model: ModelConfig{
			Provider:           strings.ToLower(getEnv("MODEL_PROVIDER", ProviderBedrock)),
			ID:                 getEnv("MODEL_ID", getEnv("BEDROCK_MODEL_ID", "")),
			MaxTokens:          getEnvInt("MODEL_MAX_TOKENS", 4096),
			AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
			AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			AWSSessionToken:    getEnv("AWS_SESSION_TOKEN", ""),
			OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", ""),
			AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		},
		Agents: AgentConfig{
			ResearchMaxIterations:      getEnvInt("RESEARCH_MAX_ITERATIONS", 10),
			VisualizationMaxIterations: getEnvInt("VISUALIZATION_MAX_ITERATIONS", 10),
			CoordinatorMaxIterations:   getEnvInt("COORDINATOR_MAX_ITERATIONS", 10),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_MESSAGES", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		Retention: RetentionConfig{
			TTL:      getEnvDuration("CONVERSATION_TTL", 7*24*time.Hour),
			Interval: getEnvDuration("CONVERSATION_SWEEP_INTERVAL", time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ChartsDir == "" {
		return fmt.Errorf("CHARTS_DIR cannot be empty")
	}
	if c.SchemaPath == "" {
		return fmt.Errorf("SCHEMA_PATH cannot be empty")
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}
	if c.Database.Driver == DriverSQLite && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required for the sqlite driver")
	}
	if c.Database.MaxRows <= 0 {
		return fmt.Errorf("QUERY_MAX_ROWS must be > 0")
	}
	switch c.Model.Provider {
	case ProviderBedrock:
	case ProviderOpenAI:
		if c.Model.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
	case ProviderAnthropic:
		if c.Model.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("unknown MODEL_PROVIDER %q", c.Model.Provider)
	}
	if c.Agents.ResearchMaxIterations <= 0 || c.Agents.VisualizationMaxIterations <= 0 || c.Agents.CoordinatorMaxIterations <= 0 {
		return fmt.Errorf("agent iteration caps must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_MESSAGES and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// DSN returns the connection string for the analytics database.
// DATABASE_URL wins; otherwise a postgres URL is assembled from the
// discrete host/port/dbname/user/password variables.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=disable",
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
