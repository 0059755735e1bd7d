// Package config provides environment configuration for the API server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreNATS   = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// Storage
	StoreBackend string
	SQLiteDSN    string
	SchemaFile   string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// LLM settings
	LLMProvider     string
	LLMModel        string
	LLMMaxTokens    int
	LLMTemperature  float64
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GeminiAPIKey    string

	// Turn handling
	PreemptInFlight bool
	HistoryLimit    int

	// Admission
	MessagesMax       int
	MessagesWindow    time.Duration
	SessionsMax       int
	SessionsWindow    time.Duration
	SubmissionsMax    int
	SubmissionsWindow time.Duration
	AbuseWindow       time.Duration
	AbuseMaxMessages  int
	AbuseMaxDuplicate int
	AbuseMaxShort     int
	BlockAbusive      bool

	// Coarse HTTP rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real env vars win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),
		AllowedOrigins:     getListEnv("CORS_ALLOWED_ORIGINS", nil),

		// Storage
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
		SQLiteDSN:    getEnv("SQLITE_DSN", "file:intake.db?_foreign_keys=on"),
		SchemaFile:   getEnv("SCHEMA_FILE", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// LLM
		LLMProvider:     strings.ToLower(getEnv("LLM_PROVIDER", "template")),
		LLMModel:        getEnv("LLM_MODEL", ""),
		LLMMaxTokens:    getIntEnv("LLM_MAX_TOKENS", 1024),
		LLMTemperature:  getFloatEnv("LLM_TEMPERATURE", 0.3),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),

		// Turns
		PreemptInFlight: getBoolEnv("PREEMPT_IN_FLIGHT", true),
		HistoryLimit:    getIntEnv("HISTORY_LIMIT", 50),

		// Admission
		MessagesMax:       getIntEnv("RATE_LIMIT_MESSAGES_MAX", 30),
		MessagesWindow:    getDurationEnv("RATE_LIMIT_MESSAGES_WINDOW", time.Minute),
		SessionsMax:       getIntEnv("RATE_LIMIT_SESSIONS_MAX", 5),
		SessionsWindow:    getDurationEnv("RATE_LIMIT_SESSIONS_WINDOW", time.Hour),
		SubmissionsMax:    getIntEnv("RATE_LIMIT_SUBMISSIONS_MAX", 20),
		SubmissionsWindow: getDurationEnv("RATE_LIMIT_SUBMISSIONS_WINDOW", time.Minute),
		AbuseWindow:       getDurationEnv("ABUSE_WINDOW", time.Minute),
		AbuseMaxMessages:  getIntEnv("ABUSE_MAX_MESSAGES", 20),
		AbuseMaxDuplicate: getIntEnv("ABUSE_MAX_DUPLICATES", 5),
		AbuseMaxShort:     getIntEnv("ABUSE_MAX_SHORT", 5),
		BlockAbusive:      getBoolEnv("BLOCK_ABUSIVE", false),

		// HTTP rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// APIKey returns the key for the configured provider.
func (c *Config) APIKey() string {
	switch c.LLMProvider {
	case "anthropic":
		return c.AnthropicAPIKey
	case "openai":
		return c.OpenAIAPIKey
	case "gemini":
		return c.GeminiAPIKey
	}
	return ""
}

// Validate checks the settings that cannot fall back to a default.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreSQLite, StoreNATS:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.LLMProvider != "template" && c.APIKey() == "" {
		return fmt.Errorf("LLM_PROVIDER %q needs an API key", c.LLMProvider)
	}
	return nil
}

// SchemaFile is the layout of a schema seed file.
type SchemaFile struct {
	Schemas []model.Schema `yaml:"schemas"`
}

// LoadSchemas reads intake schemas from a YAML seed file. Every schema is
// validated before any is returned.
func LoadSchemas(path string) ([]model.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}

	var file SchemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	for i := range file.Schemas {
		if err := file.Schemas[i].Validate(); err != nil {
			return nil, fmt.Errorf("schema %q: %w", file.Schemas[i].ID, err)
		}
	}
	return file.Schemas, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
