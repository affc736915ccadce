// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent backend kinds.
const (
	BackendOllama = "ollama"
	BackendGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	DatabaseURL string // postgres://... selects PostgreSQL instead of DBPath

	Session         SessionConfig
	Agent           AgentConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// SessionConfig controls per-browser-session state.
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Secret        string
	Persist       bool
}

// AgentConfig selects and configures the agent backend.
type AgentConfig struct {
	Backend        string
	OllamaURL      string
	GrpcAddr       string
	Model          string
	FormPrompt     string
	ChatPrompt     string
	QuestionLabel  string
	RequestTimeout time.Duration
}

// RateLimitConfig bounds chat and upload requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls server-sent event streaming.
type SSEConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
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
		DBPath:      getEnv("DB_PATH", "./data/formchat.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		Session: SessionConfig{
			TTL:           getEnvDuration("SESSION_TTL", 60*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
			Secret:        getEnv("SESSION_SECRET", ""),
			Persist:       getEnvBool("SESSION_PERSIST", true),
		},
		Agent: AgentConfig{
			Backend:        strings.ToLower(getEnv("AGENT_BACKEND", BackendOllama)),
			OllamaURL:      getEnv("OLLAMA_URL", "http://localhost:11434"),
			GrpcAddr:       getEnv("AGENT_GRPC_ADDR", "localhost:50051"),
			Model:          getEnv("AGENT_MODEL", "llama3.1"),
			FormPrompt:     getEnv("AGENT_FORM_PROMPT", ""),
			ChatPrompt:     getEnv("AGENT_CHAT_PROMPT", ""),
			QuestionLabel:  getEnv("AGENT_QUESTION_LABEL", "Frage"),
			RequestTimeout: getEnvDuration("AGENT_REQUEST_TIMEOUT", 120*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("SSE_MAX_REQUEST_BODY", 1<<20)),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if cfg.Session.Secret == "" && cfg.IsDevelopment() {
		cfg.Session.Secret = "formchat-dev-secret"
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
	if c.DBPath == "" && c.DatabaseURL == "" {
		return fmt.Errorf("DB_PATH or DATABASE_URL must be set")
	}
	if c.Session.Secret == "" {
		return fmt.Errorf("SESSION_SECRET cannot be empty outside development")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	switch c.Agent.Backend {
	case BackendOllama:
		if c.Agent.OllamaURL == "" {
			return fmt.Errorf("OLLAMA_URL cannot be empty")
		}
	case BackendGRPC:
		if c.Agent.GrpcAddr == "" {
			return fmt.Errorf("AGENT_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("AGENT_BACKEND must be %q or %q, got %q", BackendOllama, BackendGRPC, c.Agent.Backend)
	}
	if c.Agent.Model == "" {
		return fmt.Errorf("AGENT_MODEL cannot be empty")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("SSE_MAX_REQUEST_BODY must be > 0")
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

// AllowedOrigins returns the origins permitted by CORS.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"http://localhost:5173", "http://localhost:" + c.Port}
	}
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
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
