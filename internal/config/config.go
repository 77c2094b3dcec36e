package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort  string
	ProfilePath string
	AppMode     string

	// Upstream provider credentials, read once at startup.
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
	XAIKey       string

	// TargetLLMURL is the OpenAI-compatible fallback endpoint for model names
	// that match no known provider prefix (Ollama, LocalAI, vLLM, ...).
	TargetLLMURL string

	// UseMockLLM short-circuits upstream dispatch and synthesizes responses.
	UseMockLLM bool

	// UpstreamTimeout bounds a single upstream HTTP call.
	UpstreamTimeout time.Duration

	AdminAPIKey string

	// Audit settings
	AuditLogPath   string
	AuditDBDSN     string
	AuditConsole   bool
	AuditQueueSize int
	SIEMWebhookURL string

	// Rate limiting (disabled when RedisURL is empty)
	RedisURL        string
	RateLimitPerMin int

	// Embedding capability for the semantic-intent detector.
	// Semantic blocking degrades to disabled when EmbeddingsURL is empty.
	EmbeddingsURL   string
	EmbeddingsKey   string
	EmbeddingsModel string

	// AWS Bedrock settings (used by the "bedrock/" model prefix)
	BedrockRegion           string
	BedrockEndpointOverride string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	return &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		ProfilePath: getEnv("PROFILE_PATH", "profiles/default.yaml"),
		AppMode:     strings.ToUpper(getEnv("APP_MODE", "DEV")),

		OpenAIKey: getEnv("OPENAI_API_KEY", ""),
		// Support both standard and legacy var names
		AnthropicKey: firstEnv("ANTHROPIC_API_KEY", "CLAUDE_API_KEY"),
		GeminiKey:    getEnv("GEMINI_API_KEY", ""),
		XAIKey:       getEnv("XAI_API_KEY", ""),

		TargetLLMURL: getEnv("TARGET_LLM_URL", "http://localhost:11434/v1/chat/completions"),
		UseMockLLM:   getEnvAsBool("USE_MOCK_LLM", false),

		UpstreamTimeout: time.Duration(getEnvAsInt("UPSTREAM_TIMEOUT_SECONDS", 60)) * time.Second,

		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),

		AuditLogPath:   getEnv("AUDIT_LOG_PATH", "audit.jsonl"),
		AuditDBDSN:     getEnv("AUDIT_DB_DSN", ""),
		AuditConsole:   getEnvAsBool("AUDIT_CONSOLE", false),
		AuditQueueSize: getEnvAsInt("AUDIT_QUEUE_SIZE", 1024),
		SIEMWebhookURL: getEnv("SIEM_WEBHOOK_URL", ""),

		RedisURL:        getEnv("REDIS_URL", ""),
		RateLimitPerMin: getEnvAsInt("RATE_LIMIT_PER_MIN", 60),

		EmbeddingsURL:   getEnv("EMBEDDINGS_URL", ""),
		EmbeddingsKey:   getEnv("EMBEDDINGS_API_KEY", ""),
		EmbeddingsModel: getEnv("EMBEDDINGS_MODEL", "all-minilm"),

		BedrockRegion:           getEnv("AWS_BEDROCK_REGION", ""),
		BedrockEndpointOverride: getEnv("AWS_BEDROCK_ENDPOINT_OVERRIDE", ""),
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return v
		}
	}
	return ""
}

func getEnvAsBool(key string, fallback bool) bool {
	val := getEnv(key, "")
	switch strings.ToLower(val) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := getEnv(key, "")
	if val == "" {
		return fallback
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("Invalid int value for %s: %s (using fallback %d)", key, val, fallback)
		return fallback
	}
	return i
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
