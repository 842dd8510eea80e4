package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API, workers and scheduler.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int
	LogLevel           string
	LogFormat          string

	DatabaseURL     string
	SQLitePath      string
	MongoURL        string
	MongoDatabase   string
	UploadDir       string
	MaxUploadBytes  int64
	DefaultOrgID    int64
	DefaultUserID   int64
	WorkflowsFile   string
	ExtraMimeTypes  []string
	WorkerPoolSize  int
	WorkerEnabled   bool
	SchedulerEnable bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	QueueMaxRetries          int
	QueueRetryBackoff        time.Duration
	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	AIProvider          string
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIOrganization  string
	OpenAITimeoutMS     int
	OpenAIMaxRetries    int
	OpenRouterAPIKey    string
	OpenRouterBaseURL   string
	OpenRouterSiteURL   string
	OpenRouterAppName   string
	AIModelPrimary      string
	AIModelFallback     string
	AIModelSummary      string
	AIModelCategorize   string
	AIModelInsights     string
	AIModelTags         string
	AIRateLimitRPS      float64
	AIRateLimitBurst    int
	AICacheBackend      string
	AICacheTTLSeconds   int
	AICacheMaxEntries   int
	PDFToTextBin        string
	TesseractBin        string
	OCRLanguage         string
	NotifyRelayEnabled  bool
	NotifyRelayChannel  string
	JobRetention        time.Duration
	MaintenanceCron     string
	ScheduleRefresh     time.Duration
	WebSocketSendBuffer int
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8000"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		SQLitePath:      getEnv("SQLITE_PATH", ""),
		MongoURL:        getEnv("MONGODB_URL", ""),
		MongoDatabase:   getEnv("MONGODB_DATABASE", "docflow"),
		UploadDir:       getEnv("UPLOAD_DIR", "uploads"),
		MaxUploadBytes:  int64(getEnvInt("MAX_UPLOAD_BYTES", 50<<20)),
		DefaultOrgID:    int64(getEnvInt("DEFAULT_ORGANIZATION_ID", 1)),
		DefaultUserID:   int64(getEnvInt("DEFAULT_USER_ID", 1)),
		WorkflowsFile:   getEnv("WORKFLOWS_FILE", ""),
		ExtraMimeTypes:  getEnvList("EXTRA_ALLOWED_MIME_TYPES", nil),
		WorkerPoolSize:  getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerEnabled:   getEnvBool("WORKER_ENABLED", true),
		SchedulerEnable: getEnvBool("SCHEDULER_ENABLED", true),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "docflow_tasks"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "docflow_tasks_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "docflow_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		QueueMaxRetries:          getEnvInt("QUEUE_MAX_RETRIES", 3),
		QueueRetryBackoff:        getEnvDuration("QUEUE_RETRY_BACKOFF", 60*time.Second),
		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", false),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		AIProvider:         strings.ToLower(getEnv("AI_PROVIDER", "openai")),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:      getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIOrganization: getEnv("OPENAI_ORGANIZATION", ""),
		OpenAITimeoutMS:    getEnvInt("OPENAI_TIMEOUT_MS", 30000),
		OpenAIMaxRetries:   getEnvInt("OPENAI_MAX_RETRIES", 2),
		OpenRouterAPIKey:   getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL:  getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterSiteURL:  getEnv("OPENROUTER_SITE_URL", ""),
		OpenRouterAppName:  getEnv("OPENROUTER_APP_NAME", "docflow"),
		AIModelPrimary:     getEnv("AI_MODEL_PRIMARY", "gpt-4.1-mini"),
		AIModelFallback:    getEnv("AI_MODEL_FALLBACK", "gpt-4.1-nano"),
		AIModelSummary:     getEnv("AI_MODEL_SUMMARY", ""),
		AIModelCategorize:  getEnv("AI_MODEL_CATEGORIZATION", ""),
		AIModelInsights:    getEnv("AI_MODEL_INSIGHTS", ""),
		AIModelTags:        getEnv("AI_MODEL_TAGS", ""),
		AIRateLimitRPS:     getEnvFloat("AI_RATE_LIMIT_RPS", 5),
		AIRateLimitBurst:   getEnvInt("AI_RATE_LIMIT_BURST", 5),
		AICacheBackend:     strings.ToLower(getEnv("AI_CACHE_BACKEND", "memory")),
		AICacheTTLSeconds:  getEnvInt("AI_CACHE_TTL_SECONDS", 3600),
		AICacheMaxEntries:  getEnvInt("AI_CACHE_MAX_ENTRIES", 2000),

		PDFToTextBin: getEnv("PDFTOTEXT_BIN", "pdftotext"),
		TesseractBin: getEnv("TESSERACT_BIN", "tesseract"),
		OCRLanguage:  getEnv("OCR_LANGUAGE", "eng"),

		NotifyRelayEnabled:  getEnvBool("NOTIFY_RELAY_ENABLED", false),
		NotifyRelayChannel:  getEnv("NOTIFY_RELAY_CHANNEL", "docflow:notifications"),
		JobRetention:        getEnvDuration("JOB_RETENTION", 30*24*time.Hour),
		MaintenanceCron:     getEnv("MAINTENANCE_CRON", "@hourly"),
		ScheduleRefresh:     getEnvDuration("SCHEDULE_REFRESH_INTERVAL", time.Minute),
		WebSocketSendBuffer: getEnvInt("WEBSOCKET_SEND_BUFFER", 64),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Validate rejects combinations the process cannot start with.
func (c Config) Validate() error {
	var problems []string
	switch c.AIProvider {
	case "openai", "openrouter":
	default:
		problems = append(problems, fmt.Sprintf("AI_PROVIDER must be openai or openrouter, got %q", c.AIProvider))
	}
	switch c.AICacheBackend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("AI_CACHE_BACKEND must be memory or redis, got %q", c.AICacheBackend))
	}
	if c.AICacheBackend == "redis" && c.RedisAddr == "" {
		problems = append(problems, "AI_CACHE_BACKEND=redis requires REDIS_ADDR")
	}
	if c.NotifyRelayEnabled && c.RedisAddr == "" {
		problems = append(problems, "NOTIFY_RELAY_ENABLED requires REDIS_ADDR")
	}
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		problems = append(problems, "set only one of DATABASE_URL and SQLITE_PATH")
	}
	if c.MaxUploadBytes <= 0 {
		problems = append(problems, "MAX_UPLOAD_BYTES must be positive")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
