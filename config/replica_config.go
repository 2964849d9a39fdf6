package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// Token encryption at rest
	EncryptionKey string

	// OpenAI
	OpenAIAPIKey  string
	BaseModel     string
	TrainerEpochs int

	// OAuth - Google
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Sync
	SyncInterval     time.Duration
	MaxEmailsPerSync int
	SyncLockTTL      time.Duration

	// Fine-tuning
	FineTuneMinEmails     int
	FineTuneMaxPerJob     int
	FineTuneCheckInterval time.Duration
	JobPollInterval       time.Duration

	// Worker
	WorkerID        string
	WorkerMax       int
	WorkerQueueSize int

	// CORS
	AllowedOrigins []string

	// Scheduler
	SchedulerEnabled bool

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "replica"),
		RedisURL:    getEnv("REDIS_URL", ""),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),

		// OpenAI
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		BaseModel:     getEnv("FINETUNE_BASE_MODEL", "gpt-4o-mini-2024-07-18"),
		TrainerEpochs: getEnvInt("FINETUNE_EPOCHS", 0),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// OAuth - Microsoft
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		// Sync
		SyncInterval:     time.Duration(getEnvInt("SYNC_INTERVAL_MIN", 5)) * time.Minute,
		MaxEmailsPerSync: getEnvInt("SYNC_MAX_EMAILS", 200),
		SyncLockTTL:      time.Duration(getEnvInt("SYNC_LOCK_TTL_MIN", 10)) * time.Minute,

		// Fine-tuning
		FineTuneMinEmails:     getEnvInt("FINETUNE_MIN_EMAILS", 50),
		FineTuneMaxPerJob:     getEnvInt("FINETUNE_MAX_PER_JOB", 1000),
		FineTuneCheckInterval: time.Duration(getEnvInt("FINETUNE_CHECK_INTERVAL_MIN", 30)) * time.Minute,
		JobPollInterval:       time.Duration(getEnvInt("JOB_POLL_INTERVAL_MIN", 60)) * time.Minute,

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerMax:       getEnvInt("WORKER_MAX", 10),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 1000),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),

		// Scheduler
		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
