package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	DatabaseURL string

	// Orchestration YAML (providers, query types, roles, cache TTLs)
	OrchestrationConfigPath string
	Orchestration           *OrchestrationConfig `yaml:"orchestration"`

	// Poller
	PollInterval       time.Duration
	PollBatchSize      int
	MaxConcurrentPolls int
	MaxRetries         int
	TaskTimeout        time.Duration

	// Dispatcher
	DispatchTimeout time.Duration

	// Default per-provider outbound rate limit
	ProviderRateLimitWindow   time.Duration
	ProviderRateLimitMax      int
	ProviderRateLimitQueueMax int

	// Scheduled sweeps (cron expressions)
	CacheSweepSchedule  string
	BudgetResetSchedule string

	// Events
	NatsURL             string
	FirestoreProjectID  string
	FirebaseCredJSON    string
	FirestoreCollection string

	// Metrics
	MetricsEnabled bool

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string
}

var (
	AppConfig *Config

	DefaultPollInterval = 5 * time.Second
	DefaultTaskTimeout  = 30 * time.Minute
)

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database. Empty means the in-memory store.
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		OrchestrationConfigPath: getEnvOrDefault("ORCHESTRATION_CONFIG", "orchestration.yaml"),

		// Poller
		PollInterval:       getEnvAsDuration("POLL_INTERVAL", DefaultPollInterval),
		PollBatchSize:      getEnvAsInt("POLL_BATCH_SIZE", 200),
		MaxConcurrentPolls: getEnvAsInt("MAX_CONCURRENT_POLLS", 20),
		MaxRetries:         getEnvAsInt("MAX_RETRIES", 3),
		TaskTimeout:        getEnvAsDuration("TASK_TIMEOUT", DefaultTaskTimeout),

		DispatchTimeout: getEnvAsDuration("DISPATCH_TIMEOUT", 30*time.Second),

		// Default per-provider outbound rate limit
		ProviderRateLimitWindow:   getEnvAsDuration("PROVIDER_RATE_LIMIT_WINDOW", time.Minute),
		ProviderRateLimitMax:      getEnvAsInt("PROVIDER_RATE_LIMIT_MAX", 120),
		ProviderRateLimitQueueMax: getEnvAsInt("PROVIDER_RATE_LIMIT_QUEUE", 50),

		// Scheduled sweeps
		CacheSweepSchedule:  getEnvOrDefault("CACHE_SWEEP_SCHEDULE", "@every 10m"),
		BudgetResetSchedule: getEnvOrDefault("BUDGET_RESET_SCHEDULE", "5 0 * * *"),

		// Events
		NatsURL:             getEnvOrDefault("NATS_URL", ""),
		FirestoreProjectID:  getEnvOrDefault("FIRESTORE_PROJECT_ID", ""),
		FirebaseCredJSON:    getEnvOrDefault("FIREBASE_CRED_JSON", ""),
		FirestoreCollection: getEnvOrDefault("FIRESTORE_COLLECTION", "seo_queries"),

		MetricsEnabled: getEnvOrDefault("METRICS_ENABLED", "true") == "true",

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 30),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 5),

		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if AppConfig.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL is not set, research state will be kept in memory only.")
	}

	if AppConfig.NatsURL == "" && AppConfig.FirestoreProjectID == "" {
		log.Println("Query status events disabled: neither NATS_URL nor FIRESTORE_PROJECT_ID is set.")
	}

	if f, err := os.Open(AppConfig.OrchestrationConfigPath); err != nil {
		log.Printf("Warning: failed to open orchestration config %s: %v", AppConfig.OrchestrationConfigPath, err)
	} else {
		defer f.Close()
		if err := LoadConfigFile(f, AppConfig); err != nil {
			log.Fatalf("Failed to load orchestration config %s: %v", AppConfig.OrchestrationConfigPath, err)
		}
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// LoadConfigFile decodes the YAML document in reader into config. The
// orchestration section is validated while it is decoded.
func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	if config.Orchestration == nil {
		return fmt.Errorf("no orchestration section in configuration")
	}

	return nil
}
