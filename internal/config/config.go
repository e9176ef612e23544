package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	ServerPort  string
	Environment string

	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis configuration
	RedisAddress string

	// JWT configuration for owner routes
	JWTSecret string

	// Rendering service
	RenderAddress string
	RenderTimeout time.Duration

	// Webhook dispatch
	WebhookURL      string
	WebhookSecret   string
	OutboxInterval  time.Duration
	DispatchWorkers int

	// Lock lease, never shorter than two renders plus lockMargin
	LockTTL time.Duration

	// Public token routes, requests per second per client IP
	SignRateLimit float64
	SignRateBurst int

	// Cache lifetime of completed audit exports
	AuditCacheTTL time.Duration

	FrontendAddress string
}

// Global application configuration
var AppConfig Config

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Find .env file
	envPath := ".env"
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		// Try to find .env in parent directories
		envPath = filepath.Join("..", ".env")
		if _, err := os.Stat(envPath); os.IsNotExist(err) {
			envPath = filepath.Join("..", "..", ".env")
		}
	}

	// Load .env file if it exists
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = generateRandomSecret(32)
		log.Println("Generated random JWT secret")
	}

	renderTimeout := getDuration("RENDER_TIMEOUT", 10*time.Second)

	AppConfig = Config{
		ServerPort:      getEnv("PORT", "8080"),
		Environment:     getEnv("ENV", "development"),
		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnv("DB_PORT", "5432"),
		DBUser:          getEnv("DB_USER", "postgres"),
		DBPassword:      getEnv("DB_PASSWORD", "postgres"),
		DBName:          getEnv("DB_NAME", "esign"),
		RedisAddress:    getEnv("REDIS_ADDRESS", "localhost:6379"),
		JWTSecret:       jwtSecret,
		RenderAddress:   getEnv("RENDER_ADDRESS", "http://localhost:8090"),
		RenderTimeout:   renderTimeout,
		WebhookURL:      getEnv("WEBHOOK_URL", ""),
		WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),
		OutboxInterval:  getDuration("OUTBOX_INTERVAL", 2*time.Second),
		DispatchWorkers: getInt("WORKERS", 4),
		LockTTL:         lockTTL(getDuration("LOCK_TTL", 15*time.Second), renderTimeout),
		SignRateLimit:   getFloat("SIGN_RATE_LIMIT", 5),
		SignRateBurst:   getInt("SIGN_RATE_BURST", 10),
		AuditCacheTTL:   getDuration("AUDIT_CACHE_TTL", 24*time.Hour),
		FrontendAddress: getEnv("FRONTEND_ADDRESS", "https://production-frontend.com"),
	}
}

const lockMargin = 5 * time.Second

// lockTTL stretches the configured lease so a submission holding the
// version lock can render twice before it runs out.
func lockTTL(configured, renderTimeout time.Duration) time.Duration {
	if floor := 2*renderTimeout + lockMargin; configured < floor {
		return floor
	}
	return configured
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

// generateRandomSecret generates a random hex secret of length bytes
func generateRandomSecret(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
