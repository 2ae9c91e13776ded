package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (capacity counters and notification stream)
	Redis RedisConfig

	// JWT configuration
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig

	// Booking lifecycle configuration
	Booking BookingConfig

	// Capacity guard configuration
	Capacity CapacityConfig

	// Payment gateway configuration
	Payment PaymentConfig

	// Expiry sweep configuration
	Sweep SweepConfig

	// Notification effect configuration
	Notifications NotificationConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port             string
	Environment      string // development, staging, production
	LogLevel         string // debug, info, warn, error
	ShutdownTimeout  time.Duration
	EnableRequestLog bool
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// BookingConfig holds booking lifecycle settings
type BookingConfig struct {
	HoldDuration       time.Duration // Unpaid bookings expire after this
	DefaultCurrency    string
	ManualConfirmTypes []string // Asset types that wait for partner acceptance
	MaxConflictRetries int      // Optimistic update retries before surfacing a conflict
}

// CapacityConfig selects and tunes the capacity guard
type CapacityConfig struct {
	Backend         string // "postgres", "redis" or "memory"
	DefaultCapacity int    // Used for slots without an explicit capacity
}

// PaymentConfig holds payment gateway configuration
type PaymentConfig struct {
	BaseURL         string
	AccessToken     string // SECRET - never expose to client
	WebhookSecret   string // HMAC-SHA256 secret for webhook signatures, optional
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	SuccessURL      string
	FailureURL      string
	PendingURL      string
	NotificationURL string
}

// SweepConfig holds the expiry sweep schedule
type SweepConfig struct {
	Schedule        string // cron expression with seconds
	BatchSize       int
	OrphanHoldGrace time.Duration // Terminal bookings younger than this are left to the dispatcher
}

// NotificationConfig holds effect dispatch settings
type NotificationConfig struct {
	Backend string // "redis" or "memory"
	Topic   string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:             getEnv("PORT", "8080"),
			Environment:      getEnv("ENVIRONMENT", "development"),
			LogLevel:         getEnv("LOG_LEVEL", "info"),
			ShutdownTimeout:  getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 15*time.Second),
			EnableRequestLog: getEnvAsBool("ENABLE_REQUEST_LOGGING", true),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization"}),
		},
		Booking: BookingConfig{
			HoldDuration:       getEnvAsDuration("BOOKING_HOLD_DURATION", 30*time.Minute),
			DefaultCurrency:    getEnv("BOOKING_DEFAULT_CURRENCY", "BRL"),
			ManualConfirmTypes: getEnvAsSlice("BOOKING_MANUAL_CONFIRM_TYPES", []string{"accommodation", "package"}),
			MaxConflictRetries: getEnvAsInt("BOOKING_MAX_CONFLICT_RETRIES", 3),
		},
		Capacity: CapacityConfig{
			Backend:         getEnv("CAPACITY_BACKEND", "postgres"),
			DefaultCapacity: getEnvAsInt("CAPACITY_DEFAULT", 10),
		},
		Payment: PaymentConfig{
			BaseURL:         getEnv("PAYMENT_GATEWAY_URL", ""),
			AccessToken:     getEnv("PAYMENT_ACCESS_TOKEN", ""),
			WebhookSecret:   getEnv("PAYMENT_WEBHOOK_SECRET", ""),
			Timeout:         getEnvAsDuration("PAYMENT_TIMEOUT", 30*time.Second),
			MaxRetries:      getEnvAsInt("PAYMENT_MAX_RETRIES", 3),
			InitialInterval: getEnvAsDuration("PAYMENT_RETRY_INITIAL_INTERVAL", 500*time.Millisecond),
			MaxInterval:     getEnvAsDuration("PAYMENT_RETRY_MAX_INTERVAL", 5*time.Second),
			SuccessURL:      getEnv("PAYMENT_SUCCESS_URL", ""),
			FailureURL:      getEnv("PAYMENT_FAILURE_URL", ""),
			PendingURL:      getEnv("PAYMENT_PENDING_URL", ""),
			NotificationURL: getEnv("PAYMENT_NOTIFICATION_URL", ""),
		},
		Sweep: SweepConfig{
			Schedule:        getEnv("SWEEP_SCHEDULE", "0 * * * * *"), // every minute
			BatchSize:       getEnvAsInt("SWEEP_BATCH_SIZE", 100),
			OrphanHoldGrace: getEnvAsDuration("SWEEP_ORPHAN_HOLD_GRACE", 2*time.Minute),
		},
		Notifications: NotificationConfig{
			Backend: getEnv("NOTIFICATIONS_BACKEND", "redis"),
			Topic:   getEnv("NOTIFICATIONS_TOPIC", "booking-notifications"),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Development may run on in-memory stores
	if c.Database.URL == "" && c.Server.Environment != "development" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.Capacity.Backend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("invalid CAPACITY_BACKEND: %s (must be 'postgres', 'redis' or 'memory')", c.Capacity.Backend)
	}
	if c.Capacity.DefaultCapacity < 0 {
		return fmt.Errorf("CAPACITY_DEFAULT cannot be negative")
	}

	switch c.Notifications.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid NOTIFICATIONS_BACKEND: %s (must be 'redis' or 'memory')", c.Notifications.Backend)
	}

	if c.Booking.HoldDuration <= 0 {
		return fmt.Errorf("BOOKING_HOLD_DURATION must be positive")
	}
	if c.Booking.MaxConflictRetries < 1 {
		return fmt.Errorf("BOOKING_MAX_CONFLICT_RETRIES must be at least 1")
	}

	// Payment gateway is mandatory in production
	if c.Server.Environment == "production" {
		if c.Payment.BaseURL == "" {
			return fmt.Errorf("PAYMENT_GATEWAY_URL is required in production")
		}
		if c.Payment.AccessToken == "" {
			return fmt.Errorf("PAYMENT_ACCESS_TOKEN is required in production")
		}
	}

	return nil
}

// IsManualConfirm reports whether bookings of the asset type wait for partner acceptance
func (c *BookingConfig) IsManualConfirm(assetType string) bool {
	for _, t := range c.ManualConfirmTypes {
		if t == assetType {
			return true
		}
	}
	return false
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Invalid boolean value for %s, using default: %t", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration value for %s, using default: %s", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
