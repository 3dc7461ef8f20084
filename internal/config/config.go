package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	JWTSecret string
	RedisURL  string

	// Engine tuning
	MaxConcurrent int
	MaxAttempts   int
	BaseBackoff   time.Duration

	// MinIO/S3 configuration
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3UseSSL        bool
	S3UsePathStyle  bool
	S3PresignExpiry time.Duration
}

func Load() *Config {
	maxConcurrent, _ := strconv.Atoi(getEnvOrDefault("MAX_CONCURRENT_DOWNLOADS", "3"))
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	maxAttempts, _ := strconv.Atoi(getEnvOrDefault("MAX_DOWNLOAD_ATTEMPTS", "3"))
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	baseBackoff, err := time.ParseDuration(getEnvOrDefault("RETRY_BASE_BACKOFF", "1s"))
	if err != nil || baseBackoff <= 0 {
		baseBackoff = time.Second
	}

	presignExpiry, err := time.ParseDuration(getEnvOrDefault("S3_PRESIGN_EXPIRY", "15m"))
	if err != nil || presignExpiry <= 0 {
		presignExpiry = 15 * time.Minute
	}

	useSSL, _ := strconv.ParseBool(getEnvOrDefault("S3_USE_SSL", "false"))
	usePathStyle, _ := strconv.ParseBool(getEnvOrDefault("S3_USE_PATH_STYLE", "true"))

	return &Config{
		ServerAddr:      getEnvOrDefault("SERVER_ADDR", ":8080"),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		DBHost:          getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:          getEnvOrDefault("DB_PORT", "5432"),
		DBUser:          getEnvOrDefault("DB_USER", "pullbox"),
		DBPassword:      getEnvOrDefault("DB_PASSWORD", "pullbox_dev_password"),
		DBName:          getEnvOrDefault("DB_NAME", "pullbox"),
		JWTSecret:       getEnvOrDefault("JWT_SECRET", generateDefaultSecret()),
		RedisURL:        getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		MaxConcurrent:   maxConcurrent,
		MaxAttempts:     maxAttempts,
		BaseBackoff:     baseBackoff,
		S3Endpoint:      getEnvOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3Region:        getEnvOrDefault("S3_REGION", "us-east-1"),
		S3AccessKey:     getEnvOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:     getEnvOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:        getEnvOrDefault("S3_BUCKET", "pullbox-assets"),
		S3UseSSL:        useSSL,
		S3UsePathStyle:  usePathStyle,
		S3PresignExpiry: presignExpiry,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func generateDefaultSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "dev-secret-change-in-production"
	}
	return hex.EncodeToString(bytes)
}
