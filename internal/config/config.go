package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	AuthSecret             string
	AccessTokenTTLMinutes  int
	CostingMethod          string
	SummaryCacheTTLSeconds int
	LoginRateLimit         string
	AppEnv                 string
	LogLevel               string
}

// Load reads configuration from the environment, after merging a .env file
// from the working directory when one exists.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getEnvInt("REDIS_DB", 0, 0),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		CostingMethod:          strings.ToUpper(getEnv("COSTING_METHOD", "FIFO")),
		SummaryCacheTTLSeconds: getEnvInt("SUMMARY_CACHE_TTL_SECONDS", 60, 1),
		LoginRateLimit:         getEnv("LOGIN_RATE_LIMIT", "5-M"),
		AppEnv:                 getEnv("APP_ENV", "production"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is missing, malformed or below min.
func getEnvInt(key string, fallback int, min int) int {
	val, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || val < min {
		return fallback
	}
	return val
}
