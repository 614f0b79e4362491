package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr        string
	BackendURL      string
	RequestTimeout  time.Duration
	LogLevel        string
	LogFormat       string
	UserAgent       string
	SearchLimit     int
	CrossModalLimit int
	CatalogTTL      time.Duration
	SessionTTL      time.Duration
	RedisURL        string
	BackendRPS      float64
	EnhanceTimeout  time.Duration
	EnhanceDisabled bool
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		BackendURL:      getEnv("BACKEND_URL", "http://localhost:8000"),
		RequestTimeout:  time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 15)) * time.Second,
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:       getEnv("BACKEND_USER_AGENT", "avisearch-orchestrator/1.0"),
		SearchLimit:     getEnvInt("SEARCH_LIMIT", 12),
		CrossModalLimit: getEnvInt("CROSS_MODAL_LIMIT", 5),
		CatalogTTL:      time.Duration(getEnvInt("CATALOG_TTL_MINUTES", 30)) * time.Minute,
		SessionTTL:      time.Duration(getEnvInt("SESSION_TTL_MINUTES", 30)) * time.Minute,
		RedisURL:        getEnv("REDIS_URL", ""),
		BackendRPS:      float64(getEnvInt("BACKEND_RPS", 20)),
		EnhanceTimeout:  time.Duration(getEnvInt("ENHANCE_TIMEOUT_SECONDS", 8)) * time.Second,
		EnhanceDisabled: getEnvBool("ENHANCE_DISABLED", false),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
