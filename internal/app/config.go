package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPlaceholderImage = "https://via.placeholder.com/150?text=No+Image"
)

type Config struct {
	HTTPAddr            string
	LogLevel            string
	LogFormat           string
	WorkerSecret        string
	AdminCode           string
	CacheTTL            time.Duration
	CacheMaxEntries     int
	RedisURL            string
	MongoURI            string
	MongoDatabase       string
	TrafficFlush        time.Duration
	HistoryLimit        int
	PollInterval        time.Duration
	PollMaxAttempts     int
	RequeueOnDisconnect bool
	PlaceholderImageURL string
	AccessoryKeywords   []string
	RefurbishedKeywords []string
	RateLimitRPS        float64
	RateLimitBurst      int
	OTLPEndpoint        string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":5000"),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "text")),
		WorkerSecret:        strings.TrimSpace(os.Getenv("WORKER_SECRET")),
		AdminCode:           strings.TrimSpace(os.Getenv("ADMIN_CODE")),
		CacheTTL:            time.Duration(getEnvInt("CACHE_TTL_MINUTES", 30)) * time.Minute,
		CacheMaxEntries:     getEnvInt("CACHE_MAX_ENTRIES", 500),
		RedisURL:            getEnv("REDIS_URL", ""),
		MongoURI:            getEnv("MONGO_URI", ""),
		MongoDatabase:       getEnv("MONGO_DB", "pricefinder"),
		TrafficFlush:        time.Duration(getEnvInt("TRAFFIC_FLUSH_SECONDS", 30)) * time.Second,
		HistoryLimit:        getEnvInt("HISTORY_LIMIT", 50),
		PollInterval:        time.Duration(getEnvInt("POLL_INTERVAL_MS", 3000)) * time.Millisecond,
		PollMaxAttempts:     getEnvInt("POLL_MAX_ATTEMPTS", 40),
		RequeueOnDisconnect: getEnvBool("REQUEUE_ON_DISCONNECT", false),
		PlaceholderImageURL: getEnv("PLACEHOLDER_IMAGE_URL", defaultPlaceholderImage),
		AccessoryKeywords:   getEnvCSV("ACCESSORY_KEYWORDS"),
		RefurbishedKeywords: getEnvCSV("REFURBISHED_KEYWORDS"),
		RateLimitRPS:        getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", 40),
		OTLPEndpoint:        getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
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

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
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

// getEnvCSV returns nil when the variable is unset so callers keep their built-in lists.
func getEnvCSV(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.ToLower(strings.TrimSpace(part))
		if value != "" {
			out = append(out, value)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
