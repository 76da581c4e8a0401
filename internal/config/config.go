package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	MinOutboxEntries = 1
	MaxOutboxEntries = 100000
)

type Config struct {
	SyncURL                  string
	UserID                   string
	LocalDBPath              string
	OutboxMaxEntries         int
	ReconnectBaseDelay       time.Duration
	ReconnectMaxDelay        time.Duration
	ManualResolutionEntities []string
	LogLevel                 string
	LogFormat                string
	MetricsAddr              string
}

func Load() *Config {
	_ = godotenv.Load()

	outboxMax := getEnvInt("OUTBOX_MAX_ENTRIES", 10000)

	if outboxMax > MaxOutboxEntries {
		slog.Warn("OUTBOX_MAX_ENTRIES exceeds safety limit. Clamping to maximum", "requested", outboxMax, "limit", MaxOutboxEntries)
		outboxMax = MaxOutboxEntries
	} else if outboxMax < MinOutboxEntries {
		outboxMax = MinOutboxEntries
	}

	return &Config{
		SyncURL:                  getEnv("SYNC_URL", "ws://localhost:8080/ws/sync"),
		UserID:                   getEnv("USER_ID", ""),
		LocalDBPath:              getEnv("LOCAL_DB_PATH", "termsync.db"),
		OutboxMaxEntries:         outboxMax,
		ReconnectBaseDelay:       time.Duration(getEnvInt("RECONNECT_BASE_DELAY_MS", 3000)) * time.Millisecond,
		ReconnectMaxDelay:        time.Duration(getEnvInt("RECONNECT_MAX_DELAY_SEC", 60)) * time.Second,
		ManualResolutionEntities: getEnvList("MANUAL_RESOLUTION_ENTITIES", []string{"cashier"}),
		LogLevel:                 getEnv("LOG_LEVEL", "INFO"),
		LogFormat:                getEnv("LOG_FORMAT", "TEXT"),
		MetricsAddr:              getEnv("METRICS_ADDR", ":9464"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
