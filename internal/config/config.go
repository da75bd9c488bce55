package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// DSN set to an empty string keeps snapshots and the outbox in memory.
	DSN               string
	HTTPPort          string
	GRPCPort          string
	InstanceID        string
	StateFile         string
	MigrationsEnabled bool
	BackendURL        string
	BackendTimeout    time.Duration
	RefreshInterval   time.Duration
	ServiceToken      string
	FilterWord        string
	KafkaEnabled      bool
	KafkaBrokers      []string
	KafkaGroupID      string
	KafkaTopic        string
	AuditTopic        string
	AuditBatchSize    int
	AuditTimeout      time.Duration
	AuditWorkers      int
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	ShutdownTimeout   time.Duration
	LogLevel          slog.Level
}

func LoadConfig() *Config {
	brokersStr := getEnv("KAFKA_BROKERS", "localhost:9092")
	return &Config{
		HTTPPort:          getEnv("APP_PORT", "9000"),
		GRPCPort:          getEnv("APP_GRPC_PORT", "9001"),
		InstanceID:        getEnv("APP_INSTANCE_ID", hostname()),
		DSN:               getEnv("APP_DSN", "host=localhost user=postgres password=postgres dbname=gasorder sslmode=disable"),
		StateFile:         getEnv("APP_STATE_FILE", ""),
		MigrationsEnabled: parseBool("APP_MIGRATIONS_ENABLED", true),
		BackendURL:        strings.TrimRight(getEnv("BACKEND_URL", "https://salambundokito-api.vercel.app"), "/"),
		BackendTimeout:    parseDuration("BACKEND_TIMEOUT", 10*time.Second),
		RefreshInterval:   parseDuration("REFRESH_INTERVAL", 30*time.Second),
		ServiceToken:      getEnv("SERVICE_TOKEN", ""),
		FilterWord:        getEnv("APP_FILTER", ""),
		KafkaEnabled:      parseBool("KAFKA_ENABLED", true),
		KafkaBrokers:      splitList(brokersStr),
		KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "gasorder-status"),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "order-status"),
		AuditTopic:        getEnv("KAFKA_AUDIT_TOPIC", "order-audit"),
		AuditBatchSize:    parseInt("AUDIT_BATCH_SIZE", 10),
		AuditTimeout:      parseDuration("AUDIT_TIMEOUT", 2*time.Second),
		AuditWorkers:      parseInt("AUDIT_WORKERS", 2),
		OutboxInterval:    parseDuration("OUTBOX_INTERVAL", 2*time.Second),
		OutboxBatchSize:   parseInt("OUTBOX_BATCH", 32),
		ShutdownTimeout:   parseDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:          parseLevel(getEnv("LOG_LEVEL", "info")),
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}

func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%s", c.GRPCPort)
}

// ConsumerGroup is the Kafka group of this instance. Every instance pushes
// status events to its own websocket clients, so each one needs the whole
// topic and gets a group of its own.
func (c *Config) ConsumerGroup() string {
	if c.InstanceID == "" {
		return c.KafkaGroupID
	}
	return c.KafkaGroupID + "-" + c.InstanceID
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

// parseDuration falls back to def unless the value is a positive duration;
// intervals end up in time.NewTicker, which panics on zero.
func parseDuration(key string, def time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return def
}

// parseInt falls back to def unless the value is a positive integer.
func parseInt(key string, def int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

func parseBool(key string, def bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return def
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return def
}

func parseLevel(raw string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
