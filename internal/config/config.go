package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	// Storage
	DataDir       string
	SyncWrites    bool
	InMemoryStore bool

	// Auth service connection
	AuthURL    string
	AuthAPIKey string

	// API key for server-to-server endpoints (import, stats)
	LivedocAPIKey string

	// Snapshot cadence
	SnapshotEveryOps int
	SnapshotInterval time.Duration

	// Session coordinator
	IdleEvictAfter time.Duration
	SendBuffer     int
	AppendRetries  int
	RetainOps      int

	// Upload limits
	MaxUploadBytes int64
}

func Load() Config {
	cfg := Config{
		Port: envOr("PORT", "8090"),

		DataDir:       envOr("DATA_DIR", "./data"),
		SyncWrites:    envBool("SYNC_WRITES", true),
		InMemoryStore: envBool("IN_MEMORY_STORE", false),

		AuthURL:    envOr("AUTH_URL", "http://localhost:8080"),
		AuthAPIKey: os.Getenv("AUTH_API_KEY"),

		LivedocAPIKey: os.Getenv("LIVEDOC_API_KEY"),

		SnapshotEveryOps: envInt("SNAPSHOT_EVERY_OPS", 200),
		SnapshotInterval: envDuration("SNAPSHOT_INTERVAL", 60*time.Second),

		IdleEvictAfter: envDuration("IDLE_EVICT_AFTER", 5*time.Minute),
		SendBuffer:     envInt("SEND_BUFFER", 64),
		AppendRetries:  envInt("APPEND_RETRIES", 3),
		RetainOps:      envInt("RETAIN_OPS", 1000),

		MaxUploadBytes: envInt64("MAX_UPLOAD_BYTES", 52428800), // 50MB
	}

	if cfg.SnapshotEveryOps <= 0 {
		cfg.SnapshotEveryOps = 200
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 60 * time.Second
	}
	if cfg.IdleEvictAfter <= 0 {
		cfg.IdleEvictAfter = 5 * time.Minute
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.AppendRetries <= 0 {
		cfg.AppendRetries = 3
	}
	if cfg.RetainOps <= 0 {
		cfg.RetainOps = 1000
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 52428800
	}

	return cfg
}

func (c Config) Validate() error {
	if c.AuthAPIKey == "" {
		return fmt.Errorf("AUTH_API_KEY is required")
	}
	if c.LivedocAPIKey == "" {
		return fmt.Errorf("LIVEDOC_API_KEY is required")
	}
	if c.DataDir == "" && !c.InMemoryStore {
		return fmt.Errorf("DATA_DIR is required unless IN_MEMORY_STORE is set")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
