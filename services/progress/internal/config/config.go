package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	DatabaseDriver     string
	DatabaseURL        string
	JWTSecret          string
	GRPCAddr           string
	NATSURL            string
	RedisURL           string
	CatalogCacheTTL    time.Duration
	AsyncPlayback      bool
	ReconcileInterval  time.Duration
	OutboxPollInterval time.Duration
	MigrateOnStart     bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATABASE_DRIVER", DriverPostgres)
	v.SetDefault("GRPC_ADDR", ":9093")
	v.SetDefault("CATALOG_CACHE_TTL", "5m")
	v.SetDefault("PROGRESS_ASYNC_PLAYBACK", false)
	v.SetDefault("RECONCILE_INTERVAL", "30s")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "2s")
	v.SetDefault("MIGRATE_ON_START", false)
}

// Load reads the progress service settings. NATS_URL and REDIS_URL are
// optional; without them the relay, async playback and shared cache are off.
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	cfg := Config{
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(v.GetString("DATABASE_DRIVER"))),
		DatabaseURL:        strings.TrimSpace(v.GetString("DATABASE_URL")),
		JWTSecret:          v.GetString("JWT_SECRET"),
		GRPCAddr:           strings.TrimSpace(v.GetString("GRPC_ADDR")),
		NATSURL:            strings.TrimSpace(v.GetString("NATS_URL")),
		RedisURL:           strings.TrimSpace(v.GetString("REDIS_URL")),
		CatalogCacheTTL:    v.GetDuration("CATALOG_CACHE_TTL"),
		AsyncPlayback:      v.GetBool("PROGRESS_ASYNC_PLAYBACK"),
		ReconcileInterval:  v.GetDuration("RECONCILE_INTERVAL"),
		OutboxPollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
		MigrateOnStart:     v.GetBool("MIGRATE_ON_START"),
	}

	switch cfg.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return Config{}, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, cfg.DatabaseDriver)
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.OutboxPollInterval <= 0 {
		cfg.OutboxPollInterval = 2 * time.Second
	}
	if cfg.AsyncPlayback && cfg.NATSURL == "" {
		return Config{}, errors.New("PROGRESS_ASYNC_PLAYBACK requires NATS_URL")
	}
	return cfg, nil
}
