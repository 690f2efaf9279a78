package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures everything the handoff service reads from the environment.
type Config struct {
	Addr        string
	DatabaseURL string
	Redis       RedisConfig

	KafkaBrokers []string
	KafkaTopic   string

	// QR confirmation tokens.
	QRSigningKey string
	QRTokenTTL   time.Duration

	// Window closer sweep.
	SweepInterval time.Duration
	SweepBatch    int
	SweepWorkers  int

	// Instance materialization horizon for recurring exchanges.
	MaterializeHorizon time.Duration

	// GPS accuracy above this is recorded but flagged low-confidence.
	AccuracyThresholdM float64

	// Grace sub-window around scheduled time counted as "on time" in
	// compliance reporting.
	OnTimeGrace time.Duration

	DefaultGeofenceRadiusM float64

	// Static map URL template for court exports. Placeholders: {lat},
	// {lng}, {radius}. Empty disables map links.
	MapTileTemplate string
}

// RedisConfig holds Redis connection settings. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Load reads an optional .env file, then builds the config from the
// environment. Missing .env is not an error.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Addr:        envString("HANDOFF_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		KafkaBrokers:           envList("KAFKA_BROKERS"),
		KafkaTopic:             envString("KAFKA_OUTCOME_TOPIC", "handoff.outcome"),
		QRSigningKey:           envString("QR_SIGNING_KEY", "dev-secret-key-change-in-production"),
		QRTokenTTL:             envDuration("QR_TOKEN_TTL", 5*time.Minute),
		SweepInterval:          envDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatch:             envInt("SWEEP_BATCH", 200),
		SweepWorkers:           envInt("SWEEP_WORKERS", 4),
		MaterializeHorizon:     envDuration("MATERIALIZE_HORIZON", 7*24*time.Hour),
		AccuracyThresholdM:     envFloat("GPS_ACCURACY_THRESHOLD_M", 150),
		OnTimeGrace:            envDuration("ONTIME_GRACE", 10*time.Minute),
		DefaultGeofenceRadiusM: envFloat("DEFAULT_GEOFENCE_RADIUS_M", 100),
		MapTileTemplate:        os.Getenv("MAP_TILE_TEMPLATE"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
