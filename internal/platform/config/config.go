// Package config loads ledgerd settings: defaults, then an optional YAML
// file, then LEDGER_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/anomaly"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/fanout"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/session"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/stream"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/tracing"
)

// DefaultJWTSecret is the development secret; strict mode refuses it unless a
// keyset is configured.
const DefaultJWTSecret = "dev-insecure-change-me"

type DatabaseConfig struct {
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	JWTKeyset     string `yaml:"jwt_keyset"`
	JWTActiveKID  string `yaml:"jwt_active_kid"`
	JWTKeysetFile string `yaml:"jwt_keyset_file"`
}

// SigningConfig holds ed25519 rings in "version:base64,..." form.
type SigningConfig struct {
	ActiveVersion string `yaml:"active_version"`
	PrivateRing   string `yaml:"private_ring"`
	PublicRing    string `yaml:"public_ring"`
}

// IngestConfig guards the internal record-event surface. TokenHash, when
// set, is a bcrypt hash callers must match with X-Ingest-Token.
type IngestConfig struct {
	TrustedCIDRs []string `yaml:"trusted_cidrs"`
	TokenHash    string   `yaml:"token_hash"`
}

type RateLimitConfig struct {
	ExportPerMinute float64 `yaml:"export_per_minute"`
	ExportBurst     int     `yaml:"export_burst"`
}

type ScheduleConfig struct {
	Sweep     string `yaml:"sweep"`
	Reconcile string `yaml:"reconcile"`
	Purge     string `yaml:"purge"`
	Archive   string `yaml:"archive"`
}

// RetentionConfig bounds the retained chain per organization. KeepEntries of
// zero disables archival.
type RetentionConfig struct {
	KeepEntries int `yaml:"keep_entries"`
}

type StreamConfig struct {
	Enabled bool               `yaml:"enabled"`
	Redis   stream.RedisConfig `yaml:"redis"`
}

type Config struct {
	Version          string `yaml:"version"`
	HTTPAddr         string `yaml:"http_addr"`
	GRPCAddr         string `yaml:"grpc_addr"`
	StrictProduction bool   `yaml:"strict_production"`

	Database  DatabaseConfig      `yaml:"database"`
	TLS       TLSConfig           `yaml:"tls"`
	Logging   logging.Config      `yaml:"logging"`
	Tracing   tracing.Config      `yaml:"tracing"`
	Auth      AuthConfig          `yaml:"auth"`
	Signing   SigningConfig       `yaml:"signing"`
	Writer    ledger.WriterConfig `yaml:"writer"`
	Retry     ledger.RetryConfig  `yaml:"retry"`
	Anomaly   anomaly.Config      `yaml:"anomaly"`
	Sessions  session.Config      `yaml:"sessions"`
	Metrics   metrics.Config      `yaml:"metrics"`
	Fanout    fanout.Config       `yaml:"fanout"`
	Stream    StreamConfig        `yaml:"stream"`
	Ingest    IngestConfig        `yaml:"ingest"`
	RateLimit RateLimitConfig     `yaml:"rate_limit"`
	Schedule  ScheduleConfig      `yaml:"schedule"`
	Retention RetentionConfig     `yaml:"retention"`
}

func Defaults() *Config {
	return &Config{
		Version:  "dev",
		HTTPAddr: ":8080",
		GRPCAddr: ":8081",
		Database: DatabaseConfig{Dialect: "sqlite", DSN: "data/ledger.db"},
		TLS:      TLSConfig{MinVersion: "1.2"},
		Logging:  logging.Config{Level: "info", Format: "text", Output: "stderr"},
		Tracing:  tracing.Config{Exporter: "stdout"},
		Auth:     AuthConfig{JWTSecret: DefaultJWTSecret},
		Writer:   ledger.WriterConfig{MaxQueueDepth: ledger.DefaultMaxQueueDepth, LockTimeout: ledger.DefaultLockTimeout},
		Retry: ledger.RetryConfig{
			InitialInterval: 25 * time.Millisecond,
			MaxInterval:     time.Second,
			MaxElapsedTime:  10 * time.Second,
		},
		Anomaly:   anomaly.Config{}.WithDefaults(),
		Sessions:  session.Config{RetentionGrace: session.DefaultRetentionGrace},
		Metrics:   metrics.Config{RetentionHours: metrics.DefaultRetentionHours},
		Fanout:    fanout.Config{QueueSize: 1024, CatchUpInterval: 5 * time.Second},
		Ingest:    IngestConfig{TrustedCIDRs: []string{"127.0.0.1/32", "::1/128"}},
		RateLimit: RateLimitConfig{ExportPerMinute: 30, ExportBurst: 5},
		Schedule: ScheduleConfig{
			Sweep:     "*/15 * * * *",
			Reconcile: "5 * * * *",
			Purge:     "30 3 * * *",
			Archive:   "0 4 * * *",
		},
	}
}

// Load reads path when it is set and exists, then applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides reads LEDGER_* variables over cfg.
func ApplyEnvOverrides(cfg *Config) error {
	var errs []string
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, key+": "+err.Error())
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key+": "+err.Error())
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key+": "+err.Error())
				return
			}
			*dst = d
		}
	}

	str("LEDGER_VERSION", &cfg.Version)
	str("LEDGER_HTTP_ADDR", &cfg.HTTPAddr)
	str("LEDGER_GRPC_ADDR", &cfg.GRPCAddr)
	boolean("LEDGER_STRICT_PRODUCTION", &cfg.StrictProduction)

	str("LEDGER_DATABASE_DIALECT", &cfg.Database.Dialect)
	str("LEDGER_DATABASE_URL", &cfg.Database.DSN)

	boolean("LEDGER_TLS_ENABLED", &cfg.TLS.Enabled)
	str("LEDGER_TLS_CERT_FILE", &cfg.TLS.CertFile)
	str("LEDGER_TLS_KEY_FILE", &cfg.TLS.KeyFile)
	str("LEDGER_TLS_CLIENT_CA_FILE", &cfg.TLS.ClientCAFile)
	boolean("LEDGER_TLS_REQUIRE_CLIENT_CERT", &cfg.TLS.RequireClientCert)
	str("LEDGER_TLS_MIN_VERSION", &cfg.TLS.MinVersion)

	str("LEDGER_LOG_LEVEL", &cfg.Logging.Level)
	str("LEDGER_LOG_FORMAT", &cfg.Logging.Format)
	str("LEDGER_LOG_OUTPUT", &cfg.Logging.Output)
	boolean("LEDGER_TRACING_ENABLED", &cfg.Tracing.Enabled)
	str("LEDGER_TRACING_EXPORTER", &cfg.Tracing.Exporter)

	str("LEDGER_JWT_SECRET", &cfg.Auth.JWTSecret)
	str("LEDGER_JWT_KEYSET", &cfg.Auth.JWTKeyset)
	str("LEDGER_JWT_ACTIVE_KID", &cfg.Auth.JWTActiveKID)
	str("LEDGER_JWT_KEYSET_FILE", &cfg.Auth.JWTKeysetFile)

	str("LEDGER_SIGNING_ACTIVE_VERSION", &cfg.Signing.ActiveVersion)
	str("LEDGER_SIGNING_PRIVATE_RING", &cfg.Signing.PrivateRing)
	str("LEDGER_SIGNING_PUBLIC_RING", &cfg.Signing.PublicRing)
	file := func(key string, dst *string) {
		if path := os.Getenv(key); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				errs = append(errs, key+": "+err.Error())
				return
			}
			*dst = strings.TrimSpace(string(raw))
		}
	}
	file("LEDGER_SIGNING_PRIVATE_RING_FILE", &cfg.Signing.PrivateRing)
	file("LEDGER_SIGNING_PUBLIC_RING_FILE", &cfg.Signing.PublicRing)

	integer("LEDGER_WRITER_MAX_QUEUE_DEPTH", &cfg.Writer.MaxQueueDepth)
	duration("LEDGER_WRITER_LOCK_TIMEOUT", &cfg.Writer.LockTimeout)
	duration("LEDGER_SESSION_RETENTION_GRACE", &cfg.Sessions.RetentionGrace)
	integer("LEDGER_METRICS_RETENTION_HOURS", &cfg.Metrics.RetentionHours)
	integer("LEDGER_FANOUT_QUEUE_SIZE", &cfg.Fanout.QueueSize)

	boolean("LEDGER_STREAM_ENABLED", &cfg.Stream.Enabled)
	str("LEDGER_REDIS_ADDR", &cfg.Stream.Redis.Addr)
	str("LEDGER_REDIS_PASSWORD", &cfg.Stream.Redis.Password)

	if v := os.Getenv("LEDGER_TRUSTED_CIDRS"); v != "" {
		cfg.Ingest.TrustedCIDRs = splitAndTrim(v, ",")
	}
	str("LEDGER_INGEST_TOKEN_HASH", &cfg.Ingest.TokenHash)
	file("LEDGER_INGEST_TOKEN_HASH_FILE", &cfg.Ingest.TokenHash)
	str("LEDGER_SWEEP_SCHEDULE", &cfg.Schedule.Sweep)
	str("LEDGER_RECONCILE_SCHEDULE", &cfg.Schedule.Reconcile)
	str("LEDGER_PURGE_SCHEDULE", &cfg.Schedule.Purge)
	str("LEDGER_ARCHIVE_SCHEDULE", &cfg.Schedule.Archive)
	integer("LEDGER_RETENTION_KEEP_ENTRIES", &cfg.Retention.KeepEntries)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
