package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fidelity/cmd/internal/pgutil"
	"fidelity/cmd/internal/scantoken"
	"fidelity/cmd/internal/sweeper"
)

// ErrConfig is returned (wrapped) for any invalid configuration value.
var ErrConfig = errors.New("invalid configuration")

func configError(key, val string) error {
	return fmt.Errorf("%w: %s=%q", ErrConfig, key, val)
}

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // json | pretty

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// Empty DatabaseURL selects the in-memory backend.
	DatabaseURL   string
	DBSchema      string
	DBAutoMigrate bool
	DBMaxConns    int32
	DBMinConns    int32

	// If true, /readyz returns 503 unless Postgres is configured and reachable.
	ReadinessRequireDB bool

	TokenTTL      time.Duration
	SweepSchedule string
	StampCooldown time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	TrustProxy     bool

	SameOriginEnforce bool
	AllowedOrigins    []string

	WSOrigins        []string
	WSOriginRequired bool

	SeedFile string

	// If true, FIDELITY_TOKEN_HMAC_KEY must be set (>= 32 bytes).
	RequireTokenHMAC bool
}

// LoadConfigFromEnv loads Config from FIDELITY_* variables. Any malformed
// value yields an error wrapping ErrConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:  EnvString("FIDELITY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("FIDELITY_LOG_LEVEL", "info"),
		LogFormat: strings.ToLower(EnvString("FIDELITY_LOG_FORMAT", "json")),

		MaxHeaderBytes: EnvInt("FIDELITY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("FIDELITY_DATABASE_URL", ""),
		DBSchema:      EnvString("FIDELITY_DB_SCHEMA", pgutil.DefaultSchema),
		DBAutoMigrate: EnvBool("FIDELITY_DB_AUTO_MIGRATE", false),
		DBMaxConns:    EnvInt32("FIDELITY_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("FIDELITY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("FIDELITY_READINESS_REQUIRE_DB", false),

		SweepSchedule: EnvString("FIDELITY_SWEEP_SCHEDULE", sweeper.DefaultSchedule),

		RateLimitBurst: EnvInt("FIDELITY_RATE_LIMIT_BURST", 10),
		TrustProxy:     EnvBool("FIDELITY_TRUST_PROXY", false),

		SameOriginEnforce: EnvBool("FIDELITY_SAMEORIGIN_ENFORCE", false),
		AllowedOrigins:    EnvCSV("FIDELITY_ALLOWED_ORIGINS", nil),

		WSOrigins:        EnvCSV("FIDELITY_WS_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSOriginRequired: EnvBool("FIDELITY_WS_ORIGIN_REQUIRED", false),

		SeedFile: EnvString("FIDELITY_SEED_FILE", ""),

		RequireTokenHMAC: EnvBool("FIDELITY_REQUIRE_TOKEN_HMAC", false),
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"FIDELITY_HTTP_READ_HEADER_TIMEOUT", 5 * time.Second, &cfg.ReadHeaderTimeout},
		{"FIDELITY_HTTP_READ_TIMEOUT", 15 * time.Second, &cfg.ReadTimeout},
		{"FIDELITY_HTTP_WRITE_TIMEOUT", 15 * time.Second, &cfg.WriteTimeout},
		{"FIDELITY_HTTP_IDLE_TIMEOUT", 60 * time.Second, &cfg.IdleTimeout},
		{"FIDELITY_SHUTDOWN_TIMEOUT", 10 * time.Second, &cfg.ShutdownTimeout},
		{"FIDELITY_TOKEN_TTL", scantoken.DefaultTTL, &cfg.TokenTTL},
		{"FIDELITY_STAMP_COOLDOWN", 0, &cfg.StampCooldown},
	}
	for _, d := range durations {
		v, err := EnvDuration(d.key, d.def)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	rps, err := EnvFloat("FIDELITY_RATE_LIMIT_RPS", 5)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitRPS = rps

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return configError("FIDELITY_LOG_FORMAT", c.LogFormat)
	}

	schema, ok := pgutil.NormalizeSchema(c.DBSchema)
	if !ok {
		return configError("FIDELITY_DB_SCHEMA", c.DBSchema)
	}
	c.DBSchema = schema

	if c.TokenTTL < scantoken.MinTTL || c.TokenTTL > scantoken.MaxTTL {
		return fmt.Errorf("%w: FIDELITY_TOKEN_TTL must be within [%s,%s], got %s",
			ErrConfig, scantoken.MinTTL, scantoken.MaxTTL, c.TokenTTL)
	}
	if strings.TrimSpace(c.SweepSchedule) == "" {
		return configError("FIDELITY_SWEEP_SCHEDULE", c.SweepSchedule)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("%w: FIDELITY_DB_MIN_CONNS exceeds FIDELITY_DB_MAX_CONNS", ErrConfig)
	}
	if c.SameOriginEnforce && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("%w: FIDELITY_SAMEORIGIN_ENFORCE requires FIDELITY_ALLOWED_ORIGINS", ErrConfig)
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		return fmt.Errorf("%w: FIDELITY_READINESS_REQUIRE_DB requires FIDELITY_DATABASE_URL", ErrConfig)
	}
	return nil
}
