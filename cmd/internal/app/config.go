package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, every /v1 route requires a PASETO access token and
	// OFFPAY_PASETO_V4_SECRET_KEY_HEX must be set.
	RequireAuth bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("OFFPAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("OFFPAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("OFFPAY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("OFFPAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("OFFPAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("OFFPAY_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       EnvDuration("OFFPAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("OFFPAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("OFFPAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("OFFPAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("OFFPAY_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("OFFPAY_DB_SCHEMA", "offpay"),

		ReadinessRequireDB: EnvBool("OFFPAY_READINESS_REQUIRE_DB", false),

		RequireAuth: EnvBool("OFFPAY_REQUIRE_AUTH", false),
	}
}
