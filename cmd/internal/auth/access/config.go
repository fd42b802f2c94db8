package access

import (
	"os"
	"strings"
	"time"
)

// Config controls access-token issuance and verification.
type Config struct {
	// Issuer is the value set in the "iss" claim.
	Issuer string

	// AccessTokenTTL defines the lifetime of issued tokens.
	AccessTokenTTL time.Duration

	// ClockSkew is tolerated between issuer and verifier clocks.
	ClockSkew time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key used to sign
	// v4.public tokens.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns defaults suitable for development. The key is empty.
func DefaultConfig() Config {
	return Config{
		Issuer:         "offpay",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads access-token configuration from environment variables.
//
// Required:
//   - OFFPAY_PASETO_V4_SECRET_KEY_HEX
//
// Optional:
//   - OFFPAY_AUTH_ISSUER
//   - OFFPAY_AUTH_ACCESS_TTL
//   - OFFPAY_AUTH_CLOCK_SKEW
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("OFFPAY_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("OFFPAY_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("OFFPAY_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("OFFPAY_PASETO_V4_SECRET_KEY_HEX"))
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}
	return cfg, nil
}
