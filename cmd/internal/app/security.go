package app

import (
	"errors"
	"fmt"

	"offpay/cmd/internal/auth/access"
)

// ValidateSecurityConfig enforces the auth policy at startup and returns the
// token manager to install, or nil when auth is off.
//
// Fail-fast: a server told to require auth never starts without a usable key.
func ValidateSecurityConfig(cfg Config) (access.Manager, error) {
	if !cfg.RequireAuth {
		return nil, nil
	}

	acfg, err := access.LoadConfigFromEnv()
	if err != nil {
		if errors.Is(err, access.ErrConfig) {
			return nil, errors.New("security policy: OFFPAY_REQUIRE_AUTH=true but access-token config is invalid (OFFPAY_PASETO_V4_SECRET_KEY_HEX missing or bad durations)")
		}
		return nil, err
	}
	m, err := access.NewPasetoV4PublicManager(acfg)
	if err != nil {
		return nil, fmt.Errorf("security policy: %w", err)
	}
	return m, nil
}
