package reconcileapi

import (
	"os"
	"strconv"
	"strings"
)

// DefaultAdminSubject is the access-token subject allowed to fund principals.
const DefaultAdminSubject = "offpay-admin"

// Config controls request limits and the funding authority for the reconcile API.
type Config struct {
	MaxBodyBytes int64

	// AdminSubject may register any principal with an opening main balance.
	// Only enforced when access tokens are required.
	AdminSubject string
}

// LoadConfigFromEnv reads OFFPAY_API_MAX_BODY_BYTES (default 1 MiB) and
// OFFPAY_API_ADMIN_SUBJECT (default DefaultAdminSubject).
// Invalid values fall back to the default.
func LoadConfigFromEnv() Config {
	cfg := Config{MaxBodyBytes: 1 << 20, AdminSubject: DefaultAdminSubject}
	if v := strings.TrimSpace(os.Getenv("OFFPAY_API_ADMIN_SUBJECT")); v != "" {
		cfg.AdminSubject = v
	}
	if v := strings.TrimSpace(os.Getenv("OFFPAY_API_MAX_BODY_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodyBytes = n
		}
	}
	return cfg
}
