package payment

import (
	"os"
	"strconv"
	"time"
)

// Policy holds the value-transfer limits. Every number here is a default,
// tuned per deployment through the environment.
type Policy struct {
	// TxCap bounds a single token amount: amount ∈ (0, TxCap].
	TxCap int64

	// MaxOfflineBalance bounds the offline (spendable) balance after a load.
	MaxOfflineBalance int64

	// RotationPeriod is how often a payee mints a new session descriptor.
	RotationPeriod time.Duration

	// SessionTTL is the lifetime of one descriptor from its mint time.
	SessionTTL time.Duration

	// StalenessWindow bounds now - createdAt at verification time.
	StalenessWindow time.Duration
}

// DefaultPolicy returns the canonical (strictest) limits.
func DefaultPolicy() Policy {
	return Policy{
		TxCap:             500,
		MaxOfflineBalance: 2000,
		RotationPeriod:    18 * time.Second,
		SessionTTL:        18 * time.Second,
		StalenessWindow:   30 * time.Second,
	}
}

// LoadPolicyFromEnv loads policy overrides from environment variables.
//
// Optional:
//   - OFFPAY_POLICY_TX_CAP
//   - OFFPAY_POLICY_MAX_OFFLINE
//   - OFFPAY_POLICY_ROTATION
//   - OFFPAY_POLICY_SESSION_TTL
//   - OFFPAY_POLICY_STALENESS
//
// Returns ErrConfig if any value is invalid.
func LoadPolicyFromEnv() (Policy, error) {
	p := DefaultPolicy()

	if v := os.Getenv("OFFPAY_POLICY_TX_CAP"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Policy{}, ErrConfig
		}
		p.TxCap = n
	}

	if v := os.Getenv("OFFPAY_POLICY_MAX_OFFLINE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Policy{}, ErrConfig
		}
		p.MaxOfflineBalance = n
	}

	if v := os.Getenv("OFFPAY_POLICY_ROTATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Policy{}, ErrConfig
		}
		p.RotationPeriod = d
	}

	if v := os.Getenv("OFFPAY_POLICY_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Policy{}, ErrConfig
		}
		p.SessionTTL = d
	}

	if v := os.Getenv("OFFPAY_POLICY_STALENESS"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Policy{}, ErrConfig
		}
		p.StalenessWindow = d
	}

	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks cross-field invariants.
func (p Policy) Validate() error {
	if p.TxCap <= 0 || p.MaxOfflineBalance <= 0 {
		return ErrConfig
	}
	if p.RotationPeriod <= 0 || p.SessionTTL <= 0 || p.StalenessWindow <= 0 {
		return ErrConfig
	}
	// A descriptor must not outlive the next rotation.
	if p.SessionTTL > p.RotationPeriod {
		return ErrConfig
	}
	return nil
}

// CheckSpend validates a payer-side spend of amount against offline balance.
func (p Policy) CheckSpend(amount, offlineBalance int64) error {
	if amount <= 0 || amount > p.TxCap {
		return ErrInvalidAmount
	}
	if amount > offlineBalance {
		return ErrInsufficientFunds
	}
	return nil
}

// CheckLoad validates moving amount into an offline balance currently at current.
func (p Policy) CheckLoad(current, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	available := p.MaxOfflineBalance - current
	if available < 0 {
		available = 0
	}
	if amount > available {
		return LoadLimitError{
			Current:   current,
			Requested: amount,
			Max:       p.MaxOfflineBalance,
			Available: available,
		}
	}
	return nil
}

// CheckFresh reports ErrTokenExpired when createdAtMillis lies outside the
// staleness window around now. Tokens dated further in the future than the
// window are treated the same way.
func (p Policy) CheckFresh(createdAtMillis int64, now time.Time) error {
	age := now.UnixMilli() - createdAtMillis
	window := p.StalenessWindow.Milliseconds()
	if age > window || -age > window {
		return ErrTokenExpired
	}
	return nil
}

// CheckCap reports ErrAmountExceeded for amounts above the per-transaction cap.
func (p Policy) CheckCap(amount int64) error {
	if amount > p.TxCap {
		return ErrAmountExceeded
	}
	return nil
}
