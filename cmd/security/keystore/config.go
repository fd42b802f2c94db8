package keystore

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// KDFParams controls Argon2id cost. MemoryKiB is in KiB as required by argon2.IDKey.
type KDFParams struct {
	MemoryKiB   uint32 `json:"m"`
	Iterations  uint32 `json:"t"`
	Parallelism uint8  `json:"p"`
	SaltLength  uint32 `json:"-"`
}

// Policy bounds passphrase length.
type Policy struct {
	MinLength int
	MaxLength int
}

// Config is the single configuration surface for this package.
type Config struct {
	Params KDFParams
	Policy Policy
}

// DefaultConfig returns a baseline suitable for unlocking a device key a few
// times per session.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: KDFParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
		},
		Policy: Policy{
			MinLength: 8,
			MaxLength: 256,
		},
	}
}

// FromEnv loads config from environment variables.
//
// Env surface:
// - OFFPAY_KEYSTORE_MIN_PASSPHRASE
// - OFFPAY_KEYSTORE_ARGON2_MEMORY_KIB
// - OFFPAY_KEYSTORE_ARGON2_ITERATIONS
// - OFFPAY_KEYSTORE_ARGON2_PARALLELISM
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("OFFPAY_KEYSTORE_MIN_PASSPHRASE"); ok {
		n, err := atoiPositiveInt(v, 1, cfg.Policy.MaxLength)
		if err != nil {
			return Config{}, fmt.Errorf("OFFPAY_KEYSTORE_MIN_PASSPHRASE: %w", err)
		}
		cfg.Policy.MinLength = n
	}

	if v, ok := os.LookupEnv("OFFPAY_KEYSTORE_ARGON2_MEMORY_KIB"); ok {
		u, err := atou32(v, 8*1024, 1024*1024) // 8 MiB .. 1 GiB
		if err != nil {
			return Config{}, fmt.Errorf("OFFPAY_KEYSTORE_ARGON2_MEMORY_KIB: %w", err)
		}
		cfg.Params.MemoryKiB = u
	}

	if v, ok := os.LookupEnv("OFFPAY_KEYSTORE_ARGON2_ITERATIONS"); ok {
		u, err := atou32(v, 1, 20)
		if err != nil {
			return Config{}, fmt.Errorf("OFFPAY_KEYSTORE_ARGON2_ITERATIONS: %w", err)
		}
		cfg.Params.Iterations = u
	}

	if v, ok := os.LookupEnv("OFFPAY_KEYSTORE_ARGON2_PARALLELISM"); ok {
		u, err := atou32(v, 1, 64)
		if err != nil {
			return Config{}, fmt.Errorf("OFFPAY_KEYSTORE_ARGON2_PARALLELISM: %w", err)
		}
		p, err := u32ToU8(u)
		if err != nil {
			return Config{}, fmt.Errorf("OFFPAY_KEYSTORE_ARGON2_PARALLELISM: %w", err)
		}
		cfg.Params.Parallelism = p
	}

	return cfg, nil
}

// CheckPassphrase enforces the length policy.
func (c Config) CheckPassphrase(passphrase string) error {
	n := len([]rune(passphrase))
	if n < c.Policy.MinLength {
		return ErrPassphraseTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPassphraseTooLong
	}
	return nil
}

func atoiPositiveInt(s string, minVal, maxVal int) (int, error) {
	s = strings.TrimSpace(s)
	i64, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	i := int(i64)
	if i < minVal || i > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return i, nil
}

func atou32(s string, minVal, maxVal uint32) (uint32, error) {
	s = strings.TrimSpace(s)
	u64, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}

func u32ToU8(u uint32) (uint8, error) {
	if u > math.MaxUint8 {
		return 0, fmt.Errorf("out of range [0..%d]", math.MaxUint8)
	}
	return uint8(u), nil
}
