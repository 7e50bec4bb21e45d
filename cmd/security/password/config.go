package password

import (
	"fmt"
	"runtime"

	"portal/cmd/internal/envcfg"

	"github.com/spf13/viper"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength int
	MaxLength int
	// If true, enable an extra, minimal weak-pattern rejection.
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy

	// BcryptMaxCost bounds the cost accepted when verifying legacy hashes.
	BcryptMaxCost int
}

// DefaultConfig returns a strong baseline for interactive logins.
func DefaultConfig() Config {
	// Parallelism is clamped to [1..4] to keep container usage predictable.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      8,
			MaxLength:      256,
			RejectVeryWeak: false,
		},
		BcryptMaxCost: 14,
	}
}

// LoadConfig reads the password configuration.
//
// Keys:
//   - PORTAL_PASSWORD_MIN_LEN, PORTAL_PASSWORD_MAX_LEN
//   - PORTAL_PASSWORD_REJECT_VERY_WEAK
//   - PORTAL_ARGON2_MEMORY_KIB, PORTAL_ARGON2_ITERATIONS, PORTAL_ARGON2_PARALLELISM
//   - PORTAL_ARGON2_SALT_LEN, PORTAL_ARGON2_KEY_LEN
//   - PORTAL_BCRYPT_MAX_COST
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	var err error

	if cfg.Policy.MinLength, err = envcfg.Int(v, "PORTAL_PASSWORD_MIN_LEN", cfg.Policy.MinLength, 1, 1024); err != nil {
		return Config{}, err
	}
	if cfg.Policy.MaxLength, err = envcfg.Int(v, "PORTAL_PASSWORD_MAX_LEN", cfg.Policy.MaxLength, 1, 4096); err != nil {
		return Config{}, err
	}
	if cfg.Policy.RejectVeryWeak, err = envcfg.Bool(v, "PORTAL_PASSWORD_REJECT_VERY_WEAK", cfg.Policy.RejectVeryWeak); err != nil {
		return Config{}, err
	}

	mem, err := envcfg.Int(v, "PORTAL_ARGON2_MEMORY_KIB", int(cfg.Params.MemoryKiB), 8*1024, 1024*1024)
	if err != nil {
		return Config{}, err
	}
	it, err := envcfg.Int(v, "PORTAL_ARGON2_ITERATIONS", int(cfg.Params.Iterations), 1, 20)
	if err != nil {
		return Config{}, err
	}
	par, err := envcfg.Int(v, "PORTAL_ARGON2_PARALLELISM", int(cfg.Params.Parallelism), 1, 64)
	if err != nil {
		return Config{}, err
	}
	salt, err := envcfg.Int(v, "PORTAL_ARGON2_SALT_LEN", int(cfg.Params.SaltLength), 8, 64)
	if err != nil {
		return Config{}, err
	}
	key, err := envcfg.Int(v, "PORTAL_ARGON2_KEY_LEN", int(cfg.Params.KeyLength), 16, 64)
	if err != nil {
		return Config{}, err
	}
	if cfg.BcryptMaxCost, err = envcfg.Int(v, "PORTAL_BCRYPT_MAX_COST", cfg.BcryptMaxCost, 4, 31); err != nil {
		return Config{}, err
	}

	// Ranges above keep every conversion in bounds.
	cfg.Params.MemoryKiB = uint32(mem)   // #nosec G115
	cfg.Params.Iterations = uint32(it)   // #nosec G115
	cfg.Params.Parallelism = uint8(par)  // #nosec G115
	cfg.Params.SaltLength = uint32(salt) // #nosec G115
	cfg.Params.KeyLength = uint32(key)   // #nosec G115

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}

	return cfg, nil
}
