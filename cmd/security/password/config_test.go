package password

import (
	"testing"

	"github.com/spf13/viper"
)

func envViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(viper.New())
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	def := DefaultConfig()
	if cfg.Policy.MinLength != def.Policy.MinLength {
		t.Fatalf("min length mismatch")
	}
	if cfg.Params.MemoryKiB != def.Params.MemoryKiB {
		t.Fatalf("memory mismatch")
	}
	if cfg.BcryptMaxCost != def.BcryptMaxCost {
		t.Fatalf("bcrypt cost mismatch")
	}
}

func TestLoadConfig_Override(t *testing.T) {
	t.Setenv("PORTAL_PASSWORD_MIN_LEN", "10")
	t.Setenv("PORTAL_PASSWORD_MAX_LEN", "200")
	t.Setenv("PORTAL_PASSWORD_REJECT_VERY_WEAK", "true")
	t.Setenv("PORTAL_ARGON2_MEMORY_KIB", "32768")
	t.Setenv("PORTAL_ARGON2_ITERATIONS", "4")
	t.Setenv("PORTAL_ARGON2_PARALLELISM", "2")
	t.Setenv("PORTAL_ARGON2_SALT_LEN", "24")
	t.Setenv("PORTAL_ARGON2_KEY_LEN", "32")
	t.Setenv("PORTAL_BCRYPT_MAX_COST", "12")

	cfg, err := LoadConfig(envViper())
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Policy.MinLength != 10 || cfg.Policy.MaxLength != 200 || !cfg.Policy.RejectVeryWeak {
		t.Fatalf("policy override failed: %+v", cfg.Policy)
	}
	if cfg.Params.MemoryKiB != 32768 || cfg.Params.Iterations != 4 || cfg.Params.Parallelism != 2 {
		t.Fatalf("argon2 override failed: %+v", cfg.Params)
	}
	if cfg.Params.SaltLength != 24 || cfg.Params.KeyLength != 32 {
		t.Fatalf("len override failed: %+v", cfg.Params)
	}
	if cfg.BcryptMaxCost != 12 {
		t.Fatalf("bcrypt cost override failed: %d", cfg.BcryptMaxCost)
	}
}

func TestLoadConfig_InvalidMinMax(t *testing.T) {
	t.Setenv("PORTAL_PASSWORD_MIN_LEN", "20")
	t.Setenv("PORTAL_PASSWORD_MAX_LEN", "10")

	if _, err := LoadConfig(envViper()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestLoadConfig_OutOfRange(t *testing.T) {
	t.Setenv("PORTAL_ARGON2_ITERATIONS", "0")

	if _, err := LoadConfig(envViper()); err == nil {
		t.Fatalf("expected error")
	}
}
