// Package envcfg provides typed, validating readers over a viper instance.
//
// Every portal package loads its configuration through these helpers so that
// a value coming from the process environment and a value coming from a .env
// file are parsed and validated identically.
package envcfg

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every parse failure returned from this package.
var ErrInvalid = errors.New("invalid config value")

// New returns a viper instance reading the process environment and, when it
// exists, the dotenv file at path. A missing file is not an error.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	path = strings.TrimSpace(path)
	if path == "" {
		return v, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		return nil, err
	}

	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

func raw(v *viper.Viper, key string) string {
	if v == nil {
		return strings.TrimSpace(os.Getenv(key))
	}
	return strings.TrimSpace(v.GetString(key))
}

// String reads a string with a default.
func String(v *viper.Viper, key, def string) string {
	if s := raw(v, key); s != "" {
		return s
	}
	return def
}

// Bool reads a bool with a default. Unparseable values are an error.
func Bool(v *viper.Viper, key string, def bool) (bool, error) {
	s := raw(v, key)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", ErrInvalid, key, s)
	}
	return b, nil
}

// Int reads an int within [minVal, maxVal] with a default.
func Int(v *viper.Viper, key string, def, minVal, maxVal int) (int, error) {
	s := raw(v, key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minVal || n > maxVal {
		return 0, fmt.Errorf("%w: %s=%q (range %d..%d)", ErrInvalid, key, s, minVal, maxVal)
	}
	return n, nil
}

// Duration reads a Go duration string with a default.
// Zero is accepted only when allowZero is set; negative values never are.
func Duration(v *viper.Viper, key string, def time.Duration, allowZero bool) (time.Duration, error) {
	s := raw(v, key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalid, key, s)
	}
	return d, nil
}

// CSV reads a comma separated list, dropping empty items.
func CSV(v *viper.Viper, key, def string) []string {
	s := String(v, key, def)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
