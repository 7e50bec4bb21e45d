package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"portal/cmd/internal/envcfg"
)

// ErrConfig is returned for invalid gateway configuration.
var ErrConfig = errors.New("realtime: invalid config")

// Config controls the auth events gateway.
//
// Origin is required by default and only localhost is allowed by default.
// DevInsecure skips the websocket library's own origin verification and must
// stay off outside local development.
type Config struct {
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	// EventsChannel is the Redis pub/sub channel shared by all nodes.
	EventsChannel string
}

// DefaultConfig returns secure defaults.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     32,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		EventsChannel:     DefaultEventsChannel,
	}
}

// LoadConfig reads PORTAL_WS_* keys and PORTAL_EVENTS_CHANNEL.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	var err error

	wrap := func(err error) (Config, error) { return Config{}, fmt.Errorf("%w: %w", ErrConfig, err) }

	if cfg.DevInsecure, err = envcfg.Bool(v, "PORTAL_WS_DEV_INSECURE", cfg.DevInsecure); err != nil {
		return wrap(err)
	}
	if cfg.OriginRequired, err = envcfg.Bool(v, "PORTAL_WS_ORIGIN_REQUIRED", cfg.OriginRequired); err != nil {
		return wrap(err)
	}
	cfg.AllowedOrigins = envcfg.CSV(v, "PORTAL_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1")

	if cfg.WriteTimeout, err = envcfg.Duration(v, "PORTAL_WS_WRITE_TIMEOUT", cfg.WriteTimeout, false); err != nil {
		return wrap(err)
	}
	if cfg.ReadIdleTimeout, err = envcfg.Duration(v, "PORTAL_WS_READ_IDLE_TIMEOUT", cfg.ReadIdleTimeout, false); err != nil {
		return wrap(err)
	}
	if cfg.SendQueueSize, err = envcfg.Int(v, "PORTAL_WS_SEND_QUEUE", cfg.SendQueueSize, 4, 1024); err != nil {
		return wrap(err)
	}
	if cfg.HeartbeatInterval, err = envcfg.Duration(v, "PORTAL_WS_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval, false); err != nil {
		return wrap(err)
	}
	if cfg.HeartbeatTimeout, err = envcfg.Duration(v, "PORTAL_WS_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout, false); err != nil {
		return wrap(err)
	}
	if cfg.RateEvents, err = envcfg.Int(v, "PORTAL_WS_RATE_EVENTS", cfg.RateEvents, 1, 10000); err != nil {
		return wrap(err)
	}
	if cfg.RateWindow, err = envcfg.Duration(v, "PORTAL_WS_RATE_WINDOW", cfg.RateWindow, false); err != nil {
		return wrap(err)
	}
	cfg.EventsChannel = envcfg.String(v, "PORTAL_EVENTS_CHANNEL", cfg.EventsChannel)

	if cfg.HeartbeatTimeout >= cfg.HeartbeatInterval {
		return wrap(errors.New("heartbeat timeout must be shorter than the interval"))
	}
	return cfg, nil
}
