package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"portal/cmd/internal/envcfg"
)

// Run is the CLI entrypoint used by cmd/portal.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	envFile := os.Getenv("PORTAL_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	v, err := envcfg.New(envFile)
	if err != nil {
		return err
	}

	cfg, err := LoadConfig(v)
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, v, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}
	return a.Run(ctx)
}
