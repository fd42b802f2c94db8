package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the server entrypoint used by "offpay serve".
// It returns an error instead of calling os.Exit to keep defers effective.
func Run(parent context.Context) error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
