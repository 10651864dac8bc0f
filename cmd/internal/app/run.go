package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by cmd/usbstickd. It returns the error instead of exiting so
// the device is released and the control socket removed before the process ends.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info("usbstickd.boot", bootAttrs(cfg)...)

	a, err := New(cfg, log)
	if err != nil {
		log.Error("server.init.fail", "err", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}

// bootAttrs summarises the device the daemon is about to serve. The database URL may carry
// credentials, so only the journal backend it selects is logged.
func bootAttrs(cfg Config) []any {
	backend := "memory"
	if cfg.DatabaseURL != "" {
		backend = "postgres"
	}
	return []any{
		"device", cfg.DeviceName,
		"capacity", cfg.DeviceCapacity,
		"initial_shift", cfg.InitialShift,
		"presence", cfg.PresenceMode,
		"control_socket", cfg.ControlSocket,
		"journal", backend,
		"metrics", cfg.MetricsEnabled,
		"http_addr", cfg.HTTPAddr,
	}
}
