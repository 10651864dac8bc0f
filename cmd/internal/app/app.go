// Package app wires the usbstick daemon: config, logging, the device instance, its transports
// (HTTP, device node, control socket), presence detection, metrics and the event journal.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"usbstick/cmd/internal/api"
	"usbstick/cmd/internal/control"
	"usbstick/cmd/internal/device"
	"usbstick/cmd/internal/devnode"
	"usbstick/cmd/internal/journal"
	"usbstick/cmd/internal/metrics"
	"usbstick/cmd/internal/presence"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DevicePath is where the device node is mounted on the HTTP server.
const DevicePath = "/dev/usb_stick"

// App is the usbstick runtime: it owns the device and every surface that exposes it.
type App struct {
	cfg Config
	log Logger

	dev *device.Device

	store     journal.Store
	recorder  *journal.Recorder
	dbPool    *pgxpool.Pool
	dbEnabled bool

	metrics http.Handler

	gateway  *devnode.Gateway
	control  *control.Server
	notifier presence.Notifier
	handler  *api.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, dbPool, err := openJournal(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		dbPool:    dbPool,
		dbEnabled: dbPool != nil,
	}

	a.recorder = journal.NewRecorder(store, log, cfg.JournalQueue)
	sinks := []device.EventSink{a.recorder}

	var rec *metrics.Recorder
	if cfg.MetricsEnabled {
		reg := metrics.NewRegistry()
		rec = metrics.NewRecorder(reg)
		sinks = append(sinks, rec)
		a.metrics = metrics.Handler(reg)
	}

	dev, err := device.New(device.Options{
		Name:         cfg.DeviceName,
		Capacity:     cfg.DeviceCapacity,
		InitialShift: cfg.InitialShift,
		Log:          log,
		Sink:         device.Sinks(sinks...),
	})
	if err != nil {
		a.recorder.Close()
		a.closeStore()
		return nil, err
	}
	a.dev = dev
	if rec != nil {
		rec.Seed(dev.Status())
	}

	a.handler = api.NewHandler(log, dev, dev.Control(), store)

	a.gateway = devnode.NewGateway(log, dev, devnode.Config{
		MaxFrameBytes:      int64(cfg.WSMaxFrameBytes),
		SendQueueSize:      cfg.WSSendQueue,
		WriteTimeout:       cfg.WSWriteTimeout,
		ReadIdleTimeout:    cfg.WSReadIdleTimeout,
		HeartbeatInterval:  cfg.WSHeartbeat,
		RateEvents:         cfg.WSRateEvents,
		RateWindow:         cfg.WSRateWindow,
		OriginRequired:     cfg.WSOriginRequired,
		AllowedOrigins:     cfg.WSAllowedOrigins,
		InsecureSkipVerify: cfg.WSInsecureSkipCheck,
	})

	if cfg.ControlSocket != "" {
		a.control = control.NewServer(cfg.ControlSocket, log)
		control.Register(a.control, dev.Control(), dev)
	}

	// Validate already checked mode and table.
	mode, _ := presence.ParseMode(cfg.PresenceMode)
	table, _ := presence.ParseTable(cfg.PresenceTable)
	a.notifier, err = presence.New(mode, presence.Config{
		SysfsRoot: cfg.SysfsRoot,
		Table:     table,
		Interval:  cfg.PresenceInterval,
		Log:       log,
	}, dev.Control())
	if err != nil {
		a.shutdownDevice()
		return nil, err
	}

	return a, nil
}

// Device returns the served device.
func (a *App) Device() *device.Device { return a.dev }

// Handler returns the HTTP handler with every route mounted.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, DevicePath, routes{
		control: a.handler,
		devnode: a.gateway,
		metrics: a.metrics,
	})
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts every listener and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	if a.control != nil {
		if err := a.control.Listen(); err != nil {
			a.log.Error("control.listen.fail", "err", err)
			a.shutdownDevice()
			return err
		}
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	var bg sync.WaitGroup
	if a.control != nil {
		bg.Go(func() {
			if err := a.control.Serve(bgCtx); err != nil {
				a.log.Error("control.serve.fail", "err", err)
			}
		})
	}
	if a.notifier != nil {
		bg.Go(func() {
			if err := a.notifier.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("presence.fail", "err", err)
			}
		})
	} else {
		a.log.Info("presence.disabled")
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"device", a.dev.Name(),
		"capacity", a.dev.Capacity(),
		"devnode_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+DevicePath,
		"control_socket", a.cfg.ControlSocket,
		"db_enabled", a.dbEnabled,
		"metrics_enabled", a.metrics != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	stopBackground()
	bg.Wait()
	a.shutdownDevice()

	a.log.Info("server.stopped", "journal_dropped", a.recorder.Dropped())
	return runErr
}

// shutdownDevice closes the device node, wakes every blocked caller and flushes the journal.
func (a *App) shutdownDevice() {
	a.gateway.Close()
	a.dev.Close()
	a.recorder.Close()
	a.closeStore()
}

func (a *App) closeStore() {
	// The app owns the pool; PostgresStore.Close is a no-op.
	if err := a.store.Close(); err != nil {
		a.log.Error("journal.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
