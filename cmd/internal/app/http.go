package app

import (
	"net/http"
	"time"

	"usbstick/cmd/internal/api"
	"usbstick/cmd/internal/devnode"

	"github.com/jackc/pgx/v5/pgxpool"
)

type routes struct {
	control *api.Handler
	devnode *devnode.Gateway
	metrics http.Handler
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	devPath string,
	rt routes,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := pingJournal(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	rt.control.Register(mux)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics)
	}
	if rt.devnode != nil {
		mux.Handle(devPath, rt.devnode)
	}
}
