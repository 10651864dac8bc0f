package app

import (
	"context"
	"time"

	"usbstick/cmd/internal/journal"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The journal has one writer (the recorder) plus /journal reads and readiness pings.
const defaultJournalPoolSize = 4

// journalPoolConfig parses USBSTICK_DATABASE_URL and sizes the pool for the journal.
// Sessions are tagged with an application_name naming the device unless the URL sets one.
func journalPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	pcfg.MaxConns = cfg.JournalPoolSize
	if pcfg.MaxConns <= 0 {
		pcfg.MaxConns = defaultJournalPoolSize
	}
	if _, ok := pcfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		pcfg.ConnConfig.RuntimeParams["application_name"] = "usbstickd/" + cfg.DeviceName
	}
	return pcfg, nil
}

// openJournal picks the journal backend: the in-memory ring when no database is configured,
// else a migrated PostgresStore. The returned pool is nil for the ring.
func openJournal(ctx context.Context, cfg Config, log Logger) (journal.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("journal.backend", "kind", "memory", "size", cfg.JournalSize)
		return journal.NewInMemoryStore(cfg.JournalSize), nil, nil
	}

	pcfg, err := journalPoolConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, nil, err
	}
	if err := pingJournal(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, nil, err
	}

	st, err := journal.NewPostgresStore(pool, journal.WithSchema(cfg.JournalSchema))
	if err == nil {
		err = st.Migrate(ctx)
	}
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("journal.backend", "kind", "postgres", "schema", cfg.JournalSchema,
		"host", pcfg.ConnConfig.Host, "database", pcfg.ConnConfig.Database, "max_conns", pcfg.MaxConns)
	return st, pool, nil
}

// pingJournal checks that a journal connection can be acquired within timeout.
func pingJournal(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
