package journal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "usbstick").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("journal: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("journal: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "usbstick",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("journal: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and the events table if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}

	events := pgIdent(s.schema, "device_events")
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + events + ` (
		     seq        BIGSERIAL PRIMARY KEY,
		     kind       TEXT        NOT NULL,
		     device     TEXT        NOT NULL,
		     session_id TEXT        NOT NULL DEFAULT '',
		     bytes      INTEGER     NOT NULL DEFAULT 0,
		     discarded  INTEGER     NOT NULL DEFAULT 0,
		     occupancy  INTEGER     NOT NULL DEFAULT 0,
		     queue      TEXT        NOT NULL DEFAULT '',
		     shift      INTEGER     NOT NULL DEFAULT 0,
		     present    BOOLEAN     NOT NULL DEFAULT FALSE,
		     at         TIMESTAMPTZ NOT NULL
		   )`,
		`CREATE INDEX IF NOT EXISTS device_events_device_seq_idx ON ` + events + ` (device, seq)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("journal migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) (Entry, error) {
	if s == nil || s.pool == nil {
		return Entry{}, ErrNilStore
	}
	if e.Kind == "" || e.Device == "" {
		return Entry{}, errors.New("journal: invalid entry")
	}

	events := pgIdent(s.schema, "device_events")
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+events+` (kind, device, session_id, bytes, discarded, occupancy, queue, shift, present, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING seq`,
		e.Kind, e.Device, e.Session, e.Bytes, e.Discarded, e.Occupancy, e.Queue, e.Shift, e.Present, e.At,
	).Scan(&e.Seq)
	if err != nil {
		return Entry{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	limit = ClampLimit(limit)

	events := pgIdent(s.schema, "device_events")
	rows, err := s.pool.Query(ctx,
		`SELECT seq, kind, device, session_id, bytes, discarded, occupancy, queue, shift, present, at
		   FROM (
		     SELECT * FROM `+events+` ORDER BY seq DESC LIMIT $1
		   ) newest
		  ORDER BY seq ASC`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.Seq,
			&e.Kind,
			&e.Device,
			&e.Session,
			&e.Bytes,
			&e.Discarded,
			&e.Occupancy,
			&e.Queue,
			&e.Shift,
			&e.Present,
			&e.At,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
