// Package store is the State Store (C8): a narrow data-access port
// over Postgres for Function, Deployment, ApiKey, Invocation, and
// FunctionLog entities. Grounded on the oriys-nova example's
// pgx-backed store package (internal/store/postgres.go), adapted from
// a single *pgxpool.Pool wrapper onto sqlx for struct scanning and
// explicit *sql.Tx transactions where row locking is required.
package store

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// Store is the composition root's handle onto Postgres. All entity
// operations hang off this type; nothing in this package is a
// package-level singleton.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn, verifies connectivity, and applies embedded
// migrations. The returned Store owns the connection pool; callers
// must call Close on shutdown.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: DATABASE_URL is required")
	}

	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewWithDB wraps an already-open sqlx.DB as a Store, bypassing Open's
// dial/ping/migrate steps. Exported so other packages' tests can drive
// a Store against a sqlmock-backed *sqlx.DB without reaching into this
// package's unexported fields.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}
