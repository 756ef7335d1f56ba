package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/helmd/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_status(
		service_name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		pid INTEGER NULL,
		port INTEGER NULL,
		started_at TIMESTAMPTZ NULL,
		last_checked TIMESTAMPTZ NULL,
		cpu_percent DOUBLE PRECISION NULL,
		memory_mb DOUBLE PRECISION NULL,
		health_status TEXT NULL,
		health_message TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_service_status_status ON service_status(status);`,
}

// DB implements store.Store for PostgreSQL through the pgx stdlib driver.
type DB struct {
	*store.SQL
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{SQL: store.NewSQL(d, store.Dialect{Name: "postgres", Numbered: true, Schema: schema})}, nil
}
