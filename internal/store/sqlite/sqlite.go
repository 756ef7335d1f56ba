package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/helmd/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_status(
		service_name TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		pid INTEGER NULL,
		port INTEGER NULL,
		started_at TIMESTAMP NULL,
		last_checked TIMESTAMP NULL,
		cpu_percent REAL NULL,
		memory_mb REAL NULL,
		health_status TEXT NULL,
		health_message TEXT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_service_status_status ON service_status(status);`,
}

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// The path is a filesystem path; ":memory:" gives an in-memory database.
type DB struct {
	*store.SQL
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection: keeps :memory: a single database and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from other processes
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{SQL: store.NewSQL(d, store.Dialect{Name: "sqlite", Schema: schema})}, nil
}
