package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Dialect captures the few differences between the SQL backends.
type Dialect struct {
	Name string
	// Numbered switches '?' placeholders to $1, $2, ...
	Numbered bool
	Schema   []string
}

// SQL implements Store over database/sql. Driver packages open the *sql.DB
// and supply their dialect.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, d Dialect) *SQL { return &SQL{db: db, dialect: d} }

// DB exposes the handle for drivers that share it (e.g. the SQL history sink).
func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) rebind(q string) string {
	if !s.dialect.Numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

const selectRecord = `
	SELECT service_name, status, pid, port, started_at, last_checked,
		cpu_percent, memory_mb, health_status, health_message
	FROM service_status`

func (s *SQL) Get(ctx context.Context, name string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectRecord+` WHERE service_name = ?;`), name)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *SQL) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+` ORDER BY service_name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) MarkRunning(ctx context.Context, name string, pid, port int, startedAt time.Time) error {
	at := startedAt.UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO service_status(service_name, status, pid, port, started_at, last_checked)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET
			status=excluded.status,
			pid=excluded.pid,
			port=excluded.port,
			started_at=excluded.started_at,
			last_checked=excluded.last_checked;`),
		name, StatusRunning, pid, port, at, at)
	return err
}

func (s *SQL) MarkStopped(ctx context.Context, name string, expectPID int) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE service_status
		SET status=?, pid=NULL, last_checked=?
		WHERE service_name=? AND (? = 0 OR pid = ?);`),
		StatusStopped, time.Now().UTC(), name, expectPID, expectPID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQL) UpdateMetrics(ctx context.Context, name string, m Sample) error {
	at := m.CheckedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE service_status
		SET cpu_percent=?, memory_mb=?, health_status=?, health_message=?, last_checked=?
		WHERE service_name=?;`),
		m.CPUPercent, m.MemoryMB, nullString(m.HealthStatus), nullString(m.HealthMessage), at.UTC(), name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                 Record
		pid, port         sql.NullInt64
		started, checked  sql.NullTime
		cpu, mem          sql.NullFloat64
		health, healthMsg sql.NullString
	)
	if err := sc.Scan(&r.ServiceName, &r.Status, &pid, &port, &started, &checked, &cpu, &mem, &health, &healthMsg); err != nil {
		return Record{}, err
	}
	r.PID = int(pid.Int64)
	r.Port = int(port.Int64)
	if started.Valid {
		r.StartedAt = started.Time
	}
	if checked.Valid {
		r.LastChecked = checked.Time
	}
	r.CPUPercent = cpu.Float64
	r.MemoryMB = mem.Float64
	r.HealthStatus = health.String
	r.HealthMessage = healthMsg.String
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
