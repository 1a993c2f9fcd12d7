package metrics

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS scalars (
	run       TEXT    NOT NULL,
	tag       TEXT    NOT NULL,
	step      INTEGER NOT NULL,
	value     REAL    NOT NULL,
	wall_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS scalars_run_tag ON scalars (run, tag, step);
`

// SQLiteWriter appends scalars to a SQLite event log, one row per event.
// Several runs may share a database file.
type SQLiteWriter struct {
	db   *sql.DB
	run  string
	stmt *sql.Stmt
}

// OpenSQLite opens (or creates) the event log at path for the named run.
func OpenSQLite(path, run string) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create metrics schema: %v", err)
	}
	stmt, err := db.Prepare(`INSERT INTO scalars (run, tag, step, value, wall_time) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %v", err)
	}
	return &SQLiteWriter{db: db, run: run, stmt: stmt}, nil
}

func (w *SQLiteWriter) AddScalar(tag string, value float64, step int) error {
	if _, err := w.stmt.Exec(w.run, tag, step, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to record %s at step %d: %v", tag, step, err)
	}
	return nil
}

// Scalars returns the run's events for tag ordered by step.
func (w *SQLiteWriter) Scalars(tag string) ([]Scalar, error) {
	rows, err := w.db.Query(`SELECT tag, step, value, wall_time FROM scalars WHERE run = ? AND tag = ? ORDER BY step, wall_time`, w.run, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to query scalars: %v", err)
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		var s Scalar
		var wall int64
		if err := rows.Scan(&s.Tag, &s.Step, &s.Value, &wall); err != nil {
			return nil, fmt.Errorf("failed to scan scalar: %v", err)
		}
		s.WallTime = time.Unix(0, wall)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Runs lists the run names stored in the database.
func (w *SQLiteWriter) Runs() ([]string, error) {
	rows, err := w.db.Query(`SELECT DISTINCT run FROM scalars ORDER BY run`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %v", err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var run string
		if err := rows.Scan(&run); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (w *SQLiteWriter) Close() error {
	w.stmt.Close()
	return w.db.Close()
}
