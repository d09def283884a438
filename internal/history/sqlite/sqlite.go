package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/loykin/runsh/internal/history"
	"github.com/loykin/runsh/internal/profile"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sqlx.DB
}

// row is the service_history table layout.
type row struct {
	ID         string    `db:"id"`
	OccurredAt time.Time `db:"occurred_at"`
	Name       string    `db:"name"`
	RunID      string    `db:"run_id"`
	From       string    `db:"from_state"`
	State      string    `db:"state"`
	PID        int       `db:"pid"`
	Restarts   int       `db:"restarts"`
	ExitCode   *int64    `db:"exit_code"`
	Error      string    `db:"error"`
	Failure    string    `db:"failure"`
}

func toRow(e history.Event) row {
	r := row{
		ID:         e.ID,
		OccurredAt: e.OccurredAt.UTC(),
		Name:       e.Name,
		RunID:      e.RunID,
		From:       string(e.From),
		State:      string(e.State),
		PID:        e.PID,
		Restarts:   e.Restarts,
		Error:      e.Error,
		Failure:    string(e.Failure),
	}
	if e.ExitCode != nil {
		c := int64(*e.ExitCode)
		r.ExitCode = &c
	}
	return r
}

func (r row) event() history.Event {
	e := history.Event{
		ID:         r.ID,
		OccurredAt: r.OccurredAt,
		Name:       r.Name,
		RunID:      r.RunID,
		From:       profile.State(r.From),
		State:      profile.State(r.State),
		PID:        r.PID,
		Restarts:   r.Restarts,
		Error:      r.Error,
		Failure:    profile.FailureKind(r.Failure),
	}
	if r.ExitCode != nil {
		c := int(*r.ExitCode)
		e.ExitCode = &c
	}
	return e
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; an in-memory database also lives on a single connection
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS service_history(
			id TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL,
			name TEXT NOT NULL,
			run_id TEXT,
			from_state TEXT NOT NULL,
			state TEXT NOT NULL,
			pid INTEGER NOT NULL,
			restarts INTEGER NOT NULL,
			exit_code INTEGER,
			error TEXT,
			failure TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_service_history_name ON service_history(name, occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO service_history(id, occurred_at, name, run_id, from_state, state, pid, restarts, exit_code, error, failure)
		VALUES(:id, :occurred_at, :name, :run_id, :from_state, :state, :pid, :restarts, :exit_code, :error, :failure);`,
		toRow(e))
	return err
}

// Count returns the number of recorded events for name.
func (s *Sink) Count(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM service_history WHERE name = ?`, name)
	return n, err
}

// Recent returns up to limit events for name, newest first.
func (s *Sink) Recent(ctx context.Context, name string, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, occurred_at, name, run_id, from_state, state, pid, restarts, exit_code, error, failure
		FROM service_history WHERE name = ? ORDER BY occurred_at DESC, rowid DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	out := make([]history.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
