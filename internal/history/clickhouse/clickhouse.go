package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/runsh/internal/history"
)

// DefaultTable is used when Options.Table is empty.
const DefaultTable = "service_history"

// Options configures the native-protocol connection.
type Options struct {
	Addr     string // host:port of the native port, usually 9000
	Database string
	Username string
	Password string
	Table    string
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "localhost:9000"
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	if o.Table == "" {
		o.Table = DefaultTable
	}
	return o
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects, pings and creates the history table when missing.
func New(opts Options) (*Sink, error) {
	opts = opts.withDefaults()
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id String,
			occurred_at DateTime64(6),
			name String,
			run_id String,
			from_state LowCardinality(String),
			state LowCardinality(String),
			pid Int64,
			restarts Int64,
			exit_code Nullable(Int64),
			error String,
			failure LowCardinality(String)
		) ENGINE = MergeTree()
		ORDER BY (name, occurred_at)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, occurred_at, name, run_id, from_state, state, pid, restarts, exit_code, error, failure) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var exit *int64
	if e.ExitCode != nil {
		v := int64(*e.ExitCode)
		exit = &v
	}
	err := s.conn.Exec(ctx, query,
		e.ID,
		e.OccurredAt.UTC(),
		e.Name,
		e.RunID,
		string(e.From),
		string(e.State),
		int64(e.PID),
		int64(e.Restarts),
		exit,
		e.Error,
		string(e.Failure),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of recorded events for name.
func (s *Sink) Count(ctx context.Context, name string) (uint64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE name = ?", s.table), name).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
