// ABOUTME: database/sql implementation of the Store interface for Postgres and SQLite
// ABOUTME: Postgres goes through pgxpool + pgx stdlib, SQLite through modernc.org/sqlite

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour spoken by a SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// sqliteTimeFormat is fixed-width so TEXT timestamps sort chronologically.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	q       querier
	inTx    bool
	dialect Dialect
	pool    *pgxpool.Pool
	logger  *slog.Logger
}

// OpenPostgres connects a pgx pool to dsn and exposes it through database/sql.
// The schema is created if it doesn't exist.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "headspace"

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	s := &SQLStore{
		db:      db,
		q:       db,
		dialect: DialectPostgres,
		pool:    pool,
		logger:  logger,
	}

	if err := s.createSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("postgres store initialized", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return s, nil
}

// OpenSQLite creates a SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// BEGIN IMMEDIATE, so busy_timeout also covers transactions that read before writing
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &SQLStore{
		db:      db,
		q:       db,
		dialect: DialectSQLite,
		logger:  logger,
	}

	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// DB exposes the underlying handle, e.g. for the SQLite lock table.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect reports which SQL flavour the store speaks.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close releases the database handle and, for Postgres, the pool behind it.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside a single database transaction.
func (s *SQLStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	var tx *sql.Tx
	err := s.retry(func() error {
		var err error
		tx, err = s.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &SQLStore{
		db:      s.db,
		q:       tx,
		inTx:    true,
		dialect: s.dialect,
		pool:    s.pool,
		logger:  s.logger,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema(ctx context.Context) error {
	idType, tsType := "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	if s.dialect == DialectSQLite {
		idType, tsType = "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT"
	}
	schema := strings.NewReplacer("{{ID}}", idType, "{{TS}}", tsType).Replace(`
		CREATE TABLE IF NOT EXISTS agents (
			id {{ID}},
			claude_session_id TEXT NOT NULL DEFAULT '',
			tmux_pane_id TEXT NOT NULL DEFAULT '',
			tmux_session TEXT NOT NULL DEFAULT '',
			headspace_session_uuid TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			transcript_path TEXT NOT NULL DEFAULT '',
			context_percent_left INTEGER,
			started_at {{TS}} NOT NULL,
			last_activity_at {{TS}} NOT NULL,
			ended_at {{TS}},
			end_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_agents_active_session
			ON agents(claude_session_id) WHERE ended_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_agents_active_pane
			ON agents(tmux_pane_id) WHERE ended_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_agents_active_uuid
			ON agents(headspace_session_uuid) WHERE ended_at IS NULL;

		CREATE INDEX IF NOT EXISTS idx_agents_active_dir
			ON agents(working_dir) WHERE ended_at IS NULL;

		CREATE TABLE IF NOT EXISTS commands (
			id {{ID}},
			agent_id BIGINT NOT NULL REFERENCES agents(id),
			state TEXT NOT NULL,
			started_at {{TS}} NOT NULL,
			updated_at {{TS}} NOT NULL,
			completed_at {{TS}},
			completion_reason TEXT NOT NULL DEFAULT '',
			summary_requested_at {{TS}},

			CHECK (state IN ('commanded', 'processing', 'awaiting_input', 'complete', 'abandoned'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_agent
			ON commands(agent_id, id);

		CREATE TABLE IF NOT EXISTS turns (
			id {{ID}},
			command_id BIGINT NOT NULL REFERENCES commands(id),
			actor TEXT NOT NULL,
			intent TEXT NOT NULL,
			text TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			timestamp {{TS}} NOT NULL,
			source TEXT NOT NULL DEFAULT 'hook',

			CHECK (actor IN ('user', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_turns_command
			ON turns(command_id, timestamp);

		CREATE INDEX IF NOT EXISTS idx_turns_hash
			ON turns(content_hash)
	`)

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
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

// exec runs a write statement, retrying transient SQLite contention outside transactions.
func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.retry(func() error {
		var err error
		res, err = s.q.ExecContext(ctx, s.rebind(query), args...)
		return err
	})
	return res, err
}

// insertReturningID runs an INSERT ... RETURNING id statement.
func (s *SQLStore) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := s.retry(func() error {
		return s.q.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id)
	})
	return id, err
}

func (s *SQLStore) retry(fn func() error) error {
	if s.dialect != DialectSQLite || s.inTx {
		return fn()
	}
	return retryOp(defaultRetryConfig, fn)
}

// ts converts a time into the dialect's storage representation.
func (s *SQLStore) ts(t time.Time) any {
	t = t.UTC()
	if s.dialect == DialectSQLite {
		return t.Format(sqliteTimeFormat)
	}
	return t
}

// nullTS is ts for optional timestamps.
func (s *SQLStore) nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.ts(*t)
}

// dbTime scans TIMESTAMPTZ values (Postgres) and TEXT timestamps (SQLite).
type dbTime struct {
	Time  time.Time
	Valid bool
}

// Scan implements sql.Scanner.
func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *dbTime) parse(v string) error {
	parsed, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

// ptr returns nil for NULL timestamps.
func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

var _ Store = (*SQLStore)(nil)
