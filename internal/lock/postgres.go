// ABOUTME: PostgreSQL session-scoped advisory lock backend using pgx
// ABOUTME: Opens one pgx connection per acquisition and introspects pg_locks for monitoring

package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// lockNotAvailable is the SQLSTATE raised when lock_timeout expires.
const lockNotAvailable = "55P03"

// PostgresDialer opens dedicated pgx connections for advisory locks.
type PostgresDialer struct {
	config *pgx.ConnConfig
}

// NewPostgresDialer parses dsn and tags lock connections with the
// headspace-lock application name so they are visible in pg_stat_activity.
func NewPostgresDialer(dsn string) (*PostgresDialer, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing lock dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["application_name"] = "headspace-lock"
	return &PostgresDialer{config: cfg}, nil
}

// Dial opens a new connection outside any pool.
func (d *PostgresDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, d.config.Copy())
	if err != nil {
		return nil, err
	}
	return &pgLockConn{conn: conn}, nil
}

type pgLockConn struct {
	conn *pgx.Conn
}

// Lock waits in pg_advisory_lock. The server-side lock_timeout is set from
// the context deadline so the wait ends cleanly instead of via query cancel.
func (c *pgLockConn) Lock(ctx context.Context, key int64) error {
	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms < 1 {
			return ErrLockTimeout
		}
		if _, err := c.conn.Exec(ctx, fmt.Sprintf("SET lock_timeout = %d", ms)); err != nil {
			return fmt.Errorf("setting lock_timeout: %w", err)
		}
	}

	_, err := c.conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
			return ErrLockTimeout
		}
		return err
	}
	return nil
}

func (c *pgLockConn) TryLock(ctx context.Context, key int64) (bool, error) {
	var ok bool
	if err := c.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *pgLockConn) Unlock(ctx context.Context, key int64) error {
	var released bool
	if err := c.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released); err != nil {
		return err
	}
	if !released {
		return fmt.Errorf("lock %d was not held by this session", key)
	}
	return nil
}

func (c *pgLockConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// pg_advisory_lock(bigint) stores the high 32 bits in classid and the low
// 32 bits in objid with objsubid = 1.
const heldLocksQuery = `
	SELECT l.pid,
		COALESCE(a.application_name, ''),
		COALESCE(a.state, ''),
		l.classid::bigint,
		l.objid::bigint,
		l.mode,
		l.granted,
		COALESCE(EXTRACT(EPOCH FROM (now() - a.state_change)), 0)::float8
	FROM pg_locks l
	LEFT JOIN pg_stat_activity a ON a.pid = l.pid
	WHERE l.locktype = 'advisory' AND l.objsubid = 1
	ORDER BY l.classid, l.objid, l.granted DESC, l.pid`

// HeldLocks reports every advisory lock held or awaited in the database.
func (d *PostgresDialer) HeldLocks(ctx context.Context) ([]HeldLock, error) {
	conn, err := pgx.ConnectConfig(ctx, d.config.Copy())
	if err != nil {
		return nil, fmt.Errorf("opening introspection connection: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	rows, err := conn.Query(ctx, heldLocksQuery)
	if err != nil {
		return nil, fmt.Errorf("querying pg_locks: %w", err)
	}
	defer rows.Close()

	var locks []HeldLock
	for rows.Next() {
		var (
			h       HeldLock
			classID int64
			seconds float64
		)
		if err := rows.Scan(&h.PID, &h.ApplicationName, &h.State, &classID, &h.EntityID, &h.Mode, &h.Granted, &seconds); err != nil {
			return nil, fmt.Errorf("scanning pg_locks row: %w", err)
		}
		h.Namespace = Namespace(uint32(classID)).String()
		h.Duration = time.Duration(seconds * float64(time.Second))
		locks = append(locks, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pg_locks rows: %w", err)
	}
	return locks, nil
}
