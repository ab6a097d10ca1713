// ABOUTME: Single-host advisory lock backend on a SQLite lock table
// ABOUTME: Rows keyed by lock key emulate session locks; stale rows from dead processes expire

package lock

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
)

const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteDialer keeps locks in an advisory_locks table of a SQLite database.
// It coordinates processes sharing the database file on one host.
type SQLiteDialer struct {
	db         *sql.DB
	staleAfter time.Duration
	pollBase   time.Duration
	pollMax    time.Duration
}

// NewSQLiteDialer creates the lock table if needed. Rows older than
// staleAfter are assumed to belong to a crashed process and are removed
// before each acquisition attempt; zero disables expiry.
func NewSQLiteDialer(ctx context.Context, db *sql.DB, staleAfter time.Duration) (*SQLiteDialer, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS advisory_locks (
			lock_key INTEGER PRIMARY KEY,
			owner TEXT NOT NULL,
			pid INTEGER NOT NULL,
			application_name TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("creating advisory_locks table: %w", err)
	}
	return &SQLiteDialer{
		db:         db,
		staleAfter: staleAfter,
		pollBase:   10 * time.Millisecond,
		pollMax:    250 * time.Millisecond,
	}, nil
}

// Dial returns a lock handle identified by a fresh owner id. Rows are
// written through the shared pool and no connection is pinned while the
// lock is held, so a single-connection database can still serve the
// caller's transaction.
func (d *SQLiteDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sqliteLockConn{dialer: d, db: d.db, owner: uuid.NewString()}, nil
}

type sqliteLockConn struct {
	dialer *SQLiteDialer
	db     *sql.DB
	owner  string
}

// Lock polls with exponential backoff and jitter until acquired or ctx ends.
func (c *sqliteLockConn) Lock(ctx context.Context, key int64) error {
	for attempt := 0; ; attempt++ {
		ok, err := c.TryLock(ctx, key)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if ok {
			return nil
		}

		t := time.NewTimer(c.dialer.pollDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *sqliteLockConn) TryLock(ctx context.Context, key int64) (bool, error) {
	now := time.Now().UTC()
	if c.dialer.staleAfter > 0 {
		cutoff := now.Add(-c.dialer.staleAfter).Format(sqliteTimeFormat)
		if _, err := c.db.ExecContext(ctx, `DELETE FROM advisory_locks WHERE acquired_at < ?`, cutoff); err != nil {
			return false, fmt.Errorf("expiring stale locks: %w", err)
		}
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO advisory_locks (lock_key, owner, pid, application_name, acquired_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (lock_key) DO NOTHING`,
		key, c.owner, os.Getpid(), "headspace-lock", now.Format(sqliteTimeFormat))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *sqliteLockConn) Unlock(ctx context.Context, key int64) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM advisory_locks WHERE lock_key = ? AND owner = ?`, key, c.owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lock %d was not held by this connection", key)
	}
	return nil
}

// Close drops any rows this handle still owns.
func (c *sqliteLockConn) Close(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM advisory_locks WHERE owner = ?`, c.owner)
	return err
}

func (d *SQLiteDialer) pollDelay(attempt int) time.Duration {
	delay := d.pollBase << uint(min(attempt, 16))
	if delay > d.pollMax {
		delay = d.pollMax
	}
	return delay + time.Duration(rand.Int63n(int64(d.pollBase)))
}

// HeldLocks lists the rows of the lock table. Waiters are not recorded.
func (d *SQLiteDialer) HeldLocks(ctx context.Context) ([]HeldLock, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT lock_key, pid, application_name, acquired_at
		FROM advisory_locks
		ORDER BY lock_key`)
	if err != nil {
		return nil, fmt.Errorf("querying advisory_locks: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var locks []HeldLock
	for rows.Next() {
		var (
			key        int64
			pid        int
			appName    string
			acquiredAt string
		)
		if err := rows.Scan(&key, &pid, &appName, &acquiredAt); err != nil {
			return nil, fmt.Errorf("scanning advisory_locks row: %w", err)
		}
		ns, id := SplitKey(key)
		h := HeldLock{
			PID:             pid,
			ApplicationName: appName,
			State:           "held",
			Namespace:       ns.String(),
			EntityID:        id,
			Mode:            "ExclusiveLock",
			Granted:         true,
		}
		if t, err := time.Parse(time.RFC3339Nano, acquiredAt); err == nil {
			h.Duration = now.Sub(t)
		}
		locks = append(locks, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating advisory_locks rows: %w", err)
	}
	return locks, nil
}
