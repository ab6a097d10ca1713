package lock

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newSQLiteDialer(t *testing.T, staleAfter time.Duration) (*SQLiteDialer, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locks.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d, err := NewSQLiteDialer(context.Background(), db, staleAfter)
	require.NoError(t, err)
	return d, db
}

func TestSQLiteDialer_TryLockContention(t *testing.T) {
	d, _ := newSQLiteDialer(t, 0)
	ctx := context.Background()
	key := Key(NamespaceAgent, 42)

	a, err := d.Dial(ctx)
	require.NoError(t, err)
	defer a.Close(ctx)
	b, err := d.Dial(ctx)
	require.NoError(t, err)
	defer b.Close(ctx)

	ok, err := a.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx, key))

	ok, err = b.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteDialer_CloseReleases(t *testing.T) {
	d, _ := newSQLiteDialer(t, 0)
	ctx := context.Background()
	key := Key(NamespaceAgent, 1)

	a, err := d.Dial(ctx)
	require.NoError(t, err)
	ok, err := a.TryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Close(ctx))

	b, err := d.Dial(ctx)
	require.NoError(t, err)
	defer b.Close(ctx)
	ok, err = b.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteDialer_LockWaitsThenTimesOut(t *testing.T) {
	d, _ := newSQLiteDialer(t, 0)
	svc := NewService(d, 0, nil)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- svc.WithLock(context.Background(), NamespaceAgent, 42, time.Second, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := svc.WithLock(context.Background(), NamespaceAgent, 42, 80*time.Millisecond, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockTimeout)

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	err = svc.WithLock(context.Background(), NamespaceAgent, 42, 2*time.Second, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
	require.NoError(t, <-done)
}

func TestSQLiteDialer_ExpiresStaleRows(t *testing.T) {
	d, db := newSQLiteDialer(t, time.Minute)
	ctx := context.Background()
	key := Key(NamespaceAgent, 3)

	old := time.Now().Add(-time.Hour).UTC().Format(sqliteTimeFormat)
	_, err := db.ExecContext(ctx,
		`INSERT INTO advisory_locks (lock_key, owner, pid, application_name, acquired_at) VALUES (?, 'dead', 1, 'headspace-lock', ?)`,
		key, old)
	require.NoError(t, err)

	c, err := d.Dial(ctx)
	require.NoError(t, err)
	defer c.Close(ctx)

	ok, err := c.TryLock(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteDialer_HeldLocks(t *testing.T) {
	d, _ := newSQLiteDialer(t, 0)
	svc := NewService(d, 0, nil)

	err := svc.WithLock(context.Background(), NamespaceMaintenance, 1, time.Second, func(ctx context.Context) error {
		locks, err := svc.HeldLocks(ctx)
		require.NoError(t, err)
		require.Len(t, locks, 1)
		assert.Equal(t, "MAINTENANCE", locks[0].Namespace)
		assert.Equal(t, int64(1), locks[0].EntityID)
		assert.Equal(t, "headspace-lock", locks[0].ApplicationName)
		return nil
	})
	require.NoError(t, err)

	locks, err := svc.HeldLocks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, locks)
}
