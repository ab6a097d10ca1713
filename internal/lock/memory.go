// ABOUTME: In-process lock backend mirroring Postgres session-lock semantics
// ABOUTME: Used by tests; it cannot coordinate separate processes

package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errNotHeld = errors.New("lock not held by this connection")

// MemoryDialer emulates session-scoped advisory locks in memory. Locks are
// owned by a connection, not a goroutine, and closing a connection releases
// everything it holds.
type MemoryDialer struct {
	mu       sync.Mutex
	holders  map[int64]*memoryConn
	since    map[int64]time.Time
	waiting  map[int64]int
	released chan struct{}
	open     int
	dials    int
}

// NewMemoryDialer creates an empty in-memory lock table.
func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{
		holders:  make(map[int64]*memoryConn),
		since:    make(map[int64]time.Time),
		waiting:  make(map[int64]int),
		released: make(chan struct{}),
	}
}

// Dial opens a new logical connection.
func (d *MemoryDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open++
	d.dials++
	return &memoryConn{dialer: d}, nil
}

// OpenConns reports connections dialed but not yet closed.
func (d *MemoryDialer) OpenConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Dials reports the total number of connections ever dialed.
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// IsLocked reports whether any connection holds (ns, id).
func (d *MemoryDialer) IsLocked(ns Namespace, id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.holders[Key(ns, id)]
	return ok
}

// HeldLocks lists held keys plus one ungranted row per waiter.
func (d *MemoryDialer) HeldLocks(ctx context.Context) ([]HeldLock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var locks []HeldLock
	for key := range d.holders {
		ns, id := SplitKey(key)
		locks = append(locks, HeldLock{
			ApplicationName: "headspace-lock",
			State:           "idle",
			Namespace:       ns.String(),
			EntityID:        id,
			Mode:            "ExclusiveLock",
			Granted:         true,
			Duration:        now.Sub(d.since[key]),
		})
	}
	for key, n := range d.waiting {
		ns, id := SplitKey(key)
		for i := 0; i < n; i++ {
			locks = append(locks, HeldLock{
				ApplicationName: "headspace-lock",
				State:           "active",
				Namespace:       ns.String(),
				EntityID:        id,
				Mode:            "ExclusiveLock",
			})
		}
	}
	return locks, nil
}

// notifyLocked wakes every waiter. Callers hold d.mu.
func (d *MemoryDialer) notifyLocked() {
	close(d.released)
	d.released = make(chan struct{})
}

type memoryConn struct {
	dialer *MemoryDialer
	closed bool
}

// acquireLocked takes key if it is free or already ours. Callers hold d.mu.
func (c *memoryConn) acquireLocked(key int64) bool {
	d := c.dialer
	holder, held := d.holders[key]
	if held && holder != c {
		return false
	}
	if !held {
		d.holders[key] = c
		d.since[key] = time.Now()
	}
	return true
}

func (c *memoryConn) Lock(ctx context.Context, key int64) error {
	d := c.dialer
	for {
		d.mu.Lock()
		if c.acquireLocked(key) {
			d.mu.Unlock()
			return nil
		}
		wake := d.released
		d.waiting[key]++
		d.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
		}

		d.mu.Lock()
		if d.waiting[key]--; d.waiting[key] == 0 {
			delete(d.waiting, key)
		}
		d.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (c *memoryConn) TryLock(ctx context.Context, key int64) (bool, error) {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()
	return c.acquireLocked(key), nil
}

func (c *memoryConn) Unlock(ctx context.Context, key int64) error {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.holders[key] != c {
		return errNotHeld
	}
	delete(d.holders, key)
	delete(d.since, key)
	d.notifyLocked()
	return nil
}

func (c *memoryConn) Close(ctx context.Context) error {
	d := c.dialer
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	d.open--
	for key, holder := range d.holders {
		if holder == c {
			delete(d.holders, key)
			delete(d.since, key)
		}
	}
	d.notifyLocked()
	return nil
}
