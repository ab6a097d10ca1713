// ABOUTME: Advisory lock service serialising writers across processes
// ABOUTME: Each acquisition runs on its own lock connection and is always released before returning

package lock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
)

// Namespace partitions the lock key space. It occupies the high 32 bits of a key.
type Namespace uint32

const (
	NamespaceAgent       Namespace = 1
	NamespaceCorrelation Namespace = 2
	NamespaceTranscript  Namespace = 3
	NamespaceMaintenance Namespace = 4
)

func (n Namespace) String() string {
	switch n {
	case NamespaceAgent:
		return "AGENT"
	case NamespaceCorrelation:
		return "CORRELATION"
	case NamespaceTranscript:
		return "TRANSCRIPT"
	case NamespaceMaintenance:
		return "MAINTENANCE"
	default:
		return fmt.Sprintf("NAMESPACE(%d)", uint32(n))
	}
}

// Key packs a namespace and entity id into a single 64-bit lock key.
// Only the low 32 bits of id are kept.
func Key(ns Namespace, id int64) int64 {
	return int64(uint64(ns)<<32 | uint64(uint32(id)))
}

// SplitKey is the inverse of Key.
func SplitKey(key int64) (Namespace, int64) {
	return Namespace(uint64(key) >> 32), int64(uint32(key))
}

// KeyFromString maps an arbitrary identifier into the lock key space:
// the first 8 bytes of its SHA-256 digest, big endian.
func KeyFromString(s string) int64 {
	sum := sha256.Sum256([]byte(s))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

var (
	// ErrLockTimeout is returned when a blocking acquisition exceeds its deadline.
	ErrLockTimeout = errors.New("advisory lock timeout")

	// ErrReentrant is returned when a flow tries to acquire a key it already holds.
	ErrReentrant = errors.New("advisory lock already held by this flow")

	// ErrLockQueueFull is returned when too many callers are already waiting.
	ErrLockQueueFull = errors.New("too many advisory lock waiters")

	// ErrKeyCollision is returned when a flow already holds a different entity
	// whose lock key is the same, e.g. ids that agree in their low 32 bits.
	ErrKeyCollision = errors.New("advisory lock key collides with one held by this flow")

	// ErrIntrospectionUnsupported is returned by HeldLocks for dialers that can't list locks.
	ErrIntrospectionUnsupported = errors.New("lock introspection not supported by this backend")
)

// Error describes a failed blocking acquisition.
type Error struct {
	Namespace Namespace
	EntityID  int64
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("advisory lock %s:%d: %v", e.Namespace, e.EntityID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Dialer opens dedicated lock connections. Every acquisition gets its own
// connection, never one shared with the caller's transaction.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one dedicated connection. Locks are session scoped: closing the
// connection drops anything it still holds.
type Conn interface {
	// Lock blocks until key is acquired or ctx is done.
	Lock(ctx context.Context, key int64) error
	// TryLock makes a single non-blocking attempt.
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
	Close(ctx context.Context) error
}

// Inspector lists locks currently held or awaited across all processes.
type Inspector interface {
	HeldLocks(ctx context.Context) ([]HeldLock, error)
}

// HeldLock is one row of the lock introspection snapshot.
type HeldLock struct {
	PID             int           `json:"pid"`
	ApplicationName string        `json:"application_name"`
	State           string        `json:"state"`
	Namespace       string        `json:"namespace"`
	EntityID        int64         `json:"entity_id"`
	Mode            string        `json:"mode"`
	Granted         bool          `json:"granted"`
	Duration        time.Duration `json:"duration_ns"`
}

// releaseTimeout bounds unlock and close after the caller's context is gone.
const releaseTimeout = 5 * time.Second

// Service acquires advisory locks through a Dialer.
type Service struct {
	dialer  Dialer
	waiters *semaphore.Weighted
	logger  *slog.Logger
}

// NewService creates a lock service. maxWaiters bounds how many blocking
// acquisitions may be pending at once in this process; 0 means unbounded.
func NewService(dialer Dialer, maxWaiters int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		dialer: dialer,
		logger: logger.With("component", "lock"),
	}
	if maxWaiters > 0 {
		s.waiters = semaphore.NewWeighted(int64(maxWaiters))
	}
	return s
}

// WithLock acquires (ns, id), waiting at most timeout, runs fn and releases
// the lock and its connection whether fn returns, fails or panics.
// A timeout of zero waits as long as ctx allows.
func (s *Service) WithLock(ctx context.Context, ns Namespace, id int64, timeout time.Duration, fn func(ctx context.Context) error) error {
	key := Key(ns, id)
	if Holds(ctx, ns, id) {
		return &Error{Namespace: ns, EntityID: id, Err: ErrReentrant}
	}
	if collides(ctx, ns, id) {
		return &Error{Namespace: ns, EntityID: id, Err: ErrKeyCollision}
	}

	waiting := false
	if s.waiters != nil {
		if !s.waiters.TryAcquire(1) {
			return &Error{Namespace: ns, EntityID: id, Err: ErrLockQueueFull}
		}
		waiting = true
	}
	stopWaiting := func() {
		if waiting {
			s.waiters.Release(1)
			waiting = false
		}
	}
	defer stopWaiting()

	lockCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := s.dialer.Dial(lockCtx)
	if err != nil {
		return s.acquireError(ctx, ns, id, fmt.Errorf("opening lock connection: %w", err))
	}
	defer s.closeConn(ctx, conn)

	if err := conn.Lock(lockCtx, key); err != nil {
		return s.acquireError(ctx, ns, id, err)
	}
	stopWaiting()
	defer s.unlock(ctx, conn, ns, id)

	if waited := time.Since(start); waited > 100*time.Millisecond {
		s.logger.Debug("advisory lock acquired after wait", "namespace", ns, "entity_id", id, "waited", waited)
	}

	return fn(withHeld(ctx, ns, id))
}

// TryWithLock makes one non-blocking attempt at (ns, id). When acquired, fn
// runs and its error is returned with true. Contention, including a key
// already held by this flow, returns false and no error.
func (s *Service) TryWithLock(ctx context.Context, ns Namespace, id int64, fn func(ctx context.Context) error) (bool, error) {
	key := Key(ns, id)
	if Holds(ctx, ns, id) || collides(ctx, ns, id) {
		s.logger.Debug("advisory lock already held by this flow, skipping", "namespace", ns, "entity_id", id)
		return false, nil
	}

	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return false, fmt.Errorf("opening lock connection: %w", err)
	}
	defer s.closeConn(ctx, conn)

	ok, err := conn.TryLock(ctx, key)
	if err != nil {
		return false, fmt.Errorf("trying advisory lock %s:%d: %w", ns, id, err)
	}
	if !ok {
		s.logger.Debug("advisory lock contended, skipping", "namespace", ns, "entity_id", id)
		return false, nil
	}
	defer s.unlock(ctx, conn, ns, id)

	return true, fn(withHeld(ctx, ns, id))
}

// HeldLocks returns the backend's current lock snapshot.
func (s *Service) HeldLocks(ctx context.Context) ([]HeldLock, error) {
	insp, ok := s.dialer.(Inspector)
	if !ok {
		return nil, ErrIntrospectionUnsupported
	}
	return insp.HeldLocks(ctx)
}

// acquireError classifies a failed blocking acquisition. A deadline that
// belongs to the lock timeout, not the caller, is reported as ErrLockTimeout.
func (s *Service) acquireError(ctx context.Context, ns Namespace, id int64, err error) error {
	if errors.Is(err, ErrLockTimeout) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil) {
		s.logger.Warn("advisory lock timeout", "namespace", ns, "entity_id", id)
		return &Error{Namespace: ns, EntityID: id, Err: ErrLockTimeout}
	}
	return &Error{Namespace: ns, EntityID: id, Err: err}
}

func (s *Service) unlock(ctx context.Context, conn Conn, ns Namespace, id int64) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := conn.Unlock(releaseCtx, Key(ns, id)); err != nil {
		// closing the connection still drops the session lock
		s.logger.Warn("advisory unlock failed", "namespace", ns, "entity_id", id, "error", err)
	}
}

func (s *Service) closeConn(ctx context.Context, conn Conn) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := conn.Close(closeCtx); err != nil {
		s.logger.Warn("closing lock connection failed", "error", err)
	}
}
