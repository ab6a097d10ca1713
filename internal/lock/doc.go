// Package lock provides cross-process advisory locks keyed by
// (namespace, entity id).
//
// # Model
//
// A key packs the namespace into the high 32 bits and the entity id into
// the low 32 bits. Identifiers that are not integers go through
// KeyFromString first.
//
// Every acquisition dials a new lock connection, so a lock is never tied
// to the caller's transaction. Callers take locks before opening a store
// transaction, never inside one. The unlock is issued on the acquiring
// connection and the connection is closed before WithLock or TryWithLock
// returns, including when the protected function fails or panics.
//
// # Blocking and non-blocking use
//
// The hook path uses WithLock, which waits up to a timeout. At most
// max_waiters callers may be waiting at once; beyond that WithLock fails
// immediately with ErrLockQueueFull rather than queueing without bound.
//
// Background jobs use TryWithLock, which makes one attempt and reports
// false on contention. Contention is logged at debug level only.
//
// # Reentrancy
//
// The (namespace, id) pairs held by a flow are recorded on the context
// passed to the protected function. Acquiring one of them again returns
// ErrReentrant from WithLock and false from TryWithLock. A different id
// that packs to a held key returns ErrKeyCollision instead of waiting on
// the flow's own lock.
//
// # Backends
//
//   - PostgresDialer: pg_advisory_lock on a fresh pgx connection
//   - SQLiteDialer: an advisory_locks table, for single-host deployments
//   - MemoryDialer: in-process, for tests
package lock
