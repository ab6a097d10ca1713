// Package store persists agents, commands and turns.
//
// # Architecture
//
// A single Store interface is implemented by SQLStore over database/sql in
// two dialects:
//
//   - postgres: a pgxpool.Pool exposed through pgx's stdlib adapter. This is
//     the production driver and the one whose advisory locks coordinate
//     multiple server processes.
//   - sqlite: modernc.org/sqlite in WAL mode with foreign keys enabled,
//     for single-host deployments and tests.
//
// Queries are written with ? placeholders and rebound to $n for Postgres.
// Timestamps are TIMESTAMPTZ on Postgres and fixed-width RFC 3339 TEXT on
// SQLite, so ORDER BY sorts chronologically on both.
//
// # Data Models
//
//   - Agent: one observed coding-agent process and its identity fields
//   - Command: one instruction-to-completion cycle, carrying the lifecycle state
//   - Turn: one exchange within a command, matched to transcript entries by ContentHash
//
// # Transactions
//
// InTx hands fn a Store bound to a single transaction. Nested InTx calls reuse
// the outer transaction. Mutations of an agent's rows are expected to run
// while the caller holds that agent's advisory lock (see package lock).
//
// # Testing
//
// MockStore is an in-memory implementation for unit tests that don't need
// rollback semantics.
package store
