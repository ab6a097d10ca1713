// Package gateway wires the headspace server together and serves its HTTP
// and gRPC endpoints.
//
// # Overview
//
// New opens the configured database (Postgres or SQLite), picks the
// matching advisory lock dialer and assembles the correlator, lifecycle
// bridge, event broadcaster, summary pool and background scheduler around
// it. Run starts the HTTP server, the optional gRPC health service, the
// scheduler and, when configured, a Tailscale listener, all under one
// errgroup. Shutdown stops them in reverse order and closes the store last.
//
// # Hook Path
//
// Every POST /hook/{type} runs through processHook:
//
//  1. Peek the correlator read-only to pick a lock: AGENT(id) for a known
//     agent, CORRELATION(fallback key) for an unknown one.
//  2. Acquire it with locks.hook_timeout. No lock is ever taken while a
//     store transaction is open.
//  3. In one transaction, Correlate and, when the resolved agent is the
//     locked one, Bridge.Apply. Otherwise the transaction rolls back, or
//     commits just the new agent when one was created under the fallback
//     lock, and the hook starts over at step 2 under the resolved agent's
//     AGENT lock.
//  4. Release, then publish events, enqueue a summary and supersede agents
//     displaced from the same tmux pane.
//
// Lock timeouts, a full waiter queue and a correlation that keeps moving
// map to 503 with Retry-After.
//
// # HTTP Endpoints
//
//	POST /hook/{type}         - lifecycle hooks from coding agents
//	GET  /api/advisory-locks  - lock snapshot (JWT when auth.jwt_secret is set)
//	GET  /api/agents          - active agents with current command state
//	GET  /api/events          - SSE stream of committed events (?agent_id=)
//	GET  /health              - liveness
//	GET  /health/ready        - store reachability
//
// The gRPC server only carries grpc.health.v1, whose status follows the
// store ping.
package gateway
