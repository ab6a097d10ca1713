// Package correlate maps inbound hook payloads onto Agent rows.
//
// Strategies run in a fixed order and the first match wins:
//
//  1. cache: in-process map from session id / headspace UUID to agent id,
//     revalidated against the store on every hit
//  2. session_id: active agent with the same coding-agent session id
//  3. headspace_uuid: active agent launched with the same UUID
//  4. tmux_pane: active agent in the same pane, which survives the session
//     id changing on context compression
//  5. working_dir: newest active agent in the directory that has not yet
//     claimed any identifier
//  6. created: a new agent, only when the payload has an absolute working
//     directory
//
// After a match, identifiers present in the payload but missing or different
// on the agent are written back in the caller's transaction.
//
// Correlate must run while the caller holds the advisory lock chosen from
// Peek (or from FallbackKey when Peek finds nothing). Two hooks for the same
// new session therefore cannot both reach strategy 6.
package correlate
