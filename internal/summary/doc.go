// Package summary produces command summaries after completion.
//
// The lifecycle bridge stamps summary_requested_at inside the agent's lock,
// so each command is enqueued at most once per process. Workers read the
// command without any lock and publish the result as a command_summary
// event.
package summary
