// Package background runs the jobs that contend with hook traffic for
// agent rows: the inactivity reaper, the transcript reconciler, the tmux
// context poller, the tmux pane watchdog and the transcript file watcher.
//
// Background work never waits for a lock. Each pass takes the job's
// MAINTENANCE lock with a single non-blocking attempt, and each agent it
// touches is written under a non-blocking AGENT lock on a fresh read of the
// row. A contended agent is skipped and picked up by a later pass. Slow
// work (tmux subprocesses, transcript parsing) happens before the AGENT
// lock is taken.
package background
