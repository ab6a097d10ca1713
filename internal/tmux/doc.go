// Package tmux inspects the tmux panes coding agents run in.
//
// Inspector is the seam the background jobs use; Client implements it by
// running the tmux binary, and tests substitute a fake. Nothing here drives
// panes (no send-keys): the gateway only observes.
package tmux
