// ABOUTME: Tmux watchdog job ending agents whose pane no longer exists
// ABOUTME: Pane checks run outside any lock; only the end is written under the agent's lock

package background

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/headspace/internal/lifecycle"
	"github.com/2389/headspace/internal/store"
	"github.com/2389/headspace/internal/tmux"
)

// Watchdog ends agents whose tmux pane has gone away.
type Watchdog struct {
	deps     Deps
	tmux     tmux.Inspector
	interval time.Duration
	logger   *slog.Logger
}

// NewWatchdog creates a watchdog.
func NewWatchdog(deps Deps, inspector tmux.Inspector, interval time.Duration) *Watchdog {
	return &Watchdog{
		deps:     deps,
		tmux:     inspector,
		interval: interval,
		logger:   deps.logger("watchdog"),
	}
}

func (w *Watchdog) Name() string            { return "watchdog" }
func (w *Watchdog) LockID() int64           { return jobWatchdog }
func (w *Watchdog) Interval() time.Duration { return w.interval }

// RunOnce checks every active agent that has a pane.
func (w *Watchdog) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	agents, err := w.deps.Store.ListActiveAgents(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing active agents: %w", err)
	}

	for _, a := range agents {
		if a.TmuxPaneID == "" {
			continue
		}
		exists, err := w.tmux.PaneExists(ctx, a.TmuxPaneID)
		if err != nil {
			w.logger.Debug("pane check failed", "agent_id", a.ID, "pane", a.TmuxPaneID, "error", err)
			continue
		}
		if exists {
			continue
		}

		var abandoned *store.Command
		var ended *store.Agent
		ran, changed, err := w.deps.withAgent(ctx, a.ID, func(ctx context.Context, tx store.Store, agent *store.Agent) (bool, error) {
			if !agent.Active() || agent.TmuxPaneID != a.TmuxPaneID {
				return false, nil
			}
			cmd, err := lifecycle.EndAgent(ctx, tx, agent, store.EndReasonPaneGone, time.Now().UTC())
			if err != nil {
				return false, err
			}
			abandoned, ended = cmd, agent
			return true, nil
		})
		if err != nil {
			w.logger.Error("ending agent with missing pane failed", "agent_id", a.ID, "error", err)
			continue
		}
		stats.add(ran, changed)
		if changed {
			w.logger.Info("ended agent whose pane is gone", "agent_id", a.ID, "pane", a.TmuxPaneID)
			w.deps.agentEnded(ended, abandoned)
		}
	}
	return stats, nil
}

var _ Job = (*Watchdog)(nil)
