// ABOUTME: Reaper job ending agents that have been inactive past a timeout
// ABOUTME: Open commands of reaped agents are abandoned

package background

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/headspace/internal/lifecycle"
	"github.com/2389/headspace/internal/store"
)

// Reaper ends agents whose last activity is older than its timeout.
type Reaper struct {
	deps     Deps
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewReaper creates a reaper.
func NewReaper(deps Deps, interval, inactivityTimeout time.Duration) *Reaper {
	return &Reaper{
		deps:     deps,
		interval: interval,
		timeout:  inactivityTimeout,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   deps.logger("reaper"),
	}
}

func (r *Reaper) Name() string            { return "reaper" }
func (r *Reaper) LockID() int64           { return jobReaper }
func (r *Reaper) Interval() time.Duration { return r.interval }

// RunOnce ends every stale agent whose lock is free.
func (r *Reaper) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	agents, err := r.deps.Store.ListActiveAgents(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing active agents: %w", err)
	}

	now := r.now()
	cutoff := now.Add(-r.timeout)
	for _, a := range agents {
		if a.LastActivityAt.After(cutoff) {
			continue
		}

		var abandoned *store.Command
		var ended *store.Agent
		ran, changed, err := r.deps.withAgent(ctx, a.ID, func(ctx context.Context, tx store.Store, agent *store.Agent) (bool, error) {
			// a hook may have landed since the list was read
			if !agent.Active() || agent.LastActivityAt.After(cutoff) {
				return false, nil
			}
			cmd, err := lifecycle.EndAgent(ctx, tx, agent, store.EndReasonInactive, now)
			if err != nil {
				return false, err
			}
			abandoned, ended = cmd, agent
			return true, nil
		})
		if err != nil {
			r.logger.Error("reaping agent failed", "agent_id", a.ID, "error", err)
			continue
		}
		stats.add(ran, changed)
		if changed {
			r.logger.Info("reaped inactive agent", "agent_id", a.ID, "last_activity_at", a.LastActivityAt)
			r.deps.agentEnded(ended, abandoned)
		}
	}
	return stats, nil
}

var _ Job = (*Reaper)(nil)
