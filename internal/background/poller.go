// ABOUTME: Context poller job reading the "context left" indicator from each agent's pane
// ABOUTME: Stores context_percent_left when it changes

package background

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/store"
	"github.com/2389/headspace/internal/tmux"
)

// captureLines is how much of the pane the poller reads.
const captureLines = 40

// ContextPoller records how much context each agent has left.
type ContextPoller struct {
	deps     Deps
	tmux     tmux.Inspector
	interval time.Duration
	logger   *slog.Logger
}

// NewContextPoller creates a poller.
func NewContextPoller(deps Deps, inspector tmux.Inspector, interval time.Duration) *ContextPoller {
	return &ContextPoller{
		deps:     deps,
		tmux:     inspector,
		interval: interval,
		logger:   deps.logger("context_poller"),
	}
}

func (p *ContextPoller) Name() string            { return "context_poller" }
func (p *ContextPoller) LockID() int64           { return jobPoller }
func (p *ContextPoller) Interval() time.Duration { return p.interval }

// RunOnce captures each pane and writes changed percentages.
func (p *ContextPoller) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	agents, err := p.deps.Store.ListActiveAgents(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing active agents: %w", err)
	}

	for _, a := range agents {
		if a.TmuxPaneID == "" {
			continue
		}
		text, err := p.tmux.CapturePane(ctx, a.TmuxPaneID, captureLines)
		if err != nil {
			p.logger.Debug("capturing pane failed", "agent_id", a.ID, "pane", a.TmuxPaneID, "error", err)
			continue
		}
		pct, ok := tmux.ParseContextPercent(text)
		if !ok || samePercent(a.ContextPercentLeft, pct) {
			continue
		}

		ran, changed, err := p.deps.withAgent(ctx, a.ID, func(ctx context.Context, tx store.Store, agent *store.Agent) (bool, error) {
			if !agent.Active() || agent.TmuxPaneID != a.TmuxPaneID || samePercent(agent.ContextPercentLeft, pct) {
				return false, nil
			}
			agent.ContextPercentLeft = &pct
			if err := tx.UpdateAgent(ctx, agent); err != nil {
				return false, fmt.Errorf("storing context percent: %w", err)
			}
			return true, nil
		})
		if err != nil {
			p.logger.Error("updating context percent failed", "agent_id", a.ID, "error", err)
			continue
		}
		stats.add(ran, changed)
		if changed {
			ev := events.New(events.TypeContextUpdated, a.ID)
			ev.Data = map[string]any{"context_percent_left": pct}
			p.deps.publish(ev)
		}
	}
	return stats, nil
}

func samePercent(cur *int, pct int) bool {
	return cur != nil && *cur == pct
}

var _ Job = (*ContextPoller)(nil)
