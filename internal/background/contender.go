// ABOUTME: Shared plumbing for background contenders: non-blocking per-agent locking and post-commit effects
// ABOUTME: Every write a background job makes goes through withAgent

package background

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/lock"
	"github.com/2389/headspace/internal/store"
)

// Forgetter drops cached correlations for an ended agent.
type Forgetter interface {
	Forget(agentID int64)
}

// Deps are the collaborators every contender uses. Events and Cache may be nil.
type Deps struct {
	Store  store.Store
	Locks  *lock.Service
	Events events.Publisher
	Cache  Forgetter
	Logger *slog.Logger
}

func (d Deps) logger(component string) *slog.Logger {
	l := d.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

// withAgent makes one non-blocking attempt at the agent's AGENT lock and, if
// acquired, runs fn in a transaction against a fresh read of the agent.
// ran is false when the lock was contended; changed is fn's report.
func (d Deps) withAgent(ctx context.Context, agentID int64, fn func(ctx context.Context, tx store.Store, agent *store.Agent) (bool, error)) (ran, changed bool, err error) {
	ran, err = d.Locks.TryWithLock(ctx, lock.NamespaceAgent, agentID, func(ctx context.Context) error {
		return d.Store.InTx(ctx, func(tx store.Store) error {
			agent, err := tx.GetAgent(ctx, agentID)
			if err != nil {
				return fmt.Errorf("loading agent %d: %w", agentID, err)
			}
			changed, err = fn(ctx, tx, agent)
			return err
		})
	})
	if err != nil {
		changed = false
	}
	return ran, changed, err
}

// agentEnded runs the post-commit effects of a background end.
func (d Deps) agentEnded(agent *store.Agent, cmd *store.Command) {
	if d.Cache != nil {
		d.Cache.Forget(agent.ID)
	}
	if d.Events == nil {
		return
	}
	ev := events.New(events.TypeAgentEnded, agent.ID)
	ev.Data = map[string]any{"reason": agent.EndReason}
	if cmd != nil {
		ev.CommandID = cmd.ID
		ev.State = cmd.State
	}
	d.Events.Publish(ev)
}

func (d Deps) publish(ev *events.Event) {
	if d.Events != nil {
		d.Events.Publish(ev)
	}
}
