// ABOUTME: Transcript reconciler job matching transcript entries to recorded turns
// ABOUTME: Corrects turn timestamps and inserts turns the hooks never reported

package background

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/lock"
	"github.com/2389/headspace/internal/store"
)

// startSkew admits transcript entries written just before the agent's first hook.
const startSkew = time.Minute

// commandSkew admits a transcript entry into a command whose hook was
// recorded slightly after the entry was written.
const commandSkew = 2 * time.Second

// Reconciler brings each agent's turns in line with its transcript file.
type Reconciler struct {
	deps     Deps
	interval time.Duration
	logger   *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(deps Deps, interval time.Duration) *Reconciler {
	return &Reconciler{
		deps:     deps,
		interval: interval,
		logger:   deps.logger("reconciler"),
	}
}

func (r *Reconciler) Name() string            { return "reconciler" }
func (r *Reconciler) LockID() int64           { return jobReconciler }
func (r *Reconciler) Interval() time.Duration { return r.interval }

// RunOnce reconciles every active agent with a transcript path.
func (r *Reconciler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	agents, err := r.deps.Store.ListActiveAgents(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing active agents: %w", err)
	}

	for _, a := range agents {
		if a.TranscriptPath == "" {
			continue
		}
		ran, changed, err := r.reconcile(ctx, a)
		if err != nil {
			r.logger.Error("reconciling transcript failed", "agent_id", a.ID, "error", err)
			continue
		}
		stats.add(ran, changed)
	}
	return stats, nil
}

// ReconcileAgent reconciles one agent now. It returns false without error
// when another flow holds the agent's transcript or agent lock.
func (r *Reconciler) ReconcileAgent(ctx context.Context, agentID int64) (bool, error) {
	agent, err := r.deps.Store.GetAgent(ctx, agentID)
	if err != nil {
		return false, fmt.Errorf("loading agent: %w", err)
	}
	if !agent.Active() || agent.TranscriptPath == "" {
		return true, nil
	}
	ran, _, err := r.reconcile(ctx, agent)
	return ran, err
}

// reconcile parses the transcript under the TRANSCRIPT lock, then writes
// under the AGENT lock.
func (r *Reconciler) reconcile(ctx context.Context, a *store.Agent) (ran, changed bool, err error) {
	var corrected, inserted int
	agentRan := true
	ran, err = r.deps.Locks.TryWithLock(ctx, lock.NamespaceTranscript, a.ID, func(ctx context.Context) error {
		entries, err := ReadTranscript(a.TranscriptPath)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		entries = since(entries, a.StartedAt.Add(-startSkew))
		if len(entries) == 0 {
			return nil
		}

		agentRan, changed, err = r.deps.withAgent(ctx, a.ID, func(ctx context.Context, tx store.Store, agent *store.Agent) (bool, error) {
			if !agent.Active() || agent.TranscriptPath != a.TranscriptPath {
				return false, nil
			}
			var err error
			corrected, inserted, err = applyTranscript(ctx, tx, agent, entries)
			return corrected+inserted > 0, err
		})
		return err
	})
	if err != nil || !ran || !agentRan {
		return ran && agentRan, false, err
	}

	if changed {
		r.logger.Info("transcript reconciled",
			"agent_id", a.ID,
			"corrected", corrected,
			"inserted", inserted)
		ev := events.New(events.TypeTurnRecorded, a.ID)
		ev.Data = map[string]any{
			"source":    store.SourceTranscript,
			"corrected": corrected,
			"inserted":  inserted,
		}
		r.deps.publish(ev)
	}
	return true, changed, nil
}

// applyTranscript pairs entries with turns of the same content hash in
// order. Paired turns take the transcript timestamp; unpaired entries go to
// the command that was running when they were written.
func applyTranscript(ctx context.Context, tx store.Store, agent *store.Agent, entries []TranscriptEntry) (corrected, inserted int, err error) {
	turns, err := tx.ListTurnsByAgent(ctx, agent.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing turns: %w", err)
	}
	byHash := make(map[string][]*store.Turn, len(turns))
	for _, t := range turns {
		byHash[t.ContentHash] = append(byHash[t.ContentHash], t)
	}

	var missing []TranscriptEntry
	for _, e := range entries {
		h := store.ContentHash(e.Actor, e.Text)
		queue := byHash[h]
		if len(queue) == 0 {
			missing = append(missing, e)
			continue
		}
		t := queue[0]
		byHash[h] = queue[1:]
		if t.Timestamp.Equal(e.Timestamp) {
			continue
		}
		if err := tx.UpdateTurnTimestamp(ctx, t.ID, e.Timestamp); err != nil {
			return corrected, inserted, fmt.Errorf("correcting turn %d: %w", t.ID, err)
		}
		corrected++
	}

	if len(missing) == 0 {
		return corrected, 0, nil
	}
	cmds, err := tx.ListCommands(ctx, agent.ID)
	if err != nil {
		return corrected, 0, fmt.Errorf("listing commands: %w", err)
	}
	if len(cmds) == 0 {
		return corrected, 0, nil
	}
	for _, e := range missing {
		intent := store.IntentProgress
		if e.Actor == store.ActorUser {
			intent = store.IntentCommand
		}
		turn := &store.Turn{
			CommandID: commandAt(cmds, e.Timestamp).ID,
			Actor:     e.Actor,
			Intent:    intent,
			Text:      e.Text,
			Timestamp: e.Timestamp,
			Source:    store.SourceTranscript,
		}
		if err := tx.CreateTurn(ctx, turn); err != nil {
			return corrected, inserted, fmt.Errorf("inserting transcript turn: %w", err)
		}
		inserted++
	}
	return corrected, inserted, nil
}

// commandAt returns the command that had most recently started at ts,
// allowing commandSkew for a prompt written just before its hook arrived.
// Entries older than every command go to the first one. cmds must be
// non-empty and ordered oldest first.
func commandAt(cmds []*store.Command, ts time.Time) *store.Command {
	found := cmds[0]
	for _, c := range cmds[1:] {
		if c.StartedAt.After(ts.Add(commandSkew)) {
			break
		}
		found = c
	}
	return found
}

func since(entries []TranscriptEntry, from time.Time) []TranscriptEntry {
	out := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(from) {
			out = append(out, e)
		}
	}
	return out
}

var _ Job = (*Reconciler)(nil)
