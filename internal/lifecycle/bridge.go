// ABOUTME: Lifecycle bridge applying hook events to an agent's current command
// ABOUTME: Runs inside the agent's advisory lock and reports post-commit effects to the caller

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/headspace/internal/store"
)

// Outcome describes what Apply did. Summarize and AgentEnded are post-commit
// effects the caller carries out after releasing the lock.
type Outcome struct {
	AgentID    int64              `json:"agent_id"`
	CommandID  int64              `json:"command_id,omitempty"`
	Previous   store.CommandState `json:"previous_state"`
	State      store.CommandState `json:"state"`
	Applied    bool               `json:"applied"`
	Ignored    bool               `json:"ignored"`
	TurnID     int64              `json:"turn_id,omitempty"`
	Summarize  bool               `json:"-"`
	AgentEnded bool               `json:"agent_ended"`
}

// Bridge applies hooks to the command state machine.
type Bridge struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewBridge creates a bridge.
func NewBridge(logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger: logger.With("component", "lifecycle"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply re-reads the agent's current command through st and applies h.
// The caller must hold the agent's AGENT lock; st should be the
// transaction that the caller commits before releasing it.
// Illegal transitions are logged and reported with Ignored set, not as errors.
func (b *Bridge) Apply(ctx context.Context, st store.Store, agent *store.Agent, h Hook) (Outcome, error) {
	out := Outcome{AgentID: agent.ID}
	err := st.InTx(ctx, func(tx store.Store) error {
		var err error
		out, err = b.apply(ctx, tx, agent, h)
		return err
	})
	return out, err
}

func (b *Bridge) apply(ctx context.Context, st store.Store, agent *store.Agent, h Hook) (Outcome, error) {
	now := b.now()
	out := Outcome{AgentID: agent.ID}

	cmd, err := st.GetCurrentCommand(ctx, agent.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return out, fmt.Errorf("loading current command: %w", err)
	}
	cur := StateNone
	if cmd != nil {
		cur = cmd.State
		out.CommandID = cmd.ID
	}
	out.Previous = cur

	agent.LastActivityAt = now
	if err := st.UpdateAgent(ctx, agent); err != nil {
		return out, fmt.Errorf("touching agent: %w", err)
	}

	next, eff, ok := Transition(cur, h)
	out.State = next
	if !ok {
		out.Ignored = true
		b.logger.Info("ignoring hook not valid in current state",
			"agent_id", agent.ID,
			"event", h.Event,
			"state", StateName(cur))
		return out, nil
	}

	switch {
	case eff.NewCommand:
		cmd = &store.Command{
			AgentID:   agent.ID,
			State:     next,
			StartedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateCommand(ctx, cmd); err != nil {
			return out, fmt.Errorf("creating command: %w", err)
		}
		out.CommandID = cmd.ID
		out.Applied = true

	case cmd != nil && next != cur:
		cmd.State = next
		cmd.UpdatedAt = now
		if next.Terminal() {
			cmd.CompletedAt = &now
			cmd.CompletionReason = eff.Reason
			if cmd.SummaryRequestedAt == nil {
				cmd.SummaryRequestedAt = &now
				out.Summarize = true
			}
		}
		if err := st.UpdateCommand(ctx, cmd); err != nil {
			return out, fmt.Errorf("updating command: %w", err)
		}
		out.Applied = true
	}

	if eff.Turn != nil && cmd != nil {
		turn := &store.Turn{
			CommandID: cmd.ID,
			Actor:     eff.Turn.Actor,
			Intent:    eff.Turn.Intent,
			Text:      eff.Turn.Text,
			Timestamp: now,
			Source:    store.SourceHook,
		}
		if err := st.CreateTurn(ctx, turn); err != nil {
			return out, fmt.Errorf("recording turn: %w", err)
		}
		out.TurnID = turn.ID
		out.Applied = true
	}

	if eff.EndAgent {
		if _, err := EndAgent(ctx, st, agent, store.EndReasonSessionEnd, now); err != nil {
			return out, err
		}
		out.AgentEnded = true
		out.Applied = true
	}

	if out.Applied {
		b.logger.Debug("hook applied",
			"agent_id", agent.ID,
			"command_id", out.CommandID,
			"event", h.Event,
			"from", StateName(cur),
			"to", StateName(next))
	}
	return out, nil
}

// EndAgent marks agent ended and abandons its open command, if any.
// It returns the abandoned command. The caller must hold the agent's lock.
func EndAgent(ctx context.Context, st store.Store, agent *store.Agent, reason string, at time.Time) (*store.Command, error) {
	cmd, err := st.GetCurrentCommand(ctx, agent.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading current command: %w", err)
	}
	if cmd != nil {
		cmd.State = store.StateAbandoned
		cmd.UpdatedAt = at
		cmd.CompletedAt = &at
		cmd.CompletionReason = reason
		if err := st.UpdateCommand(ctx, cmd); err != nil {
			return nil, fmt.Errorf("abandoning command: %w", err)
		}
	}

	agent.EndedAt = &at
	agent.EndReason = reason
	if err := st.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("ending agent: %w", err)
	}
	return cmd, nil
}

// StateName renders s for logs and responses, "none" for StateNone.
func StateName(s store.CommandState) string {
	if s == StateNone {
		return "none"
	}
	return string(s)
}
