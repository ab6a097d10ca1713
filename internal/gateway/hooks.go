// ABOUTME: Hook route handler: correlate under an advisory lock, apply the transition, then fan out
// ABOUTME: Post-commit effects (events, summaries, superseding displaced agents) run after the lock is released

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/headspace/internal/correlate"
	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/lifecycle"
	"github.com/2389/headspace/internal/lock"
	"github.com/2389/headspace/internal/store"
)

// maxHookBody caps hook request bodies.
const maxHookBody = 1 << 20

// retryAfterSeconds is sent with 503 responses when locks are saturated.
const retryAfterSeconds = 1

// maxHookAttempts bounds how often a hook follows its correlation to a new lock.
const maxHookAttempts = 4

// errRelock rolls back a correlation made under the wrong lock.
var errRelock = errors.New("correlated agent differs from locked entity")

// errUnsettled is returned when correlation keeps moving between attempts.
var errUnsettled = errors.New("hook correlation did not settle")

// hookRequest is the JSON body every hook route accepts.
type hookRequest struct {
	SessionID            string `json:"session_id"`
	Cwd                  string `json:"cwd"`
	TmuxPaneID           string `json:"tmux_pane_id"`
	TmuxSession          string `json:"tmux_session"`
	HeadspaceUUID        string `json:"headspace_session_uuid"`
	TranscriptPath       string `json:"transcript_path"`
	Message              string `json:"message"`
	Title                string `json:"title"`
	ToolName             string `json:"tool_name"`
	Prompt               string `json:"prompt"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

func (r *hookRequest) payload() correlate.Payload {
	return correlate.Payload{
		SessionID:      r.SessionID,
		WorkingDir:     r.Cwd,
		TmuxPaneID:     r.TmuxPaneID,
		TmuxSession:    r.TmuxSession,
		HeadspaceUUID:  r.HeadspaceUUID,
		TranscriptPath: r.TranscriptPath,
	}
}

func (r *hookRequest) hook(ev lifecycle.Event) lifecycle.Hook {
	return lifecycle.Hook{
		Event:                ev,
		Prompt:               r.Prompt,
		ToolName:             r.ToolName,
		Message:              r.Message,
		Title:                r.Title,
		LastAssistantMessage: r.LastAssistantMessage,
	}
}

// HookResponse is the 200 body of a hook route.
type HookResponse struct {
	Status      string `json:"status"`
	AgentID     int64  `json:"agent_id"`
	Correlation string `json:"correlation"`
	State       string `json:"state"`
	Applied     bool   `json:"applied"`
}

// hookResult carries what happened inside the lock out to the post-commit phase.
type hookResult struct {
	correlation correlate.Result
	outcome     lifecycle.Outcome
}

// handleHook serves POST /hook/{type}.
func (g *Gateway) handleHook(w http.ResponseWriter, r *http.Request) {
	ev, ok := lifecycle.ParseEvent(r.PathValue("type"))
	if !ok {
		g.sendJSONError(w, http.StatusBadRequest, "unknown hook type")
		return
	}

	var req hookRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHookBody)).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := g.processHook(r.Context(), req.payload(), req.hook(ev))
	if err != nil {
		g.writeHookError(w, ev, err)
		return
	}

	g.sendJSON(w, http.StatusOK, HookResponse{
		Status:      "ok",
		AgentID:     res.correlation.Agent.ID,
		Correlation: string(res.correlation.Method),
		State:       lifecycle.StateName(res.outcome.State),
		Applied:     res.outcome.Applied,
	})
}

func (g *Gateway) writeHookError(w http.ResponseWriter, ev lifecycle.Event, err error) {
	switch {
	case errors.Is(err, correlate.ErrUncorrelatable):
		g.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, lock.ErrLockTimeout), errors.Is(err, lock.ErrLockQueueFull), errors.Is(err, errUnsettled):
		g.logger.Warn("hook lock unavailable", "event", ev, "error", err)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		g.sendJSONError(w, http.StatusServiceUnavailable, "agent busy, retry later")
	default:
		g.logger.Error("hook failed", "event", ev, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// lockTarget is the advisory lock a hook attempt runs under.
type lockTarget struct {
	ns lock.Namespace
	id int64
}

// processHook runs the locked phase and then the post-commit phase.
//
// The first lock is chosen from a read-only Peek: AGENT(id) for a known
// agent, CORRELATION(fallback key) otherwise. Locks are always taken before
// the store transaction opens. An attempt whose correlation resolves to an
// agent other than the locked one commits nothing but a newly created agent,
// then the hook moves to that agent's lock and correlates again.
func (g *Gateway) processHook(ctx context.Context, p correlate.Payload, h lifecycle.Hook) (hookResult, error) {
	peeked, _, err := g.correlator.Peek(ctx, p)
	if err != nil {
		return hookResult{}, fmt.Errorf("peeking correlation: %w", err)
	}

	target := lockTarget{lock.NamespaceCorrelation, correlate.FallbackKey(p)}
	if peeked != nil {
		target = lockTarget{lock.NamespaceAgent, peeked.ID}
	}

	var (
		res     hookResult
		created *store.Agent
	)
	for attempt := 0; ; attempt++ {
		if attempt == maxHookAttempts {
			return hookResult{}, fmt.Errorf("%w after %d attempts", errUnsettled, attempt)
		}

		var next *lockTarget
		err := g.locks.WithLock(ctx, target.ns, target.id, g.hookTimeout, func(ctx context.Context) error {
			var err error
			res, next, err = g.applyLocked(ctx, target, p, h)
			return err
		})
		if err != nil {
			return hookResult{}, err
		}
		if res.correlation.Created {
			created = res.correlation.Agent
			g.publishCreated(created)
		}
		if next == nil {
			break
		}
		g.logger.Debug("hook correlation moved, relocking",
			"namespace", target.ns, "entity_id", target.id, "agent_id", next.id, "event", h.Event)
		target = *next
	}

	if created != nil && res.correlation.Agent.ID == created.ID {
		res.correlation.Created = true
		res.correlation.Method = correlate.MethodCreated
	}
	g.afterCommit(ctx, res, h)
	return res, nil
}

// applyLocked correlates and applies h in one transaction while held is
// locked. When the hook belongs to another agent it returns that agent's
// lock as next; a newly created agent is committed first, anything else is
// rolled back.
func (g *Gateway) applyLocked(ctx context.Context, held lockTarget, p correlate.Payload, h lifecycle.Hook) (hookResult, *lockTarget, error) {
	var (
		res  hookResult
		next *lockTarget
	)
	err := g.store.InTx(ctx, func(tx store.Store) error {
		cr, err := g.correlator.Correlate(ctx, tx, p)
		if err != nil {
			return err
		}
		res.correlation = cr

		if held.ns == lock.NamespaceAgent && cr.Agent.ID == held.id {
			res.outcome, err = g.bridge.Apply(ctx, tx, cr.Agent, h)
			return err
		}
		next = &lockTarget{lock.NamespaceAgent, cr.Agent.ID}
		if cr.Created {
			return nil
		}
		return errRelock
	})
	if errors.Is(err, errRelock) {
		return hookResult{}, next, nil
	}
	if err != nil {
		return hookResult{}, nil, err
	}
	return res, next, nil
}

func (g *Gateway) publishCreated(agent *store.Agent) {
	ev := events.New(events.TypeAgentCreated, agent.ID)
	ev.Data = map[string]any{
		"working_dir":  agent.WorkingDir,
		"session_id":   agent.ClaudeSessionID,
		"tmux_pane_id": agent.TmuxPaneID,
	}
	g.broadcaster.Publish(ev)
}

// afterCommit publishes events, queues summaries and ends displaced agents.
// Nothing here holds a lock taken by the hook.
func (g *Gateway) afterCommit(ctx context.Context, res hookResult, h lifecycle.Hook) {
	agent := res.correlation.Agent
	out := res.outcome

	if out.Applied && out.State != out.Previous {
		ev := events.New(events.TypeStateChanged, agent.ID)
		ev.CommandID = out.CommandID
		ev.State = out.State
		ev.Data = map[string]any{
			"previous": lifecycle.StateName(out.Previous),
			"event":    string(h.Event),
		}
		g.broadcaster.Publish(ev)
	}

	if out.TurnID != 0 {
		ev := events.New(events.TypeTurnRecorded, agent.ID)
		ev.CommandID = out.CommandID
		ev.State = out.State
		ev.Data = map[string]any{"turn_id": out.TurnID}
		g.broadcaster.Publish(ev)
	}

	if out.Summarize {
		g.summaries.Enqueue(out.CommandID)
	}

	if out.AgentEnded {
		g.correlator.Forget(agent.ID)
		ev := events.New(events.TypeAgentEnded, agent.ID)
		ev.Data = map[string]any{"reason": store.EndReasonSessionEnd}
		g.broadcaster.Publish(ev)
	}

	for _, other := range res.correlation.Displaced {
		g.supersede(ctx, other, agent)
	}
}

// supersede ends an agent whose tmux pane now belongs to winner. It makes a
// single non-blocking attempt; a contended agent is left for the watchdog
// or the next hook on the pane.
func (g *Gateway) supersede(ctx context.Context, agentID int64, winner *store.Agent) {
	var (
		ended *store.Agent
		cmd   *store.Command
	)
	ran, err := g.locks.TryWithLock(ctx, lock.NamespaceAgent, agentID, func(ctx context.Context) error {
		return g.store.InTx(ctx, func(tx store.Store) error {
			agent, err := tx.GetAgent(ctx, agentID)
			if err != nil {
				return err
			}
			if !agent.Active() || agent.TmuxPaneID != winner.TmuxPaneID {
				return nil
			}
			cmd, err = lifecycle.EndAgent(ctx, tx, agent, store.EndReasonSuperseded, time.Now().UTC())
			if err != nil {
				return err
			}
			ended = agent
			return nil
		})
	})
	switch {
	case err != nil:
		g.logger.Error("superseding agent failed", "agent_id", agentID, "error", err)
		return
	case !ran:
		g.logger.Debug("displaced agent busy, not superseding", "agent_id", agentID)
		return
	case ended == nil:
		return
	}

	g.logger.Info("agent superseded", "agent_id", agentID, "by", winner.ID, "tmux_pane_id", winner.TmuxPaneID)
	g.correlator.Forget(agentID)
	ev := events.New(events.TypeAgentEnded, agentID)
	ev.Data = map[string]any{"reason": store.EndReasonSuperseded, "superseded_by": winner.ID}
	if cmd != nil {
		ev.CommandID = cmd.ID
		ev.State = cmd.State
	}
	g.broadcaster.Publish(ev)
}
