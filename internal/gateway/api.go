// ABOUTME: HTTP routes for operators: advisory lock snapshot, active agents, event stream and health
// ABOUTME: Reads here are unguarded and may trail in-flight hooks by one transaction

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/headspace/internal/auth"
	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/lifecycle"
	"github.com/2389/headspace/internal/lock"
	"github.com/2389/headspace/internal/store"
)

// sseKeepalive is how often an idle event stream gets a comment line.
const sseKeepalive = 25 * time.Second

// routes builds the HTTP mux.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Hooks come from local coding agents and are never authenticated
	mux.HandleFunc("POST /hook/{type}", g.handleHook)

	protect := auth.HTTPAuthMiddleware(g.verifier)
	mux.Handle("GET /api/advisory-locks", protect(http.HandlerFunc(g.handleAdvisoryLocks)))
	mux.Handle("GET /api/agents", protect(http.HandlerFunc(g.handleListAgents)))
	mux.Handle("GET /api/events", protect(http.HandlerFunc(g.handleEvents)))

	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// AdvisoryLocksResponse is the body of GET /api/advisory-locks.
type AdvisoryLocksResponse struct {
	Locks []lock.HeldLock `json:"locks"`
	Count int             `json:"count"`
}

// handleAdvisoryLocks returns every advisory lock currently held or awaited.
func (g *Gateway) handleAdvisoryLocks(w http.ResponseWriter, r *http.Request) {
	held, err := g.locks.HeldLocks(r.Context())
	if errors.Is(err, lock.ErrIntrospectionUnsupported) {
		g.sendJSONError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("listing advisory locks", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if held == nil {
		held = []lock.HeldLock{}
	}
	g.sendJSON(w, http.StatusOK, AdvisoryLocksResponse{Locks: held, Count: len(held)})
}

// AgentJSON is the JSON representation of an active agent.
type AgentJSON struct {
	ID                 int64      `json:"id"`
	SessionID          string     `json:"session_id,omitempty"`
	HeadspaceUUID      string     `json:"headspace_session_uuid,omitempty"`
	TmuxPaneID         string     `json:"tmux_pane_id,omitempty"`
	TmuxSession        string     `json:"tmux_session,omitempty"`
	WorkingDir         string     `json:"working_dir"`
	ContextPercentLeft *int       `json:"context_percent_left,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	CommandID          int64      `json:"command_id,omitempty"`
	State              string     `json:"state"`
	CommandStartedAt   *time.Time `json:"command_started_at,omitempty"`
}

// handleListAgents returns active agents with their current command state.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agents, err := g.store.ListActiveAgents(ctx)
	if err != nil {
		g.logger.Error("listing agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AgentJSON, 0, len(agents))
	for _, a := range agents {
		info := AgentJSON{
			ID:                 a.ID,
			SessionID:          a.ClaudeSessionID,
			HeadspaceUUID:      a.HeadspaceUUID,
			TmuxPaneID:         a.TmuxPaneID,
			TmuxSession:        a.TmuxSession,
			WorkingDir:         a.WorkingDir,
			ContextPercentLeft: a.ContextPercentLeft,
			StartedAt:          a.StartedAt,
			LastActivityAt:     a.LastActivityAt,
			State:              lifecycle.StateName(lifecycle.StateNone),
		}
		cmd, err := g.store.GetCurrentCommand(ctx, a.ID)
		switch {
		case err == nil:
			info.CommandID = cmd.ID
			info.State = lifecycle.StateName(cmd.State)
			info.CommandStartedAt = &cmd.StartedAt
		case !errors.Is(err, store.ErrNotFound):
			g.logger.Error("loading current command", "agent_id", a.ID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp = append(resp, info)
	}

	g.sendJSON(w, http.StatusOK, map[string]any{"agents": resp})
}

// handleEvents streams post-commit events as SSE. ?agent_id= narrows the
// stream to one agent.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	agentID := events.AllAgents
	if raw := r.URL.Query().Get("agent_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "agent_id must be a positive integer")
			return
		}
		agentID = id
	}

	// Check streaming support before subscribing (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	ch, _ := g.broadcaster.Subscribe(ctx, agentID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprint(w, formatSSEEvent(event, string(dataJSON)))
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
