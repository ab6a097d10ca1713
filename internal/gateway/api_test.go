// ABOUTME: Tests for the operator HTTP routes: agents, advisory locks, SSE events and health
// ABOUTME: Covers JWT protection of /api endpoints when a verifier is configured

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/headspace/internal/auth"
	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/lock"
)

func (tg *testGateway) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	tg.handler.ServeHTTP(w, req)
	return w
}

func TestHandleListAgents(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	w := tg.get(t, "/api/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"agents":[]}`, w.Body.String())

	busy := decodeHook(t, tg.post(t, "user-prompt-submit", map[string]string{
		"session_id": "a", "cwd": "/repo/a", "tmux_pane_id": "%1", "prompt": "go",
	}))
	idle := decodeHook(t, tg.post(t, "session-start", map[string]string{
		"session_id": "b", "cwd": "/repo/b",
	}))

	w = tg.get(t, "/api/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Agents []AgentJSON `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 2)

	byID := map[int64]AgentJSON{}
	for _, a := range resp.Agents {
		byID[a.ID] = a
	}
	assert.Equal(t, "commanded", byID[busy.AgentID].State)
	assert.NotZero(t, byID[busy.AgentID].CommandID)
	assert.Equal(t, "%1", byID[busy.AgentID].TmuxPaneID)
	assert.Equal(t, "none", byID[idle.AgentID].State)
	assert.Zero(t, byID[idle.AgentID].CommandID)
}

func TestHandleAdvisoryLocks(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	w := tg.get(t, "/api/advisory-locks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"locks":[],"count":0}`, w.Body.String())

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = tg.locks.TryWithLock(context.Background(), lock.NamespaceTranscript, 42, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	w = tg.get(t, "/api/advisory-locks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp AdvisoryLocksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "TRANSCRIPT", resp.Locks[0].Namespace)
	assert.Equal(t, int64(42), resp.Locks[0].EntityID)
	assert.True(t, resp.Locks[0].Granted)
}

// noIntrospection hides the MemoryDialer's HeldLocks method.
type noIntrospection struct {
	lock.Dialer
}

func TestHandleAdvisoryLocks_Unsupported(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)
	tg.locks = lock.NewService(noIntrospection{lock.NewMemoryDialer()}, 0, testLogger())

	w := tg.get(t, "/api/advisory-locks", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	w := tg.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = tg.get(t, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)

	tg.store.PingErr = errors.New("connection refused")
	w = tg.get(t, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPIRequiresTokenWhenAuthEnabled(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("test-secret-at-least-32-bytes-long!!"))
	tg := newTestGateway(t, testConfig(), verifier)

	for _, path := range []string{"/api/agents", "/api/advisory-locks", "/api/events"} {
		w := tg.get(t, path, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	token, err := verifier.Generate("operator", time.Hour)
	require.NoError(t, err)
	w := tg.get(t, "/api/agents", token)
	assert.Equal(t, http.StatusOK, w.Code)

	// hooks and health stay open
	w = tg.post(t, "session-start", map[string]string{"session_id": "s", "cwd": "/repo/s"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = tg.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleEvents_BadAgentID(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	w := tg.get(t, "/api/events?agent_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = tg.get(t, "/api/events?agent_id=-4", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEvents_StreamsCommittedEvents(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)
	server := httptest.NewServer(tg.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	hook, err := http.Post(server.URL+"/hook/user-prompt-submit", "application/json",
		strings.NewReader(`{"session_id":"sse","cwd":"/repo/sse","prompt":"stream me"}`))
	require.NoError(t, err)
	hook.Body.Close()
	require.Equal(t, http.StatusOK, hook.StatusCode)

	var seen []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && len(seen) < 3 {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		seen = append(seen, ev.Type)
	}
	assert.Equal(t, []string{events.TypeAgentCreated, events.TypeStateChanged, events.TypeTurnRecorded}, seen)
}

func TestFormatSSEEvent(t *testing.T) {
	assert.Equal(t, "event: state_changed\ndata: {}\n\n", formatSSEEvent("state_changed", "{}"))
}
