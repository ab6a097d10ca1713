// ABOUTME: Tests for the gateway hook path: correlation, locking, status mapping and post-commit effects
// ABOUTME: Uses MockStore and MemoryDialer behind an httptest recorder

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/headspace/internal/auth"
	"github.com/2389/headspace/internal/config"
	"github.com/2389/headspace/internal/correlate"
	"github.com/2389/headspace/internal/lifecycle"
	"github.com/2389/headspace/internal/lock"
	"github.com/2389/headspace/internal/store"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates a config with defaults and no background jobs.
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Locks.HookTimeout = 2 * time.Second
	return cfg
}

type testGateway struct {
	*Gateway
	store   *store.MockStore
	dialer  *lock.MemoryDialer
	handler http.Handler
}

func newTestGateway(t *testing.T, cfg *config.Config, verifier auth.TokenVerifier) *testGateway {
	t.Helper()
	s := store.NewMockStore()
	d := lock.NewMemoryDialer()
	gw := newGateway(cfg, components{store: s, dialer: d, verifier: verifier}, testLogger())
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return &testGateway{Gateway: gw, store: s, dialer: d, handler: gw.routes()}
}

func (tg *testGateway) post(t *testing.T, typ string, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/hook/"+typ, bytes.NewReader(data))
	w := httptest.NewRecorder()
	tg.handler.ServeHTTP(w, req)
	return w
}

func decodeHook(t *testing.T, w *httptest.ResponseRecorder) HookResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp HookResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHandleHook_CommandLifecycle(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)
	ids := map[string]string{"session_id": "sess-1", "cwd": "/repo/app", "tmux_pane_id": "%3"}

	start := decodeHook(t, tg.post(t, "session-start", ids))
	assert.Equal(t, "ok", start.Status)
	assert.Equal(t, string(correlate.MethodCreated), start.Correlation)
	assert.Equal(t, "none", start.State)
	require.NotZero(t, start.AgentID)

	prompt := decodeHook(t, tg.post(t, "user-prompt-submit", with(ids, "prompt", "write the tests")))
	assert.Equal(t, start.AgentID, prompt.AgentID)
	assert.Equal(t, string(correlate.MethodCache), prompt.Correlation)
	assert.Equal(t, "commanded", prompt.State)
	assert.True(t, prompt.Applied)

	tool := decodeHook(t, tg.post(t, "pre-tool-use", with(ids, "tool_name", "Bash")))
	assert.Equal(t, "processing", tool.State)

	stop := decodeHook(t, tg.post(t, "stop", with(ids, "last_assistant_message", "All green.")))
	assert.Equal(t, "complete", stop.State)

	cmds, err := tg.store.ListCommands(context.Background(), start.AgentID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, store.StateComplete, cmds[0].State)
	assert.NotNil(t, cmds[0].SummaryRequestedAt)

	end := decodeHook(t, tg.post(t, "session-end", ids))
	assert.True(t, end.Applied)
	agent, err := tg.store.GetAgent(context.Background(), start.AgentID)
	require.NoError(t, err)
	assert.False(t, agent.Active())
	assert.Equal(t, store.EndReasonSessionEnd, agent.EndReason)
}

func with(base map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(base)+len(kv)/2)
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

func TestHandleHook_BadRequests(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	w := tg.post(t, "subagent-stop", map[string]string{"cwd": "/repo"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/hook/stop", bytes.NewBufferString("{not json"))
	w = httptest.NewRecorder()
	tg.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid JSON")

	big := bytes.Repeat([]byte("a"), maxHookBody+1)
	req = httptest.NewRequest(http.MethodPost, "/hook/stop", bytes.NewBufferString(`{"prompt":"`+string(big)+`"}`))
	w = httptest.NewRecorder()
	tg.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/hook/stop", nil)
	w = httptest.NewRecorder()
	tg.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleHook_Uncorrelatable(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	w := tg.post(t, "session-start", map[string]string{"session_id": "orphan"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = tg.post(t, "session-start", map[string]string{"session_id": "orphan", "cwd": "relative/dir"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	agents, err := tg.store.ListActiveAgents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestHandleHook_LockTimeoutReturns503(t *testing.T) {
	cfg := testConfig()
	cfg.Locks.HookTimeout = 50 * time.Millisecond
	tg := newTestGateway(t, cfg, nil)
	ids := map[string]string{"session_id": "busy", "cwd": "/repo/busy"}

	start := decodeHook(t, tg.post(t, "session-start", ids))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- tg.locks.WithLock(context.Background(), lock.NamespaceAgent, start.AgentID, 0, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	w := tg.post(t, "user-prompt-submit", with(ids, "prompt", "hello"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	close(release)
	require.NoError(t, <-done)

	ok := decodeHook(t, tg.post(t, "user-prompt-submit", with(ids, "prompt", "hello")))
	assert.Equal(t, "commanded", ok.State)
}

func TestHandleHook_WaiterQueueFullReturns503(t *testing.T) {
	cfg := testConfig()
	cfg.Locks.MaxWaiters = 1
	tg := newTestGateway(t, cfg, nil)
	ids := map[string]string{"session_id": "queued", "cwd": "/repo/queued"}

	start := decodeHook(t, tg.post(t, "session-start", ids))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = tg.locks.TryWithLock(context.Background(), lock.NamespaceAgent, start.AgentID, func(ctx context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	waiter := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		waiter <- tg.post(t, "user-prompt-submit", with(ids, "prompt", "first"))
	}()
	require.Eventually(t, func() bool {
		locks, err := tg.dialer.HeldLocks(context.Background())
		if err != nil {
			return false
		}
		for _, l := range locks {
			if !l.Granted {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	w := tg.post(t, "user-prompt-submit", with(ids, "prompt", "second"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	close(release)
	first := <-waiter
	assert.Equal(t, http.StatusOK, first.Code)
}

// Concurrent first hooks of a brand-new session must create exactly one agent.
func TestHandleHook_ConcurrentFirstHooksCreateOneAgent(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)
	ids := map[string]string{"session_id": "racy", "cwd": "/repo/racy", "tmux_pane_id": "%9"}

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		agentID = map[int64]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := tg.post(t, "session-start", ids)
			if !assert.Equal(t, http.StatusOK, w.Code, w.Body.String()) {
				return
			}
			var resp HookResponse
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			mu.Lock()
			defer mu.Unlock()
			agentID[resp.AgentID] = true
			if resp.Correlation == string(correlate.MethodCreated) {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, agentID, 1)
	agents, err := tg.store.ListActiveAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

// Duplicate stop hooks racing each other complete the command once.
func TestHandleHook_ConcurrentStopsApplyOnce(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)
	ids := map[string]string{"session_id": "dup", "cwd": "/repo/dup"}

	decodeHook(t, tg.post(t, "user-prompt-submit", with(ids, "prompt", "go")))

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := tg.post(t, "stop", with(ids, "last_assistant_message", "Done."))
			if !assert.Equal(t, http.StatusOK, w.Code) {
				return
			}
			var resp HookResponse
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			if resp.Applied {
				assert.Equal(t, "complete", resp.State)
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, applied)
}

func TestHandleHook_SupersedesDisplacedAgent(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)
	ctx := context.Background()

	first := decodeHook(t, tg.post(t, "user-prompt-submit", map[string]string{
		"session_id": "old", "cwd": "/repo/a", "tmux_pane_id": "%1", "prompt": "work",
	}))
	second := decodeHook(t, tg.post(t, "session-start", map[string]string{
		"session_id": "new", "cwd": "/repo/b",
	}))
	require.NotEqual(t, first.AgentID, second.AgentID)

	// the new session reports the pane the old agent still claims
	moved := decodeHook(t, tg.post(t, "session-start", map[string]string{
		"session_id": "new", "cwd": "/repo/b", "tmux_pane_id": "%1",
	}))
	assert.Equal(t, second.AgentID, moved.AgentID)

	old, err := tg.store.GetAgent(ctx, first.AgentID)
	require.NoError(t, err)
	assert.False(t, old.Active())
	assert.Equal(t, store.EndReasonSuperseded, old.EndReason)

	cmds, err := tg.store.ListCommands(ctx, first.AgentID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, store.StateAbandoned, cmds[0].State)

	winner, err := tg.store.GetAgent(ctx, second.AgentID)
	require.NoError(t, err)
	assert.True(t, winner.Active())
	assert.Equal(t, "%1", winner.TmuxPaneID)
}

func TestWriteHookError(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)

	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter bool
	}{
		{"uncorrelatable", fmt.Errorf("wrapped: %w", correlate.ErrUncorrelatable), http.StatusUnprocessableEntity, false},
		{"lock timeout", &lock.Error{Namespace: lock.NamespaceAgent, EntityID: 1, Err: lock.ErrLockTimeout}, http.StatusServiceUnavailable, true},
		{"queue full", &lock.Error{Namespace: lock.NamespaceCorrelation, EntityID: 2, Err: lock.ErrLockQueueFull}, http.StatusServiceUnavailable, true},
		{"unsettled", fmt.Errorf("%w after 4 attempts", errUnsettled), http.StatusServiceUnavailable, true},
		{"other", fmt.Errorf("disk on fire"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tg.writeHookError(w, lifecycle.EventStop, tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After") != "")
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestGatewayShutdownIsSafeWithoutRun(t *testing.T) {
	tg := newTestGateway(t, testConfig(), nil)
	assert.NoError(t, tg.Shutdown(context.Background()))
}
