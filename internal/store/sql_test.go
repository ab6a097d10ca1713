// ABOUTME: Tests for SQLStore against a temporary SQLite database
// ABOUTME: Covers agent lookups, command state queries, turn ordering and transactions

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func newAgent(t *testing.T, s Store, mutate func(*Agent)) *Agent {
	t.Helper()
	now := time.Now().UTC()
	a := &Agent{WorkingDir: "/work/project", StartedAt: now, LastActivityAt: now}
	if mutate != nil {
		mutate(a)
	}
	require.NoError(t, s.CreateAgent(context.Background(), a))
	return a
}

func TestSQLStore_AgentRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	pct := 42
	a := newAgent(t, s, func(a *Agent) {
		a.ClaudeSessionID = "sess-1"
		a.TmuxPaneID = "%3"
		a.ContextPercentLeft = &pct
	})
	assert.NotZero(t, a.ID)

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.ClaudeSessionID)
	assert.Equal(t, "%3", got.TmuxPaneID)
	require.NotNil(t, got.ContextPercentLeft)
	assert.Equal(t, 42, *got.ContextPercentLeft)
	assert.True(t, got.Active())
	assert.WithinDuration(t, a.StartedAt, got.StartedAt, time.Microsecond)

	ended := time.Now().UTC()
	got.EndedAt = &ended
	got.EndReason = EndReasonSessionEnd
	require.NoError(t, s.UpdateAgent(ctx, got))

	_, err = s.FindActiveAgentBySessionID(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	reloaded, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.Active())
	assert.Equal(t, EndReasonSessionEnd, reloaded.EndReason)
}

func TestSQLStore_GetAgentNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetAgent(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdateAgent(context.Background(), &Agent{ID: 999})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_FindActiveAgentByPaneReturnsNewest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	older := newAgent(t, s, func(a *Agent) { a.TmuxPaneID = "%1" })
	newer := newAgent(t, s, func(a *Agent) { a.TmuxPaneID = "%1" })

	got, err := s.FindActiveAgentByPane(ctx, "%1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	list, err := s.ListActiveAgentsByPane(ctx, "%1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
}

func TestSQLStore_FindUnclaimedAgentByWorkingDir(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	newAgent(t, s, func(a *Agent) { a.ClaudeSessionID = "claimed" })

	_, err := s.FindUnclaimedAgentByWorkingDir(ctx, "/work/project")
	assert.ErrorIs(t, err, ErrNotFound)

	unclaimed := newAgent(t, s, nil)
	got, err := s.FindUnclaimedAgentByWorkingDir(ctx, "/work/project")
	require.NoError(t, err)
	assert.Equal(t, unclaimed.ID, got.ID)
}

func TestSQLStore_CurrentAndLatestCommand(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := newAgent(t, s, nil)

	_, err := s.GetCurrentCommand(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC()
	first := &Command{AgentID: a.ID, State: StateComplete, StartedAt: now, UpdatedAt: now, CompletedAt: &now}
	require.NoError(t, s.CreateCommand(ctx, first))

	_, err = s.GetCurrentCommand(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	second := &Command{AgentID: a.ID, State: StateProcessing, StartedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateCommand(ctx, second))

	cur, err := s.GetCurrentCommand(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, cur.ID)
	assert.Equal(t, StateProcessing, cur.State)

	cur.State = StateAwaitingInput
	cur.SummaryRequestedAt = &now
	require.NoError(t, s.UpdateCommand(ctx, cur))

	latest, err := s.GetLatestCommand(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingInput, latest.State)
	require.NotNil(t, latest.SummaryRequestedAt)

	cmds, err := s.ListCommands(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func TestSQLStore_CommandStateConstraint(t *testing.T) {
	s := setupTestStore(t)
	a := newAgent(t, s, nil)
	now := time.Now().UTC()

	err := s.CreateCommand(context.Background(), &Command{AgentID: a.ID, State: "bogus", StartedAt: now, UpdatedAt: now})
	assert.Error(t, err)
}

func TestSQLStore_TurnsOrderedByTimestamp(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	a := newAgent(t, s, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cmd := &Command{AgentID: a.ID, State: StateProcessing, StartedAt: base, UpdatedAt: base}
	require.NoError(t, s.CreateCommand(ctx, cmd))

	late := &Turn{CommandID: cmd.ID, Actor: ActorAgent, Intent: IntentProgress, Text: "late", Timestamp: base.Add(2 * time.Second)}
	early := &Turn{CommandID: cmd.ID, Actor: ActorUser, Intent: IntentCommand, Text: "early", Timestamp: base}
	require.NoError(t, s.CreateTurn(ctx, late))
	require.NoError(t, s.CreateTurn(ctx, early))

	assert.Equal(t, ContentHash(ActorUser, "early"), early.ContentHash)
	assert.Equal(t, early.ContentHash, ContentHash(ActorUser, " early\n"))
	assert.NotEqual(t, early.ContentHash, ContentHash(ActorAgent, "early"))
	assert.Equal(t, SourceHook, early.Source)

	turns, err := s.ListTurns(ctx, cmd.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "early", turns[0].Text)
	assert.Equal(t, "late", turns[1].Text)

	require.NoError(t, s.UpdateTurnTimestamp(ctx, late.ID, base.Add(-time.Second)))

	byAgent, err := s.ListTurnsByAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, byAgent, 2)
	assert.Equal(t, "late", byAgent[0].Text)
	assert.True(t, byAgent[0].Timestamp.Equal(base.Add(-time.Second)))
}

func TestSQLStore_InTxRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Store) error {
		now := time.Now().UTC()
		if err := tx.CreateAgent(ctx, &Agent{WorkingDir: "/tmp/x", StartedAt: now, LastActivityAt: now}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	agents, err := s.ListActiveAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestSQLStore_InTxCommitsAndNests(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Store) error {
		return tx.InTx(ctx, func(inner Store) error {
			now := time.Now().UTC()
			return inner.CreateAgent(ctx, &Agent{WorkingDir: "/tmp/x", StartedAt: now, LastActivityAt: now})
		})
	})
	require.NoError(t, err)

	agents, err := s.ListActiveAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	lite := &SQLStore{dialect: DialectSQLite}

	q := "SELECT * FROM agents WHERE id = ? AND tmux_pane_id = ?"
	assert.Equal(t, "SELECT * FROM agents WHERE id = $1 AND tmux_pane_id = $2", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestDBTimeScan(t *testing.T) {
	var ts dbTime
	require.NoError(t, ts.Scan("2026-03-01T12:00:00.000000000Z"))
	assert.True(t, ts.Valid)
	assert.Equal(t, 2026, ts.Time.Year())

	require.NoError(t, ts.Scan(nil))
	assert.False(t, ts.Valid)
	assert.Nil(t, ts.ptr())

	assert.Error(t, ts.Scan(42))
}
