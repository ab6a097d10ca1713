// ABOUTME: Tests for transcript parsing, reconciliation and the fsnotify transcript watcher
// ABOUTME: Transcripts are written to temp dirs

package background

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/headspace/internal/lock"
	"github.com/2389/headspace/internal/store"
)

func transcriptLineJSON(t *testing.T, typ string, ts time.Time, content any) string {
	t.Helper()
	rec := map[string]any{
		"type":      typ,
		"timestamp": ts.Format(time.RFC3339Nano),
		"message":   map[string]any{"role": typ, "content": content},
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	return string(b)
}

func writeTranscript(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func TestParseTranscript(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	input := strings.Join([]string{
		transcriptLineJSON(t, "user", ts, "fix the build"),
		`{"type":"user","isMeta":true,"timestamp":"2026-03-01T12:00:01Z","message":{"content":"meta"}}`,
		transcriptLineJSON(t, "user", ts.Add(2*time.Second), []map[string]any{{"type": "tool_result", "content": "ok"}}),
		transcriptLineJSON(t, "assistant", ts.Add(3*time.Second), []map[string]any{
			{"type": "text", "text": "Looking now."},
			{"type": "tool_use", "name": "Bash"},
		}),
		transcriptLineJSON(t, "user", ts.Add(4*time.Second), "<command-name>/clear</command-name>"),
		`{"type":"summary","summary":"x"}`,
		`not json`,
		"",
		transcriptLineJSON(t, "assistant", ts.Add(5*time.Second), []map[string]any{{"type": "text", "text": "Fixed."}}),
	}, "\n")

	entries, err := ParseTranscript(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, store.ActorUser, entries[0].Actor)
	assert.Equal(t, "fix the build", entries[0].Text)
	assert.True(t, entries[0].Timestamp.Equal(ts))
	assert.Equal(t, store.ActorAgent, entries[1].Actor)
	assert.Equal(t, "Looking now.", entries[1].Text)
	assert.Equal(t, "Fixed.", entries[2].Text)
	assert.True(t, entries[2].Timestamp.Equal(ts.Add(5*time.Second)))
}

func TestReconciler_CorrectsAndInserts(t *testing.T) {
	deps, s, rec := newDeps(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	path := filepath.Join(t.TempDir(), "session.jsonl")

	a := createAgent(t, s, &store.Agent{WorkingDir: "/a", TranscriptPath: path, StartedAt: now})
	cmd := openCommand(t, s, a.ID)
	hookTurn := &store.Turn{CommandID: cmd.ID, Actor: store.ActorUser, Intent: store.IntentCommand, Text: "fix the build", Timestamp: now}
	require.NoError(t, s.CreateTurn(ctx, hookTurn))

	promptAt := now.Add(-2 * time.Second)
	writeTranscript(t, path,
		transcriptLineJSON(t, "user", now.Add(-2*time.Hour), "from before this agent"),
		transcriptLineJSON(t, "user", promptAt, "fix the build"),
		transcriptLineJSON(t, "assistant", now.Add(time.Second), []map[string]any{{"type": "text", "text": "Looking now."}}),
		transcriptLineJSON(t, "assistant", now.Add(2*time.Second), []map[string]any{{"type": "text", "text": "Fixed."}}),
	)

	r := NewReconciler(deps, time.Minute)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Changed)

	turns, err := s.ListTurns(ctx, cmd.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)

	assert.Equal(t, hookTurn.ID, turns[0].ID)
	assert.True(t, turns[0].Timestamp.Equal(promptAt))
	assert.Equal(t, store.SourceHook, turns[0].Source)

	assert.Equal(t, "Looking now.", turns[1].Text)
	assert.Equal(t, store.SourceTranscript, turns[1].Source)
	assert.Equal(t, store.IntentProgress, turns[1].Intent)
	assert.Equal(t, "Fixed.", turns[2].Text)

	// a second pass over the same transcript changes nothing
	stats, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Changed)
	turns, err = s.ListTurns(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 3)

	assert.Contains(t, rec.types(), "turn_recorded")
}

func TestReconciler_MatchesHookTurnDespiteWhitespace(t *testing.T) {
	deps, s, _ := newDeps(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	path := filepath.Join(t.TempDir(), "session.jsonl")

	a := createAgent(t, s, &store.Agent{WorkingDir: "/a", TranscriptPath: path, StartedAt: now})
	cmd := openCommand(t, s, a.ID)
	hookTurn := &store.Turn{CommandID: cmd.ID, Actor: store.ActorUser, Intent: store.IntentCommand, Text: "fix the build\n", Timestamp: now}
	require.NoError(t, s.CreateTurn(ctx, hookTurn))

	writeTranscript(t, path, transcriptLineJSON(t, "user", now.Add(-time.Second), "  fix the build"))

	_, err := NewReconciler(deps, time.Minute).RunOnce(ctx)
	require.NoError(t, err)

	turns, err := s.ListTurnsByAgent(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, hookTurn.ID, turns[0].ID)
	assert.True(t, turns[0].Timestamp.Equal(now.Add(-time.Second)))
}

func TestReconciler_InsertsIntoCommandRunningAtEntryTime(t *testing.T) {
	deps, s, _ := newDeps(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	path := filepath.Join(t.TempDir(), "session.jsonl")

	a := createAgent(t, s, &store.Agent{WorkingDir: "/a", TranscriptPath: path, StartedAt: now.Add(-20 * time.Minute)})
	first := &store.Command{AgentID: a.ID, State: store.StateComplete, StartedAt: now.Add(-10 * time.Minute), UpdatedAt: now.Add(-2 * time.Minute)}
	require.NoError(t, s.CreateCommand(ctx, first))
	second := &store.Command{AgentID: a.ID, State: store.StateProcessing, StartedAt: now.Add(-time.Minute), UpdatedAt: now}
	require.NoError(t, s.CreateCommand(ctx, second))

	writeTranscript(t, path,
		transcriptLineJSON(t, "assistant", now.Add(-15*time.Minute), []map[string]any{{"type": "text", "text": "Warming up."}}),
		transcriptLineJSON(t, "assistant", now.Add(-5*time.Minute), []map[string]any{{"type": "text", "text": "Earlier progress."}}),
		transcriptLineJSON(t, "user", now.Add(-time.Minute-time.Second), "next task"),
		transcriptLineJSON(t, "assistant", now.Add(-30*time.Second), []map[string]any{{"type": "text", "text": "Later progress."}}),
	)

	_, err := NewReconciler(deps, time.Minute).RunOnce(ctx)
	require.NoError(t, err)

	texts := func(cmdID int64) []string {
		turns, err := s.ListTurns(ctx, cmdID)
		require.NoError(t, err)
		var out []string
		for _, turn := range turns {
			out = append(out, turn.Text)
		}
		return out
	}
	assert.Equal(t, []string{"Warming up.", "Earlier progress."}, texts(first.ID))
	assert.Equal(t, []string{"next task", "Later progress."}, texts(second.ID))
}

func TestReconciler_MissingFileAndNoCommand(t *testing.T) {
	deps, s, _ := newDeps(t)
	ctx := context.Background()
	dir := t.TempDir()

	createAgent(t, s, &store.Agent{WorkingDir: "/a", TranscriptPath: filepath.Join(dir, "missing.jsonl")})

	path := filepath.Join(dir, "nocmd.jsonl")
	noCmd := createAgent(t, s, &store.Agent{WorkingDir: "/b", TranscriptPath: path})
	writeTranscript(t, path, transcriptLineJSON(t, "user", time.Now().UTC(), "hello"))

	r := NewReconciler(deps, time.Minute)
	stats, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Changed)

	turns, err := s.ListTurnsByAgent(ctx, noCmd.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestReconciler_SkipsWhileTranscriptLocked(t *testing.T) {
	deps, s, _ := newDeps(t)
	path := filepath.Join(t.TempDir(), "t.jsonl")
	a := createAgent(t, s, &store.Agent{WorkingDir: "/a", TranscriptPath: path})
	openCommand(t, s, a.ID)
	writeTranscript(t, path, transcriptLineJSON(t, "user", time.Now().UTC(), "hello"))

	r := NewReconciler(deps, time.Minute)
	err := deps.Locks.WithLock(context.Background(), lock.NamespaceTranscript, a.ID, time.Second, func(context.Context) error {
		ran, err := r.ReconcileAgent(context.Background(), a.ID)
		require.NoError(t, err)
		assert.False(t, ran)
		return nil
	})
	require.NoError(t, err)

	ran, err := r.ReconcileAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, ran)

	turns, err := s.ListTurnsByAgent(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func TestTranscriptWatcher_ReconcilesOnWrite(t *testing.T) {
	deps, s, _ := newDeps(t)
	path := filepath.Join(t.TempDir(), "watched.jsonl")
	writeTranscript(t, path)

	a := createAgent(t, s, &store.Agent{WorkingDir: "/a", TranscriptPath: path})
	cmd := openCommand(t, s, a.ID)

	w := NewTranscriptWatcher(deps, NewReconciler(deps, time.Minute), time.Hour, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	writeTranscript(t, path, transcriptLineJSON(t, "assistant", time.Now().UTC(), []map[string]any{{"type": "text", "text": "Progress."}}))

	require.Eventually(t, func() bool {
		turns, err := s.ListTurns(context.Background(), cmd.ID)
		return err == nil && len(turns) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
