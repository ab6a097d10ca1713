// ABOUTME: Tests for the summary worker pool and the extractive summarizer
// ABOUTME: Uses the mock store and a recording publisher

package summary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.Event(nil), r.events...)
}

func seedCommand(t *testing.T, s *store.MockStore) *store.Command {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	agent := &store.Agent{WorkingDir: "/repo", StartedAt: now, LastActivityAt: now}
	require.NoError(t, s.CreateAgent(ctx, agent))
	cmd := &store.Command{AgentID: agent.ID, State: store.StateComplete, StartedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateCommand(ctx, cmd))
	require.NoError(t, s.CreateTurn(ctx, &store.Turn{CommandID: cmd.ID, Actor: store.ActorUser, Intent: store.IntentCommand, Text: "fix the\nflaky test", Timestamp: now}))
	require.NoError(t, s.CreateTurn(ctx, &store.Turn{CommandID: cmd.ID, Actor: store.ActorAgent, Intent: store.IntentCompletion, Text: "Fixed.", Timestamp: now.Add(time.Second)}))
	return cmd
}

func TestExtractive(t *testing.T) {
	cmd := &store.Command{ID: 3, State: store.StateComplete}

	got, err := Extractive{}.Summarize(context.Background(), cmd, []*store.Turn{
		{Actor: store.ActorUser, Intent: store.IntentCommand, Text: "add  retries"},
		{Actor: store.ActorUser, Intent: store.IntentCommand, Text: "also docs"},
		{Actor: store.ActorAgent, Intent: store.IntentCompletion, Text: "Added retries."},
	})
	require.NoError(t, err)
	assert.Equal(t, "add retries → Added retries.", got)

	got, err = Extractive{}.Summarize(context.Background(), cmd, nil)
	require.NoError(t, err)
	assert.Equal(t, "command 3 complete", got)

	got, err = Extractive{}.Summarize(context.Background(), cmd, []*store.Turn{
		{Actor: store.ActorUser, Intent: store.IntentCommand, Text: strings.Repeat("x", 400)},
	})
	require.NoError(t, err)
	assert.Len(t, []rune(got), maxSummaryLen)
}

func TestPool_PublishesSummary(t *testing.T) {
	s := store.NewMockStore()
	cmd := seedCommand(t, s)
	rec := &recorder{}

	p := NewPool(s, nil, rec, 2, 8, nil)
	p.Start()
	require.True(t, p.Enqueue(cmd.ID))
	p.Close()

	evs := rec.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeCommandSummary, evs[0].Type)
	assert.Equal(t, cmd.AgentID, evs[0].AgentID)
	assert.Equal(t, cmd.ID, evs[0].CommandID)
	assert.Equal(t, "fix the flaky test → Fixed.", evs[0].Data["summary"])
}

func TestPool_MissingCommandIsLogged(t *testing.T) {
	rec := &recorder{}
	p := NewPool(store.NewMockStore(), nil, rec, 1, 4, nil)
	p.Start()
	p.Enqueue(404)
	p.Close()

	assert.Empty(t, rec.snapshot())
}

type blockingSummarizer struct {
	release chan struct{}
}

func (b blockingSummarizer) Summarize(ctx context.Context, cmd *store.Command, turns []*store.Turn) (string, error) {
	<-b.release
	return "", errors.New("unused")
}

func TestPool_EnqueueDropsWhenFull(t *testing.T) {
	s := store.NewMockStore()
	cmd := seedCommand(t, s)
	release := make(chan struct{})

	// no workers started: the queue fills and stays full
	p := NewPool(s, blockingSummarizer{release: release}, nil, 1, 2, nil)
	assert.True(t, p.Enqueue(cmd.ID))
	assert.True(t, p.Enqueue(cmd.ID))
	assert.False(t, p.Enqueue(cmd.ID))

	close(release)
	p.Start()
	p.Close()
}

func TestPool_EnqueueAfterClose(t *testing.T) {
	p := NewPool(store.NewMockStore(), nil, nil, 1, 1, nil)
	p.Start()
	p.Close()
	p.Close()

	assert.False(t, p.Enqueue(1))
}
