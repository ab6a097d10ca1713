// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without a database

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// InTx does not roll back; callers that need rollback semantics test against SQLite.
type MockStore struct {
	mu       sync.RWMutex
	agents   map[int64]*Agent
	commands map[int64]*Command
	turns    map[int64]*Turn
	nextID   int64

	// PingErr is returned from Ping when set.
	PingErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[int64]*Agent),
		commands: make(map[int64]*Command),
		turns:    make(map[int64]*Turn),
	}
}

func (m *MockStore) id() int64 {
	m.nextID++
	return m.nextID
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent.ID = m.id()
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// UpdateAgent replaces a stored agent.
func (m *MockStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.agents[agent.ID]
	if !ok {
		return ErrNotFound
	}
	a := *agent
	a.StartedAt = existing.StartedAt
	m.agents[a.ID] = &a
	return nil
}

// findActive returns a copy of the newest active agent matching fn.
func (m *MockStore) findActive(fn func(*Agent) bool) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Agent
	for _, a := range m.agents {
		if !a.Active() || !fn(a) {
			continue
		}
		if found == nil || a.ID > found.ID {
			found = a
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	result := *found
	return &result, nil
}

// FindActiveAgentBySessionID looks up the active agent owning a session id.
func (m *MockStore) FindActiveAgentBySessionID(ctx context.Context, sessionID string) (*Agent, error) {
	return m.findActive(func(a *Agent) bool { return a.ClaudeSessionID == sessionID })
}

// FindActiveAgentByHeadspaceUUID looks up the active agent with the given UUID.
func (m *MockStore) FindActiveAgentByHeadspaceUUID(ctx context.Context, uuid string) (*Agent, error) {
	return m.findActive(func(a *Agent) bool { return a.HeadspaceUUID == uuid })
}

// FindActiveAgentByPane looks up the newest active agent in a pane.
func (m *MockStore) FindActiveAgentByPane(ctx context.Context, paneID string) (*Agent, error) {
	return m.findActive(func(a *Agent) bool { return a.TmuxPaneID == paneID })
}

// FindUnclaimedAgentByWorkingDir matches active agents without identity by directory.
func (m *MockStore) FindUnclaimedAgentByWorkingDir(ctx context.Context, workingDir string) (*Agent, error) {
	return m.findActive(func(a *Agent) bool { return a.WorkingDir == workingDir && !a.HasIdentity() })
}

func (m *MockStore) listActive(fn func(*Agent) bool) []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Agent
	for _, a := range m.agents {
		if a.Active() && fn(a) {
			c := *a
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// ListActiveAgents returns every active agent, oldest first.
func (m *MockStore) ListActiveAgents(ctx context.Context) ([]*Agent, error) {
	return m.listActive(func(*Agent) bool { return true }), nil
}

// ListActiveAgentsByPane returns the active agents in a pane, oldest first.
func (m *MockStore) ListActiveAgentsByPane(ctx context.Context, paneID string) ([]*Agent, error) {
	return m.listActive(func(a *Agent) bool { return a.TmuxPaneID == paneID }), nil
}

// CreateCommand stores a new command.
func (m *MockStore) CreateCommand(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[cmd.AgentID]; !ok {
		return errors.New("agent does not exist")
	}
	cmd.ID = m.id()
	c := *cmd
	m.commands[c.ID] = &c
	return nil
}

// GetCommand retrieves a command by ID.
func (m *MockStore) GetCommand(ctx context.Context, id int64) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

func (m *MockStore) latestCommand(agentID int64, fn func(*Command) bool) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Command
	for _, c := range m.commands {
		if c.AgentID != agentID || !fn(c) {
			continue
		}
		if found == nil || c.ID > found.ID {
			found = c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	result := *found
	return &result, nil
}

// GetCurrentCommand returns the agent's newest non-terminal command.
func (m *MockStore) GetCurrentCommand(ctx context.Context, agentID int64) (*Command, error) {
	return m.latestCommand(agentID, func(c *Command) bool { return !c.State.Terminal() })
}

// GetLatestCommand returns the agent's newest command.
func (m *MockStore) GetLatestCommand(ctx context.Context, agentID int64) (*Command, error) {
	return m.latestCommand(agentID, func(*Command) bool { return true })
}

// ListCommands returns the agent's commands, oldest first.
func (m *MockStore) ListCommands(ctx context.Context, agentID int64) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Command
	for _, c := range m.commands {
		if c.AgentID == agentID {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// UpdateCommand replaces a stored command.
func (m *MockStore) UpdateCommand(ctx context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.commands[cmd.ID]; !ok {
		return ErrNotFound
	}
	c := *cmd
	m.commands[c.ID] = &c
	return nil
}

// CreateTurn stores a new turn.
func (m *MockStore) CreateTurn(ctx context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.commands[turn.CommandID]; !ok {
		return errors.New("command does not exist")
	}
	if turn.ContentHash == "" {
		turn.ContentHash = ContentHash(turn.Actor, turn.Text)
	}
	if turn.Source == "" {
		turn.Source = SourceHook
	}
	turn.ID = m.id()
	t := *turn
	m.turns[t.ID] = &t
	return nil
}

func (m *MockStore) collectTurns(fn func(*Turn) bool) []*Turn {
	var result []*Turn
	for _, t := range m.turns {
		if fn(t) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ListTurns returns a command's turns in timestamp order.
func (m *MockStore) ListTurns(ctx context.Context, commandID int64) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collectTurns(func(t *Turn) bool { return t.CommandID == commandID }), nil
}

// ListTurnsByAgent returns all of an agent's turns in timestamp order.
func (m *MockStore) ListTurnsByAgent(ctx context.Context, agentID int64) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.collectTurns(func(t *Turn) bool {
		c, ok := m.commands[t.CommandID]
		return ok && c.AgentID == agentID
	}), nil
}

// UpdateTurnTimestamp corrects a turn's timestamp.
func (m *MockStore) UpdateTurnTimestamp(ctx context.Context, turnID int64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.turns[turnID]
	if !ok {
		return ErrNotFound
	}
	t.Timestamp = ts
	return nil
}

// InTx calls fn with the mock itself.
func (m *MockStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(m)
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
