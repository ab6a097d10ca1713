// ABOUTME: Agent persistence for SQLStore
// ABOUTME: Identity lookups used by correlation only consider agents that have not ended

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const agentColumns = `id, claude_session_id, tmux_pane_id, tmux_session, headspace_session_uuid,
	working_dir, transcript_path, context_percent_left, started_at, last_activity_at, ended_at, end_reason`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var pct sql.NullInt64
	var startedAt, lastActivityAt, endedAt dbTime

	if err := row.Scan(
		&a.ID,
		&a.ClaudeSessionID,
		&a.TmuxPaneID,
		&a.TmuxSession,
		&a.HeadspaceUUID,
		&a.WorkingDir,
		&a.TranscriptPath,
		&pct,
		&startedAt,
		&lastActivityAt,
		&endedAt,
		&a.EndReason,
	); err != nil {
		return nil, err
	}

	if pct.Valid {
		v := int(pct.Int64)
		a.ContextPercentLeft = &v
	}
	a.StartedAt = startedAt.Time
	a.LastActivityAt = lastActivityAt.Time
	a.EndedAt = endedAt.ptr()
	return &a, nil
}

func nullPercent(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

// CreateAgent inserts a new agent and sets its ID.
func (s *SQLStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (claude_session_id, tmux_pane_id, tmux_session, headspace_session_uuid,
			working_dir, transcript_path, context_percent_left, started_at, last_activity_at, ended_at, end_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	id, err := s.insertReturningID(ctx, query,
		agent.ClaudeSessionID,
		agent.TmuxPaneID,
		agent.TmuxSession,
		agent.HeadspaceUUID,
		agent.WorkingDir,
		agent.TranscriptPath,
		nullPercent(agent.ContextPercentLeft),
		s.ts(agent.StartedAt),
		s.ts(agent.LastActivityAt),
		s.nullTS(agent.EndedAt),
		agent.EndReason,
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	agent.ID = id
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = ?`

	a, err := scanAgent(s.q.QueryRowContext(ctx, s.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// UpdateAgent writes every mutable agent column.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	query := `
		UPDATE agents
		SET claude_session_id = ?, tmux_pane_id = ?, tmux_session = ?, headspace_session_uuid = ?,
			working_dir = ?, transcript_path = ?, context_percent_left = ?,
			last_activity_at = ?, ended_at = ?, end_reason = ?
		WHERE id = ?`

	result, err := s.exec(ctx, query,
		agent.ClaudeSessionID,
		agent.TmuxPaneID,
		agent.TmuxSession,
		agent.HeadspaceUUID,
		agent.WorkingDir,
		agent.TranscriptPath,
		nullPercent(agent.ContextPercentLeft),
		s.ts(agent.LastActivityAt),
		s.nullTS(agent.EndedAt),
		agent.EndReason,
		agent.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// findActiveAgent returns the most recently created active agent matching where.
func (s *SQLStore) findActiveAgent(ctx context.Context, where string, arg any) (*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents
		WHERE ended_at IS NULL AND ` + where + `
		ORDER BY id DESC
		LIMIT 1`

	a, err := scanAgent(s.q.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active agent: %w", err)
	}
	return a, nil
}

// FindActiveAgentBySessionID looks up the active agent owning a coding-agent session id.
func (s *SQLStore) FindActiveAgentBySessionID(ctx context.Context, sessionID string) (*Agent, error) {
	return s.findActiveAgent(ctx, "claude_session_id = ?", sessionID)
}

// FindActiveAgentByHeadspaceUUID looks up the active agent launched with the given UUID.
func (s *SQLStore) FindActiveAgentByHeadspaceUUID(ctx context.Context, uuid string) (*Agent, error) {
	return s.findActiveAgent(ctx, "headspace_session_uuid = ?", uuid)
}

// FindActiveAgentByPane looks up the newest active agent in a tmux pane.
func (s *SQLStore) FindActiveAgentByPane(ctx context.Context, paneID string) (*Agent, error) {
	return s.findActiveAgent(ctx, "tmux_pane_id = ?", paneID)
}

// FindUnclaimedAgentByWorkingDir matches on working directory, restricted to
// agents that have not yet claimed a session id, pane or UUID.
func (s *SQLStore) FindUnclaimedAgentByWorkingDir(ctx context.Context, workingDir string) (*Agent, error) {
	return s.findActiveAgent(ctx,
		"working_dir = ? AND claude_session_id = '' AND tmux_pane_id = '' AND headspace_session_uuid = ''",
		workingDir)
}

// ListActiveAgents returns every agent that has not ended, oldest first.
func (s *SQLStore) ListActiveAgents(ctx context.Context) ([]*Agent, error) {
	return s.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE ended_at IS NULL ORDER BY id`)
}

// ListActiveAgentsByPane returns the active agents bound to a pane, oldest first.
func (s *SQLStore) ListActiveAgentsByPane(ctx context.Context, paneID string) ([]*Agent, error) {
	return s.listAgents(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE ended_at IS NULL AND tmux_pane_id = ? ORDER BY id`,
		paneID)
}

func (s *SQLStore) listAgents(ctx context.Context, query string, args ...any) ([]*Agent, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}
