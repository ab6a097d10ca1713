// ABOUTME: Command and turn persistence for SQLStore
// ABOUTME: Turns are append-only apart from timestamp corrections made by the reconciler

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const commandColumns = `id, agent_id, state, started_at, updated_at, completed_at, completion_reason, summary_requested_at`

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var state string
	var startedAt, updatedAt, completedAt, summaryAt dbTime

	if err := row.Scan(
		&c.ID,
		&c.AgentID,
		&state,
		&startedAt,
		&updatedAt,
		&completedAt,
		&c.CompletionReason,
		&summaryAt,
	); err != nil {
		return nil, err
	}

	c.State = CommandState(state)
	c.StartedAt = startedAt.Time
	c.UpdatedAt = updatedAt.Time
	c.CompletedAt = completedAt.ptr()
	c.SummaryRequestedAt = summaryAt.ptr()
	return &c, nil
}

// CreateCommand inserts a new command and sets its ID.
func (s *SQLStore) CreateCommand(ctx context.Context, cmd *Command) error {
	query := `
		INSERT INTO commands (agent_id, state, started_at, updated_at, completed_at, completion_reason, summary_requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	id, err := s.insertReturningID(ctx, query,
		cmd.AgentID,
		string(cmd.State),
		s.ts(cmd.StartedAt),
		s.ts(cmd.UpdatedAt),
		s.nullTS(cmd.CompletedAt),
		cmd.CompletionReason,
		s.nullTS(cmd.SummaryRequestedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	cmd.ID = id
	return nil
}

func (s *SQLStore) queryCommand(ctx context.Context, query string, arg any) (*Command, error) {
	c, err := scanCommand(s.q.QueryRowContext(ctx, s.rebind(query), arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return c, nil
}

// GetCommand retrieves a command by ID.
func (s *SQLStore) GetCommand(ctx context.Context, id int64) (*Command, error) {
	return s.queryCommand(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
}

// GetCurrentCommand returns the agent's newest non-terminal command.
// Returns ErrNotFound when the agent is idle.
func (s *SQLStore) GetCurrentCommand(ctx context.Context, agentID int64) (*Command, error) {
	return s.queryCommand(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE agent_id = ? AND state NOT IN ('complete', 'abandoned')
		ORDER BY id DESC
		LIMIT 1`, agentID)
}

// GetLatestCommand returns the agent's newest command regardless of state.
func (s *SQLStore) GetLatestCommand(ctx context.Context, agentID int64) (*Command, error) {
	return s.queryCommand(ctx, `SELECT `+commandColumns+` FROM commands
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT 1`, agentID)
}

// ListCommands returns the agent's commands, oldest first.
func (s *SQLStore) ListCommands(ctx context.Context, agentID int64) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE agent_id = ? ORDER BY id`

	rows, err := s.q.QueryContext(ctx, s.rebind(query), agentID)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		cmds = append(cmds, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command rows: %w", err)
	}
	return cmds, nil
}

// UpdateCommand writes the command's state columns.
// Returns ErrNotFound if the command doesn't exist.
func (s *SQLStore) UpdateCommand(ctx context.Context, cmd *Command) error {
	query := `
		UPDATE commands
		SET state = ?, updated_at = ?, completed_at = ?, completion_reason = ?, summary_requested_at = ?
		WHERE id = ?`

	result, err := s.exec(ctx, query,
		string(cmd.State),
		s.ts(cmd.UpdatedAt),
		s.nullTS(cmd.CompletedAt),
		cmd.CompletionReason,
		s.nullTS(cmd.SummaryRequestedAt),
		cmd.ID,
	)
	if err != nil {
		return fmt.Errorf("updating command: %w", err)
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

const turnColumns = `id, command_id, actor, intent, text, content_hash, timestamp, source`

func scanTurn(row rowScanner) (*Turn, error) {
	var t Turn
	var ts dbTime

	if err := row.Scan(
		&t.ID,
		&t.CommandID,
		&t.Actor,
		&t.Intent,
		&t.Text,
		&t.ContentHash,
		&ts,
		&t.Source,
	); err != nil {
		return nil, err
	}

	t.Timestamp = ts.Time
	return &t, nil
}

// CreateTurn inserts a turn and sets its ID. An empty ContentHash is
// filled from the actor and text.
func (s *SQLStore) CreateTurn(ctx context.Context, turn *Turn) error {
	if turn.ContentHash == "" {
		turn.ContentHash = ContentHash(turn.Actor, turn.Text)
	}
	if turn.Source == "" {
		turn.Source = SourceHook
	}

	query := `
		INSERT INTO turns (command_id, actor, intent, text, content_hash, timestamp, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	id, err := s.insertReturningID(ctx, query,
		turn.CommandID,
		turn.Actor,
		turn.Intent,
		turn.Text,
		turn.ContentHash,
		s.ts(turn.Timestamp),
		turn.Source,
	)
	if err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	turn.ID = id
	return nil
}

func (s *SQLStore) listTurns(ctx context.Context, query string, arg any) ([]*Turn, error) {
	rows, err := s.q.QueryContext(ctx, s.rebind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}
	return turns, nil
}

// ListTurns returns a command's turns in timestamp order.
func (s *SQLStore) ListTurns(ctx context.Context, commandID int64) ([]*Turn, error) {
	return s.listTurns(ctx, `SELECT `+turnColumns+` FROM turns
		WHERE command_id = ?
		ORDER BY timestamp, id`, commandID)
}

// ListTurnsByAgent returns every turn of every command of the agent in timestamp order.
func (s *SQLStore) ListTurnsByAgent(ctx context.Context, agentID int64) ([]*Turn, error) {
	return s.listTurns(ctx, `SELECT t.id, t.command_id, t.actor, t.intent, t.text, t.content_hash, t.timestamp, t.source
		FROM turns t
		JOIN commands c ON c.id = t.command_id
		WHERE c.agent_id = ?
		ORDER BY t.timestamp, t.id`, agentID)
}

// UpdateTurnTimestamp corrects a turn's timestamp.
// Returns ErrNotFound if the turn doesn't exist.
func (s *SQLStore) UpdateTurnTimestamp(ctx context.Context, turnID int64, ts time.Time) error {
	result, err := s.exec(ctx, `UPDATE turns SET timestamp = ? WHERE id = ?`, s.ts(ts), turnID)
	if err != nil {
		return fmt.Errorf("updating turn timestamp: %w", err)
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
