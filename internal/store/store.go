// ABOUTME: Store interface and data types for headspace persistence
// ABOUTME: Defines Agent, Command, Turn structs and the Store interface for database operations

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// CommandState is a state of the per-command lifecycle machine.
type CommandState string

const (
	StateCommanded     CommandState = "commanded"
	StateProcessing    CommandState = "processing"
	StateAwaitingInput CommandState = "awaiting_input"
	StateComplete      CommandState = "complete"
	StateAbandoned     CommandState = "abandoned"
)

// Terminal reports whether no further transitions are possible from s.
func (s CommandState) Terminal() bool {
	return s == StateComplete || s == StateAbandoned
}

// Agent end reasons
const (
	EndReasonSessionEnd = "session_end"
	EndReasonInactive   = "inactive"
	EndReasonPaneGone   = "pane_gone"
	EndReasonSuperseded = "superseded"
)

// Turn actors
const (
	ActorUser  = "user"
	ActorAgent = "agent"
)

// Turn intents
const (
	IntentCommand      = "command"
	IntentProgress     = "progress"
	IntentQuestion     = "question"
	IntentAnswer       = "answer"
	IntentCompletion   = "completion"
	IntentNotification = "notification"
)

// Turn sources
const (
	SourceHook       = "hook"
	SourceTranscript = "transcript"
)

// Agent is one external coding-agent process observed through hooks.
// The session id may change mid-conversation (context compression); the
// tmux pane and the headspace UUID are stable for the process lifetime.
type Agent struct {
	ID                 int64
	ClaudeSessionID    string
	TmuxPaneID         string
	TmuxSession        string
	HeadspaceUUID      string
	WorkingDir         string
	TranscriptPath     string
	ContextPercentLeft *int
	StartedAt          time.Time
	LastActivityAt     time.Time
	EndedAt            *time.Time
	EndReason          string
}

// Active reports whether the agent has not been ended.
func (a *Agent) Active() bool {
	return a.EndedAt == nil
}

// HasIdentity reports whether any identifying field has been claimed.
func (a *Agent) HasIdentity() bool {
	return a.ClaudeSessionID != "" || a.TmuxPaneID != "" || a.HeadspaceUUID != ""
}

// Command is one user-instruction-to-completion cycle within an agent session.
type Command struct {
	ID                 int64
	AgentID            int64
	State              CommandState
	StartedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	CompletionReason   string
	SummaryRequestedAt *time.Time
}

// Turn is one exchange within a command. Only Timestamp may change after insert.
type Turn struct {
	ID          int64
	CommandID   int64
	Actor       string
	Intent      string
	Text        string
	ContentHash string
	Timestamp   time.Time
	Source      string
}

// ContentHash returns the identity hash used to match a turn against transcript entries.
// Surrounding whitespace is not part of a turn's identity.
func ContentHash(actor, text string) string {
	sum := sha256.Sum256([]byte(actor + "\x00" + strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// Store defines the interface for agent, command and turn persistence.
// Mutating callers are expected to hold the owning agent's advisory lock.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	FindActiveAgentBySessionID(ctx context.Context, sessionID string) (*Agent, error)
	FindActiveAgentByHeadspaceUUID(ctx context.Context, uuid string) (*Agent, error)
	FindActiveAgentByPane(ctx context.Context, paneID string) (*Agent, error)
	FindUnclaimedAgentByWorkingDir(ctx context.Context, workingDir string) (*Agent, error)
	ListActiveAgents(ctx context.Context) ([]*Agent, error)
	ListActiveAgentsByPane(ctx context.Context, paneID string) ([]*Agent, error)

	// Commands
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id int64) (*Command, error)
	GetCurrentCommand(ctx context.Context, agentID int64) (*Command, error)
	GetLatestCommand(ctx context.Context, agentID int64) (*Command, error)
	ListCommands(ctx context.Context, agentID int64) ([]*Command, error)
	UpdateCommand(ctx context.Context, cmd *Command) error

	// Turns
	CreateTurn(ctx context.Context, turn *Turn) error
	ListTurns(ctx context.Context, commandID int64) ([]*Turn, error)
	ListTurnsByAgent(ctx context.Context, agentID int64) ([]*Turn, error)
	UpdateTurnTimestamp(ctx context.Context, turnID int64, ts time.Time) error

	// InTx runs fn against a transactional view of the store. The transaction
	// commits when fn returns nil and rolls back otherwise. Nested calls reuse
	// the outer transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// Ping checks that the database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
