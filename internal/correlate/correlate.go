// ABOUTME: Session correlator mapping hook payloads onto Agent rows
// ABOUTME: An ordered list of resolvers, first match wins, ending in creation of a new Agent

package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/2389/headspace/internal/lock"
	"github.com/2389/headspace/internal/store"
)

// ErrUncorrelatable is returned when no Agent matches and the payload lacks
// the absolute working directory needed to create one.
var ErrUncorrelatable = errors.New("hook matches no agent and has no usable working directory")

// Method names the strategy that resolved a hook.
type Method string

const (
	MethodCache         Method = "cache"
	MethodSessionID     Method = "session_id"
	MethodHeadspaceUUID Method = "headspace_uuid"
	MethodTmuxPane      Method = "tmux_pane"
	MethodWorkingDir    Method = "working_dir"
	MethodCreated       Method = "created"
)

// Payload holds the identifying fields of a hook.
type Payload struct {
	SessionID      string
	WorkingDir     string
	TmuxPaneID     string
	TmuxSession    string
	HeadspaceUUID  string
	TranscriptPath string
}

// normalized drops a malformed headspace UUID and canonicalises a valid one.
func (p Payload) normalized() Payload {
	if p.HeadspaceUUID != "" {
		id, err := uuid.Parse(p.HeadspaceUUID)
		if err != nil {
			p.HeadspaceUUID = ""
		} else {
			p.HeadspaceUUID = id.String()
		}
	}
	if p.WorkingDir != "" {
		p.WorkingDir = filepath.Clean(p.WorkingDir)
	}
	return p
}

// Result is the outcome of a correlation.
type Result struct {
	Agent   *store.Agent
	Method  Method
	Created bool
	// Displaced lists other active agents that still claim the resolved
	// agent's tmux pane. The caller ends them under their own locks.
	Displaced []int64
}

type resolver func(ctx context.Context, st store.Store, p Payload) (*store.Agent, error)

type strategy struct {
	method  Method
	resolve resolver
}

// Correlator resolves hooks to agents.
type Correlator struct {
	store      store.Store
	cache      *Cache
	strategies []strategy
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a correlator reading from s and caching identifiers for cacheTTL.
func New(s store.Store, cacheTTL time.Duration, cacheSize int, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		store:  s,
		cache:  NewCache(cacheTTL, cacheSize),
		logger: logger.With("component", "correlate"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	c.strategies = []strategy{
		{MethodCache, c.fromCache},
		{MethodSessionID, bySessionID},
		{MethodHeadspaceUUID, byHeadspaceUUID},
		{MethodTmuxPane, byTmuxPane},
		{MethodWorkingDir, byWorkingDir},
	}
	return c
}

// Close stops the cache cleanup goroutine.
func (c *Correlator) Close() {
	c.cache.Close()
}

// Forget drops cached identifiers for an agent, e.g. once it has ended.
func (c *Correlator) Forget(agentID int64) {
	c.cache.ForgetAgent(agentID)
}

// Peek runs the matching strategies read-only against the correlator's own
// store. It returns nil without error when nothing matches. The hook path
// uses it to choose which lock to take before correlating for real.
func (c *Correlator) Peek(ctx context.Context, p Payload) (*store.Agent, Method, error) {
	return c.match(ctx, c.store, p.normalized())
}

// FallbackKey derives the CORRELATION-namespace entity id used while no
// Agent exists yet for the payload.
func FallbackKey(p Payload) int64 {
	p = p.normalized()
	switch {
	case p.WorkingDir != "":
		return lock.KeyFromString("cwd:" + p.WorkingDir)
	case p.SessionID != "":
		return lock.KeyFromString("session:" + p.SessionID)
	case p.HeadspaceUUID != "":
		return lock.KeyFromString("uuid:" + p.HeadspaceUUID)
	default:
		return lock.KeyFromString("pane:" + p.TmuxPaneID)
	}
}

// Correlate resolves p to an Agent using st, which should be the caller's
// transaction. A matched Agent has any new identifiers written back; when
// nothing matches a new Agent is created.
func (c *Correlator) Correlate(ctx context.Context, st store.Store, p Payload) (Result, error) {
	p = p.normalized()

	agent, method, err := c.match(ctx, st, p)
	if err != nil {
		return Result{}, err
	}

	res := Result{Agent: agent, Method: method}
	if agent == nil {
		if p.WorkingDir == "" || !filepath.IsAbs(p.WorkingDir) {
			return Result{}, ErrUncorrelatable
		}
		agent, err = c.create(ctx, st, p)
		if err != nil {
			return Result{}, err
		}
		res = Result{Agent: agent, Method: MethodCreated, Created: true}
	} else if err := c.backfill(ctx, st, agent, p); err != nil {
		return Result{}, err
	}

	if agent.TmuxPaneID != "" {
		others, err := st.ListActiveAgentsByPane(ctx, agent.TmuxPaneID)
		if err != nil {
			return Result{}, fmt.Errorf("listing agents on pane: %w", err)
		}
		for _, o := range others {
			if o.ID != agent.ID {
				res.Displaced = append(res.Displaced, o.ID)
			}
		}
	}

	c.remember(agent)
	c.logger.Debug("hook correlated",
		"agent_id", agent.ID,
		"method", res.Method,
		"created", res.Created,
		"displaced", len(res.Displaced),
	)
	return res, nil
}

func (c *Correlator) match(ctx context.Context, st store.Store, p Payload) (*store.Agent, Method, error) {
	for _, s := range c.strategies {
		agent, err := s.resolve(ctx, st, p)
		if err != nil {
			return nil, "", fmt.Errorf("correlating by %s: %w", s.method, err)
		}
		if agent != nil {
			return agent, s.method, nil
		}
	}
	return nil, "", nil
}

func (c *Correlator) fromCache(ctx context.Context, st store.Store, p Payload) (*store.Agent, error) {
	for _, key := range cacheKeys(p) {
		id, ok := c.cache.Get(key)
		if !ok {
			continue
		}
		agent, err := st.GetAgent(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !agent.Active()) {
			c.cache.ForgetAgent(id)
			continue
		}
		if err != nil {
			return nil, err
		}
		return agent, nil
	}
	return nil, nil
}

func bySessionID(ctx context.Context, st store.Store, p Payload) (*store.Agent, error) {
	if p.SessionID == "" {
		return nil, nil
	}
	return notFoundIsNil(st.FindActiveAgentBySessionID(ctx, p.SessionID))
}

func byHeadspaceUUID(ctx context.Context, st store.Store, p Payload) (*store.Agent, error) {
	if p.HeadspaceUUID == "" {
		return nil, nil
	}
	return notFoundIsNil(st.FindActiveAgentByHeadspaceUUID(ctx, p.HeadspaceUUID))
}

func byTmuxPane(ctx context.Context, st store.Store, p Payload) (*store.Agent, error) {
	if p.TmuxPaneID == "" {
		return nil, nil
	}
	return notFoundIsNil(st.FindActiveAgentByPane(ctx, p.TmuxPaneID))
}

func byWorkingDir(ctx context.Context, st store.Store, p Payload) (*store.Agent, error) {
	if p.WorkingDir == "" {
		return nil, nil
	}
	return notFoundIsNil(st.FindUnclaimedAgentByWorkingDir(ctx, p.WorkingDir))
}

func notFoundIsNil(a *store.Agent, err error) (*store.Agent, error) {
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (c *Correlator) create(ctx context.Context, st store.Store, p Payload) (*store.Agent, error) {
	now := c.now()
	agent := &store.Agent{
		ClaudeSessionID: p.SessionID,
		TmuxPaneID:      p.TmuxPaneID,
		TmuxSession:     p.TmuxSession,
		HeadspaceUUID:   p.HeadspaceUUID,
		WorkingDir:      p.WorkingDir,
		TranscriptPath:  p.TranscriptPath,
		StartedAt:       now,
		LastActivityAt:  now,
	}
	if err := st.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	c.logger.Info("agent created", "agent_id", agent.ID, "working_dir", agent.WorkingDir, "tmux_pane_id", agent.TmuxPaneID)
	return agent, nil
}

// backfill writes identifiers present in p but missing or stale on agent.
func (c *Correlator) backfill(ctx context.Context, st store.Store, agent *store.Agent, p Payload) error {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}

	prevSession := agent.ClaudeSessionID
	set(&agent.ClaudeSessionID, p.SessionID)
	set(&agent.TmuxPaneID, p.TmuxPaneID)
	set(&agent.TmuxSession, p.TmuxSession)
	set(&agent.HeadspaceUUID, p.HeadspaceUUID)
	set(&agent.TranscriptPath, p.TranscriptPath)
	if agent.WorkingDir == "" {
		set(&agent.WorkingDir, p.WorkingDir)
	}

	if !changed {
		return nil
	}
	if err := st.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("backfilling agent identifiers: %w", err)
	}
	if prevSession != "" && prevSession != agent.ClaudeSessionID {
		c.cache.Delete("session:" + prevSession)
		c.logger.Info("agent session id changed", "agent_id", agent.ID, "previous", prevSession, "current", agent.ClaudeSessionID)
	}
	return nil
}

func (c *Correlator) remember(agent *store.Agent) {
	if agent.ClaudeSessionID != "" {
		c.cache.Put("session:"+agent.ClaudeSessionID, agent.ID)
	}
	if agent.HeadspaceUUID != "" {
		c.cache.Put("uuid:"+agent.HeadspaceUUID, agent.ID)
	}
}

func cacheKeys(p Payload) []string {
	var keys []string
	if p.SessionID != "" {
		keys = append(keys, "session:"+p.SessionID)
	}
	if p.HeadspaceUUID != "" {
		keys = append(keys, "uuid:"+p.HeadspaceUUID)
	}
	return keys
}
