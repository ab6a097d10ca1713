// ABOUTME: In-memory fan-out broadcaster for post-commit domain events
// ABOUTME: Delivers agent and command state changes to per-agent and firehose subscribers

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/headspace/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllAgents subscribes to every agent's events.
	AllAgents int64 = 0
)

// Event types
const (
	TypeAgentCreated   = "agent_created"
	TypeAgentEnded     = "agent_ended"
	TypeStateChanged   = "state_changed"
	TypeTurnRecorded   = "turn_recorded"
	TypeContextUpdated = "context_updated"
	TypeCommandSummary = "command_summary"
)

// Event is published after the write it describes has committed.
type Event struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	AgentID   int64              `json:"agent_id"`
	CommandID int64              `json:"command_id,omitempty"`
	State     store.CommandState `json:"state,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Data      map[string]any     `json:"data,omitempty"`
}

// New builds an event with a fresh id and the current time.
func New(typ string, agentID int64) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher is the write side of the broadcaster.
type Publisher interface {
	Publish(event *Event)
}

// Broadcaster provides in-memory pub/sub for Events. Subscribers register
// for one agent id, or AllAgents for the firehose.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]map[string]chan *Event // agentID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[int64]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on agentID. The subscription
// is removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, agentID int64) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[agentID]; !ok {
		b.subscribers[agentID] = make(map[string]chan *Event)
	}
	b.subscribers[agentID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "agent_id", agentID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(agentID, subID)
	}()

	return ch, subID
}

// Publish sends an event to the agent's subscribers and to the firehose.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send
	b.deliver(b.subscribers[event.AgentID], event)
	if event.AgentID != AllAgents {
		b.deliver(b.subscribers[AllAgents], event)
	}
}

func (b *Broadcaster) deliver(subs map[string]chan *Event, event *Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"agent_id", event.AgentID,
				"event_id", event.ID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(agentID int64, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[agentID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, agentID)
	}

	b.logger.Debug("subscriber removed", "agent_id", agentID, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for agentID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, agentID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

var _ Publisher = (*Broadcaster)(nil)
