// ABOUTME: Post-commit command summarisation on a bounded worker pool
// ABOUTME: Summaries run outside any advisory lock and are published as domain events

package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/headspace/internal/events"
	"github.com/2389/headspace/internal/store"
)

// maxSummaryLen bounds each half of an extractive summary.
const maxSummaryLen = 280

// jobTimeout bounds one summarisation, including its store reads.
const jobTimeout = 30 * time.Second

// Summarizer turns a finished command and its turns into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, cmd *store.Command, turns []*store.Turn) (string, error)
}

// Extractive summarises a command by its instruction and final answer.
type Extractive struct{}

// Summarize joins the first user command turn and the last agent completion turn.
func (Extractive) Summarize(ctx context.Context, cmd *store.Command, turns []*store.Turn) (string, error) {
	var instruction, result string
	for _, t := range turns {
		if instruction == "" && t.Actor == store.ActorUser && t.Intent == store.IntentCommand {
			instruction = t.Text
		}
		if t.Actor == store.ActorAgent && t.Intent == store.IntentCompletion {
			result = t.Text
		}
	}

	instruction = truncate(oneLine(instruction), maxSummaryLen)
	result = truncate(oneLine(result), maxSummaryLen)
	switch {
	case instruction == "" && result == "":
		return fmt.Sprintf("command %d %s", cmd.ID, cmd.State), nil
	case result == "":
		return instruction, nil
	case instruction == "":
		return result, nil
	}
	return instruction + " → " + result, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Pool runs summaries on a fixed number of workers fed by a bounded queue.
type Pool struct {
	store      store.Store
	summarizer Summarizer
	publisher  events.Publisher
	logger     *slog.Logger

	queue   chan int64
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool. Call Start to launch its workers.
func NewPool(s store.Store, summarizer Summarizer, publisher events.Publisher, workers, queueSize int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if summarizer == nil {
		summarizer = Extractive{}
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Pool{
		store:      s,
		summarizer: summarizer,
		publisher:  publisher,
		logger:     logger.With("component", "summary"),
		queue:      make(chan int64, queueSize),
		workers:    workers,
	}
}

// Start launches the workers. They exit when Close drains the queue.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for id := range p.queue {
				p.run(id)
			}
		}()
	}
}

// Enqueue schedules a summary for commandID without blocking. It returns
// false when the queue is full or the pool is closed; the request is dropped.
func (p *Pool) Enqueue(commandID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.queue <- commandID:
		return true
	default:
		p.logger.Warn("summary queue full, dropping request", "command_id", commandID)
		return false
	}
}

// Close stops accepting work and waits for queued summaries to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool) run(commandID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	text, cmd, err := p.summarize(ctx, commandID)
	if err != nil {
		p.logger.Error("summarising command failed", "command_id", commandID, "error", err)
		return
	}

	p.logger.Debug("command summarised", "command_id", commandID, "agent_id", cmd.AgentID)
	if p.publisher != nil {
		ev := events.New(events.TypeCommandSummary, cmd.AgentID)
		ev.CommandID = cmd.ID
		ev.State = cmd.State
		ev.Data = map[string]any{"summary": text}
		p.publisher.Publish(ev)
	}
}

func (p *Pool) summarize(ctx context.Context, commandID int64) (string, *store.Command, error) {
	cmd, err := p.store.GetCommand(ctx, commandID)
	if err != nil {
		return "", nil, fmt.Errorf("loading command: %w", err)
	}
	turns, err := p.store.ListTurns(ctx, commandID)
	if err != nil {
		return "", nil, fmt.Errorf("loading turns: %w", err)
	}
	text, err := p.summarizer.Summarize(ctx, cmd, turns)
	if err != nil {
		return "", nil, err
	}
	return text, cmd, nil
}
