// ABOUTME: Pure transition table for the per-command lifecycle state machine
// ABOUTME: Maps (current state, hook event) to the next state and the writes it implies

package lifecycle

import (
	"strings"

	"github.com/2389/headspace/internal/store"
)

// StateNone stands for "no current command": the agent is idle or its
// latest command is terminal.
const StateNone store.CommandState = ""

// Event is a hook type as seen by the state machine.
type Event string

const (
	EventSessionStart      Event = "session_start"
	EventUserPromptSubmit  Event = "user_prompt_submit"
	EventPreToolUse        Event = "pre_tool_use"
	EventPostToolUse       Event = "post_tool_use"
	EventNotification      Event = "notification"
	EventPermissionRequest Event = "permission_request"
	EventStop              Event = "stop"
	EventSessionEnd        Event = "session_end"
)

// ParseEvent maps a route segment such as "user-prompt-submit" to its Event.
func ParseEvent(s string) (Event, bool) {
	e := Event(strings.ReplaceAll(s, "-", "_"))
	switch e {
	case EventSessionStart, EventUserPromptSubmit, EventPreToolUse, EventPostToolUse,
		EventNotification, EventPermissionRequest, EventStop, EventSessionEnd:
		return e, true
	}
	return "", false
}

// Completion reasons recorded on commands.
const (
	ReasonStop       = "stop"
	ReasonSessionEnd = store.EndReasonSessionEnd
)

// questionTools block on the user when the agent invokes them.
var questionTools = map[string]bool{
	"AskUserQuestion": true,
	"ExitPlanMode":    true,
}

// TurnSpec describes a turn to append.
type TurnSpec struct {
	Actor  string
	Intent string
	Text   string
}

// Effect lists the writes a transition implies.
type Effect struct {
	NewCommand bool
	Turn       *TurnSpec
	Reason     string // completion reason when the next state is terminal
	EndAgent   bool
}

// Hook carries the event plus the hook-specific text fields the table reads.
type Hook struct {
	Event                Event
	Prompt               string
	ToolName             string
	Message              string
	Title                string
	LastAssistantMessage string
}

// Transition applies the table. ok is false for an event that is not legal
// in the current state; such hooks are ignored. A legal no-op returns the
// current state with an empty Effect.
func Transition(cur store.CommandState, h Hook) (next store.CommandState, eff Effect, ok bool) {
	open := cur != StateNone && !cur.Terminal()
	working := cur == store.StateCommanded || cur == store.StateProcessing

	switch h.Event {
	case EventSessionStart:
		return cur, Effect{}, true

	case EventUserPromptSubmit:
		switch {
		case !open:
			return store.StateCommanded, Effect{
				NewCommand: true,
				Turn:       &TurnSpec{Actor: store.ActorUser, Intent: store.IntentCommand, Text: h.Prompt},
			}, true
		case cur == store.StateAwaitingInput:
			return store.StateProcessing, Effect{
				Turn: &TurnSpec{Actor: store.ActorUser, Intent: store.IntentAnswer, Text: h.Prompt},
			}, true
		default:
			return cur, Effect{
				Turn: &TurnSpec{Actor: store.ActorUser, Intent: store.IntentCommand, Text: h.Prompt},
			}, true
		}

	case EventPreToolUse:
		if working && questionTools[h.ToolName] {
			return store.StateAwaitingInput, Effect{
				Turn: &TurnSpec{Actor: store.ActorAgent, Intent: store.IntentQuestion, Text: firstNonEmpty(h.Message, h.ToolName)},
			}, true
		}
		switch cur {
		case store.StateCommanded:
			return store.StateProcessing, Effect{}, true
		case store.StateProcessing:
			return cur, Effect{}, true
		}
		return cur, Effect{}, false

	case EventPostToolUse:
		switch cur {
		case store.StateCommanded, store.StateAwaitingInput:
			return store.StateProcessing, Effect{}, true
		case store.StateProcessing:
			return cur, Effect{}, true
		}
		return cur, Effect{}, false

	case EventNotification, EventPermissionRequest:
		switch {
		case working:
			return store.StateAwaitingInput, Effect{
				Turn: &TurnSpec{Actor: store.ActorAgent, Intent: store.IntentQuestion, Text: firstNonEmpty(h.Message, h.Title)},
			}, true
		case cur == store.StateAwaitingInput:
			return cur, Effect{}, true
		}
		return cur, Effect{}, false

	case EventStop:
		if !working {
			return cur, Effect{}, false
		}
		if endsWithQuestion(h.LastAssistantMessage) {
			return store.StateAwaitingInput, Effect{
				Turn: &TurnSpec{Actor: store.ActorAgent, Intent: store.IntentQuestion, Text: h.LastAssistantMessage},
			}, true
		}
		eff := Effect{Reason: ReasonStop}
		if h.LastAssistantMessage != "" {
			eff.Turn = &TurnSpec{Actor: store.ActorAgent, Intent: store.IntentCompletion, Text: h.LastAssistantMessage}
		}
		return store.StateComplete, eff, true

	case EventSessionEnd:
		if open {
			return store.StateComplete, Effect{Reason: ReasonSessionEnd, EndAgent: true}, true
		}
		return cur, Effect{EndAgent: true}, true
	}

	return cur, Effect{}, false
}

// endsWithQuestion reports whether the last non-blank line of s ends in "?".
func endsWithQuestion(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	s = strings.TrimRight(s, "*_`) ")
	return strings.HasSuffix(s, "?")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
