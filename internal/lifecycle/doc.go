// Package lifecycle runs the per-command state machine.
//
// Each agent has at most one open command. A command moves through
//
//	commanded -> processing <-> awaiting_input -> complete
//
// and any open command may be abandoned when its agent ends. Transition is
// a pure function over (state, hook); Bridge.Apply loads the current
// command, applies the table and persists the resulting command and turn
// writes. Apply must be called while holding the agent's AGENT lock so that
// concurrent hooks for one agent observe each other's writes in order.
package lifecycle
