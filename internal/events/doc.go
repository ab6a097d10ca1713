// Package events fans out domain events to in-process subscribers.
//
// Events are published only after the store transaction that produced them
// has committed and the advisory lock has been released, so a subscriber
// never observes state that could still roll back. Delivery is best-effort:
// a subscriber that falls behind by more than its buffer loses events.
package events
