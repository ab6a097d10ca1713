// ABOUTME: Context-carried record of the lock entities held by the current logical flow
// ABOUTME: Used to reject reentrant acquisition instead of deadlocking on a second connection

package lock

import "context"

type heldKeysKey struct{}

type entity struct {
	ns Namespace
	id int64
}

// heldEntities is treated as immutable once stored in a context.
type heldEntities map[entity]struct{}

func withHeld(ctx context.Context, ns Namespace, id int64) context.Context {
	prev, _ := ctx.Value(heldKeysKey{}).(heldEntities)
	next := make(heldEntities, len(prev)+1)
	for e := range prev {
		next[e] = struct{}{}
	}
	next[entity{ns, id}] = struct{}{}
	return context.WithValue(ctx, heldKeysKey{}, next)
}

// Holds reports whether ctx was derived from inside a lock on (ns, id).
func Holds(ctx context.Context, ns Namespace, id int64) bool {
	held, _ := ctx.Value(heldKeysKey{}).(heldEntities)
	_, ok := held[entity{ns, id}]
	return ok
}

// collides reports whether ctx holds a different entity that packs to the
// same lock key as (ns, id). Acquiring it would wait on the flow itself.
func collides(ctx context.Context, ns Namespace, id int64) bool {
	held, _ := ctx.Value(heldKeysKey{}).(heldEntities)
	key := Key(ns, id)
	for e := range held {
		if e != (entity{ns, id}) && Key(e.ns, e.id) == key {
			return true
		}
	}
	return false
}
