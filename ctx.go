package session

import (
	"context"

	"github.com/goliatone/go-router"
)

// DefaultLocalsKey is where the guard middleware stores the snapshot it
// evaluated for the request.
const DefaultLocalsKey = "session"

var snapshotCtxKey = &contextKey{"session"}

type contextKey struct {
	name string
}

// WithContext sets the Snapshot in the given context
func WithContext(r context.Context, snap Snapshot) context.Context {
	return context.WithValue(r, snapshotCtxKey, snap)
}

// FromContext finds the snapshot from the context.
func FromContext(ctx context.Context) (Snapshot, bool) {
	raw, ok := ctx.Value(snapshotCtxKey).(Snapshot)
	return raw, ok
}

// GetRouterSnapshot extracts the Snapshot from the router context
func GetRouterSnapshot(ctx router.Context, key string) (Snapshot, bool) {
	if key == "" {
		key = DefaultLocalsKey
	}
	raw := ctx.Locals(key)
	if raw == nil {
		return Snapshot{}, false
	}
	snap, ok := raw.(Snapshot)
	return snap, ok
}

// UserFromRouter returns the signed in profile for the request, if any.
func UserFromRouter(ctx router.Context) (*Profile, bool) {
	snap, ok := GetRouterSnapshot(ctx, "")
	if !ok || !snap.Authenticated() || snap.User == nil {
		return nil, false
	}
	return snap.User, true
}
