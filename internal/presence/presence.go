// Package presence tracks who is online. A user may hold several live
// connections (multiple tabs/devices); the user is online iff the set of
// live connections is non-empty. Records survive process restarts in the
// Redis implementation, which is the source of truth in deployments.
package presence

import (
	"context"
	"time"
)

// Record is the presence state of one user. ConnectionID is the most recent
// live connection, empty when offline. LastSeen is retained forever for
// "last seen X ago" display.
type Record struct {
	UserID       string    `json:"user_id"`
	IsOnline     bool      `json:"is_online"`
	LastSeen     time.Time `json:"last_seen"`
	ConnectionID string    `json:"connection_id,omitempty"`
}

// Store is the presence store. Implementations: redis.Client (deployments),
// memory.Client (single process, -dev runs and tests).
//
// SetOnline reports whether the user transitioned offline→online with this
// connection (false when other connections were already live).
// SetOffline drops every live connection at once, forcing the user offline.
// Normal disconnects go through DropConnection and stale ones through Sweep;
// SetOffline is for administrative callers that must evict a user outright
// (account suspension, operator tooling).
// DropConnection removes one connection and reports whether it was the last,
// i.e. the user is now offline.
// Heartbeat refreshes last-seen and the connection's liveness without ever
// downgrading the user; a heartbeat for an unknown connection on an offline
// user only refreshes last-seen.
// Sweep expires every user whose newest heartbeat is older than window and
// returns their ids; it is the only automatic path to offline, covering
// ungraceful connection loss.
type Store interface {
	SetOnline(ctx context.Context, userID, connID string) (first bool, err error)
	SetOffline(ctx context.Context, userID string) error
	DropConnection(ctx context.Context, userID, connID string) (last bool, err error)
	Heartbeat(ctx context.Context, userID, connID string) error
	Get(ctx context.Context, userID string) (Record, error)
	GetMany(ctx context.Context, userIDs []string) ([]Record, error)
	Sweep(ctx context.Context, window time.Duration) ([]string, error)
	Close() error
}
