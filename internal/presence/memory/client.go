// Package memory is the in-process presence store for -dev runs and tests.
// Same semantics as the Redis implementation, minus durability.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/marketchat/internal/presence"
)

type userState struct {
	conns    map[string]time.Time // connID -> last heartbeat
	lastSeen time.Time
	lastConn string
}

type Client struct {
	mu    sync.RWMutex
	users map[string]*userState
}

func New() *Client {
	return &Client{users: make(map[string]*userState)}
}

func (c *Client) Close() error { return nil }

func (c *Client) state(userID string) *userState {
	st, ok := c.users[userID]
	if !ok {
		st = &userState{conns: make(map[string]time.Time)}
		c.users[userID] = st
	}
	return st
}

func (c *Client) SetOnline(ctx context.Context, userID, connID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(userID)
	first := len(st.conns) == 0
	now := time.Now().UTC()
	st.conns[connID] = now
	st.lastSeen = now
	st.lastConn = connID
	return first, nil
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(userID)
	st.conns = make(map[string]time.Time)
	st.lastSeen = time.Now().UTC()
	st.lastConn = ""
	return nil
}

func (c *Client) DropConnection(ctx context.Context, userID, connID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(userID)
	delete(st.conns, connID)
	if len(st.conns) > 0 {
		return false, nil
	}
	st.lastSeen = time.Now().UTC()
	st.lastConn = ""
	return true, nil
}

func (c *Client) Heartbeat(ctx context.Context, userID, connID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(userID)
	now := time.Now().UTC()
	st.lastSeen = now
	if len(st.conns) == 0 {
		// Offline user: last-seen only, never flip online from here.
		return nil
	}
	st.conns[connID] = now
	st.lastConn = connID
	return nil
}

func (c *Client) Get(ctx context.Context, userID string) (presence.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := presence.Record{UserID: userID}
	st, ok := c.users[userID]
	if !ok {
		return rec, nil
	}
	rec.IsOnline = len(st.conns) > 0
	rec.LastSeen = st.lastSeen
	if rec.IsOnline {
		rec.ConnectionID = st.lastConn
	}
	return rec, nil
}

func (c *Client) GetMany(ctx context.Context, userIDs []string) ([]presence.Record, error) {
	records := make([]presence.Record, 0, len(userIDs))
	for _, id := range userIDs {
		rec, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Client) Sweep(ctx context.Context, window time.Duration) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	var expired []string
	for userID, st := range c.users {
		if len(st.conns) == 0 {
			continue
		}
		var newestStale time.Time
		for connID, hb := range st.conns {
			if hb.Before(cutoff) {
				if hb.After(newestStale) {
					newestStale = hb
				}
				delete(st.conns, connID)
			}
		}
		if len(st.conns) == 0 {
			// Last seen is their actual last heartbeat, not sweep time.
			st.lastSeen = newestStale
			st.lastConn = ""
			expired = append(expired, userID)
		}
	}
	return expired, nil
}
