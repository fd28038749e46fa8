// Package redis implements the presence store on Redis. Connections live in
// a per-user hash (conn id → last heartbeat), the newest heartbeat per user
// in one sorted set for cheap sweeps, and last-seen in a plain hash that is
// never expired.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/marketchat/internal/presence"
	"github.com/redis/go-redis/v9"
)

const (
	connsKeyPrefix = "presence:conns:" // hash: connID -> unix seconds of last heartbeat
	hbKey          = "presence:hb"     // zset: userID scored by newest heartbeat
	seenKey        = "presence:seen"   // hash: userID -> unix seconds last seen
	lastConnKey    = "presence:lastconn"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("presence redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("presence redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("presence redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Raw exposes the underlying client for callers that share the connection
// (the fan-out bridge, push subscriptions).
func (c *Client) Raw() *redis.Client { return c.cli }

func (c *Client) Close() error { return c.cli.Close() }

func (c *Client) SetOnline(ctx context.Context, userID, connID string) (bool, error) {
	now := time.Now().UTC().Unix()
	// HSET and HLEN run inside one MULTI/EXEC so two racing connections
	// can never both observe themselves as the first one.
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, connsKeyPrefix+userID, connID, now)
	liveCmd := pipe.HLen(ctx, connsKeyPrefix+userID)
	pipe.ZAdd(ctx, hbKey, redis.Z{Score: float64(now), Member: userID})
	pipe.HSet(ctx, seenKey, userID, now)
	pipe.HSet(ctx, lastConnKey, userID, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence.SetOnline: %w", err)
	}
	return liveCmd.Val() == 1, nil
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	now := time.Now().UTC().Unix()
	pipe := c.cli.Pipeline()
	pipe.Del(ctx, connsKeyPrefix+userID)
	pipe.ZRem(ctx, hbKey, userID)
	pipe.HSet(ctx, seenKey, userID, now)
	pipe.HDel(ctx, lastConnKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence.SetOffline: %w", err)
	}
	return nil
}

func (c *Client) DropConnection(ctx context.Context, userID, connID string) (bool, error) {
	// HDEL and HLEN in one MULTI/EXEC: exactly one of two racing drops sees
	// the count hit zero and reports the user offline.
	tx := c.cli.TxPipeline()
	tx.HDel(ctx, connsKeyPrefix+userID, connID)
	remainingCmd := tx.HLen(ctx, connsKeyPrefix+userID)
	if _, err := tx.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence.DropConnection: %w", err)
	}
	if remainingCmd.Val() > 0 {
		return false, nil
	}
	now := time.Now().UTC().Unix()
	pipe := c.cli.Pipeline()
	pipe.ZRem(ctx, hbKey, userID)
	pipe.HSet(ctx, seenKey, userID, now)
	pipe.HDel(ctx, lastConnKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("presence.DropConnection: %w", err)
	}
	return true, nil
}

func (c *Client) Heartbeat(ctx context.Context, userID, connID string) error {
	now := time.Now().UTC().Unix()
	live, err := c.cli.HLen(ctx, connsKeyPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("presence.Heartbeat hlen: %w", err)
	}
	if live == 0 {
		// Offline user: refresh last-seen only, never flip online from here.
		if err := c.cli.HSet(ctx, seenKey, userID, now).Err(); err != nil {
			return fmt.Errorf("presence.Heartbeat seen: %w", err)
		}
		return nil
	}
	pipe := c.cli.Pipeline()
	pipe.HSet(ctx, connsKeyPrefix+userID, connID, now)
	pipe.ZAdd(ctx, hbKey, redis.Z{Score: float64(now), Member: userID})
	pipe.HSet(ctx, seenKey, userID, now)
	pipe.HSet(ctx, lastConnKey, userID, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence.Heartbeat: %w", err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, userID string) (presence.Record, error) {
	rec := presence.Record{UserID: userID}
	live, err := c.cli.HLen(ctx, connsKeyPrefix+userID).Result()
	if err != nil {
		return rec, fmt.Errorf("presence.Get hlen: %w", err)
	}
	rec.IsOnline = live > 0
	seen, err := c.cli.HGet(ctx, seenKey, userID).Result()
	if err != nil && err != redis.Nil {
		return rec, fmt.Errorf("presence.Get seen: %w", err)
	}
	if seen != "" {
		if ts, perr := strconv.ParseInt(seen, 10, 64); perr == nil {
			rec.LastSeen = time.Unix(ts, 0).UTC()
		}
	}
	if rec.IsOnline {
		conn, err := c.cli.HGet(ctx, lastConnKey, userID).Result()
		if err != nil && err != redis.Nil {
			return rec, fmt.Errorf("presence.Get lastconn: %w", err)
		}
		rec.ConnectionID = conn
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

// Sweep expires users whose newest heartbeat is older than window. The zset
// score is the newest heartbeat across all of a user's connections, so a
// score below the cutoff means every connection is stale.
func (c *Client) Sweep(ctx context.Context, window time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-window).Unix()
	stale, err := c.cli.ZRangeByScoreWithScores(ctx, hbKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence.Sweep zrange: %w", err)
	}
	expired := make([]string, 0, len(stale))
	for _, z := range stale {
		userID, ok := z.Member.(string)
		if !ok {
			continue
		}
		pipe := c.cli.Pipeline()
		pipe.Del(ctx, connsKeyPrefix+userID)
		pipe.ZRem(ctx, hbKey, userID)
		// Last seen is their actual last heartbeat, not sweep time.
		pipe.HSet(ctx, seenKey, userID, int64(z.Score))
		pipe.HDel(ctx, lastConnKey, userID)
		if _, err := pipe.Exec(ctx); err != nil {
			return expired, fmt.Errorf("presence.Sweep expire %s: %w", userID, err)
		}
		expired = append(expired, userID)
	}
	return expired, nil
}
