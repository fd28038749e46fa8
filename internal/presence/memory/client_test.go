package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOnlineOfflineSingleConnection(t *testing.T) {
	c := New()
	ctx := context.Background()

	first, err := c.SetOnline(ctx, "u1", "conn-a")
	require.NoError(t, err)
	require.True(t, first)

	rec, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)
	require.Equal(t, "conn-a", rec.ConnectionID)
	require.False(t, rec.LastSeen.IsZero())

	last, err := c.DropConnection(ctx, "u1", "conn-a")
	require.NoError(t, err)
	require.True(t, last)

	rec, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)
	require.Empty(t, rec.ConnectionID)
	// Last seen survives going offline.
	require.False(t, rec.LastSeen.IsZero())
}

func TestMultiConnectionOnlineUntilLastDrops(t *testing.T) {
	c := New()
	ctx := context.Background()

	first, err := c.SetOnline(ctx, "u1", "conn-a")
	require.NoError(t, err)
	require.True(t, first)
	first, err = c.SetOnline(ctx, "u1", "conn-b")
	require.NoError(t, err)
	require.False(t, first, "second connection must not re-announce online")

	last, err := c.DropConnection(ctx, "u1", "conn-a")
	require.NoError(t, err)
	require.False(t, last)

	rec, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)

	last, err = c.DropConnection(ctx, "u1", "conn-b")
	require.NoError(t, err)
	require.True(t, last)
}

func TestConcurrentConnectsReportOneFirstAndOneLast(t *testing.T) {
	c := New()
	ctx := context.Background()
	const conns = 16

	var wg sync.WaitGroup
	var firsts atomic.Int32
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, err := c.SetOnline(ctx, "u1", fmt.Sprintf("conn-%d", i))
			require.NoError(t, err)
			if first {
				firsts.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), firsts.Load(), "exactly one connection transitions the user online")

	var lasts atomic.Int32
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			last, err := c.DropConnection(ctx, "u1", fmt.Sprintf("conn-%d", i))
			require.NoError(t, err)
			if last {
				lasts.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), lasts.Load(), "exactly one drop transitions the user offline")
}

func TestHeartbeatDoesNotFlipOfflineUser(t *testing.T) {
	c := New()
	ctx := context.Background()

	require.NoError(t, c.Heartbeat(ctx, "u1", "conn-zombie"))
	rec, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)
	require.False(t, rec.LastSeen.IsZero(), "heartbeat still refreshes last seen")
}

func TestSetOfflineForcesAllConnectionsOut(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, err := c.SetOnline(ctx, "u1", "conn-a")
	require.NoError(t, err)
	_, err = c.SetOnline(ctx, "u1", "conn-b")
	require.NoError(t, err)

	require.NoError(t, c.SetOffline(ctx, "u1"))
	rec, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)
}

func TestSweepExpiresStaleUsers(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, err := c.SetOnline(ctx, "stale", "conn-a")
	require.NoError(t, err)
	_, err = c.SetOnline(ctx, "fresh", "conn-b")
	require.NoError(t, err)

	// Age the stale user's heartbeat past the window.
	c.mu.Lock()
	c.users["stale"].conns["conn-a"] = time.Now().UTC().Add(-5 * time.Minute)
	c.mu.Unlock()

	expired, err := c.Sweep(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"stale"}, expired)

	rec, err := c.Get(ctx, "stale")
	require.NoError(t, err)
	require.False(t, rec.IsOnline)

	rec, err = c.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)
}

func TestGetMany(t *testing.T) {
	c := New()
	ctx := context.Background()
	_, err := c.SetOnline(ctx, "u1", "conn-a")
	require.NoError(t, err)

	recs, err := c.GetMany(ctx, []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.True(t, recs[0].IsOnline)
	require.False(t, recs[1].IsOnline)
}
