package activeview

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnterLeave(t *testing.T) {
	tr := NewTracker()
	require.False(t, tr.IsActive("u1", "c1"))

	tr.Enter("u1", "c1")
	require.True(t, tr.IsActive("u1", "c1"))
	require.False(t, tr.IsActive("u1", "c2"))
	require.False(t, tr.IsActive("u2", "c1"))

	tr.Leave("u1", "c1")
	require.False(t, tr.IsActive("u1", "c1"))
}

func TestEnterReplacesPreviousConversation(t *testing.T) {
	tr := NewTracker()
	tr.Enter("u1", "c1")
	tr.Enter("u1", "c2")
	require.False(t, tr.IsActive("u1", "c1"))
	require.True(t, tr.IsActive("u1", "c2"))
}

func TestStaleLeaveIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.Enter("u1", "c1")
	tr.Enter("u1", "c2")
	// Leave for the superseded conversation must not drop the current one.
	tr.Leave("u1", "c1")
	require.True(t, tr.IsActive("u1", "c2"))
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.Enter("u1", "c1")
	tr.Enter("u2", "c1")
	tr.Clear("u1")
	require.False(t, tr.IsActive("u1", "c1"))
	require.True(t, tr.IsActive("u2", "c1"))
}

func TestLeaveUnknownUser(t *testing.T) {
	tr := NewTracker()
	tr.Leave("ghost", "c1")
	tr.Clear("ghost")
	require.False(t, tr.IsActive("ghost", "c1"))
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := fmt.Sprintf("u%d", n%4)
			conv := fmt.Sprintf("c%d", n%3)
			for j := 0; j < 200; j++ {
				tr.Enter(user, conv)
				tr.IsActive(user, conv)
				tr.Leave(user, conv)
				tr.Clear(user)
			}
		}(i)
	}
	wg.Wait()
}
