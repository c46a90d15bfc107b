package slots

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinLimit(t *testing.T) {
	m := NewManager(2)

	assert.True(t, m.Acquire("alice", "j1"))
	assert.True(t, m.Acquire("alice", "j2"))
	assert.False(t, m.Acquire("alice", "j3"))

	assert.Equal(t, 2, m.Running("alice"))
	assert.Equal(t, 1, m.QueueDepth("alice"))
}

func TestLimitsAreIndependentPerUser(t *testing.T) {
	m := NewManager(1)

	assert.True(t, m.Acquire("alice", "a1"))
	assert.True(t, m.Acquire("bob", "b1"))
	assert.False(t, m.Acquire("alice", "a2"))
	assert.False(t, m.Acquire("bob", "b2"))
}

func TestReleasePromotesFIFO(t *testing.T) {
	m := NewManager(1)

	require.True(t, m.Acquire("alice", "j1"))
	require.False(t, m.Acquire("alice", "j2"))
	require.False(t, m.Acquire("alice", "j3"))

	promoted := m.Release("alice")
	assert.Equal(t, []string{"j2"}, promoted)
	assert.Equal(t, 1, m.Running("alice"))

	promoted = m.Release("alice")
	assert.Equal(t, []string{"j3"}, promoted)

	promoted = m.Release("alice")
	assert.Empty(t, promoted)
	assert.Equal(t, 0, m.Running("alice"))
}

func TestRemoveQueued(t *testing.T) {
	m := NewManager(1)

	require.True(t, m.Acquire("alice", "j1"))
	require.False(t, m.Acquire("alice", "j2"))
	require.False(t, m.Acquire("alice", "j3"))

	assert.True(t, m.RemoveQueued("alice", "j2"))
	assert.False(t, m.RemoveQueued("alice", "j2"))
	assert.False(t, m.RemoveQueued("alice", "never-queued"))

	// j3 is next in line now.
	assert.Equal(t, []string{"j3"}, m.Release("alice"))
}

func TestSetLimitGrantsCapacityOnNextRelease(t *testing.T) {
	m := NewManager(1)

	require.True(t, m.Acquire("alice", "j1"))
	require.False(t, m.Acquire("alice", "j2"))
	require.False(t, m.Acquire("alice", "j3"))

	m.SetLimit("alice", 3)

	// Releasing one slot opens room for both queued jobs under the new limit.
	promoted := m.Release("alice")
	assert.Equal(t, []string{"j2", "j3"}, promoted)
	assert.Equal(t, 2, m.Running("alice"))
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	const limit = 4
	m := NewManager(limit)

	var wg sync.WaitGroup
	granted := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if m.Acquire("alice", fmt.Sprintf("j%d", n)) {
				granted <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	assert.Equal(t, limit, count)
	assert.Equal(t, limit, m.Running("alice"))
	assert.Equal(t, 100-limit, m.QueueDepth("alice"))
}
