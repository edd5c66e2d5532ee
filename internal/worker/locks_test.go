package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockExclusion(t *testing.T) {
	l := NewLocks()

	assert.True(t, l.Acquire(7, "agent-a"))
	assert.False(t, l.Acquire(7, "agent-b"), "second agent is blocked")

	holder, ok := l.Holder(7)
	assert.True(t, ok)
	assert.Equal(t, "agent-a", holder)
}

func TestLockReacquireRefreshes(t *testing.T) {
	l := NewLocks()
	base := time.Now()
	now := base
	l.now = func() time.Time { return now }

	assert.True(t, l.Acquire(7, "agent-a"))
	now = base.Add(50 * time.Second)
	assert.True(t, l.Acquire(7, "agent-a"), "holder re-acquires idempotently")

	// The refresh moved acquiredAt, so 50s later the lock still holds.
	now = base.Add(100 * time.Second)
	assert.False(t, l.Acquire(7, "agent-b"))
}

func TestStaleLockBroken(t *testing.T) {
	l := NewLocks()
	base := time.Now()
	now := base
	l.now = func() time.Time { return now }

	assert.True(t, l.Acquire(7, "agent-a"))
	now = base.Add(LockTTL + time.Second)
	assert.True(t, l.Acquire(7, "agent-b"), "expired lock is broken")
}

func TestReleaseOnlyByHolder(t *testing.T) {
	l := NewLocks()
	assert.True(t, l.Acquire(7, "agent-a"))

	l.Release(7, "agent-b")
	_, held := l.Holder(7)
	assert.True(t, held, "non-holder release is a no-op")

	l.Release(7, "agent-a")
	_, held = l.Holder(7)
	assert.False(t, held)
}

func TestReleaseAgent(t *testing.T) {
	l := NewLocks()
	l.Acquire(1, "agent-a")
	l.Acquire(2, "agent-a")
	l.Acquire(3, "agent-b")

	l.ReleaseAgent("agent-a")
	_, held1 := l.Holder(1)
	_, held2 := l.Holder(2)
	_, held3 := l.Holder(3)
	assert.False(t, held1)
	assert.False(t, held2)
	assert.True(t, held3)
}
