package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viyv/viyv-browser/internal/protocol"
)

func TestWithCommandAttachesOnce(t *testing.T) {
	sim := NewSimBrowser()
	sim.AddTab(1, "https://example.com/", "Example")
	c := NewCDP(sim)

	require.NoError(t, c.WithCommand(context.Background(), 1, func() error { return nil }))
	require.NoError(t, c.WithCommand(context.Background(), 1, func() error { return nil }))

	assert.Equal(t, 1, sim.AttachCalls(), "second command reuses the attach")
	assert.True(t, c.Attached(1))
}

func TestConcurrentCommandsShareOneAttach(t *testing.T) {
	sim := NewSimBrowser()
	sim.AddTab(1, "https://example.com/", "Example")
	sim.AttachDelay = 50 * time.Millisecond
	c := NewCDP(sim)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.WithCommand(context.Background(), 1, func() error {
				time.Sleep(10 * time.Millisecond)
				return nil
			}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sim.AttachCalls(), "racing commands share one in-flight attach")
}

func TestAttachFailureSurfaced(t *testing.T) {
	sim := NewSimBrowser()
	sim.AddTab(1, "https://example.com/", "Example")
	sim.AttachErr = protocol.Errf(protocol.CodeDebuggerAttachFailed, "denied")
	c := NewCDP(sim)

	err := c.WithCommand(context.Background(), 1, func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, protocol.CodeDebuggerAttachFailed, protocol.CodeOf(err))
	assert.False(t, c.Attached(1))

	// The tab returns to DETACHED, so a later attempt can succeed.
	sim.mu.Lock()
	sim.AttachErr = nil
	sim.mu.Unlock()
	assert.NoError(t, c.WithCommand(context.Background(), 1, func() error { return nil }))
}

func TestIdleDetach(t *testing.T) {
	sim := NewSimBrowser()
	sim.AddTab(1, "https://example.com/", "Example")
	c := NewCDP(sim)
	c.idle = 30 * time.Millisecond

	require.NoError(t, c.WithCommand(context.Background(), 1, func() error { return nil }))
	require.True(t, c.Attached(1))

	assert.Eventually(t, func() bool {
		return !c.Attached(1) && sim.DetachCalls() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestIdleDetachDeferredWhileBusy(t *testing.T) {
	sim := NewSimBrowser()
	sim.AddTab(1, "https://example.com/", "Example")
	c := NewCDP(sim)
	c.idle = 20 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.WithCommand(context.Background(), 1, func() error {
			time.Sleep(100 * time.Millisecond) // spans several idle windows
			return nil
		})
	}()

	time.Sleep(60 * time.Millisecond)
	assert.True(t, c.Attached(1), "attach survives while a command is in flight")
	<-done

	assert.Eventually(t, func() bool { return !c.Attached(1) }, time.Second, 10*time.Millisecond)
}

func TestForgetDetachesClosedTab(t *testing.T) {
	sim := NewSimBrowser()
	sim.AddTab(1, "https://example.com/", "Example")
	c := NewCDP(sim)

	require.NoError(t, c.WithCommand(context.Background(), 1, func() error { return nil }))
	c.Forget(1)
	assert.False(t, c.Attached(1))
	assert.Equal(t, 1, sim.DetachCalls())
}
