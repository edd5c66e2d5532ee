package worker

import (
	"context"
	"sync"
	"time"

	"github.com/viyv/viyv-browser/internal/protocol"
)

// IdleDetachDelay is how long an attached tab may sit with no commands in
// flight before the debugger is detached.
const IdleDetachDelay = 5 * time.Second

type attachState int

const (
	stateDetached attachState = iota
	stateAttaching
	stateAttached
)

type tabAttach struct {
	state     attachState
	inflight  chan struct{} // closed when the in-flight attach settles
	attachErr error
	cmdCount  int
	idleTimer *time.Timer
}

// CDP drives the per-tab debugger attach lifecycle. Concurrent attach
// requests for one tab share a single in-flight attach; an attached tab
// detaches after sitting idle, and a detach racing active commands is
// deferred until the count drains.
type CDP struct {
	mu      sync.Mutex
	tabs    map[int]*tabAttach
	browser Browser
	idle    time.Duration
}

// NewCDP builds the attach manager.
func NewCDP(browser Browser) *CDP {
	return &CDP{
		tabs:    make(map[int]*tabAttach),
		browser: browser,
		idle:    IdleDetachDelay,
	}
}

// WithCommand ensures the tab is attached, counts fn as an in-flight
// command, and re-arms the idle timer when the count drains.
func (c *CDP) WithCommand(ctx context.Context, tabID int, fn func() error) error {
	if err := c.ensureAttached(ctx, tabID); err != nil {
		return err
	}
	c.beginCommand(tabID)
	defer c.endCommand(tabID)
	return fn()
}

// Attached reports whether the tab currently holds a debugger attach.
func (c *CDP) Attached(tabID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ta, ok := c.tabs[tabID]
	return ok && ta.state == stateAttached
}

// Forget drops attach state for a closed tab, detaching if needed.
func (c *CDP) Forget(tabID int) {
	c.mu.Lock()
	ta, ok := c.tabs[tabID]
	attached := ok && ta.state == stateAttached
	if ok {
		if ta.idleTimer != nil {
			ta.idleTimer.Stop()
		}
		delete(c.tabs, tabID)
	}
	c.mu.Unlock()
	if attached {
		c.browser.DetachDebugger(context.Background(), tabID)
	}
}

func (c *CDP) ensureAttached(ctx context.Context, tabID int) error {
	for {
		c.mu.Lock()
		ta, ok := c.tabs[tabID]
		if !ok {
			ta = &tabAttach{}
			c.tabs[tabID] = ta
		}
		switch ta.state {
		case stateAttached:
			c.mu.Unlock()
			return nil
		case stateAttaching:
			wait := ta.inflight
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return protocol.Errf(protocol.CodeTimeout, "attach wait cancelled for tab %d", tabID)
			}
			// Re-check: the shared attach either succeeded or failed.
			c.mu.Lock()
			if ta.state == stateAttached {
				c.mu.Unlock()
				return nil
			}
			err := ta.attachErr
			c.mu.Unlock()
			if err != nil {
				return err
			}
			// Detached again (idle fired between); retry.
			continue
		case stateDetached:
			ta.state = stateAttaching
			ta.inflight = make(chan struct{})
			ta.attachErr = nil
			c.mu.Unlock()

			err := c.browser.AttachDebugger(ctx, tabID)

			c.mu.Lock()
			if err != nil {
				ta.state = stateDetached
				ta.attachErr = protocol.Errf(protocol.CodeDebuggerAttachFailed,
					"attach tab %d: %v", tabID, err)
				close(ta.inflight)
				failed := ta.attachErr
				c.mu.Unlock()
				return failed
			}
			ta.state = stateAttached
			ta.cmdCount = 0
			close(ta.inflight)
			c.armIdleLocked(tabID, ta)
			c.mu.Unlock()
			return nil
		}
	}
}

func (c *CDP) beginCommand(tabID int) {
	c.mu.Lock()
	if ta, ok := c.tabs[tabID]; ok {
		ta.cmdCount++
		if ta.idleTimer != nil {
			ta.idleTimer.Stop()
		}
	}
	c.mu.Unlock()
}

func (c *CDP) endCommand(tabID int) {
	c.mu.Lock()
	if ta, ok := c.tabs[tabID]; ok {
		ta.cmdCount--
		if ta.cmdCount <= 0 {
			ta.cmdCount = 0
			c.armIdleLocked(tabID, ta)
		}
	}
	c.mu.Unlock()
}

// armIdleLocked schedules the idle detach. Caller holds c.mu.
func (c *CDP) armIdleLocked(tabID int, ta *tabAttach) {
	if ta.idleTimer != nil {
		ta.idleTimer.Stop()
	}
	ta.idleTimer = time.AfterFunc(c.idle, func() { c.idleFired(tabID) })
}

func (c *CDP) idleFired(tabID int) {
	c.mu.Lock()
	ta, ok := c.tabs[tabID]
	if !ok || ta.state != stateAttached {
		c.mu.Unlock()
		return
	}
	if ta.cmdCount > 0 {
		// Commands still draining; defer the detach.
		c.armIdleLocked(tabID, ta)
		c.mu.Unlock()
		return
	}
	ta.state = stateDetached
	c.mu.Unlock()

	c.browser.DetachDebugger(context.Background(), tabID)
}
