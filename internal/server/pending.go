package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/viyv/viyv-browser/internal/protocol"
)

// DefaultToolTimeout applies to every tool except wait_for, whose deadline
// follows its own input.
const DefaultToolTimeout = 30 * time.Second

// Outcome is the terminal state of a pending tool call.
type Outcome struct {
	Result json.RawMessage
	Err    *protocol.WireError
}

type pendingCall struct {
	ch    chan Outcome
	timer *time.Timer
}

// Pending correlates outbound tool_call ids with their results. Entries
// are removed before resolution, so a racing timer and result cannot both
// complete the same call.
type Pending struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

// NewPending builds an empty table.
func NewPending() *Pending {
	return &Pending{calls: make(map[string]*pendingCall)}
}

// Register arms a call with a deadline and returns the channel its outcome
// arrives on. The channel receives exactly one value.
func (p *Pending) Register(id string, timeout time.Duration) <-chan Outcome {
	call := &pendingCall{ch: make(chan Outcome, 1)}
	call.timer = time.AfterFunc(timeout, func() {
		p.complete(id, Outcome{Err: protocol.Errf(protocol.CodeTimeout,
			"no result within %dms", timeout.Milliseconds())})
	})

	p.mu.Lock()
	p.calls[id] = call
	p.mu.Unlock()
	return call.ch
}

// Resolve completes a call with a successful result. Unmatched ids are
// dropped (late results after timeout or socket replacement).
func (p *Pending) Resolve(id string, result json.RawMessage) bool {
	return p.complete(id, Outcome{Result: result})
}

// Reject completes a call with a wire error.
func (p *Pending) Reject(id string, err *protocol.WireError) bool {
	return p.complete(id, Outcome{Err: err})
}

// Drop removes a call without delivering an outcome. Used when the send
// itself failed and the caller reports the error directly.
func (p *Pending) Drop(id string) {
	p.mu.Lock()
	if call, ok := p.calls[id]; ok {
		call.timer.Stop()
		delete(p.calls, id)
	}
	p.mu.Unlock()
}

// FailAll rejects every outstanding call, in socket-replacement and
// disconnect paths.
func (p *Pending) FailAll(err *protocol.WireError) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.ch <- Outcome{Err: err}
	}
}

// Len reports outstanding calls.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *Pending) complete(id string, out Outcome) bool {
	p.mu.Lock()
	call, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	call.timer.Stop()
	call.ch <- out
	return true
}

// ToolTimeout computes the deadline for one call. wait_for derives its
// deadline from input.timeout (milliseconds) plus a 5 s grace; everything
// else uses the default.
func ToolTimeout(tool string, input json.RawMessage) time.Duration {
	if tool != "wait_for" || len(input) == 0 {
		return DefaultToolTimeout
	}
	var in struct {
		Timeout *float64 `json:"timeout"`
	}
	if err := protocol.Unmarshal(input, &in); err != nil || in.Timeout == nil {
		return DefaultToolTimeout
	}
	return time.Duration(*in.Timeout)*time.Millisecond + 5*time.Second
}
