package server

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
)

type recordingNotifier struct {
	mu       sync.Mutex
	notified []string // subscription ids
	fail     bool
}

func (n *recordingNotifier) NotifyEvent(subscriptionID string, _ protocol.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("client channel closed")
	}
	n.notified = append(n.notified, subscriptionID)
	return nil
}

func (n *recordingNotifier) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notified...)
}

func event(agentID, eventType, url string) protocol.Record {
	return protocol.NewBrowserEvent(agentID, eventType, 1, url, nil, 1)
}

func TestSubscriptionMatching(t *testing.T) {
	tests := []struct {
		name       string
		subAgent   string
		subTypes   []string
		subPattern string
		event      protocol.Record
		delivered  bool
	}{
		{
			name:     "type and agent match, no pattern",
			subAgent: "g", subTypes: []string{"browser.page_load"},
			event: event("g", "browser.page_load", "https://example.com/x"), delivered: true,
		},
		{
			name:     "url contains pattern",
			subAgent: "g", subTypes: []string{"browser.page_load"}, subPattern: "example.com",
			event: event("g", "browser.page_load", "https://example.com/x"), delivered: true,
		},
		{
			name:     "url missing pattern",
			subAgent: "g", subTypes: []string{"browser.page_load"}, subPattern: "example.com",
			event: event("g", "browser.page_load", "https://other.com/y"), delivered: false,
		},
		{
			name:     "wrong event type",
			subAgent: "g", subTypes: []string{"browser.page_load"},
			event: event("g", "browser.console", "https://example.com/"), delivered: false,
		},
		{
			name:     "other agent never receives",
			subAgent: "g", subTypes: []string{"browser.page_load"},
			event: event("h", "browser.page_load", "https://example.com/"), delivered: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &recordingNotifier{}
			e := NewEvents(n, logging.NewNop())
			e.Add("sub-1", tt.subAgent, tt.subTypes, tt.subPattern)

			matched := e.Dispatch(tt.event)
			if tt.delivered {
				assert.Equal(t, 1, matched)
				assert.Equal(t, []string{"sub-1"}, n.ids())
			} else {
				assert.Zero(t, matched)
				assert.Empty(t, n.ids())
			}
		})
	}
}

func TestDispatchSwallowsNotifierFailures(t *testing.T) {
	n := &recordingNotifier{fail: true}
	e := NewEvents(n, logging.NewNop())
	e.Add("sub-1", "g", []string{"browser.page_load"}, "")

	assert.NotPanics(t, func() {
		e.Dispatch(event("g", "browser.page_load", "https://example.com/"))
	})
}

func TestPurgeAgent(t *testing.T) {
	e := NewEvents(&recordingNotifier{}, logging.NewNop())
	e.Add("sub-1", "g", []string{"a"}, "")
	e.Add("sub-2", "g", []string{"b"}, "")
	e.Add("sub-3", "h", []string{"a"}, "")

	assert.Equal(t, 2, e.PurgeAgent("g"))
	assert.Equal(t, 1, e.Len())
	assert.False(t, e.Remove("sub-1"))
	assert.True(t, e.Remove("sub-3"))
}
