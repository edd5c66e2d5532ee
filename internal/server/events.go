package server

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
)

// Notifier delivers a matched event to the client channel. Send failures
// are swallowed by the caller.
type Notifier interface {
	NotifyEvent(subscriptionID string, event protocol.Record) error
}

// Subscription filters browser events for one agent. An empty URLPattern
// matches every URL; otherwise the event URL must contain the pattern as a
// substring.
type Subscription struct {
	ID         string
	AgentID    string
	EventTypes map[string]struct{}
	URLPattern string
	CreatedAt  time.Time
}

// Events is the authoritative subscription table. The worker mints
// subscription ids; the server mirrors them here by observing successful
// browser_event_subscribe results.
type Events struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	notifier Notifier
	logger   *logging.Logger
}

// NewEvents builds an empty subscription table.
func NewEvents(notifier Notifier, logger *logging.Logger) *Events {
	return &Events{
		subs:     make(map[string]*Subscription),
		notifier: notifier,
		logger:   logger,
	}
}

// SetNotifier installs the client notification channel after construction.
func (e *Events) SetNotifier(n Notifier) {
	e.mu.Lock()
	e.notifier = n
	e.mu.Unlock()
}

// Add inserts a subscription.
func (e *Events) Add(subscriptionID, agentID string, eventTypes []string, urlPattern string) {
	types := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = struct{}{}
	}
	e.mu.Lock()
	e.subs[subscriptionID] = &Subscription{
		ID:         subscriptionID,
		AgentID:    agentID,
		EventTypes: types,
		URLPattern: urlPattern,
		CreatedAt:  time.Now(),
	}
	e.mu.Unlock()
}

// Remove deletes a subscription by id.
func (e *Events) Remove(subscriptionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[subscriptionID]; !ok {
		return false
	}
	delete(e.subs, subscriptionID)
	return true
}

// PurgeAgent clears every subscription belonging to an agent. Runs when
// the agent's session closes.
func (e *Events) PurgeAgent(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, sub := range e.subs {
		if sub.AgentID == agentID {
			delete(e.subs, id)
			n++
		}
	}
	return n
}

// Len reports live subscriptions.
func (e *Events) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Dispatch fans a browser_event out to every matching subscription.
// Notification failures are logged and swallowed; the event path never
// fails because an observer did.
func (e *Events) Dispatch(event protocol.Record) int {
	e.mu.Lock()
	var matched []*Subscription
	for _, sub := range e.subs {
		if e.matches(sub, event) {
			matched = append(matched, sub)
		}
	}
	notifier := e.notifier
	e.mu.Unlock()

	if notifier == nil {
		return 0
	}
	for _, sub := range matched {
		if err := notifier.NotifyEvent(sub.ID, event); err != nil {
			e.logger.Debug("event notification failed",
				zap.String("subscriptionId", sub.ID), zap.Error(err))
		}
	}
	return len(matched)
}

func (e *Events) matches(sub *Subscription, event protocol.Record) bool {
	if sub.AgentID != event.AgentID {
		return false
	}
	if _, ok := sub.EventTypes[event.EventType]; !ok {
		return false
	}
	if sub.URLPattern != "" && !strings.Contains(event.URL, sub.URLPattern) {
		return false
	}
	return true
}
