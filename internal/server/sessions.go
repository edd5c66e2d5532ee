package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/logging"
)

const (
	// SessionIdleLimit is the inactivity span after which a session is
	// pruned by the sweeper.
	SessionIdleLimit = 5 * time.Minute

	// SweepInterval is how often the sweeper runs.
	SweepInterval = 60 * time.Second
)

// Session status values.
const (
	StatusActive       = "active"
	StatusIdle         = "idle"
	StatusDisconnected = "disconnected"
)

// Session is one agent's liveness entry.
type Session struct {
	AgentID      string    `json:"agentId"`
	SessionToken string    `json:"sessionToken"`
	AgentName    string    `json:"agentName"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Sessions is the agent session table. Any inbound record bearing an agent
// id touches its entry; the sweeper prunes entries idle past the limit.
type Sessions struct {
	mu            sync.Mutex
	table         map[string]*Session
	lastHeartbeat time.Time
	onClose       func(agentID string)
	onCount       func(n int)
	logger        *logging.Logger
	done          chan struct{}
	stopOnce      sync.Once
}

// NewSessions builds a session table. onClose runs whenever an entry is
// removed (close or prune) so subscriptions can be purged alongside.
func NewSessions(logger *logging.Logger, onClose func(agentID string)) *Sessions {
	return &Sessions{
		table:   make(map[string]*Session),
		onClose: onClose,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// OnCountChange installs an observer for the table size, called whenever
// entries are created or removed. The session gauge hangs here.
func (s *Sessions) OnCountChange(fn func(n int)) {
	s.mu.Lock()
	s.onCount = fn
	n := len(s.table)
	s.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Init creates or revives a session. session_recovery goes through the
// same path.
func (s *Sessions) Init(agentID, agentName string) *Session {
	now := time.Now()
	s.mu.Lock()

	if sess, ok := s.table[agentID]; ok {
		sess.Status = StatusActive
		sess.LastActivity = now
		if agentName != "" {
			sess.AgentName = agentName
		}
		s.mu.Unlock()
		return sess
	}
	sess := &Session{
		AgentID:      agentID,
		SessionToken: uuid.NewString(),
		AgentName:    agentName,
		Status:       StatusActive,
		LastActivity: now,
		CreatedAt:    now,
	}
	s.table[agentID] = sess
	onCount := s.onCount
	n := len(s.table)
	s.mu.Unlock()

	if onCount != nil {
		onCount(n)
	}
	return sess
}

// Touch refreshes activity for an agent if it has an entry.
func (s *Sessions) Touch(agentID string) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	if sess, ok := s.table[agentID]; ok {
		sess.LastActivity = time.Now()
		sess.Status = StatusActive
	}
	s.mu.Unlock()
}

// Heartbeat touches the agent and records the global heartbeat time.
func (s *Sessions) Heartbeat(agentID string) {
	now := time.Now()
	s.mu.Lock()
	s.lastHeartbeat = now
	if sess, ok := s.table[agentID]; ok {
		sess.LastActivity = now
		sess.Status = StatusActive
	}
	s.mu.Unlock()
}

// Close removes an agent's session and runs the close hook.
func (s *Sessions) Close(agentID string) bool {
	s.mu.Lock()
	_, ok := s.table[agentID]
	if ok {
		delete(s.table, agentID)
	}
	onCount := s.onCount
	n := len(s.table)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if onCount != nil {
		onCount(n)
	}
	if s.onClose != nil {
		s.onClose(agentID)
	}
	return true
}

// Get returns a copy of the entry for agentID.
func (s *Sessions) Get(agentID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.table[agentID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Len reports tracked sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// LastHeartbeat returns the most recent global heartbeat timestamp.
func (s *Sessions) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Sweep removes sessions idle past the limit and returns how many were
// pruned.
func (s *Sessions) Sweep() int {
	cutoff := time.Now().Add(-SessionIdleLimit)

	s.mu.Lock()
	var pruned []string
	for agentID, sess := range s.table {
		if sess.LastActivity.Before(cutoff) {
			pruned = append(pruned, agentID)
			delete(s.table, agentID)
		}
	}
	onCount := s.onCount
	n := len(s.table)
	s.mu.Unlock()

	if len(pruned) > 0 && onCount != nil {
		onCount(n)
	}
	for _, agentID := range pruned {
		s.logger.Info("pruned idle session", zap.String("agentId", agentID))
		if s.onClose != nil {
			s.onClose(agentID)
		}
	}
	return len(pruned)
}

// StartSweeper runs Sweep every interval until Stop.
func (s *Sessions) StartSweeper() {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop terminates the sweeper.
func (s *Sessions) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
