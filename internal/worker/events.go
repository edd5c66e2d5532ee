package worker

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
)

// Event emission bounds. Over-limit events are still sent; the limiter
// only decides whether the overflow gets logged, never whether the event
// gets dropped.
const (
	eventRateLimit = 50
	eventBurst     = 100
)

// Emitter assigns per-session sequence numbers to outbound browser events
// and pushes them onto the wire on the worker's own timeline.
type Emitter struct {
	mu      sync.Mutex
	seq     int64
	limiter *rate.Limiter
	send    func(protocol.Record) error
	logger  *logging.Logger
}

// NewEmitter builds an emitter writing through send.
func NewEmitter(send func(protocol.Record) error, logger *logging.Logger) *Emitter {
	return &Emitter{
		limiter: rate.NewLimiter(rate.Limit(eventRateLimit), eventBurst),
		send:    send,
		logger:  logger,
	}
}

// Emit sends one browser_event with the next sequence number.
func (e *Emitter) Emit(agentID, eventType string, tabID int, url string, payload json.RawMessage) {
	e.mu.Lock()
	e.seq++
	seq := e.seq
	e.mu.Unlock()

	if !e.limiter.Allow() {
		e.logger.Warn("event emission above rate bound",
			zap.String("eventType", eventType), zap.Int64("sequenceNumber", seq))
	}

	rec := protocol.NewBrowserEvent(agentID, eventType, tabID, url, payload, seq)
	if err := e.send(rec); err != nil {
		e.logger.Warn("event send failed", zap.Error(err), zap.Int64("sequenceNumber", seq))
	}
}

// ResetSequence restarts numbering from the beginning.
func (e *Emitter) ResetSequence() {
	e.mu.Lock()
	e.seq = 0
	e.mu.Unlock()
}

// Sequence returns the last assigned sequence number.
func (e *Emitter) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
