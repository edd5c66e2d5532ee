package protocol

import (
	"encoding/json"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Version is embedded in session_init records by both peers. A mismatch is
// logged by the receiver but never aborts the connection.
const Version = "1.2.0"

// Type discriminates record variants on the wire.
type Type string

const (
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeBrowserEvent     Type = "browser_event"
	TypeSessionInit      Type = "session_init"
	TypeSessionHeartbeat Type = "session_heartbeat"
	TypeSessionRecovery  Type = "session_recovery"
	TypeSessionClose     Type = "session_close"
	TypeChunk            Type = "chunk"
	TypeCompressed       Type = "compressed"
)

// Record is the union of all wire variants. Fields not belonging to a
// variant stay at their zero value and are omitted when serialized.
type Record struct {
	ID      string `json:"id,omitempty"`
	Type    Type   `json:"type"`
	AgentID string `json:"agentId,omitempty"`

	// tool_call
	Tool  string          `json:"tool,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`

	// browser_event
	EventType      string          `json:"eventType,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	TabID          *int            `json:"tabId,omitempty"`
	URL            string          `json:"url,omitempty"`
	SequenceNumber int64           `json:"sequenceNumber,omitempty"`

	// session_*
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`

	// chunk / compressed
	RequestID   string `json:"requestId,omitempty"`
	ChunkIndex  *int   `json:"chunkIndex,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	TotalSize   int    `json:"totalSize,omitempty"`
	Compressed  bool   `json:"compressed,omitempty"`
	Data        string `json:"data,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Known reports whether the record type is one this implementation
// dispatches on. Unknown types are ignored, not rejected.
func (r *Record) Known() bool {
	switch r.Type {
	case TypeToolCall, TypeToolResult, TypeBrowserEvent,
		TypeSessionInit, TypeSessionHeartbeat, TypeSessionRecovery,
		TypeSessionClose, TypeChunk, TypeCompressed:
		return true
	}
	return false
}

// Marshal serializes a value to UTF-8 JSON.
func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses UTF-8 JSON into a value.
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// NowMillis returns the current time as epoch milliseconds, the timestamp
// unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewID mints a record id.
func NewID() string {
	return uuid.NewString()
}

// NewToolCall builds a tool_call record with a fresh id.
func NewToolCall(agentID, tool string, input json.RawMessage) Record {
	return Record{
		ID:        NewID(),
		Type:      TypeToolCall,
		AgentID:   agentID,
		Tool:      tool,
		Input:     input,
		Timestamp: NowMillis(),
	}
}

// NewToolResult builds a successful tool_result correlated to callID.
func NewToolResult(callID, agentID string, result json.RawMessage) Record {
	ok := true
	return Record{
		ID:        callID,
		Type:      TypeToolResult,
		AgentID:   agentID,
		Success:   &ok,
		Result:    result,
		Timestamp: NowMillis(),
	}
}

// NewToolError builds a failed tool_result correlated to callID.
func NewToolError(callID, agentID string, code Code, message string) Record {
	ok := false
	return Record{
		ID:        callID,
		Type:      TypeToolResult,
		AgentID:   agentID,
		Success:   &ok,
		Error:     &WireError{Code: code, Message: message},
		Timestamp: NowMillis(),
	}
}

// NewSessionInit builds a session_init record announcing protocol version
// and the default agent id.
func NewSessionInit(agentID string) Record {
	return Record{
		ID:              NewID(),
		Type:            TypeSessionInit,
		AgentID:         agentID,
		ProtocolVersion: Version,
		Timestamp:       NowMillis(),
	}
}

// NewBrowserEvent builds a browser_event record.
func NewBrowserEvent(agentID, eventType string, tabID int, url string, payload json.RawMessage, seq int64) Record {
	return Record{
		ID:             NewID(),
		Type:           TypeBrowserEvent,
		AgentID:        agentID,
		EventType:      eventType,
		TabID:          &tabID,
		URL:            url,
		Payload:        payload,
		SequenceNumber: seq,
		Timestamp:      NowMillis(),
	}
}
