package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/server"
	"github.com/viyv/viyv-browser/internal/tools"
)

// serverInfo identifies this server in the initialize handshake.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Handler serves the client channel over a reader/writer pair.
type Handler struct {
	core   *server.Core
	logger *logging.Logger

	mu  sync.Mutex
	out io.Writer
}

// NewHandler wires a handler to the server core.
func NewHandler(core *server.Core, out io.Writer, logger *logging.Logger) *Handler {
	return &Handler{core: core, out: out, logger: logger}
}

// Serve reads line-delimited JSON-RPC requests until EOF. Each tools/call
// runs in its own goroutine so a slow tool never blocks the channel.
func (h *Handler) Serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 8*protocol.MaxFrameSize)
	for scanner.Scan() {
		lineBytes := scanner.Bytes()
		if len(lineBytes) == 0 {
			continue
		}
		var req Request
		if err := protocol.Unmarshal(lineBytes, &req); err != nil {
			h.respondError(nil, codeParseError, "parse error")
			continue
		}
		h.dispatch(ctx, req)
	}
	return scanner.Err()
}

// NotifyEvent implements server.Notifier: matched browser events become
// client notifications.
func (h *Handler) NotifyEvent(subscriptionID string, event protocol.Record) error {
	return h.send(Notification{
		JSONRPC: "2.0",
		Method:  "notifications/browser_event",
		Params: map[string]any{
			"subscriptionId": subscriptionID,
			"eventType":      event.EventType,
			"url":            event.URL,
			"tabId":          event.TabID,
			"payload":        event.Payload,
			"sequenceNumber": event.SequenceNumber,
			"timestamp":      event.Timestamp,
		},
	})
}

func (h *Handler) dispatch(ctx context.Context, req Request) {
	switch req.Method {
	case "initialize":
		h.respond(req.ID, map[string]any{
			"protocolVersion": protocol.Version,
			"serverInfo":      serverInfo{Name: "viyv-browser", Version: protocol.Version},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})
	case "tools/list":
		h.respond(req.ID, map[string]any{"tools": tools.Catalog()})
	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := protocol.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			if req.ID != nil {
				h.respondError(req.ID, codeInvalidRequest, "tools/call requires a name")
			}
			return
		}
		go h.callTool(ctx, req.ID, params.Name, params.Arguments)
	case "ping":
		h.respond(req.ID, map[string]any{})
	default:
		if req.ID == nil {
			// Unanswerable notification; ignore.
			return
		}
		h.respondError(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *Handler) callTool(ctx context.Context, id any, tool string, args json.RawMessage) {
	result, werr := h.core.CallTool(ctx, tool, args)
	var wrapped ToolResult
	if werr != nil {
		wrapped = WrapError(werr)
	} else {
		wrapped = WrapResult(result)
	}
	h.respond(id, wrapped)
}

func (h *Handler) respond(id any, result any) {
	if id == nil {
		// Notifications (requests without an id) are not answered.
		return
	}
	body, err := protocol.Marshal(result)
	if err != nil {
		h.respondError(id, codeInternalError, "result marshal failed")
		return
	}
	if err := h.send(Response{JSONRPC: "2.0", ID: id, Result: body}); err != nil {
		h.logger.Warn("client write failed", zap.Error(err))
	}
}

func (h *Handler) respondError(id any, code int, message string) {
	if err := h.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}); err != nil {
		h.logger.Warn("client write failed", zap.Error(err))
	}
}

func (h *Handler) send(v any) error {
	body, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.out.Write(body); err != nil {
		return err
	}
	_, err = h.out.Write([]byte{'\n'})
	return err
}
