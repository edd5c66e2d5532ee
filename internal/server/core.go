package server

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/infrastructure/monitoring"
	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/transport/line"
)

const (
	switchPollInterval = 500 * time.Millisecond
	switchWaitTimeout  = 60 * time.Second
)

// Config carries server core construction parameters.
type Config struct {
	SocketPath   string
	DefaultAgent string
	Logger       *logging.Logger
	Metrics      *monitoring.Metrics

	// OnEvent observes every inbound browser_event, independent of
	// subscriptions. The ops websocket stream hangs off this hook.
	OnEvent func(protocol.Record)
}

// Core is the server-side hub: socket acceptor, pending table, sessions,
// events, and the tool surface.
type Core struct {
	socketPath   string
	defaultAgent string
	logger       *logging.Logger
	metrics      *monitoring.Metrics
	onEvent      func(protocol.Record)

	Pending  *Pending
	Sessions *Sessions
	Events   *Events

	reasm *protocol.Reassembler

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
	lineW    *line.Writer

	done     chan struct{}
	stopOnce sync.Once
}

// NewCore wires the server core.
func NewCore(cfg Config) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	agent := cfg.DefaultAgent
	if agent == "" {
		agent = "default"
	}

	c := &Core{
		socketPath:   cfg.SocketPath,
		defaultAgent: agent,
		logger:       logger,
		metrics:      cfg.Metrics,
		onEvent:      cfg.OnEvent,
		Pending:      NewPending(),
		done:         make(chan struct{}),
	}
	c.Events = NewEvents(nil, logger)
	c.Sessions = NewSessions(logger, func(agentID string) {
		n := c.Events.PurgeAgent(agentID)
		if n > 0 {
			logger.Info("purged subscriptions for closed session",
				zap.String("agentId", agentID), zap.Int("count", n))
		}
	})
	if c.metrics != nil {
		c.Sessions.OnCountChange(func(n int) {
			c.metrics.SessionsActive.Set(float64(n))
		})
	}
	c.reasm = protocol.NewReassembler(protocol.ReassemblyTimeout, func(requestID string, err *protocol.WireError) {
		logger.Warn("chunk reassembly failed", zap.String("requestId", requestID), zap.Error(err))
		if c.metrics != nil {
			c.metrics.ChunkFailures.Inc()
		}
	})
	return c
}

// DefaultAgent returns the default agent id.
func (c *Core) DefaultAgent() string {
	return c.defaultAgent
}

// Start binds the socket (unlinking any stale file) and begins accepting.
func (c *Core) Start() error {
	if err := os.Remove(c.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", c.socketPath)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	c.Sessions.StartSweeper()
	go c.acceptLoop(ln)
	c.logger.Info("listening for extension", zap.String("socket", c.socketPath))
	return nil
}

// Stop tears the core down.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.Sessions.Stop()
		c.mu.Lock()
		if c.listener != nil {
			c.listener.Close()
		}
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
			c.lineW = nil
		}
		c.mu.Unlock()
		c.Pending.FailAll(protocol.Errf(protocol.CodeExtensionNotConnected, "server shutting down"))
	})
}

// Connected reports whether an extension socket is live.
func (c *Core) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Status supplies the ops /status document and the get_status tool.
func (c *Core) Status() map[string]any {
	return map[string]any{
		"extensionConnected": c.Connected(),
		"defaultAgent":       c.defaultAgent,
		"pendingRequests":    c.Pending.Len(),
		"sessions":           c.Sessions.Len(),
		"subscriptions":      c.Events.Len(),
		"protocolVersion":    protocol.Version,
	}
}

func (c *Core) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		c.install(conn)
	}
}

// install adopts a fresh extension connection, usurping any prior one.
// The prior socket's pending requests fail before the new socket is
// installed, so no stale result can reach a caller.
func (c *Core) install(conn net.Conn) {
	c.mu.Lock()
	prior := c.conn
	c.conn = nil
	c.lineW = nil
	c.mu.Unlock()

	if prior != nil {
		c.logger.Info("replacing live extension connection")
		prior.Close()
		if c.metrics != nil {
			c.metrics.ExtensionConnected.Set(0)
		}
		c.Pending.FailAll(protocol.Errf(protocol.CodeExtensionNotConnected,
			"extension connection replaced"))
	}

	w := line.NewWriter(conn)
	if c.metrics != nil {
		w.OnWrite = func(n int) {
			c.metrics.RecordBytes.WithLabelValues("outbound").Add(float64(n))
		}
	}
	c.mu.Lock()
	c.conn = conn
	c.lineW = w
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ExtensionConnected.Set(1)
	}
	c.logger.Info("extension connected")

	// Announce protocol version and default agent immediately.
	if err := w.Write(protocol.NewSessionInit(c.defaultAgent)); err != nil {
		c.logger.Warn("session_init push failed", zap.Error(err))
	}

	go c.readLoop(conn)
}

func (c *Core) readLoop(conn net.Conn) {
	dec := &line.Decoder{
		OnRecord: c.handleRecord,
		OnError: func(err error) {
			c.logger.Warn("extension record error", zap.Error(err))
			if c.metrics != nil {
				c.metrics.FrameErrors.Inc()
			}
		},
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if c.metrics != nil {
				c.metrics.RecordBytes.WithLabelValues("inbound").Add(float64(n))
			}
			dec.Feed(buf[:n])
		}
		if err != nil {
			c.handleDisconnect(conn)
			return
		}
	}
}

// handleDisconnect fails pending requests when the live socket drops. A
// stale socket's loop exiting is a no-op.
func (c *Core) handleDisconnect(conn net.Conn) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.lineW = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Info("extension disconnected")
	if c.metrics != nil {
		c.metrics.ExtensionConnected.Set(0)
	}
	c.Pending.FailAll(protocol.Errf(protocol.CodeExtensionNotConnected,
		"extension socket closed"))
}

func (c *Core) handleRecord(rec protocol.Record) {
	if c.metrics != nil {
		c.metrics.RecordsTotal.WithLabelValues("inbound", string(rec.Type)).Inc()
	}
	c.Sessions.Touch(rec.AgentID)

	switch rec.Type {
	case protocol.TypeToolResult:
		c.handleToolResult(rec)
	case protocol.TypeChunk:
		c.handleChunk(rec)
	case protocol.TypeBrowserEvent:
		if c.metrics != nil {
			c.metrics.EventsEmitted.WithLabelValues(rec.EventType).Inc()
		}
		if c.onEvent != nil {
			c.onEvent(rec)
		}
		c.Events.Dispatch(rec)
	case protocol.TypeSessionInit, protocol.TypeSessionRecovery:
		if rec.ProtocolVersion != "" && rec.ProtocolVersion != protocol.Version {
			c.logger.Warn("protocol version mismatch",
				zap.String("ours", protocol.Version),
				zap.String("theirs", rec.ProtocolVersion))
		}
		c.Sessions.Init(rec.AgentID, rec.AgentID)
	case protocol.TypeSessionHeartbeat:
		c.Sessions.Heartbeat(rec.AgentID)
	case protocol.TypeSessionClose:
		c.Sessions.Close(rec.AgentID)
	default:
		// Unknown types are ignored for forward compatibility.
		c.logger.Debug("ignoring unknown record type", zap.String("type", string(rec.Type)))
	}
}

func (c *Core) handleToolResult(rec protocol.Record) {
	if rec.Success != nil && *rec.Success {
		if !c.Pending.Resolve(rec.ID, rec.Result) {
			c.logger.Debug("dropping unmatched tool result", zap.String("id", rec.ID))
		}
		return
	}
	werr := rec.Error
	if werr == nil {
		werr = protocol.Errf(protocol.CodeInternal, "tool result carried no error detail")
	}
	if !c.Pending.Reject(rec.ID, werr) {
		c.logger.Debug("dropping unmatched tool error", zap.String("id", rec.ID))
	}
}

func (c *Core) handleChunk(rec protocol.Record) {
	if c.metrics != nil {
		c.metrics.ChunksTotal.Inc()
	}
	payload, done, err := c.reasm.Add(rec)
	if err != nil {
		c.logger.Warn("chunk rejected", zap.String("requestId", rec.RequestID), zap.Error(err))
		if c.metrics != nil {
			c.metrics.ChunkFailures.Inc()
		}
		return
	}
	if !done {
		return
	}
	var inner protocol.Record
	if uerr := protocol.Unmarshal(payload, &inner); uerr != nil {
		c.logger.Warn("reassembled payload is not a record",
			zap.String("requestId", rec.RequestID), zap.Error(uerr))
		return
	}
	c.handleRecord(inner)
}

// CallTool sends one tool invocation to the worker and awaits its outcome.
// switch_browser and get_status are answered server-side.
func (c *Core) CallTool(ctx context.Context, tool string, input json.RawMessage) (json.RawMessage, *protocol.WireError) {
	if c.metrics != nil {
		c.metrics.ToolCalls.WithLabelValues(tool).Inc()
		timer := time.Now()
		defer func() {
			c.metrics.ToolDuration.WithLabelValues(tool).Observe(time.Since(timer).Seconds())
		}()
	}

	switch tool {
	case "switch_browser":
		return c.switchBrowser()
	case "get_status":
		data, err := protocol.Marshal(c.Status())
		if err != nil {
			return nil, protocol.Errf(protocol.CodeInternal, "status: %v", err)
		}
		return data, nil
	}

	rec := protocol.NewToolCall(c.defaultAgent, tool, input)
	timeout := ToolTimeout(tool, input)

	c.mu.Lock()
	w := c.lineW
	c.mu.Unlock()
	if w == nil {
		return nil, protocol.Errf(protocol.CodeExtensionNotConnected,
			"no browser extension is connected")
	}

	ch := c.Pending.Register(rec.ID, timeout)
	if c.metrics != nil {
		c.metrics.PendingRequests.Set(float64(c.Pending.Len()))
	}

	if err := w.Write(rec); err != nil {
		c.Pending.Drop(rec.ID)
		return nil, protocol.Errf(protocol.CodeExtensionNotConnected,
			"extension write failed: %v", err)
	}

	var out Outcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		c.Pending.Drop(rec.ID)
		return nil, protocol.Errf(protocol.CodeTimeout, "caller cancelled %q", tool)
	}
	if c.metrics != nil {
		c.metrics.PendingRequests.Set(float64(c.Pending.Len()))
	}

	if out.Err != nil {
		if out.Err.Code == protocol.CodeTimeout {
			out.Err = protocol.Errf(protocol.CodeTimeout,
				"Tool '%s' timed out after %dms", tool, timeout.Milliseconds())
		}
		if c.metrics != nil {
			c.metrics.ToolErrors.WithLabelValues(string(out.Err.Code)).Inc()
		}
		return nil, out.Err
	}

	c.syncSubscription(tool, input, out.Result)
	return out.Result, nil
}

// syncSubscription mirrors worker-minted subscriptions into the server
// table so event fan-out has a single authority.
func (c *Core) syncSubscription(tool string, input, result json.RawMessage) {
	switch tool {
	case "browser_event_subscribe":
		var res struct {
			SubscriptionID string `json:"subscriptionId"`
		}
		if err := protocol.Unmarshal(result, &res); err != nil || res.SubscriptionID == "" {
			c.logger.Warn("subscribe result carried no subscriptionId")
			return
		}
		var in struct {
			EventTypes []string `json:"eventTypes"`
			URLPattern string   `json:"urlPattern"`
		}
		if err := protocol.Unmarshal(input, &in); err != nil {
			return
		}
		c.Events.Add(res.SubscriptionID, c.defaultAgent, in.EventTypes, in.URLPattern)
	case "browser_event_unsubscribe":
		var in struct {
			SubscriptionID string `json:"subscriptionId"`
		}
		if err := protocol.Unmarshal(input, &in); err == nil && in.SubscriptionID != "" {
			c.Events.Remove(in.SubscriptionID)
		}
	}
}

// switchBrowser destroys the current extension socket and waits for a
// fresh one to attach, polling every 500 ms for up to 60 s.
func (c *Core) switchBrowser() (json.RawMessage, *protocol.WireError) {
	c.mu.Lock()
	prior := c.conn
	c.conn = nil
	c.lineW = nil
	c.mu.Unlock()

	if prior != nil {
		prior.Close()
		if c.metrics != nil {
			c.metrics.ExtensionConnected.Set(0)
		}
		c.Pending.FailAll(protocol.Errf(protocol.CodeExtensionNotConnected,
			"switching browsers"))
	}

	deadline := time.Now().Add(switchWaitTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-c.done:
			return nil, protocol.Errf(protocol.CodeExtensionNotConnected, "server shutting down")
		case <-time.After(switchPollInterval):
		}
		if c.Connected() {
			return json.RawMessage(`{"switched":true}`), nil
		}
	}
	return nil, protocol.Errf(protocol.CodeTimeout,
		"no browser attached within %s", switchWaitTimeout)
}
