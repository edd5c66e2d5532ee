package worker

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/shared/id"
	"github.com/viyv/viyv-browser/internal/tools"
)

// defaultWaitFor applies when wait_for input omits its timeout.
const defaultWaitFor = 5 * time.Second

// Config carries worker construction parameters.
type Config struct {
	Browser Browser
	Store   *Store // optional durable group store
	Send    func(protocol.Record) error
	Logger  *logging.Logger
}

// Worker is the extension-side core: it receives tool calls, dispatches
// them under per-tab mutual exclusion, and emits results and events.
type Worker struct {
	browser Browser
	store   *Store
	sendRaw func(protocol.Record) error
	logger  *logging.Logger

	Locks   *Locks
	Groups  *Groups
	CDP     *CDP
	Shots   *Screenshots
	Console *CaptureBuffer
	Network *CaptureBuffer
	Emitter *Emitter

	validate *validator
	reasm    *protocol.Reassembler

	mu           sync.Mutex
	defaultAgent string
	subs         map[string]struct{}
}

// New wires a worker around a browser implementation.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	w := &Worker{
		browser:      cfg.Browser,
		store:        cfg.Store,
		sendRaw:      cfg.Send,
		logger:       logger,
		Locks:        NewLocks(),
		Groups:       NewGroups(),
		CDP:          NewCDP(cfg.Browser),
		Shots:        NewScreenshots(),
		Console:      NewCaptureBuffer(),
		Network:      NewCaptureBuffer(),
		validate:     newValidator(),
		defaultAgent: "default",
		subs:         make(map[string]struct{}),
	}
	w.Emitter = NewEmitter(w.Send, logger)
	w.reasm = protocol.NewReassembler(protocol.ReassemblyTimeout, func(requestID string, err *protocol.WireError) {
		logger.Warn("inbound chunk set expired", zap.String("requestId", requestID), zap.Error(err))
	})
	return w
}

// DefaultAgent returns the agent id announced by the server.
func (w *Worker) DefaultAgent() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.defaultAgent
}

// AdoptTab assigns a tab to an agent's group, creating the group if
// needed. Used at attach time and by recovery.
func (w *Worker) AdoptTab(agentID string, tabID int) bool {
	w.Groups.Ensure(agentID, agentID)
	ok := w.Groups.AddTab(agentID, tabID)
	w.persistGroup(agentID)
	return ok
}

// RecordConsole buffers one console entry for a tab.
func (w *Worker) RecordConsole(tabID int, payload json.RawMessage) {
	w.Console.Add(tabID, payload)
}

// RecordNetwork buffers one network entry for a tab.
func (w *Worker) RecordNetwork(tabID int, payload json.RawMessage) {
	w.Network.Add(tabID, payload)
}

// Send puts one record on the wire, splitting it into chunks when its
// serialization would exceed the frame cap.
func (w *Worker) Send(rec protocol.Record) error {
	data, err := protocol.Marshal(rec)
	if err != nil {
		return err
	}
	if len(data) <= protocol.MaxFrameSize {
		return w.sendRaw(rec)
	}

	chunks, err := protocol.Split(rec.ID, rec.AgentID, data, true)
	if err != nil {
		return err
	}
	w.logger.Debug("splitting oversized record",
		zap.String("id", rec.ID), zap.Int("bytes", len(data)), zap.Int("chunks", len(chunks)))
	for _, chunk := range chunks {
		if err := w.sendRaw(chunk); err != nil {
			return err
		}
	}
	return nil
}

// HandleRecord routes one inbound record. Unknown types are ignored.
func (w *Worker) HandleRecord(rec protocol.Record) {
	switch rec.Type {
	case protocol.TypeToolCall:
		go w.handleToolCall(rec)
	case protocol.TypeChunk:
		payload, done, err := w.reasm.Add(rec)
		if err != nil {
			w.logger.Warn("chunk rejected", zap.String("requestId", rec.RequestID), zap.Error(err))
			return
		}
		if !done {
			return
		}
		var inner protocol.Record
		if uerr := protocol.Unmarshal(payload, &inner); uerr != nil {
			w.logger.Warn("reassembled payload is not a record", zap.Error(uerr))
			return
		}
		w.HandleRecord(inner)
	case protocol.TypeSessionInit:
		w.handleSessionInit(rec)
	case protocol.TypeSessionClose:
		w.handleSessionClose(rec)
	case protocol.TypeSessionRecovery:
		w.handleSessionRecovery(rec)
	case protocol.TypeSessionHeartbeat:
		// Liveness only; nothing to do on the worker side.
	default:
		w.logger.Debug("ignoring record", zap.String("type", string(rec.Type)))
	}
}

// StartHeartbeat emits session_heartbeat records every interval until the
// returned stop function runs.
func (w *Worker) StartHeartbeat(interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				hb := protocol.Record{
					ID:        protocol.NewID(),
					Type:      protocol.TypeSessionHeartbeat,
					AgentID:   w.DefaultAgent(),
					Timestamp: protocol.NowMillis(),
				}
				if err := w.Send(hb); err != nil {
					w.logger.Debug("heartbeat send failed", zap.Error(err))
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (w *Worker) handleSessionInit(rec protocol.Record) {
	if rec.ProtocolVersion != "" && rec.ProtocolVersion != protocol.Version {
		w.logger.Warn("protocol version mismatch",
			zap.String("ours", protocol.Version), zap.String("theirs", rec.ProtocolVersion))
	}
	if rec.AgentID != "" {
		w.mu.Lock()
		w.defaultAgent = rec.AgentID
		w.mu.Unlock()
		w.Groups.Ensure(rec.AgentID, rec.AgentID)
	}
	reply := protocol.NewSessionInit(w.DefaultAgent())
	if err := w.Send(reply); err != nil {
		w.logger.Warn("session_init reply failed", zap.Error(err))
	}
}

func (w *Worker) handleSessionClose(rec protocol.Record) {
	agentID := rec.AgentID
	tabs := w.Groups.Remove(agentID)
	for _, tabID := range tabs {
		if err := w.browser.CloseTab(context.Background(), tabID); err != nil {
			w.logger.Warn("close tab failed", zap.Int("tabId", tabID), zap.Error(err))
		}
		w.CDP.Forget(tabID)
		w.Console.PurgeTab(tabID)
		w.Network.PurgeTab(tabID)
	}
	w.Locks.ReleaseAgent(agentID)

	w.mu.Lock()
	w.subs = make(map[string]struct{})
	w.mu.Unlock()

	if w.store != nil {
		if err := w.store.DeleteGroup(agentID); err != nil {
			w.logger.Warn("store delete failed", zap.Error(err))
		}
	}

	ack := protocol.Record{
		ID:        rec.ID,
		Type:      protocol.TypeSessionClose,
		AgentID:   agentID,
		Timestamp: protocol.NowMillis(),
	}
	if err := w.Send(ack); err != nil {
		w.logger.Warn("session_close ack failed", zap.Error(err))
	}
}

func (w *Worker) handleSessionRecovery(rec protocol.Record) {
	agentID := rec.AgentID
	recovered := false
	if w.store != nil {
		if state, ok, err := w.store.LoadGroup(agentID); err == nil && ok {
			w.Groups.Restore(state)
			recovered = true
		} else if err != nil {
			w.logger.Warn("group recovery failed", zap.Error(err))
		}
	}

	status, _ := protocol.Marshal(map[string]any{
		"recovered": recovered,
		"tabs":      w.Groups.Tabs(agentID),
	})
	reply := protocol.Record{
		ID:        rec.ID,
		Type:      protocol.TypeSessionRecovery,
		AgentID:   agentID,
		Config:    status,
		Timestamp: protocol.NowMillis(),
	}
	if err := w.Send(reply); err != nil {
		w.logger.Warn("session_recovery reply failed", zap.Error(err))
	}
}

// toolInput is the superset of fields tool handlers read.
type toolInput struct {
	TabID          *float64 `json:"tabId"`
	URL            string   `json:"url"`
	Ref            string   `json:"ref"`
	Text           string   `json:"text"`
	Selector       string   `json:"selector"`
	Expression     string   `json:"expression"`
	Format         string   `json:"format"`
	Timeout        *float64 `json:"timeout"`
	X              *float64 `json:"x"`
	Y              *float64 `json:"y"`
	ImageID        string   `json:"imageId"`
	SubscriptionID string   `json:"subscriptionId"`
	EventTypes     []string `json:"eventTypes"`
	URLPattern     string   `json:"urlPattern"`
}

func (w *Worker) handleToolCall(rec protocol.Record) {
	agentID := rec.AgentID
	if agentID == "" {
		agentID = w.DefaultAgent()
	}

	result, werr := w.runTool(rec, agentID)

	var reply protocol.Record
	if werr != nil {
		reply = protocol.NewToolError(rec.ID, agentID, werr.Code, werr.Message)
	} else {
		reply = protocol.NewToolResult(rec.ID, agentID, result)
	}
	if err := w.Send(reply); err != nil {
		w.logger.Warn("tool result send failed", zap.String("id", rec.ID), zap.Error(err))
	}
}

func (w *Worker) runTool(rec protocol.Record, agentID string) (json.RawMessage, *protocol.WireError) {
	known := false
	for _, t := range tools.Catalog() {
		if t.Name == rec.Tool {
			known = true
			break
		}
	}
	if !known {
		return nil, protocol.Errf(protocol.CodeUnknownTool, "no handler for tool %q", rec.Tool)
	}

	if werr := w.validate.Validate(rec.Tool, rec.Input); werr != nil {
		return nil, werr
	}

	var in toolInput
	if len(rec.Input) > 0 {
		if err := protocol.Unmarshal(rec.Input, &in); err != nil {
			return nil, protocol.Errf(protocol.CodeInvalidParams, "input decode: %v", err)
		}
	}

	hasTab := in.TabID != nil
	var tabID int
	if hasTab {
		raw := *in.TabID
		if math.IsNaN(raw) || math.IsInf(raw, 0) || raw < 0 || raw != math.Trunc(raw) {
			return nil, protocol.Errf(protocol.CodeInvalidParams,
				"tabId must be a finite non-negative integer")
		}
		tabID = int(raw)
	}

	if in.Ref != "" && !ValidRef(in.Ref) {
		return nil, protocol.Errf(protocol.CodeInvalidParams,
			"malformed element ref %q", in.Ref)
	}

	// Debugger-dependent tools serialize per tab through the lock table.
	if tools.IsCDPTool(rec.Tool) && hasTab {
		if !w.Locks.Acquire(tabID, agentID) {
			holder, _ := w.Locks.Holder(tabID)
			return nil, protocol.Errf(protocol.CodeTabLocked,
				"tab %d is locked by agent %s", tabID, holder)
		}
		defer w.Locks.Release(tabID, agentID)
	}

	if hasTab && !w.Groups.Owns(agentID, tabID) {
		return nil, protocol.Errf(protocol.CodeTabAccessDenied,
			"tab %d is not owned by agent %s", tabID, agentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout(rec.Tool, in))
	defer cancel()
	return w.invoke(ctx, rec.Tool, agentID, tabID, in)
}

// handlerTimeout bounds handler execution worker-side, slightly
// inside the server's deadline so the worker's answer wins the race.
func handlerTimeout(tool string, in toolInput) time.Duration {
	if tool == "wait_for" && in.Timeout != nil {
		return time.Duration(*in.Timeout)*time.Millisecond + 2*time.Second
	}
	return 25 * time.Second
}

func (w *Worker) invoke(ctx context.Context, tool, agentID string, tabID int, in toolInput) (json.RawMessage, *protocol.WireError) {
	wrap := func(res json.RawMessage, err error) (json.RawMessage, *protocol.WireError) {
		if err != nil {
			if werr, ok := err.(*protocol.WireError); ok {
				return nil, werr
			}
			return nil, protocol.Errf(protocol.CodeCDPError, "%s: %v", tool, err)
		}
		return res, nil
	}

	switch tool {
	case "navigate":
		var res json.RawMessage
		err := w.CDP.WithCommand(ctx, tabID, func() error {
			var cmdErr error
			res, cmdErr = w.browser.Navigate(ctx, tabID, in.URL)
			return cmdErr
		})
		return wrap(res, err)

	case "click":
		var res json.RawMessage
		err := w.CDP.WithCommand(ctx, tabID, func() error {
			var cmdErr error
			res, cmdErr = w.browser.Click(ctx, tabID, in.Ref, in.X, in.Y)
			return cmdErr
		})
		return wrap(res, err)

	case "type_text":
		var res json.RawMessage
		err := w.CDP.WithCommand(ctx, tabID, func() error {
			var cmdErr error
			res, cmdErr = w.browser.TypeText(ctx, tabID, in.Ref, in.Text)
			return cmdErr
		})
		return wrap(res, err)

	case "screenshot":
		var data string
		err := w.CDP.WithCommand(ctx, tabID, func() error {
			var cmdErr error
			data, cmdErr = w.browser.Screenshot(ctx, tabID, in.Format)
			return cmdErr
		})
		if err != nil {
			return wrap(nil, err)
		}
		imageID := w.Shots.Put(data)
		out, _ := protocol.Marshal(map[string]string{"imageId": imageID, "data": data})
		return out, nil

	case "scrape_page":
		var res json.RawMessage
		err := w.CDP.WithCommand(ctx, tabID, func() error {
			var cmdErr error
			res, cmdErr = w.browser.ScrapePage(ctx, tabID, in.Selector)
			return cmdErr
		})
		return wrap(res, err)

	case "wait_for":
		timeout := defaultWaitFor
		if in.Timeout != nil {
			timeout = time.Duration(*in.Timeout) * time.Millisecond
		}
		var res json.RawMessage
		err := w.CDP.WithCommand(ctx, tabID, func() error {
			var cmdErr error
			res, cmdErr = w.browser.WaitFor(ctx, tabID, in.Selector, timeout)
			return cmdErr
		})
		return wrap(res, err)

	case "evaluate":
		var res json.RawMessage
		err := w.CDP.WithCommand(ctx, tabID, func() error {
			var cmdErr error
			res, cmdErr = w.browser.Evaluate(ctx, tabID, in.Expression)
			return cmdErr
		})
		return wrap(res, err)

	case "list_tabs":
		owned := w.Groups.Tabs(agentID)
		ownedSet := make(map[int]struct{}, len(owned))
		for _, t := range owned {
			ownedSet[t] = struct{}{}
		}
		all, err := w.browser.ListTabs(ctx)
		if err != nil {
			return wrap(nil, err)
		}
		var visible []TabInfo
		for _, tab := range all {
			if _, ok := ownedSet[tab.ID]; ok {
				visible = append(visible, tab)
			}
		}
		out, _ := protocol.Marshal(map[string]any{"tabs": visible})
		return out, nil

	case "create_tab":
		tab, err := w.browser.CreateTab(ctx, in.URL)
		if err != nil {
			return wrap(nil, err)
		}
		w.Groups.Ensure(agentID, agentID)
		w.Groups.AddTab(agentID, tab.ID)
		w.persistGroup(agentID)
		out, _ := protocol.Marshal(tab)
		return out, nil

	case "close_tab":
		if err := w.browser.CloseTab(ctx, tabID); err != nil {
			return wrap(nil, err)
		}
		w.Groups.RemoveTab(tabID)
		w.CDP.Forget(tabID)
		w.Console.PurgeTab(tabID)
		w.Network.PurgeTab(tabID)
		w.Locks.Release(tabID, agentID)
		w.persistGroup(agentID)
		return json.RawMessage(`{"closed":true}`), nil

	case "upload_image":
		data, ok := w.Shots.Get(in.ImageID)
		if !ok {
			return nil, protocol.Errf(protocol.CodeInvalidParams,
				"unknown imageId %q", in.ImageID)
		}
		out, _ := protocol.Marshal(map[string]string{"imageId": in.ImageID, "data": data})
		return out, nil

	case "browser_event_subscribe":
		subID := id.NewSubscriptionID().String()
		w.mu.Lock()
		w.subs[subID] = struct{}{}
		w.mu.Unlock()
		out, _ := protocol.Marshal(map[string]string{"subscriptionId": subID})
		return out, nil

	case "browser_event_unsubscribe":
		w.mu.Lock()
		_, ok := w.subs[in.SubscriptionID]
		if ok {
			delete(w.subs, in.SubscriptionID)
		}
		w.mu.Unlock()
		if !ok {
			return nil, protocol.Errf(protocol.CodeInvalidParams,
				"unknown subscriptionId %q", in.SubscriptionID)
		}
		return json.RawMessage(`{"unsubscribed":true}`), nil
	}

	return nil, protocol.Errf(protocol.CodeUnknownTool, "no handler for tool %q", tool)
}

// persistGroup snapshots one agent's group into the durable store.
func (w *Worker) persistGroup(agentID string) {
	if w.store == nil {
		return
	}
	grp, ok := w.Groups.Get(agentID)
	if !ok {
		return
	}
	state := GroupState{
		AgentID:      grp.AgentID,
		AgentName:    grp.AgentName,
		GroupID:      grp.GroupID,
		Color:        grp.Color,
		Tabs:         w.Groups.Tabs(agentID),
		Status:       "active",
		LastActivity: protocol.NowMillis(),
	}
	if err := w.store.SaveGroup(state); err != nil {
		w.logger.Warn("group persist failed", zap.Error(err))
	}
}
