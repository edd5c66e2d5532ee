package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/transport/line"
)

// fakeExtension plays the bridge+worker side over a real unix socket.
type fakeExtension struct {
	conn    net.Conn
	writer  *line.Writer
	records chan protocol.Record
}

func dialExtension(t *testing.T, path string) *fakeExtension {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	ext := &fakeExtension{
		conn:    conn,
		writer:  line.NewWriter(conn),
		records: make(chan protocol.Record, 64),
	}
	dec := &line.Decoder{OnRecord: func(r protocol.Record) { ext.records <- r }}
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, rerr := conn.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return ext
}

func (f *fakeExtension) next(t *testing.T) protocol.Record {
	t.Helper()
	select {
	case rec := <-f.records:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no record from server")
		return protocol.Record{}
	}
}

func newTestCore(t *testing.T) (*Core, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "viyv")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "ext.sock")
	core := NewCore(Config{
		SocketPath:   path,
		DefaultAgent: "default",
		Logger:       logging.NewNop(),
	})
	require.NoError(t, core.Start())
	t.Cleanup(core.Stop)
	return core, path
}

func TestAcceptPushesSessionInit(t *testing.T) {
	core, path := newTestCore(t)
	ext := dialExtension(t, path)

	init := ext.next(t)
	assert.Equal(t, protocol.TypeSessionInit, init.Type)
	assert.Equal(t, "default", init.AgentID)
	assert.Equal(t, protocol.Version, init.ProtocolVersion)
	assert.True(t, core.Connected())
}

func TestCallToolHappyPath(t *testing.T) {
	core, path := newTestCore(t)
	ext := dialExtension(t, path)
	ext.next(t) // session_init

	go func() {
		call := ext.next(t)
		if call.Type != protocol.TypeToolCall || call.Tool != "navigate" {
			return
		}
		ext.writer.Write(protocol.NewToolResult(call.ID, call.AgentID,
			json.RawMessage(`{"url":"https://example.com/","title":"Example Domain"}`)))
	}()

	result, werr := core.CallTool(context.Background(), "navigate",
		json.RawMessage(`{"tabId":42,"url":"https://example.com/"}`))
	require.Nil(t, werr)
	assert.JSONEq(t, `{"url":"https://example.com/","title":"Example Domain"}`, string(result))
	assert.Zero(t, core.Pending.Len())
}

func TestCallToolErrorResult(t *testing.T) {
	core, path := newTestCore(t)
	ext := dialExtension(t, path)
	ext.next(t)

	go func() {
		call := ext.next(t)
		ext.writer.Write(protocol.NewToolError(call.ID, call.AgentID,
			protocol.CodeTabAccessDenied, "tab 99 is not owned by agent default"))
	}()

	_, werr := core.CallTool(context.Background(), "navigate",
		json.RawMessage(`{"tabId":99,"url":"https://example.com/"}`))
	require.NotNil(t, werr)
	assert.Equal(t, protocol.CodeTabAccessDenied, werr.Code)
}

func TestCallToolWithoutExtension(t *testing.T) {
	core, _ := newTestCore(t)

	_, werr := core.CallTool(context.Background(), "navigate", json.RawMessage(`{}`))
	require.NotNil(t, werr)
	assert.Equal(t, protocol.CodeExtensionNotConnected, werr.Code)
}

func TestSecondConnectUsurpsAndFailsPending(t *testing.T) {
	core, path := newTestCore(t)
	first := dialExtension(t, path)
	first.next(t)

	// Leave a call pending on the first socket.
	outcome := make(chan *protocol.WireError, 1)
	go func() {
		_, werr := core.CallTool(context.Background(), "screenshot", json.RawMessage(`{"tabId":1}`))
		outcome <- werr
	}()
	call := first.next(t)
	require.Equal(t, protocol.TypeToolCall, call.Type)

	second := dialExtension(t, path)
	second.next(t)

	select {
	case werr := <-outcome:
		require.NotNil(t, werr)
		assert.Equal(t, protocol.CodeExtensionNotConnected, werr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail on usurpation")
	}

	// A result sent on the stale socket must never be delivered.
	first.writer.Write(protocol.NewToolResult(call.ID, call.AgentID, json.RawMessage(`{"stale":true}`)))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, core.Pending.Len())
	assert.True(t, core.Connected())
}

func TestDisconnectFailsPending(t *testing.T) {
	core, path := newTestCore(t)
	ext := dialExtension(t, path)
	ext.next(t)

	outcome := make(chan *protocol.WireError, 1)
	go func() {
		_, werr := core.CallTool(context.Background(), "scrape_page", json.RawMessage(`{"tabId":1}`))
		outcome <- werr
	}()
	ext.next(t) // the tool_call reached the socket

	ext.conn.Close()

	select {
	case werr := <-outcome:
		require.NotNil(t, werr)
		assert.Equal(t, protocol.CodeExtensionNotConnected, werr.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail on disconnect")
	}
}

func TestChunkedResultReassembled(t *testing.T) {
	core, path := newTestCore(t)
	ext := dialExtension(t, path)
	ext.next(t)

	// ~2 MiB payload arrives as a compressed chunk set; being repetitive,
	// it gzips small enough to fit a single chunk.
	big := bytes.Repeat([]byte("abcdefgh"), 256*1024)
	payload, err := protocol.Marshal(map[string]string{"data": string(big)})
	require.NoError(t, err)

	go func() {
		call := ext.next(t)
		res := protocol.NewToolResult(call.ID, call.AgentID, payload)
		serialized, _ := protocol.Marshal(res)
		chunks, _ := protocol.Split(call.ID, call.AgentID, serialized, true)
		for _, chunk := range chunks {
			ext.writer.Write(chunk)
		}
	}()

	result, werr := core.CallTool(context.Background(), "scrape_page", json.RawMessage(`{"tabId":1}`))
	require.Nil(t, werr)

	var decoded struct {
		Data string `json:"data"`
	}
	require.NoError(t, protocol.Unmarshal(result, &decoded))
	assert.Equal(t, string(big), decoded.Data)
}

func TestSubscribeMirrorsIntoEventTable(t *testing.T) {
	core, path := newTestCore(t)
	ext := dialExtension(t, path)
	ext.next(t)

	notifier := &recordingNotifier{}
	core.Events.SetNotifier(notifier)

	go func() {
		call := ext.next(t)
		ext.writer.Write(protocol.NewToolResult(call.ID, call.AgentID,
			json.RawMessage(`{"subscriptionId":"sub_01ABC"}`)))
	}()

	_, werr := core.CallTool(context.Background(), "browser_event_subscribe",
		json.RawMessage(`{"eventTypes":["browser.page_load"],"urlPattern":"example.com"}`))
	require.Nil(t, werr)
	require.Equal(t, 1, core.Events.Len())

	// Only the matching event reaches the notifier.
	matching := protocol.NewBrowserEvent("default", "browser.page_load", 1, "https://example.com/x", nil, 1)
	other := protocol.NewBrowserEvent("default", "browser.page_load", 1, "https://other.com/y", nil, 2)
	data1, _ := protocol.Marshal(matching)
	data2, _ := protocol.Marshal(other)
	ext.conn.Write(append(data1, '\n'))
	ext.conn.Write(append(data2, '\n'))

	assert.Eventually(t, func() bool {
		return len(notifier.ids()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetStatusAnsweredLocally(t *testing.T) {
	core, _ := newTestCore(t)

	result, werr := core.CallTool(context.Background(), "get_status", nil)
	require.Nil(t, werr)

	var status map[string]any
	require.NoError(t, protocol.Unmarshal(result, &status))
	assert.Equal(t, false, status["extensionConnected"])
	assert.Equal(t, "default", status["defaultAgent"])
}

func TestSessionCloseClearsSubscriptions(t *testing.T) {
	core, path := newTestCore(t)
	ext := dialExtension(t, path)
	ext.next(t)

	core.Sessions.Init("agent-x", "x")
	core.Events.Add("sub-x", "agent-x", []string{"browser.page_load"}, "")

	closeRec := protocol.Record{
		ID: protocol.NewID(), Type: protocol.TypeSessionClose, AgentID: "agent-x",
	}
	data, _ := protocol.Marshal(closeRec)
	ext.conn.Write(append(data, '\n'))

	assert.Eventually(t, func() bool {
		return core.Events.Len() == 0 && core.Sessions.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
