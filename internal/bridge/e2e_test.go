package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/server"
	"github.com/viyv/viyv-browser/internal/transport/frame"
	"github.com/viyv/viyv-browser/internal/worker"
)

// harness wires server core, bridge, and worker together the way the
// three real processes are: unix socket between server and bridge, framed
// pipes between bridge and worker.
type harness struct {
	core   *server.Core
	bridge *Bridge
	worker *worker.Worker
	sim    *worker.SimBrowser
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir, err := os.MkdirTemp("", "viyv-e2e")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socketPath := filepath.Join(dir, "ext.sock")

	core := server.NewCore(server.Config{
		SocketPath:   socketPath,
		DefaultAgent: "default",
		Logger:       logging.NewNop(),
	})
	require.NoError(t, core.Start())
	t.Cleanup(core.Stop)

	// worker -> bridge and bridge -> worker framed pipes
	workerOutR, workerOutW := io.Pipe()
	bridgeOutR, bridgeOutW := io.Pipe()

	sim := worker.NewSimBrowser()
	sim.AddTab(42, "about:blank", "blank")
	frameOut := frame.NewWriter(workerOutW)
	wk := worker.New(worker.Config{
		Browser: sim,
		Send:    func(rec protocol.Record) error { return frameOut.Write(rec) },
		Logger:  logging.NewNop(),
	})
	wk.AdoptTab("default", 42)

	workerDec := &frame.Decoder{OnRecord: wk.HandleRecord}
	go frame.ReadLoop(bridgeOutR, workerDec)

	b := New(Config{
		SocketPath: socketPath,
		HostIn:     workerOutR,
		HostOut:    bridgeOutW,
		Dial: func(path string) (net.Conn, error) {
			return net.Dial("unix", path)
		},
		Logger: logging.NewNop(),
	})
	require.True(t, b.WaitForSocket())
	go b.Run()
	require.Eventually(t, core.Connected, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		b.Stop()
		workerOutW.Close()
		bridgeOutW.Close()
	})

	return &harness{core: core, bridge: b, worker: wk, sim: sim}
}

func TestEndToEndNavigate(t *testing.T) {
	h := newHarness(t)

	result, werr := h.core.CallTool(context.Background(), "navigate",
		json.RawMessage(`{"tabId":42,"url":"https://example.com/"}`))
	require.Nil(t, werr)
	assert.JSONEq(t, `{"url":"https://example.com/","title":"Example Domain"}`, string(result))
}

func TestEndToEndAccessDenied(t *testing.T) {
	h := newHarness(t)
	h.sim.AddTab(99, "about:blank", "blank")
	h.worker.AdoptTab("other", 99)

	_, werr := h.core.CallTool(context.Background(), "navigate",
		json.RawMessage(`{"tabId":99,"url":"https://example.com/"}`))
	require.NotNil(t, werr)
	assert.Equal(t, protocol.CodeTabAccessDenied, werr.Code)
}

func TestEndToEndChunkedResult(t *testing.T) {
	h := newHarness(t)

	// A ~2 MiB evaluate result exceeds the frame cap and travels as a
	// compressed chunk set; the caller still sees one result.
	big := make([]byte, 2*1024*1024)
	for i := range big {
		big[i] = 'a' + byte(i%26)
	}
	payload, err := protocol.Marshal(map[string]string{"data": string(big)})
	require.NoError(t, err)

	ch := h.core.Pending.Register("chunked-call", 10*time.Second)
	go func() {
		res := protocol.NewToolResult("chunked-call", "default", payload)
		assert.NoError(t, h.worker.Send(res))
	}()

	select {
	case out := <-ch:
		require.Nil(t, out.Err)
		var decoded struct {
			Data string `json:"data"`
		}
		require.NoError(t, protocol.Unmarshal(out.Result, &decoded))
		assert.Equal(t, string(big), decoded.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("chunked result never reassembled")
	}
}

func TestEndToEndEventFlow(t *testing.T) {
	h := newHarness(t)

	notified := make(chan protocol.Record, 4)
	h.core.Events.SetNotifier(notifierFunc(func(subID string, event protocol.Record) error {
		notified <- event
		return nil
	}))

	result, werr := h.core.CallTool(context.Background(), "browser_event_subscribe",
		json.RawMessage(`{"eventTypes":["browser.page_load"],"urlPattern":"example.com"}`))
	require.Nil(t, werr)
	assert.Contains(t, string(result), "subscriptionId")

	h.worker.Emitter.Emit("default", "browser.page_load", 42, "https://example.com/x", nil)
	h.worker.Emitter.Emit("default", "browser.page_load", 42, "https://other.com/y", nil)

	select {
	case event := <-notified:
		assert.Equal(t, "https://example.com/x", event.URL)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed event never arrived")
	}
	select {
	case event := <-notified:
		t.Fatalf("unexpected second delivery for %s", event.URL)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndToEndSocketDropFailsPending(t *testing.T) {
	h := newHarness(t)

	outcome := make(chan *protocol.WireError, 1)
	go func() {
		_, werr := h.core.CallTool(context.Background(), "wait_for",
			json.RawMessage(`{"tabId":42,"selector":"#never","timeout":8000}`))
		outcome <- werr
	}()

	// Give the call time to reach the worker, then cut the socket.
	time.Sleep(200 * time.Millisecond)
	h.bridge.Stop()

	select {
	case werr := <-outcome:
		require.NotNil(t, werr)
		assert.Equal(t, protocol.CodeExtensionNotConnected, werr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call survived the socket drop")
	}
}

type notifierFunc func(subscriptionID string, event protocol.Record) error

func (f notifierFunc) NotifyEvent(subscriptionID string, event protocol.Record) error {
	return f(subscriptionID, event)
}
