package bridge

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/transport/frame"
	"github.com/viyv/viyv-browser/internal/transport/line"
)

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		retry uint
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(strconv.FormatUint(uint64(tt.retry), 10), func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.retry))
		})
	}
}

// fakeSocket gives the test the server side of the bridge's dial.
type fakeSocket struct {
	mu    sync.Mutex
	conns []net.Conn
	fail  bool
}

func (f *fakeSocket) dial(string) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, fmt.Errorf("dial: connection refused")
	}
	client, server := net.Pipe()
	f.conns = append(f.conns, server)
	return client, nil
}

func (f *fakeSocket) latest() net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func newTestBridge(t *testing.T, sock *fakeSocket) (*Bridge, *io.PipeWriter, *io.PipeReader) {
	t.Helper()
	hostInR, hostInW := io.Pipe()
	hostOutR, hostOutW := io.Pipe()

	b := New(Config{
		SocketPath: "/tmp/test.sock",
		HostIn:     hostInR,
		HostOut:    hostOutW,
		Dial:       sock.dial,
		Logger:     logging.NewNop(),
	})
	t.Cleanup(func() {
		b.Stop()
		hostInW.Close()
		hostOutW.Close()
	})
	return b, hostInW, hostOutR
}

func sendHostRecord(t *testing.T, w io.Writer, rec protocol.Record) {
	t.Helper()
	buf, err := frame.Encode(rec)
	require.NoError(t, err)
	_, err = w.Write(buf)
	require.NoError(t, err)
}

func readLineRecord(t *testing.T, conn net.Conn) protocol.Record {
	t.Helper()
	ch := make(chan protocol.Record, 1)
	dec := &line.Decoder{OnRecord: func(r protocol.Record) {
		select {
		case ch <- r:
		default:
		}
	}}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				dec.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no record on socket side")
		return protocol.Record{}
	}
}

func TestForwardHostToSocket(t *testing.T) {
	sock := &fakeSocket{}
	b, hostIn, _ := newTestBridge(t, sock)
	require.True(t, b.WaitForSocket())
	go b.Run()

	rec := protocol.NewToolCall("default", "navigate", []byte(`{"tabId":1}`))
	sendHostRecord(t, hostIn, rec)

	got := readLineRecord(t, sock.latest())
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, protocol.TypeToolCall, got.Type)
}

func TestForwardSocketToHost(t *testing.T) {
	sock := &fakeSocket{}
	b, _, hostOut := newTestBridge(t, sock)
	require.True(t, b.WaitForSocket())
	go b.Run()

	recCh := make(chan protocol.Record, 1)
	dec := &frame.Decoder{OnRecord: func(r protocol.Record) {
		select {
		case recCh <- r:
		default:
		}
	}}
	go frame.ReadLoop(hostOut, dec)

	res := protocol.NewToolResult("call-1", "default", []byte(`{"ok":true}`))
	server := sock.latest()
	go line.NewWriter(server).Write(res)

	select {
	case got := <-recCh:
		assert.Equal(t, "call-1", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame reached the host side")
	}
}

func TestBufferWhileDisconnected(t *testing.T) {
	sock := &fakeSocket{fail: true}
	b := New(Config{
		SocketPath: "/tmp/test.sock",
		HostIn:     nil,
		HostOut:    io.Discard,
		Dial:       sock.dial,
		Logger:     logging.NewNop(),
	})
	defer b.Stop()

	for i := 0; i < 5; i++ {
		b.forwardToSocket(protocol.NewSessionInit("default"))
	}
	assert.Equal(t, 5, b.PendingLen())
}

func TestBufferDropsOldestAtCapacity(t *testing.T) {
	sock := &fakeSocket{fail: true}
	b := New(Config{
		SocketPath: "/tmp/test.sock",
		HostOut:    io.Discard,
		Dial:       sock.dial,
		Logger:     logging.NewNop(),
	})
	defer b.Stop()

	first := protocol.NewSessionInit("default")
	b.forwardToSocket(first)
	for i := 0; i < MaxPending; i++ {
		b.forwardToSocket(protocol.NewSessionInit("default"))
	}

	assert.Equal(t, MaxPending, b.PendingLen())
	b.mu.Lock()
	head := b.pending[0]
	b.mu.Unlock()
	assert.NotEqual(t, first.ID, head.ID, "oldest record should have been dropped")
}

func TestFlushAfterReconnect(t *testing.T) {
	sock := &fakeSocket{fail: true}
	b := New(Config{
		SocketPath: "/tmp/test.sock",
		HostOut:    io.Discard,
		Dial:       sock.dial,
		Logger:     logging.NewNop(),
	})
	defer b.Stop()

	rec := protocol.NewToolCall("default", "click", []byte(`{"tabId":2}`))
	b.forwardToSocket(rec)
	require.Equal(t, 1, b.PendingLen())

	sock.mu.Lock()
	sock.fail = false
	sock.mu.Unlock()

	conn, err := sock.dial("/tmp/test.sock")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		got := readLineRecord(t, sock.latest())
		assert.Equal(t, rec.ID, got.ID)
		close(done)
	}()

	b.install(conn)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("buffered record was not flushed")
	}
	assert.Eventually(t, func() bool { return b.PendingLen() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRetryResetsOnFirstRecordOnly(t *testing.T) {
	sock := &fakeSocket{}
	b, _, hostOut := newTestBridge(t, sock)
	go io.Copy(io.Discard, hostOut)

	b.mu.Lock()
	b.retry = 3
	b.mu.Unlock()

	require.True(t, b.WaitForSocket())
	go b.Run()

	// Connecting alone must not reset the counter.
	b.mu.Lock()
	retryAfterConnect := b.retry
	b.mu.Unlock()
	assert.Equal(t, uint(3), retryAfterConnect)

	// The first record from the server does.
	go line.NewWriter(sock.latest()).Write(protocol.NewSessionInit("default"))
	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.retry == 0
	}, 2*time.Second, 10*time.Millisecond)
}
