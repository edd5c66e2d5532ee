// Package bridge joins the browser host channel (length-prefixed frames on
// the standard streams) with the local stream socket (newline-delimited
// records). It buffers host records during socket outages and reconnects
// with exponential backoff.
package bridge

import (
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viyv/viyv-browser/internal/infrastructure/monitoring"
	"github.com/viyv/viyv-browser/internal/logging"
	"github.com/viyv/viyv-browser/internal/protocol"
	"github.com/viyv/viyv-browser/internal/transport/frame"
	"github.com/viyv/viyv-browser/internal/transport/line"
)

const (
	// MaxPending bounds the outage buffer; the oldest record is dropped
	// when a new one arrives at capacity.
	MaxPending = 1000

	// SocketPollInterval and SocketWaitTimeout govern the startup wait for
	// the server's socket to appear.
	SocketPollInterval = 2 * time.Second
	SocketWaitTimeout  = 120 * time.Second

	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

// Dialer connects to the local socket. Injectable for tests.
type Dialer func(path string) (net.Conn, error)

// Config carries bridge construction parameters.
type Config struct {
	SocketPath string
	HostIn     io.Reader
	HostOut    io.Writer
	Dial       Dialer
	Logger     *logging.Logger
	Metrics    *monitoring.Metrics
}

// Bridge is the browser-launched native host process core.
type Bridge struct {
	socketPath string
	hostIn     io.Reader
	hostOut    *frame.Writer
	dial       Dialer
	logger     *logging.Logger
	metrics    *monitoring.Metrics

	mu        sync.Mutex
	conn      net.Conn
	lineW     *line.Writer
	pending   []protocol.Record
	retry     uint
	gotRecord bool

	done     chan struct{}
	stopOnce sync.Once
}

// New builds a bridge. Dial defaults to a unix-socket dialer.
func New(cfg Config) *Bridge {
	dial := cfg.Dial
	if dial == nil {
		dial = func(path string) (net.Conn, error) {
			return net.DialTimeout("unix", path, time.Second)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	hostOut := frame.NewWriter(cfg.HostOut)
	if cfg.Metrics != nil {
		hostOut.OnWrite = func(n int) {
			cfg.Metrics.RecordBytes.WithLabelValues("socket_to_host").Add(float64(n))
		}
	}
	return &Bridge{
		socketPath: cfg.SocketPath,
		hostIn:     cfg.HostIn,
		hostOut:    hostOut,
		dial:       dial,
		logger:     logger,
		metrics:    cfg.Metrics,
		done:       make(chan struct{}),
	}
}

// WaitForSocket blocks until the socket path accepts a connection, polling
// every 2 s for up to 120 s. The first successful probe connection is kept
// as the initial socket.
func (b *Bridge) WaitForSocket() bool {
	deadline := time.Now().Add(SocketWaitTimeout)
	for {
		conn, err := b.dial(b.socketPath)
		if err == nil {
			b.install(conn)
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-b.done:
			return false
		case <-time.After(SocketPollInterval):
		}
	}
}

// Run pumps both directions until the host stream closes or Stop is
// called. WaitForSocket must have succeeded first.
func (b *Bridge) Run() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		go b.socketReadLoop(conn)
	}

	dec := &frame.Decoder{
		OnRecord: b.forwardToSocket,
		OnError: func(err error) {
			b.logger.Warn("host frame error", zap.Error(err))
			if b.metrics != nil {
				b.metrics.FrameErrors.Inc()
			}
		},
		OnClose: func() {
			b.logger.Info("host stream closed, shutting down")
			b.Stop()
		},
	}
	frame.ReadLoop(b.hostIn, dec)
	<-b.done
}

// Stop closes the socket and terminates Run.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		if b.conn != nil {
			b.conn.Close()
			b.conn = nil
		}
		b.mu.Unlock()
	})
}

// PendingLen reports the current outage-buffer depth.
func (b *Bridge) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Backoff returns the reconnect delay for a retry count:
// min(1s * 2^retry, 30s).
func Backoff(retry uint) time.Duration {
	if retry > 5 {
		return maxBackoff
	}
	d := baseBackoff << retry
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// forwardToSocket sends one host record toward the server, buffering it
// when the socket is down.
func (b *Bridge) forwardToSocket(rec protocol.Record) {
	if b.metrics != nil {
		b.metrics.RecordsTotal.WithLabelValues("host_to_socket", string(rec.Type)).Inc()
	}
	b.mu.Lock()
	w := b.lineW
	b.mu.Unlock()

	if w == nil {
		b.buffer(rec)
		return
	}
	if err := w.WriteCompressible(rec); err != nil {
		b.logger.Warn("socket write failed, buffering", zap.Error(err))
		b.buffer(rec)
		b.socketFailed()
	}
}

// buffer appends to the bounded pending list, dropping the oldest entry at
// capacity.
func (b *Bridge) buffer(rec protocol.Record) {
	b.mu.Lock()
	if len(b.pending) >= MaxPending {
		dropped := b.pending[0]
		b.pending = b.pending[1:]
		b.logger.Error("pending buffer full, dropping oldest record",
			zap.String("type", string(dropped.Type)), zap.String("id", dropped.ID))
	}
	b.pending = append(b.pending, rec)
	n := len(b.pending)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.BufferedRecords.Set(float64(n))
	}
}

// flushPending drains the buffer onto a fresh socket. Records are peeked
// before write and popped only after the write succeeds, so a failure
// mid-flush loses nothing.
func (b *Bridge) flushPending() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 || b.lineW == nil {
			b.mu.Unlock()
			break
		}
		rec := b.pending[0]
		w := b.lineW
		b.mu.Unlock()

		if err := w.WriteCompressible(rec); err != nil {
			b.logger.Warn("flush write failed", zap.Error(err))
			b.socketFailed()
			return
		}

		b.mu.Lock()
		if len(b.pending) > 0 && b.pending[0].ID == rec.ID {
			b.pending = b.pending[1:]
		}
		n := len(b.pending)
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.BufferedRecords.Set(float64(n))
		}
	}
}

// install adopts a connected socket.
func (b *Bridge) install(conn net.Conn) {
	w := line.NewWriter(conn)
	if b.metrics != nil {
		w.OnWrite = func(n int) {
			b.metrics.RecordBytes.WithLabelValues("host_to_socket").Add(float64(n))
		}
	}
	b.mu.Lock()
	b.conn = conn
	b.lineW = w
	b.gotRecord = false
	b.mu.Unlock()
	b.logger.Info("socket connected", zap.String("path", b.socketPath))
	b.flushPending()
}

// socketFailed tears down the current socket and schedules a reconnect.
func (b *Bridge) socketFailed() {
	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return
	}
	b.conn.Close()
	b.conn = nil
	b.lineW = nil
	retry := b.retry
	b.retry++
	b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	delay := Backoff(retry)
	b.logger.Info("socket lost, reconnecting",
		zap.Duration("delay", delay), zap.Uint("retry", retry))
	if b.metrics != nil {
		b.metrics.Reconnects.Inc()
	}

	go func() {
		select {
		case <-b.done:
			return
		case <-time.After(delay):
		}
		conn, err := b.dial(b.socketPath)
		if err != nil {
			b.logger.Warn("reconnect failed", zap.Error(err))
			b.mu.Lock()
			// Restore a closed conn placeholder so socketFailed advances
			// the retry counter on the next attempt.
			b.conn = deadConn{}
			b.mu.Unlock()
			b.socketFailed()
			return
		}
		b.install(conn)
		go b.socketReadLoop(conn)
	}()
}

// socketReadLoop forwards server records to the host channel. The retry
// counter resets on the first record received after a connect, not on the
// connect itself, distinguishing a sustained connection from a transient
// accept.
func (b *Bridge) socketReadLoop(conn net.Conn) {
	dec := &line.Decoder{
		OnRecord: func(rec protocol.Record) {
			b.mu.Lock()
			if !b.gotRecord && b.conn == conn {
				b.gotRecord = true
				b.retry = 0
			}
			b.mu.Unlock()
			b.forwardToHost(rec)
		},
		OnError: func(err error) {
			b.logger.Warn("socket record error", zap.Error(err))
		},
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			b.mu.Lock()
			current := b.conn == conn
			b.mu.Unlock()
			if current {
				b.socketFailed()
			}
			return
		}
	}
}

// forwardToHost frames one server record onto the host channel. Oversize
// records are reported but do not close the channel.
func (b *Bridge) forwardToHost(rec protocol.Record) {
	if b.metrics != nil {
		b.metrics.RecordsTotal.WithLabelValues("socket_to_host", string(rec.Type)).Inc()
	}
	if err := b.hostOut.Write(rec); err != nil {
		if protocol.CodeOf(err) == protocol.CodeMessageTooLarge {
			b.logger.Error("record exceeds frame cap, dropped",
				zap.String("id", rec.ID), zap.String("type", string(rec.Type)))
			return
		}
		b.logger.Warn("host write failed", zap.Error(err))
	}
}

// deadConn is a placeholder net.Conn representing an already-failed socket.
type deadConn struct{}

func (deadConn) Read([]byte) (int, error)         { return 0, io.EOF }
func (deadConn) Write([]byte) (int, error)        { return 0, io.ErrClosedPipe }
func (deadConn) Close() error                     { return nil }
func (deadConn) LocalAddr() net.Addr              { return dummyAddr{} }
func (deadConn) RemoteAddr() net.Addr             { return dummyAddr{} }
func (deadConn) SetDeadline(time.Time) error      { return nil }
func (deadConn) SetReadDeadline(time.Time) error  { return nil }
func (deadConn) SetWriteDeadline(time.Time) error { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "unix" }
func (dummyAddr) String() string  { return "dead" }
