// Package frame implements the length-prefixed record encoding used on the
// browser host channel: a little-endian uint32 length followed by that many
// bytes of UTF-8 JSON, capped at 1 MiB per record.
package frame

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/viyv/viyv-browser/internal/protocol"
)

const headerSize = 4

// Encode serializes a value and prefixes its length. Records whose JSON
// body exceeds the frame cap fail with MESSAGE_TOO_LARGE.
func Encode(v any) ([]byte, error) {
	body, err := protocol.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(body) > protocol.MaxFrameSize {
		return nil, protocol.Errf(protocol.CodeMessageTooLarge,
			"frame body %d bytes exceeds %d byte cap", len(body), protocol.MaxFrameSize)
	}
	out := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[headerSize:], body)
	return out, nil
}

// Writer serializes records as frames onto a byte stream. Writes are
// serialized so concurrent senders cannot interleave frames.
type Writer struct {
	mu sync.Mutex
	w  io.Writer

	// OnWrite, when set, observes the size of every flushed frame. The
	// owning component hangs its byte counters here.
	OnWrite func(n int)
}

// NewWriter wraps a byte stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames one record and flushes it.
func (w *Writer) Write(v any) error {
	buf, err := Encode(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err = w.w.Write(buf); err != nil {
		return err
	}
	if w.OnWrite != nil {
		w.OnWrite(len(buf))
	}
	return nil
}

// Decoder incrementally parses frames from arbitrary byte slices. Partial
// headers and payloads carry over between feeds. A declared length above
// the cap resets the decoder (the rolling buffer is discarded); invalid
// JSON skips only the offending record.
type Decoder struct {
	buf      []byte
	OnRecord func(protocol.Record)
	OnError  func(error)
	OnClose  func()
}

// Feed appends bytes and drains every complete frame.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
	for {
		if len(d.buf) < headerSize {
			return
		}
		n := binary.LittleEndian.Uint32(d.buf)
		if n > protocol.MaxFrameSize {
			d.buf = nil
			d.fail(protocol.Errf(protocol.CodeMessageTooLarge,
				"declared frame length %d exceeds %d byte cap", n, protocol.MaxFrameSize))
			return
		}
		if len(d.buf) < headerSize+int(n) {
			return
		}
		body := d.buf[headerSize : headerSize+int(n)]
		var rec protocol.Record
		if err := protocol.Unmarshal(body, &rec); err != nil {
			d.fail(err)
		} else if d.OnRecord != nil {
			d.OnRecord(rec)
		}
		d.buf = d.buf[headerSize+int(n):]
	}
}

// Close signals end of stream. Bytes of an unfinished frame are dropped.
func (d *Decoder) Close() {
	d.buf = nil
	if d.OnClose != nil {
		d.OnClose()
	}
}

func (d *Decoder) fail(err error) {
	if d.OnError != nil {
		d.OnError(err)
	}
}

// ReadLoop pumps a reader into the decoder until EOF or a read error, then
// closes the decoder. EOF mid-payload surfaces as close.
func ReadLoop(r io.Reader, d *Decoder) {
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err != nil {
			d.Close()
			return
		}
	}
}
