// Package line implements the newline-delimited record encoding used on
// the local socket between server and bridge. Records of shape
// {type:"compressed", data:...} are transparent gzip envelopes and are
// unwrapped before dispatch; nested envelopes are not supported.
package line

import (
	"bytes"
	"io"
	"sync"

	"github.com/viyv/viyv-browser/internal/protocol"
)

// Writer appends one JSON record per line to a byte stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer

	// OnWrite, when set, observes the size of every flushed line
	// (including the terminator). The owning component hangs its byte
	// counters here.
	OnWrite func(n int)
}

// NewWriter wraps a byte stream.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write serializes a record and appends a newline.
func (w *Writer) Write(v any) error {
	body, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	return w.writeLine(body)
}

// WriteCompressible is the bridge-outbound path: serializations above the
// threshold are gzip-wrapped when that is strictly smaller.
func (w *Writer) WriteCompressible(v any) error {
	body, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	out, err := protocol.MaybeCompress(body)
	if err != nil {
		return err
	}
	return w.writeLine(out)
}

func (w *Writer) writeLine(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(body); err != nil {
		return err
	}
	if _, err := w.w.Write([]byte{'\n'}); err != nil {
		return err
	}
	if w.OnWrite != nil {
		w.OnWrite(len(body) + 1)
	}
	return nil
}

// Decoder incrementally parses newline-delimited records, carrying the
// final incomplete line across feeds. Empty lines are skipped.
type Decoder struct {
	carry    []byte
	OnRecord func(protocol.Record)
	OnError  func(error)
	OnClose  func()
}

// Feed appends bytes and drains every complete line.
func (d *Decoder) Feed(p []byte) {
	d.carry = append(d.carry, p...)
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			return
		}
		lineBytes := bytes.TrimSpace(d.carry[:i])
		d.carry = d.carry[i+1:]
		if len(lineBytes) == 0 {
			continue
		}
		d.dispatch(lineBytes)
	}
}

func (d *Decoder) dispatch(lineBytes []byte) {
	var rec protocol.Record
	if err := protocol.Unmarshal(lineBytes, &rec); err != nil {
		d.fail(err)
		return
	}
	if rec.Type == protocol.TypeCompressed {
		plain, err := protocol.OpenEnvelope(rec)
		if err != nil {
			d.fail(err)
			return
		}
		var inner protocol.Record
		if err := protocol.Unmarshal(plain, &inner); err != nil {
			d.fail(err)
			return
		}
		rec = inner
	}
	if d.OnRecord != nil {
		d.OnRecord(rec)
	}
}

// Close signals end of stream; a trailing unterminated line is dropped.
func (d *Decoder) Close() {
	d.carry = nil
	if d.OnClose != nil {
		d.OnClose()
	}
}

func (d *Decoder) fail(err error) {
	if d.OnError != nil {
		d.OnError(err)
	}
}

// ReadLoop pumps a reader into the decoder until EOF or error, then closes
// the decoder.
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
