package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// MaxFrameSize is the hard cap on a single framed record.
	MaxFrameSize = 1 << 20 // 1 MiB

	// CompressThreshold is the serialized size above which line-channel
	// writers attempt gzip wrapping, and the chunk payload size used when
	// splitting oversized records.
	CompressThreshold = 768 * 1024
)

// Gzip compresses raw bytes.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses gzip bytes.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Envelope wraps serialized JSON in a {type:"compressed"} record. The
// caller decides whether wrapping is worthwhile; see MaybeCompress.
func Envelope(serialized []byte) (Record, error) {
	zipped, err := Gzip(serialized)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Type: TypeCompressed,
		Data: base64.StdEncoding.EncodeToString(zipped),
	}, nil
}

// OpenEnvelope unwraps a compressed record back to the serialized JSON it
// carries. Nested envelopes are not supported.
func OpenEnvelope(rec Record) ([]byte, error) {
	if rec.Type != TypeCompressed {
		return nil, fmt.Errorf("not a compressed envelope: %q", rec.Type)
	}
	zipped, err := base64.StdEncoding.DecodeString(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("envelope base64: %w", err)
	}
	plain, err := Gunzip(zipped)
	if err != nil {
		return nil, fmt.Errorf("envelope gzip: %w", err)
	}
	return plain, nil
}

// MaybeCompress applies the line-channel writer rule: payloads above the
// threshold are gzip-wrapped only when the gzip output is strictly smaller
// than the original. The returned bytes are the line to send, either the
// original serialization or the serialized envelope.
func MaybeCompress(serialized []byte) ([]byte, error) {
	if len(serialized) <= CompressThreshold {
		return serialized, nil
	}
	zipped, err := Gzip(serialized)
	if err != nil {
		return nil, err
	}
	if len(zipped) >= len(serialized) {
		return serialized, nil
	}
	env := Record{
		Type: TypeCompressed,
		Data: base64.StdEncoding.EncodeToString(zipped),
	}
	return Marshal(env)
}
