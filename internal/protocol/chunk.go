package protocol

import (
	"encoding/base64"
	"sort"
	"strings"
	"sync"
	"time"
)

// ReassemblyTimeout bounds how long a partial chunk set may wait for its
// remaining chunks.
const ReassemblyTimeout = 10 * time.Second

// Split cuts an oversized serialized record into chunk records sharing one
// requestId. When compress is true the payload is gzipped as a whole first.
// The body is base64-encoded as one stream and the encoded text is cut at
// the chunk bound, so every chunk's data and its frame stay
// under the cap. Reassembly joins the pieces in index order, decodes the
// base64 once, gunzips when flagged, and parses the result.
func Split(requestID, agentID string, payload []byte, compress bool) ([]Record, error) {
	body := payload
	if compress {
		zipped, err := Gzip(payload)
		if err != nil {
			return nil, err
		}
		body = zipped
	}
	encoded := base64.StdEncoding.EncodeToString(body)

	total := (len(encoded) + CompressThreshold - 1) / CompressThreshold
	if total < 1 {
		total = 1
	}

	chunks := make([]Record, 0, total)
	for i := 0; i < total; i++ {
		start := i * CompressThreshold
		end := start + CompressThreshold
		if end > len(encoded) {
			end = len(encoded)
		}
		idx := i
		chunks = append(chunks, Record{
			Type:        TypeChunk,
			RequestID:   requestID,
			AgentID:     agentID,
			ChunkIndex:  &idx,
			TotalChunks: total,
			TotalSize:   len(body),
			Compressed:  compress,
			Data:        encoded[start:end],
		})
	}
	return chunks, nil
}

type partialSet struct {
	total      int
	size       int
	compressed bool
	parts      map[int]string
	timer      *time.Timer
}

// Reassembler collects chunk records per requestId and yields the original
// serialized record once every index has arrived. A set that stays
// incomplete past the timeout is discarded and reported through onExpire.
type Reassembler struct {
	mu       sync.Mutex
	sets     map[string]*partialSet
	timeout  time.Duration
	onExpire func(requestID string, err *WireError)
}

// NewReassembler builds a reassembler. onExpire may be nil.
func NewReassembler(timeout time.Duration, onExpire func(requestID string, err *WireError)) *Reassembler {
	if timeout <= 0 {
		timeout = ReassemblyTimeout
	}
	return &Reassembler{
		sets:     make(map[string]*partialSet),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// Add ingests one chunk record. When the set completes it returns the
// reassembled payload with done=true. Malformed chunks (header mismatch,
// bad index, bad base64) discard the whole set and return a
// CHUNK_REASSEMBLY_FAILED error.
func (r *Reassembler) Add(rec Record) (payload []byte, done bool, err *WireError) {
	if rec.Type != TypeChunk || rec.ChunkIndex == nil || rec.TotalChunks < 1 {
		return nil, false, Errf(CodeChunkReassembly, "malformed chunk record")
	}
	idx := *rec.ChunkIndex
	if idx < 0 || idx >= rec.TotalChunks {
		r.drop(rec.RequestID)
		return nil, false, Errf(CodeChunkReassembly, "chunk index %d out of range [0,%d)", idx, rec.TotalChunks)
	}

	r.mu.Lock()
	set, ok := r.sets[rec.RequestID]
	if !ok {
		set = &partialSet{
			total:      rec.TotalChunks,
			size:       rec.TotalSize,
			compressed: rec.Compressed,
			parts:      make(map[int]string),
		}
		reqID := rec.RequestID
		set.timer = time.AfterFunc(r.timeout, func() { r.expire(reqID) })
		r.sets[rec.RequestID] = set
	}
	if set.total != rec.TotalChunks || set.size != rec.TotalSize || set.compressed != rec.Compressed {
		set.timer.Stop()
		delete(r.sets, rec.RequestID)
		r.mu.Unlock()
		return nil, false, Errf(CodeChunkReassembly, "chunk header mismatch for request %s", rec.RequestID)
	}
	set.parts[idx] = rec.Data
	if len(set.parts) < set.total {
		r.mu.Unlock()
		return nil, false, nil
	}
	set.timer.Stop()
	delete(r.sets, rec.RequestID)
	r.mu.Unlock()

	indices := make([]int, 0, len(set.parts))
	for i := range set.parts {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	var encoded strings.Builder
	for _, i := range indices {
		encoded.WriteString(set.parts[i])
	}
	body, decErr := base64.StdEncoding.DecodeString(encoded.String())
	if decErr != nil {
		return nil, false, Errf(CodeChunkReassembly, "base64: %v", decErr)
	}
	if set.compressed {
		plain, zErr := Gunzip(body)
		if zErr != nil {
			return nil, false, Errf(CodeChunkReassembly, "gunzip: %v", zErr)
		}
		return plain, true, nil
	}
	return body, true, nil
}

// Pending returns the number of in-flight chunk sets.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

func (r *Reassembler) drop(requestID string) {
	r.mu.Lock()
	if set, ok := r.sets[requestID]; ok {
		set.timer.Stop()
		delete(r.sets, requestID)
	}
	r.mu.Unlock()
}

func (r *Reassembler) expire(requestID string) {
	r.mu.Lock()
	_, ok := r.sets[requestID]
	if ok {
		delete(r.sets, requestID)
	}
	r.mu.Unlock()
	if ok && r.onExpire != nil {
		r.onExpire(requestID, Errf(CodeChunkReassembly, "chunk set %s incomplete after %s", requestID, r.timeout))
	}
}
