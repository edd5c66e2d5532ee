package protocol

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte(`{"k":"v"}`), 10000)
	zipped, err := Gzip(payload)
	require.NoError(t, err)
	plain, err := Gunzip(zipped)
	require.NoError(t, err)
	assert.Equal(t, payload, plain)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	serialized := []byte(`{"type":"tool_result","id":"abc","success":true}`)
	env, err := Envelope(serialized)
	require.NoError(t, err)
	assert.Equal(t, TypeCompressed, env.Type)

	plain, err := OpenEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, serialized, plain)
}

func TestOpenEnvelopeRejectsOtherTypes(t *testing.T) {
	_, err := OpenEnvelope(Record{Type: TypeToolCall})
	assert.Error(t, err)
}

func TestMaybeCompressBelowThreshold(t *testing.T) {
	small := []byte(`{"type":"session_heartbeat"}`)
	out, err := MaybeCompress(small)
	require.NoError(t, err)
	assert.Equal(t, small, out)
}

func TestMaybeCompressWrapsCompressible(t *testing.T) {
	big := bytes.Repeat([]byte("aaaaaaaa"), CompressThreshold/4)
	out, err := MaybeCompress(big)
	require.NoError(t, err)

	var env Record
	require.NoError(t, Unmarshal(out, &env))
	require.Equal(t, TypeCompressed, env.Type)

	plain, err := OpenEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, big, plain)
}

func TestMaybeCompressSkipsIncompressible(t *testing.T) {
	// Random bytes do not gzip smaller, so the original must pass verbatim.
	big := make([]byte, CompressThreshold+1024)
	_, err := rand.Read(big)
	require.NoError(t, err)

	out, err := MaybeCompress(big)
	require.NoError(t, err)
	assert.Equal(t, big, out)
}
