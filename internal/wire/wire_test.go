package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := RegisterPayload{NodeID: "node-1", Host: "127.0.0.1", Port: 9000, Capacity: 100, Bandwidth: 1000}

	require.NoError(t, WriteFrame(&buf, KindRegister, want))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindRegister, got.Kind)

	var decoded RegisterPayload
	require.NoError(t, got.Decode(&decoded))
	assert.Equal(t, want, decoded)
}

func TestWriteFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindPing, nil))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindPing, got.Kind)
	assert.Equal(t, "{}", string(got.Payload))
}

func TestBulkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	header := PutChunkHeader{FileID: "f1", Index: 0, Size: 5, Checksum: "deadbeef"}
	require.NoError(t, WriteFrame(&buf, KindPutChunk, header))
	require.NoError(t, WriteBulk(&buf, []byte("hello")))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)

	var decoded PutChunkHeader
	require.NoError(t, frame.Decode(&decoded))
	assert.Equal(t, header, decoded)

	data, err := ReadBulk(&buf, decoded.Size)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindOK, nil))
	require.NoError(t, WriteFrame(&buf, KindErr, ErrPayload{Error: "boom"}))

	f1, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindOK, f1.Kind)

	f2, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindErr, f2.Kind)
	var errPayload ErrPayload
	require.NoError(t, f2.Decode(&errPayload))
	assert.Equal(t, "boom", errPayload.Error)
}
