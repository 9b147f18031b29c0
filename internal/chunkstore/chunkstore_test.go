package chunkstore

import (
	"testing"

	"github.com/clustore/clustore/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New(1 << 20)
	key := Key{FileID: "f1", Index: 0}
	data := []byte("hello world")
	sum := Checksum(data)

	already, err := s.Put(key, data, sum)
	require.NoError(t, err)
	assert.False(t, already)

	got, err := s.Get(key, true)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), s.UsedBytes())
}

func TestPutWrongChecksumRejectedAndNotStored(t *testing.T) {
	s := New(1 << 20)
	key := Key{FileID: "f1", Index: 0}

	_, err := s.Put(key, []byte("hello"), "not-a-real-checksum")
	assert.ErrorIs(t, err, errs.ErrWrongChecksum)
	assert.False(t, s.Has(key))
	assert.Equal(t, int64(0), s.UsedBytes())
}

func TestPutIdempotentWhenChecksumMatches(t *testing.T) {
	s := New(1 << 20)
	key := Key{FileID: "f1", Index: 0}
	data := []byte("hello")
	sum := Checksum(data)

	_, err := s.Put(key, data, sum)
	require.NoError(t, err)

	already, err := s.Put(key, data, sum)
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, int64(len(data)), s.UsedBytes(), "re-put must not double count capacity")
}

func TestPutAlreadyPresentMismatchIsHardError(t *testing.T) {
	s := New(1 << 20)
	key := Key{FileID: "f1", Index: 0}
	data := []byte("hello")
	_, err := s.Put(key, data, Checksum(data))
	require.NoError(t, err)

	other := []byte("goodbye")
	_, err = s.Put(key, other, Checksum(other))
	assert.ErrorIs(t, err, errs.ErrAlreadyPresentMismatch)
}

func TestPutOutOfCapacity(t *testing.T) {
	s := New(4)
	key := Key{FileID: "f1", Index: 0}
	data := []byte("hello")
	_, err := s.Put(key, data, Checksum(data))
	assert.ErrorIs(t, err, errs.ErrOutOfCapacity)
	assert.False(t, s.Has(key))
}

func TestGetMissing(t *testing.T) {
	s := New(1 << 20)
	_, err := s.Get(Key{FileID: "nope", Index: 0}, false)
	assert.ErrorIs(t, err, errs.ErrMissing)
}

func TestGetCorruptOnReadWhenVerifyEnabled(t *testing.T) {
	s := New(1 << 20)
	key := Key{FileID: "f1", Index: 0}
	data := []byte("hello")
	_, err := s.Put(key, data, Checksum(data))
	require.NoError(t, err)

	// Simulate bit rot: poke the stored checksum so it no longer matches.
	s.mu.Lock()
	e := s.chunks[key]
	e.checksum = "0000000000000000000000000000000000000000000000000000000000dead"
	s.chunks[key] = e
	s.mu.Unlock()

	_, err = s.Get(key, true)
	assert.ErrorIs(t, err, errs.ErrCorruptOnRead)

	// Without verification the caller still gets the (undetected) bytes.
	got, err := s.Get(key, false)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDeleteFreesCapacity(t *testing.T) {
	s := New(10)
	key := Key{FileID: "f1", Index: 0}
	data := []byte("hello")
	_, err := s.Put(key, data, Checksum(data))
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.UsedBytes())

	require.NoError(t, s.Delete(key))
	assert.Equal(t, int64(0), s.UsedBytes())
	assert.False(t, s.Has(key))

	assert.ErrorIs(t, s.Delete(key), errs.ErrMissing)
}

func TestListChunks(t *testing.T) {
	s := New(1 << 20)
	for i := 0; i < 3; i++ {
		data := []byte{byte(i), byte(i), byte(i)}
		_, err := s.Put(Key{FileID: "f1", Index: i}, data, Checksum(data))
		require.NoError(t, err)
	}
	metas := s.ListChunks()
	assert.Len(t, metas, 3)
	assert.Equal(t, 3, s.ChunkCount())
}
