package stream_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobriniel/goewf/stream"
)

// memChunks is a minimal in-memory ChunkReader/ChunkWriter backing a
// Stream under test: a fixed-size chunk grid held as a map.
type memChunks struct {
	chunkSize uint32
	chunks    map[uint64][]byte
	reads     map[uint64]int // tracks how many times each chunk was decoded
}

func newMemChunks(chunkSize uint32) *memChunks {
	return &memChunks{chunkSize: chunkSize, chunks: map[uint64][]byte{}, reads: map[uint64]int{}}
}

func (m *memChunks) ReadChunk(k uint64) ([]byte, error) {
	m.reads[k]++
	b, ok := m.chunks[k]
	if !ok {
		b = make([]byte, m.chunkSize)
	}
	return b, nil
}

func (m *memChunks) WriteChunk(k uint64, plaintext []byte) error {
	cp := make([]byte, len(plaintext))
	copy(cp, plaintext)
	m.chunks[k] = cp
	return nil
}

func TestReadAcrossChunkBoundary(t *testing.T) {
	mc := newMemChunks(4)
	mc.chunks[0] = []byte{1, 2, 3, 4}
	mc.chunks[1] = []byte{5, 6, 7, 8}
	s := stream.New(8, 4, mc, nil)

	buf := make([]byte, 6)
	n, err := s.ReadAt(buf, 2)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, []byte{3, 4, 5, 6, 7, 8}, buf)
}

func TestReadAtMediaSizeIsShortNoCrash(t *testing.T) {
	mc := newMemChunks(4)
	s := stream.New(4, 4, mc, nil)
	buf := make([]byte, 4)
	n, err := s.ReadAt(buf, 4)
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadShortAtEOF(t *testing.T) {
	mc := newMemChunks(4)
	mc.chunks[0] = bytes.Repeat([]byte{0}, 4)
	s := stream.New(4, 4, mc, nil)
	buf := make([]byte, 10)
	n, err := s.ReadAt(buf, 1)
	require.Equal(t, 3, n)
	require.NoError(t, err) // the in-range portion was fully delivered
}

func TestWriteFullChunkThenPartialReadModifyWrite(t *testing.T) {
	mc := newMemChunks(4)
	s := stream.New(8, 4, mc, nil)
	s.SetWriter(mc)

	n, err := s.WriteAt([]byte{1, 2, 3, 4}, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, 0, mc.reads[0], "a full aligned chunk write should not need to decode first")

	// Partial write into chunk 1 must read-modify-write: bytes outside
	// the written range must be preserved (zero, since chunk 1 doesn't
	// exist yet).
	n, err = s.WriteAt([]byte{9}, 5)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []byte{0, 9, 0, 0}, mc.chunks[1])

	buf := make([]byte, 8)
	_, err = s.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 0, 9, 0, 0}, buf)
}

func TestWriteOnReadOnlyStreamFails(t *testing.T) {
	mc := newMemChunks(4)
	s := stream.New(4, 4, mc, nil)
	_, err := s.WriteAt([]byte{1}, 0)
	require.Error(t, err)
}

func TestSeekClampsToMediaSize(t *testing.T) {
	mc := newMemChunks(4)
	s := stream.New(10, 4, mc, nil)
	pos, err := s.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	require.Equal(t, int64(10), pos)

	pos, err = s.Seek(-1000, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(0), pos)
}
