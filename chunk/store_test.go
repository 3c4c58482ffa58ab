package chunk_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobriniel/goewf/chunk"
	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/table"
)

type fakeFiles struct {
	evidence map[int][]byte
	delta    map[int][]byte
}

func (f fakeFiles) EvidenceFile(n int) (io.ReaderAt, error) {
	return bytes.NewReader(f.evidence[n]), nil
}

func (f fakeFiles) DeltaFile(n int) (io.ReaderAt, error) {
	return bytes.NewReader(f.delta[n]), nil
}

func TestWriteReadRoundTripRaw(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x41}, 64)
	res, err := chunk.Write(plaintext, 64, false)
	require.NoError(t, err)
	require.False(t, res.IsCompressed)

	files := fakeFiles{evidence: map[int][]byte{1: res.Bytes}}
	store := &chunk.Store{Files: files, ChunkSize: 64}
	entry := table.Entry{Segment: 1, FileOffset: 0, CompressedSize: uint32(len(res.Bytes)), IsCompressed: false}

	got, err := store.Read(0, entry, 64)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestWriteReadRoundTripCompressed(t *testing.T) {
	// Highly repetitive plaintext compresses well, so tryCompress kicks in.
	plaintext := bytes.Repeat([]byte{0x42}, 4096)
	res, err := chunk.Write(plaintext, uint32(len(plaintext)), true)
	require.NoError(t, err)
	require.True(t, res.IsCompressed)
	require.Less(t, len(res.Bytes), len(plaintext))

	files := fakeFiles{evidence: map[int][]byte{1: res.Bytes}}
	store := &chunk.Store{Files: files, ChunkSize: uint32(len(plaintext))}
	entry := table.Entry{Segment: 1, FileOffset: 0, CompressedSize: uint32(len(res.Bytes)), IsCompressed: true}

	got, err := store.Read(0, entry, uint32(len(plaintext)))
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestReadDetectsChecksumMismatch(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x43}, 16)
	res, err := chunk.Write(plaintext, 16, false)
	require.NoError(t, err)

	corrupt := append([]byte(nil), res.Bytes...)
	corrupt[len(corrupt)-1] ^= 0xff // flip a CRC byte

	files := fakeFiles{evidence: map[int][]byte{1: corrupt}}
	store := &chunk.Store{Files: files, ChunkSize: 16}
	entry := table.Entry{Segment: 1, FileOffset: 0, CompressedSize: uint32(len(corrupt)), IsCompressed: false}

	_, err = store.Read(0, entry, 16)
	require.Error(t, err)
	var checksumErr *ewferr.ChecksumError
	require.True(t, errors.As(err, &checksumErr))
	require.Equal(t, uint64(0), checksumErr.Chunk)
}

func TestWriteNeverEmitsLargerThanRaw(t *testing.T) {
	// Random-looking small plaintext typically doesn't shrink under
	// DEFLATE once framing overhead is added; Write must never emit
	// something larger than the raw plaintext||crc32 form.
	plaintext := []byte{0x00, 0xff, 0x13, 0x9a, 0x7c, 0x42, 0x01, 0xee}
	res, err := chunk.Write(plaintext, uint32(len(plaintext)), true)
	require.NoError(t, err)
	require.LessOrEqual(t, len(res.Bytes), len(plaintext)+4)
}

func TestDeltaChunkPayloadRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x44}, 32)
	payload := chunk.DeltaChunkPayload(7, plaintext)

	num, got, err := chunk.ParseDeltaChunkPayload(payload, 32)
	require.NoError(t, err)
	require.Equal(t, uint32(7), num)
	require.Equal(t, plaintext, got)
}

func TestDeltaChunkPayloadDetectsCorruption(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x45}, 8)
	payload := chunk.DeltaChunkPayload(1, plaintext)
	payload[len(payload)-1] ^= 0xff

	_, _, err := chunk.ParseDeltaChunkPayload(payload, 8)
	require.Error(t, err)
	var checksumErr *ewferr.ChecksumError
	require.True(t, errors.As(err, &checksumErr))
}
