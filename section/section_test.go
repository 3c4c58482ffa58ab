package section_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/section"
)

func openScratch(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "seg.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriteIterateRoundTrip(t *testing.T) {
	f := openScratch(t)
	w := section.NewWriter(f)

	payloadAt, err := w.WritePlaceholder(0, section.TypeVolume)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("abc"), payloadAt)
	require.NoError(t, err)
	require.NoError(t, w.Finalize(0, section.TypeVolume, 3, false))

	at1 := payloadAt + 3
	payloadAt1, err := w.WritePlaceholder(at1, section.TypeDone)
	require.NoError(t, err)
	require.Equal(t, at1+section.Length, payloadAt1)
	require.NoError(t, w.Finalize(at1, section.TypeDone, 0, true))

	var seen []section.Header
	err = section.Iterate(f, 0, func(h section.Header) error {
		seen = append(seen, h)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Equal(t, section.TypeVolume, seen[0].Type)
	require.Equal(t, int64(3), seen[0].PayloadSize)
	require.False(t, seen[0].IsTerminal())
	require.Equal(t, section.TypeDone, seen[1].Type)
	require.True(t, seen[1].IsTerminal())
}

func TestReadHeaderDetectsAdlerMismatch(t *testing.T) {
	f := openScratch(t)
	w := section.NewWriter(f)
	payloadAt, err := w.WritePlaceholder(0, section.TypeDone)
	require.NoError(t, err)
	require.NoError(t, w.Finalize(0, section.TypeDone, 0, true))
	_ = payloadAt

	// Flip a byte inside the type tag; the descriptor's own Adler-32
	// (computed over bytes 0..72) must now disagree with the stored one.
	var b [1]byte
	_, err = f.ReadAt(b[:], 0)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b[:], 0)
	require.NoError(t, err)

	_, err = section.ReadHeader(f, 0)
	require.Error(t, err)
	var ewfErr *ewferr.Error
	require.True(t, errors.As(err, &ewfErr))
	require.Equal(t, ewferr.KindCorruptSegment, ewfErr.Kind)
}

// rawDescriptor hand-encodes a section descriptor, bypassing Writer, to
// simulate a corrupted/tampered image the public write path could never
// itself produce (Finalize only ever emits a forward next_offset or a
// self-referencing terminal one).
func rawDescriptor(t *testing.T, typ string, nextOffset, size uint64) []byte {
	t.Helper()
	buf := make([]byte, section.Length)
	copy(buf[0:16], typ)
	putU64(buf[16:24], nextOffset)
	putU64(buf[24:32], size)
	putU32(buf[72:76], codec.Adler32(buf[:72]))
	return buf
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func TestIterateDetectsNonIncreasingChain(t *testing.T) {
	f := openScratch(t)

	desc0 := rawDescriptor(t, "table", uint64(section.Length), uint64(section.Length))
	_, err := f.WriteAt(desc0, 0)
	require.NoError(t, err)

	// desc1, at offset section.Length, claims a next_offset of 0 — a
	// regression below desc0's own offset — while using a non-terminal
	// type so IsTerminal() doesn't short-circuit the walk.
	desc1 := rawDescriptor(t, "table", 0, uint64(section.Length))
	_, err = f.WriteAt(desc1, int64(section.Length))
	require.NoError(t, err)

	err = section.Iterate(f, 0, func(section.Header) error { return nil })
	require.Error(t, err)
	var ewfErr *ewferr.Error
	require.True(t, errors.As(err, &ewfErr))
	require.Equal(t, ewferr.KindCorruptSegment, ewfErr.Kind)
}
