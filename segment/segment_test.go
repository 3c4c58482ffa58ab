package segment_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/segment"
)

func TestGenerateParseExtensionDecimalRange(t *testing.T) {
	for _, n := range []int{1, 2, 9, 10, 99} {
		ext, err := segment.GenerateExtension(n, segment.KindEvidence, false)
		require.NoError(t, err)
		got, err := segment.ParseExtension(ext, segment.KindEvidence, false)
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
	ext, err := segment.GenerateExtension(1, segment.KindEvidence, false)
	require.NoError(t, err)
	require.Equal(t, "E01", ext)
}

func TestGenerateParseExtensionAlphabeticRange(t *testing.T) {
	for _, n := range []int{100, 101, 676, 14871, 14971} {
		ext, err := segment.GenerateExtension(n, segment.KindEvidence, false)
		require.NoError(t, err)
		got, err := segment.ParseExtension(ext, segment.KindEvidence, false)
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
	ext, err := segment.GenerateExtension(100, segment.KindEvidence, false)
	require.NoError(t, err)
	require.Equal(t, "EAA", ext)

	ext, err = segment.GenerateExtension(14971, segment.KindEvidence, false)
	require.NoError(t, err)
	require.Equal(t, "ZZZ", ext)
}

func TestGenerateExtensionTooManySegments(t *testing.T) {
	_, err := segment.GenerateExtension(14972, segment.KindEvidence, false)
	require.Error(t, err)
	var ewfErr *ewferr.Error
	require.True(t, errors.As(err, &ewfErr))
	require.Equal(t, ewferr.KindNotSupported, ewfErr.Kind)
}

func TestGenerateExtensionLogicalAndDeltaKinds(t *testing.T) {
	ext, err := segment.GenerateExtension(1, segment.KindLogical, false)
	require.NoError(t, err)
	require.Equal(t, "L01", ext)

	ext, err = segment.GenerateExtension(1, segment.KindDelta, false)
	require.NoError(t, err)
	require.Equal(t, "d01", ext)
}

func TestFileHeaderRoundTrip(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "scratch.E01"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, segment.WriteFileHeader(f, segment.KindEvidence, 7))

	hdr, kind, err := segment.ReadFileHeader(f)
	require.NoError(t, err)
	require.Equal(t, segment.KindEvidence, kind)
	require.Equal(t, uint16(7), hdr.SegmentNumber)
	require.Equal(t, uint8(1), hdr.FieldsStart)
}

func TestDetectKindRejectsUnknownMagic(t *testing.T) {
	_, err := segment.DetectKind([8]byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.Error(t, err)
	var ewfErr *ewferr.Error
	require.True(t, errors.As(err, &ewfErr))
	require.Equal(t, ewferr.KindCorruptSegment, ewfErr.Kind)
}

func createSegmentFile(t *testing.T, dir, name string, kind segment.Kind, number uint16) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, segment.WriteFileHeader(f, kind, number))
	return path
}

func TestOpenSortsBySegmentNumber(t *testing.T) {
	dir := t.TempDir()
	p2 := createSegmentFile(t, dir, "eg.E02", segment.KindEvidence, 2)
	p1 := createSegmentFile(t, dir, "eg.E01", segment.KindEvidence, 1)

	sd, err := segment.Open([]string{p2, p1}, false)
	require.NoError(t, err)
	defer sd.Close()

	require.Len(t, sd.Evidence, 2)
	require.Equal(t, 1, sd.Evidence[0].Number)
	require.Equal(t, 2, sd.Evidence[1].Number)
	require.Same(t, sd.Last(), sd.Evidence[1])
	require.Same(t, sd.ByNumber(1), sd.Evidence[0])
	require.Nil(t, sd.ByNumber(99))
}

func TestOpenDetectsFilenameHeaderMismatch(t *testing.T) {
	dir := t.TempDir()
	// Filename says segment 1, but the header inside claims segment 2.
	path := createSegmentFile(t, dir, "eg.E01", segment.KindEvidence, 2)

	_, err := segment.Open([]string{path}, false)
	require.Error(t, err)
	var ewfErr *ewferr.Error
	require.True(t, errors.As(err, &ewfErr))
	require.Equal(t, ewferr.KindCorruptSegment, ewfErr.Kind)
}

func TestOpenSeparatesDeltaFiles(t *testing.T) {
	dir := t.TempDir()
	evidence := createSegmentFile(t, dir, "eg.E01", segment.KindEvidence, 1)
	delta := createSegmentFile(t, dir, "eg.d01", segment.KindDelta, 1)

	sd, err := segment.Open([]string{evidence, delta}, false)
	require.NoError(t, err)
	defer sd.Close()

	require.Len(t, sd.Evidence, 1)
	require.Len(t, sd.Delta, 1)
}
