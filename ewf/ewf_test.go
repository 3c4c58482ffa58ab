package ewf_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cobriniel/goewf/ewf"
	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/metadata"
)

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func TestCreateWriteCloseOpenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.E01")
	opts := ewf.CreateOptions{
		ChunkSize:  64,
		MediaSize:  256,
		Compress:   true,
		CaseNumber: "C-001",
		Examiner:   "Jane Doe",
	}

	h, err := ewf.Create(path, opts)
	require.NoError(t, err)

	plaintext := pattern(256)
	n, err := h.WriteAt(plaintext, 0)
	require.NoError(t, err)
	require.Equal(t, 256, n)
	require.NoError(t, h.Close())

	h2, err := ewf.Open([]string{path})
	require.NoError(t, err)
	defer h2.Close()

	require.Equal(t, uint64(256), h2.MediaSize())
	require.Equal(t, uint32(64), h2.ChunkSize())
	require.Equal(t, "C-001", h2.Header()[metadata.KeyCaseNumber])
	require.Equal(t, "Jane Doe", h2.Header()[metadata.KeyExaminer])

	got := make([]byte, 256)
	n, err = h2.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, 256, n)
	require.Equal(t, plaintext, got)
}

func TestCreateRequiresMediaSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.E01")
	_, err := ewf.Create(path, ewf.CreateOptions{ChunkSize: 64})
	require.Error(t, err)
	var ewfErr *ewferr.Error
	require.True(t, errors.As(err, &ewfErr))
	require.Equal(t, ewferr.KindInvalidArgument, ewfErr.Kind)
}

func TestOpenHandleIsReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.E01")
	h, err := ewf.Create(path, ewf.CreateOptions{ChunkSize: 64, MediaSize: 64})
	require.NoError(t, err)
	_, err = h.WriteAt(pattern(64), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h2, err := ewf.Open([]string{path})
	require.NoError(t, err)
	defer h2.Close()

	_, err = h2.WriteAt([]byte{1}, 0)
	require.Error(t, err)
}

func TestVerifyAllDetectsGoodImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.E01")
	h, err := ewf.Create(path, ewf.CreateOptions{ChunkSize: 32, MediaSize: 96, Compress: true})
	require.NoError(t, err)
	_, err = h.WriteAt(pattern(96), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	h2, err := ewf.Open([]string{path})
	require.NoError(t, err)
	defer h2.Close()
	require.NoError(t, h2.VerifyAll(context.Background()))
}

func TestDeltaOverlayPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case.E01")
	original := pattern(256)

	h, err := ewf.Create(path, ewf.CreateOptions{ChunkSize: 64, MediaSize: 256})
	require.NoError(t, err)
	_, err = h.WriteAt(original, 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	hu, err := ewf.OpenForUpdate([]string{path})
	require.NoError(t, err)

	overlay := []byte{0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc}
	const overlayOffset = 70 // inside chunk 1 (bytes [64,128))
	n, err := hu.WriteAt(overlay, overlayOffset)
	require.NoError(t, err)
	require.Equal(t, len(overlay), n)
	require.NoError(t, hu.Close())

	ext := filepath.Ext(path)
	deltaPath := strings.TrimSuffix(path, ext) + ".d01"
	_, err = os.Stat(deltaPath)
	require.NoError(t, err, "delta overlay file must exist after closing an OpenForUpdate session")

	h2, err := ewf.Open([]string{path, deltaPath})
	require.NoError(t, err)
	defer h2.Close()

	got := make([]byte, 256)
	_, err = h2.ReadAt(got, 0)
	require.NoError(t, err)

	want := append([]byte(nil), original...)
	copy(want[overlayOffset:], overlay)
	require.Equal(t, want, got, "reopening with the delta file must reflect the overlay")

	// Untouched chunks (0, 2, 3) must be byte-identical to the original.
	require.Equal(t, original[:64], got[:64])
	require.Equal(t, original[128:], got[128:])
}
