// Package stream implements the virtual byte stream over the chunk
// grid: translating a logical media offset to (chunk, intra-chunk
// offset), with a one-chunk decoded cache (spec.md §3 "Virtual stream
// cursor", §4.F).
package stream

import (
	"io"

	"github.com/cobriniel/goewf/ewferr"
)

// ChunkReader fetches and fully decodes one chunk's plaintext.
type ChunkReader interface {
	ReadChunk(chunkNumber uint64) ([]byte, error)
}

// ChunkWriter commits one full chunk's plaintext.
type ChunkWriter interface {
	WriteChunk(chunkNumber uint64, plaintext []byte) error
}

type cachedChunk struct {
	number uint64
	bytes  []byte
	valid  bool
}

// Stream is a random-access view over a chunked, compressed media
// payload. It is not safe for concurrent use on its own; Handle
// serializes access with its RWMutex (spec.md §5).
type Stream struct {
	MediaSize uint64
	ChunkSize uint32

	reader ChunkReader
	writer ChunkWriter // nil for read-only handles

	cursor uint64
	cache  cachedChunk
}

// New builds a Stream over a chunk source. writer may be nil for a
// read-only handle.
func New(mediaSize uint64, chunkSize uint32, reader ChunkReader, writer ChunkWriter) *Stream {
	return &Stream{MediaSize: mediaSize, ChunkSize: chunkSize, reader: reader, writer: writer}
}

// SetWriter attaches a ChunkWriter to a Stream built read-only,
// upgrading it to support Write/WriteAt (used by OpenForUpdate, which
// opens a handle for reading first and then enables delta-overlay
// writes).
func (s *Stream) SetWriter(w ChunkWriter) {
	s.writer = w
}

// Seek implements io.Seeker, clamping the result to [0, MediaSize]
// rather than erroring past the end (spec.md §4.F "does not touch the
// file").
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(s.cursor)
	case io.SeekEnd:
		base = int64(s.MediaSize)
	default:
		return 0, ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments, "invalid whence %d", whence)
	}
	pos := base + offset
	if pos < 0 {
		pos = 0
	}
	if pos > int64(s.MediaSize) {
		pos = int64(s.MediaSize)
	}
	s.cursor = uint64(pos)
	return pos, nil
}

// fill ensures s.cache holds the decoded bytes of chunk k.
func (s *Stream) fill(k uint64) error {
	if s.cache.valid && s.cache.number == k {
		return nil
	}
	bytes, err := s.reader.ReadChunk(k)
	if err != nil {
		return err
	}
	s.cache = cachedChunk{number: k, bytes: bytes, valid: true}
	return nil
}

// Read implements io.Reader over the chunk grid, per spec.md §4.F: it
// copies from the current chunk, crossing chunk boundaries internally
// so a read spanning two chunks returns contiguous bytes with no hole.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.cursor >= s.MediaSize {
		return 0, io.EOF
	}
	n := 0
	for n < len(buf) && s.cursor < s.MediaSize {
		k := s.cursor / uint64(s.ChunkSize)
		inChunk := s.cursor % uint64(s.ChunkSize)
		if err := s.fill(k); err != nil {
			return n, err
		}
		take := uint64(len(buf) - n)
		if rem := uint64(len(s.cache.bytes)) - inChunk; rem < take {
			take = rem
		}
		if remMedia := s.MediaSize - s.cursor; remMedia < take {
			take = remMedia
		}
		copy(buf[n:], s.cache.bytes[inChunk:inChunk+take])
		n += int(take)
		s.cursor += take
	}
	return n, nil
}

// Write implements io.Writer over the chunk grid (spec.md §4.F
// "Write"): a partial chunk triggers read-modify-write of that chunk,
// full chunks are committed straight through WriteChunk, and the cache
// entry becomes authoritative for whatever was just flushed.
func (s *Stream) Write(buf []byte) (int, error) {
	if s.writer == nil {
		return 0, ewferr.New(ewferr.KindNotSupported, ewferr.DomainArguments, "stream is read-only")
	}
	n := 0
	for n < len(buf) {
		k := s.cursor / uint64(s.ChunkSize)
		inChunk := s.cursor % uint64(s.ChunkSize)

		var working []byte
		if inChunk != 0 || uint64(len(buf)-n) < uint64(s.ChunkSize) {
			if err := s.fill(k); err != nil && s.cursor < s.MediaSize {
				return n, err
			}
			if s.cache.valid && s.cache.number == k {
				working = append([]byte(nil), s.cache.bytes...)
			} else {
				working = make([]byte, s.ChunkSize)
			}
		} else {
			working = make([]byte, s.ChunkSize)
		}
		if uint64(len(working)) < uint64(s.ChunkSize) {
			grown := make([]byte, s.ChunkSize)
			copy(grown, working)
			working = grown
		}

		take := uint64(len(buf) - n)
		if rem := uint64(s.ChunkSize) - inChunk; rem < take {
			take = rem
		}
		copy(working[inChunk:inChunk+take], buf[n:n+int(take)])

		if err := s.writer.WriteChunk(k, working); err != nil {
			return n, err
		}
		s.cache = cachedChunk{number: k, bytes: working, valid: true}

		n += int(take)
		s.cursor += take
		if s.cursor > s.MediaSize {
			s.MediaSize = s.cursor
		}
	}
	return n, nil
}

// ReadAt implements io.ReaderAt without disturbing the cursor.
func (s *Stream) ReadAt(buf []byte, off int64) (int, error) {
	saved := s.cursor
	defer func() { s.cursor = saved }()
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return s.Read(buf)
}

// WriteAt implements io.WriterAt without disturbing the cursor.
func (s *Stream) WriteAt(buf []byte, off int64) (int, error) {
	saved := s.cursor
	defer func() { s.cursor = saved }()
	if _, err := s.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return s.Write(buf)
}

var (
	_ io.ReadWriteSeeker = (*Stream)(nil)
	_ io.ReaderAt        = (*Stream)(nil)
	_ io.WriterAt        = (*Stream)(nil)
)
