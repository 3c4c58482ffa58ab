package ewf

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/cobriniel/goewf/chunk"
	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/lef"
	"github.com/cobriniel/goewf/metadata"
	"github.com/cobriniel/goewf/section"
	"github.com/cobriniel/goewf/segment"
	"github.com/cobriniel/goewf/stream"
	"github.com/cobriniel/goewf/table"
)

// Handle is the public object composing the segment directory, offset
// table, chunk store, virtual stream, metadata sections and (for
// logical evidence) the LEF record tree, per spec.md §4.I and §5's
// single-RWMutex-per-handle concurrency model.
type Handle struct {
	mu sync.RWMutex

	dir      *segment.Directory
	kind     segment.Kind
	writable bool

	tbl   *table.Table
	store *chunk.Store
	strm  *stream.Stream

	volume      metadata.Volume
	header      metadata.Header
	digest      metadata.Digest
	errorRanges []metadata.SectorRange
	sessions    []metadata.SessionEntry
	lefTree     *lef.Tree

	// writer state, set by Create and OpenForUpdate.
	writeState *writerState
}

// EvidenceFile implements chunk.FileAt, resolving a segment number to
// its open evidence file.
func (h *Handle) EvidenceFile(segmentNumber int) (io.ReaderAt, error) {
	f := h.dir.ByNumber(segmentNumber)
	if f == nil {
		return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo, "no evidence segment file numbered %d", segmentNumber)
	}
	return f.Handle, nil
}

// DeltaFile implements chunk.FileAt, resolving a segment number to its
// open delta overlay file.
func (h *Handle) DeltaFile(segmentNumber int) (io.ReaderAt, error) {
	for _, f := range h.dir.Delta {
		if f.Number == segmentNumber {
			return f.Handle, nil
		}
	}
	return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo, "no delta segment file numbered %d", segmentNumber)
}

// ReadChunk implements stream.ChunkReader: resolve chunk k's table
// entry and read it through the chunk store, with the last chunk's
// shorter expected length computed from the media size. Callers (the
// Stream driven from ReadAt/WriteAt) already hold h.mu, so this does
// not lock again.
func (h *Handle) ReadChunk(k uint64) ([]byte, error) {
	entry, ok := h.tbl.Get(int(k))
	chunkSize := h.strm.ChunkSize
	mediaSize := h.strm.MediaSize

	if !ok {
		return nil, ewferr.New(ewferr.KindValueOutOfBounds, ewferr.DomainArguments, "chunk %d has no offset-table entry", k)
	}
	expected := chunkSize
	chunkCount := (mediaSize + uint64(chunkSize) - 1) / uint64(chunkSize)
	if k == chunkCount-1 {
		if rem := mediaSize % uint64(chunkSize); rem != 0 {
			expected = uint32(rem)
		}
	}
	return h.store.Read(k, entry, expected)
}

// WriteChunk implements stream.ChunkWriter, used by handles opened
// through Create or OpenForUpdate. The caller (WriteAt) already holds
// h.mu for writing.
func (h *Handle) WriteChunk(k uint64, plaintext []byte) error {
	if h.writeState == nil {
		return ewferr.New(ewferr.KindNotSupported, ewferr.DomainArguments, "handle is read-only")
	}
	return h.writeChunkLocked(k, plaintext)
}

// Open opens an existing evidence (or delta overlay) set for reading,
// per spec.md §4.I "Open (read)".
func Open(paths []string) (*Handle, error) {
	dir, err := segment.Open(paths, false)
	if err != nil {
		return nil, err
	}
	if len(dir.Evidence) == 0 {
		return nil, ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments, "no evidence segment files given")
	}

	h := &Handle{
		dir:  dir,
		kind: dir.Evidence[0].Kind,
		tbl:  table.New(),
	}

	doneCount := 0
	var chunkSize uint32
	var lastSectorsEnd int64
	var pendingTableHdr *section.Header
	var pendingTable2Hdr *section.Header

	flushTable := func(segmentNumber int, r io.ReaderAt) error {
		if pendingTableHdr == nil {
			return nil
		}
		var t2 *struct{ PayloadAt, PayloadSize int64 }
		if pendingTable2Hdr != nil {
			t2 = &struct{ PayloadAt, PayloadSize int64 }{pendingTable2Hdr.PayloadAt, pendingTable2Hdr.PayloadSize}
		}
		_, err := h.tbl.AppendSection(segmentNumber, r,
			struct{ PayloadAt, PayloadSize int64 }{pendingTableHdr.PayloadAt, pendingTableHdr.PayloadSize},
			t2, lastSectorsEnd)
		pendingTableHdr, pendingTable2Hdr = nil, nil
		return err
	}

	for _, f := range dir.Evidence {
		err := section.Iterate(f.Handle, segment.HeaderLength, func(hdr section.Header) error {
			switch hdr.Type {
			case section.TypeVolume, section.TypeDisk, section.TypeData:
				payload := make([]byte, hdr.PayloadSize)
				if _, err := f.Handle.ReadAt(payload, hdr.PayloadAt); err != nil {
					return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read volume section")
				}
				v, err := metadata.ParseVolume(payload)
				if err != nil {
					return err
				}
				h.volume = v
				chunkSize = v.SectorsPerChunk * v.BytesPerSector

			case section.TypeHeader, section.TypeHeader2:
				payload := make([]byte, hdr.PayloadSize)
				if _, err := f.Handle.ReadAt(payload, hdr.PayloadAt); err != nil {
					return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read header section")
				}
				fields, err := metadata.ParseHeader(payload)
				if err != nil {
					return err
				}
				if h.header == nil {
					h.header = metadata.Header{}
				}
				mergeHeader(h.header, fields)

			case section.TypeXHeader:
				payload := make([]byte, hdr.PayloadSize)
				if _, err := f.Handle.ReadAt(payload, hdr.PayloadAt); err != nil {
					return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read xheader section")
				}
				fields, err := metadata.ParseXHeader(payload)
				if err != nil {
					return err
				}
				if h.header == nil {
					h.header = metadata.Header{}
				}
				mergeHeader(h.header, fields)

			case section.TypeSectors:
				lastSectorsEnd = hdr.PayloadAt + hdr.PayloadSize

			case section.TypeTable:
				cp := hdr
				pendingTableHdr = &cp
				if lastSectorsEnd == 0 {
					// SMART/EnCase1 images with no separate sectors
					// section: the table's own payload end bounds the
					// final chunk (spec.md §4.D note).
					lastSectorsEnd = hdr.PayloadAt + hdr.PayloadSize
				}

			case section.TypeTable2:
				cp := hdr
				pendingTable2Hdr = &cp

			case section.TypeHash:
				payload := make([]byte, hdr.PayloadSize)
				if _, err := f.Handle.ReadAt(payload, hdr.PayloadAt); err != nil {
					return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read hash section")
				}
				d, err := metadata.ParseHash(payload)
				if err != nil {
					return err
				}
				h.digest = d

			case section.TypeError2:
				payload := make([]byte, hdr.PayloadSize)
				if _, err := f.Handle.ReadAt(payload, hdr.PayloadAt); err != nil {
					return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read error2 section")
				}
				ranges, err := metadata.ParseErrorRanges(payload)
				if err != nil {
					return err
				}
				h.errorRanges = ranges

			case section.TypeSession:
				payload := make([]byte, hdr.PayloadSize)
				if _, err := f.Handle.ReadAt(payload, hdr.PayloadAt); err != nil {
					return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read session section")
				}
				sessions, err := metadata.ParseSessions(payload)
				if err != nil {
					return err
				}
				h.sessions = sessions

			case section.TypeLtree:
				payload := make([]byte, hdr.PayloadSize)
				if _, err := f.Handle.ReadAt(payload, hdr.PayloadAt); err != nil {
					return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read ltree section")
				}
				tree, err := lef.ParseWithLock(payload, &h.mu)
				if err != nil {
					return err
				}
				h.lefTree = tree

			case section.TypeNext:
				return flushTable(f.Number, f.Handle)

			case section.TypeDone:
				doneCount++
				return flushTable(f.Number, f.Handle)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if doneCount != 1 {
		return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"evidence set has %d `done` terminators, want exactly 1", doneCount)
	}

	// Re-apply any delta overlay files given alongside the evidence set:
	// each delta_chunk section redirects its chunk's table entry at the
	// delta file, the same override OpenForUpdate applies in memory
	// while writing (spec.md concrete scenario 4 "Delta overlay").
	const deltaChunkNumberFieldSize = 4
	for _, f := range dir.Delta {
		err := section.Iterate(f.Handle, segment.HeaderLength, func(hdr section.Header) error {
			if hdr.Type != section.TypeDeltaChunk {
				return nil
			}
			var numBuf [deltaChunkNumberFieldSize]byte
			if _, err := f.Handle.ReadAt(numBuf[:], hdr.PayloadAt); err != nil {
				return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read delta chunk number")
			}
			chunkNumber := binary.LittleEndian.Uint32(numBuf[:])
			h.tbl.ApplyDelta(int(chunkNumber), f.Number,
				hdr.PayloadAt+deltaChunkNumberFieldSize, uint32(hdr.PayloadSize)-deltaChunkNumberFieldSize)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if chunkSize == 0 {
		return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo, "no volume/disk/data section found")
	}

	mediaSize := h.volume.SectorCount * uint64(h.volume.BytesPerSector)
	wantChunks := (mediaSize + uint64(chunkSize) - 1) / uint64(chunkSize)
	if uint64(h.tbl.Len()) != wantChunks {
		return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"offset table has %d entries, media size implies %d", h.tbl.Len(), wantChunks)
	}

	h.store = &chunk.Store{Files: h, ChunkSize: chunkSize}
	h.strm = stream.New(mediaSize, chunkSize, h, nil)
	return h, nil
}

func mergeHeader(dst, src metadata.Header) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}

// Close releases every open segment/delta file descriptor. For handles
// opened via Create or OpenForUpdate, it first flushes pending writer
// state (see finalize.go).
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.writeState != nil {
		if err := h.finalizeLocked(); err != nil {
			return err
		}
	}
	return h.dir.Close()
}

// MediaSize returns the logical size of the acquired media, in bytes.
func (h *Handle) MediaSize() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.strm.MediaSize
}

// ChunkSize returns the fixed logical chunk size, in bytes.
func (h *Handle) ChunkSize() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.strm.ChunkSize
}

// Volume returns a copy of the decoded volume/disk section.
func (h *Handle) Volume() metadata.Volume {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.volume
}

// Header returns a copy of the canonical header key/value map.
func (h *Handle) Header() metadata.Header {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(metadata.Header, len(h.header))
	for k, v := range h.header {
		out[k] = v
	}
	return out
}

// Digest returns the acquisition-time MD5/SHA1 of the media, if the
// image carries a hash section.
func (h *Handle) Digest() metadata.Digest {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.digest
}

// ErrorRanges returns the sector ranges the acquisition tool flagged as
// unreadable, if any.
func (h *Handle) ErrorRanges() []metadata.SectorRange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]metadata.SectorRange(nil), h.errorRanges...)
}

// Sessions returns the optical-media session table, if any.
func (h *Handle) Sessions() []metadata.SessionEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]metadata.SessionEntry(nil), h.sessions...)
}

// Logical returns the parsed LEF record tree, or nil for a physical
// (non-logical) evidence set.
func (h *Handle) Logical() *lef.Tree {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lefTree
}

// ReadAt implements io.ReaderAt over the whole handle, serialized by the
// handle's read/write lock per spec.md §5.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strm.ReadAt(p, off)
}

// WriteAt implements io.WriterAt for handles opened via Create or
// OpenForUpdate.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	if h.writeState == nil {
		return 0, ewferr.New(ewferr.KindNotSupported, ewferr.DomainArguments, "handle is read-only")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strm.WriteAt(p, off)
}

var (
	_ io.ReaderAt = (*Handle)(nil)
	_ io.WriterAt = (*Handle)(nil)
)
