package ewf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cobriniel/goewf/chunk"
	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/metadata"
	"github.com/cobriniel/goewf/section"
	"github.com/cobriniel/goewf/segment"
	"github.com/cobriniel/goewf/stream"
	"github.com/cobriniel/goewf/table"
)

// writeMode distinguishes Create's sequential, segment-rolling writer
// from OpenForUpdate's delta-overlay writer.
type writeMode int

const (
	modeCreate writeMode = iota
	modeDeltaOverlay
)

// writerState holds everything WriteChunk/Close need that a read-only
// Handle doesn't carry.
type writerState struct {
	mode writeMode
	opts CreateOptions

	// modeCreate fields: the currently open segment file being appended
	// to, and the running position within its sectors slab.
	pathTemplate   string
	segmentNumber  int
	file           *os.File
	sw             *section.Writer
	sectorsAt      int64 // descriptor offset of the open sectors section
	sectorsPayload int64 // payload start of the open sectors section
	sectorsLen     int64 // bytes written into it so far
	nextChunk      uint64
	chunkCount     uint64

	// modeDeltaOverlay fields: the delta file, created lazily on first
	// overlay write.
	deltaFile      *os.File
	deltaSW        *section.Writer
	deltaAt        int64
	deltaSegNumber int
}

// Create opens a brand-new evidence (or logical-evidence) set at the
// path template (e.g. "case.E01" — subsequent segments derive their
// extension from it), writing the file header and metadata sections,
// per spec.md §4.I "Open (write)". CreateOptions.MediaSize must be set:
// like the acquisition tools this format was designed for, the writer
// streams forward-only and needs the final chunk count up front.
func Create(pathTemplate string, opts CreateOptions) (*Handle, error) {
	opts = opts.withDefaults()
	if opts.MediaSize == 0 {
		return nil, ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments, "CreateOptions.MediaSize must be nonzero")
	}

	kind := segment.KindEvidence
	if opts.Format == FormatLogical {
		kind = segment.KindLogical
	}

	f, err := os.Create(pathTemplate)
	if err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "create segment file %s", pathTemplate)
	}
	if err := segment.WriteFileHeader(f, kind, 1); err != nil {
		f.Close()
		return nil, err
	}

	ws := &writerState{
		mode:          modeCreate,
		opts:          opts,
		pathTemplate:  pathTemplate,
		segmentNumber: 1,
		file:          f,
		sw:            section.NewWriter(f),
		chunkCount:    (opts.MediaSize + uint64(opts.ChunkSize) - 1) / uint64(opts.ChunkSize),
	}

	at := int64(segment.HeaderLength)
	if at, err = writeHeaderSections(f, ws.sw, at, opts); err != nil {
		f.Close()
		return nil, err
	}
	// BytesPerSector is stamped as 1 rather than the conventional 512:
	// CreateOptions.ChunkSize/MediaSize are byte counts that need not be
	// multiples of a real sector size, and Open reconstructs chunkSize
	// and mediaSize from SectorsPerChunk*BytesPerSector and
	// SectorCount*BytesPerSector, so a 512 assumption would silently
	// truncate any geometry that doesn't divide evenly.
	volume := metadata.Volume{
		MediaType:       metadata.MediaTypeFixed,
		MediaFlags:      metadata.MediaFlagPhysical,
		ChunkCount:      uint32(ws.chunkCount),
		SectorsPerChunk: opts.ChunkSize,
		BytesPerSector:  1,
		SectorCount:     opts.MediaSize,
	}
	if at, err = writeVolumeSection(f, ws.sw, at, volume); err != nil {
		f.Close()
		return nil, err
	}

	ws.sectorsAt = at
	payloadAt, err := ws.sw.WritePlaceholder(at, section.TypeSectors)
	if err != nil {
		f.Close()
		return nil, err
	}
	ws.sectorsPayload = payloadAt

	h := &Handle{
		dir:        &segment.Directory{Evidence: []*segment.File{{Path: pathTemplate, Number: 1, Kind: kind, Handle: f}}},
		kind:       kind,
		writable:   true,
		tbl:        table.New(),
		volume:     volume,
		header:     headerFromOptions(opts),
		writeState: ws,
	}
	h.store = &chunk.Store{Files: h, ChunkSize: opts.ChunkSize}
	h.strm = stream.New(opts.MediaSize, opts.ChunkSize, h, h)
	return h, nil
}

func headerFromOptions(opts CreateOptions) metadata.Header {
	hdr := metadata.Header{}
	if opts.CaseNumber != "" {
		hdr[metadata.KeyCaseNumber] = opts.CaseNumber
	}
	if opts.Description != "" {
		hdr[metadata.KeyDescription] = opts.Description
	}
	if opts.Examiner != "" {
		hdr[metadata.KeyExaminer] = opts.Examiner
	}
	if opts.EvidenceNumber != "" {
		hdr[metadata.KeyEvidenceNumber] = opts.EvidenceNumber
	}
	if opts.Notes != "" {
		hdr[metadata.KeyNotes] = opts.Notes
	}
	return hdr
}

// writeHeaderSections writes a single zlib-compressed ASCII `header`
// section encoding opts' case fields; ParseHeader inflates it on read.
// No header2 or xheader section is written.
func writeHeaderSections(f *os.File, sw *section.Writer, at int64, opts CreateOptions) (int64, error) {
	text := fmt.Sprintf("1\nmain\nc\tn\te\tt\tav\tov\tm\tu\tp\n%s\t%s\t%s\t%s\t\t\t\t\t\n",
		opts.CaseNumber, opts.EvidenceNumber, opts.Examiner, opts.Notes)
	payload, err := codec.Deflate([]byte(text))
	if err != nil {
		return 0, err
	}
	return writeSectionPayload(f, sw, at, section.TypeHeader, payload)
}

func writeVolumeSection(f *os.File, sw *section.Writer, at int64, v metadata.Volume) (int64, error) {
	payload, err := metadata.EncodeLong(v)
	if err != nil {
		return 0, err
	}
	return writeSectionPayload(f, sw, at, section.TypeVolume, payload)
}

// writeSectionPayload reserves a descriptor at `at`, writes payload
// right after it, and finalizes the descriptor now that the payload's
// length is known, returning the offset right after the section.
func writeSectionPayload(f *os.File, sw *section.Writer, at int64, typ string, payload []byte) (int64, error) {
	payloadAt, err := sw.WritePlaceholder(at, typ)
	if err != nil {
		return 0, err
	}
	if len(payload) > 0 {
		if _, err := f.WriteAt(payload, payloadAt); err != nil {
			return 0, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "write %s section payload", typ)
		}
	}
	if err := sw.Finalize(at, typ, int64(len(payload)), false); err != nil {
		return 0, err
	}
	return payloadAt + int64(len(payload)), nil
}

// writeChunkLocked appends one full chunk's compressed-or-raw bytes to
// the currently open sectors slab, extends the offset table, and
// (modeDeltaOverlay only) instead redirects existing chunks to a delta
// file. Called with h.mu held.
func (h *Handle) writeChunkLocked(k uint64, plaintext []byte) error {
	ws := h.writeState
	if ws.mode == modeDeltaOverlay {
		return h.writeDeltaChunkLocked(k, plaintext)
	}

	if k != ws.nextChunk {
		return ewferr.New(ewferr.KindNotSupported, ewferr.DomainArguments,
			"chunk %d written out of order, writer is sequential (next is %d)", k, ws.nextChunk)
	}

	res, err := chunk.Write(plaintext, h.strm.ChunkSize, ws.opts.Compress)
	if err != nil {
		return err
	}

	projected := ws.sectorsPayload + ws.sectorsLen + int64(len(res.Bytes))
	if ws.sectorsLen > 0 && projected > ws.opts.SegmentSize {
		if err := h.rolloverSegmentLocked(); err != nil {
			return err
		}
	}

	fileOffset := ws.sectorsPayload + ws.sectorsLen
	if _, err := ws.file.WriteAt(res.Bytes, fileOffset); err != nil {
		return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "write chunk %d data", k)
	}
	ws.sectorsLen += int64(len(res.Bytes))

	h.tbl.Set(int(k), table.Entry{
		Segment:        ws.segmentNumber,
		FileOffset:     fileOffset,
		CompressedSize: uint32(len(res.Bytes)),
		IsCompressed:   res.IsCompressed,
	})
	ws.nextChunk++
	return nil
}

// rolloverSegmentLocked closes out the current segment (sectors section,
// table/table2 pair, `next` terminator pointing at itself) and opens the
// next numbered segment file, positioned for a fresh sectors section
// (spec.md §2 write-path "when the segment exceeds its size budget").
func (h *Handle) rolloverSegmentLocked() error {
	ws := h.writeState

	at := ws.sectorsPayload + ws.sectorsLen
	if err := ws.sw.Finalize(ws.sectorsAt, section.TypeSectors, ws.sectorsLen, false); err != nil {
		return err
	}

	segStart := 0
	for i, e := range h.tbl.Entries {
		if e.Segment == ws.segmentNumber {
			segStart = i
			break
		}
	}
	segEntries := h.tbl.Entries[segStart:]
	tablePayload := encodeTablePayload(segEntries, ws.sectorsPayload)
	var err error
	at, err = writeSectionPayload(ws.file, ws.sw, at, section.TypeTable, tablePayload)
	if err != nil {
		return err
	}
	at, err = writeSectionPayload(ws.file, ws.sw, at, section.TypeTable2, tablePayload)
	if err != nil {
		return err
	}
	if err := ws.sw.Finalize(at, section.TypeNext, 0, true); err != nil {
		return err
	}

	nextNumber := ws.segmentNumber + 1
	kind := segment.KindEvidence
	if ws.opts.Format == FormatLogical {
		kind = segment.KindLogical
	}
	path, err := nextSegmentPath(ws.pathTemplate, nextNumber, kind)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "create segment file %s", path)
	}
	if err := segment.WriteFileHeader(f, kind, uint16(nextNumber)); err != nil {
		f.Close()
		return err
	}

	ws.file = f
	ws.sw = section.NewWriter(f)
	ws.segmentNumber = nextNumber
	h.dir.Evidence = append(h.dir.Evidence, &segment.File{Path: path, Number: nextNumber, Kind: kind, Handle: f})

	sat := int64(segment.HeaderLength)
	ws.sectorsAt = sat
	payloadAt, err := ws.sw.WritePlaceholder(sat, section.TypeSectors)
	if err != nil {
		return err
	}
	ws.sectorsPayload = payloadAt
	ws.sectorsLen = 0
	return nil
}

// nextSegmentPath derives the filename for segmentNumber by replacing
// pathTemplate's extension with the one GenerateExtension computes.
func nextSegmentPath(pathTemplate string, segmentNumber int, kind segment.Kind) (string, error) {
	ext, err := segment.GenerateExtension(segmentNumber, kind, false)
	if err != nil {
		return "", err
	}
	origExt := filepath.Ext(pathTemplate)
	base := strings.TrimSuffix(pathTemplate, origExt)
	return base + "." + ext, nil
}
