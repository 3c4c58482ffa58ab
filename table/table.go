// Package table implements the EWF offset table: the dense per-chunk
// index built from table/table2 section pairs (spec.md §3 "Offset
// table", §4.D), and its growth on write.
package table

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
)

// HeaderLength is the size of the fixed table/table2 section header
// (chunk_count, reserved, base_offset, reserved, adler32).
const HeaderLength = 24

const compressedFlag = uint32(1) << 31

// rawHeader is the on-disk table section header.
type rawHeader struct {
	ChunkCount uint32
	_          uint32
	BaseOffset uint64
	_          uint32
	Adler      uint32
}

// Entry is one chunk's location: which segment file holds it, its
// absolute byte offset within that file, its on-disk compressed size,
// and whether it is stored compressed or as a delta overlay chunk.
type Entry struct {
	Segment        int
	FileOffset     int64
	CompressedSize uint32
	IsCompressed   bool
	IsDelta        bool
	Dirty          bool
}

// Table is the dense chunk-number -> Entry index for one evidence set.
type Table struct {
	Entries []Entry
}

// New returns an empty Table.
func New() *Table { return &Table{} }

// rawEntries is the decoded, still base-offset-relative table payload:
// one raw offset + compressed flag per chunk, in section order.
type rawEntries struct {
	baseOffset uint64
	offsets    []uint32 // bit31 = compressed, low 31 bits = offset rel. to baseOffset
}

// parseSection reads a table/table2 section payload (already known to
// span [payloadAt, payloadAt+payloadSize)) into its header and raw
// per-chunk offsets.
func parseSection(r io.ReaderAt, payloadAt, payloadSize int64) (rawEntries, error) {
	if payloadSize < HeaderLength {
		return rawEntries{}, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"table section payload too small: %d bytes", payloadSize)
	}
	hbuf := make([]byte, HeaderLength)
	if _, err := r.ReadAt(hbuf, payloadAt); err != nil {
		return rawEntries{}, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read table header")
	}
	var h rawHeader
	if err := binary.Read(bytes.NewReader(hbuf), binary.LittleEndian, &h); err != nil {
		return rawEntries{}, ewferr.Wrap(err, ewferr.KindCorruptSegment, ewferr.DomainIo, "decode table header")
	}
	if computed := codec.Adler32(hbuf[:20]); computed != h.Adler {
		return rawEntries{}, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"table header adler32 mismatch: stored=%08x computed=%08x", h.Adler, computed)
	}

	entriesSize := int64(h.ChunkCount) * 4
	if HeaderLength+entriesSize > payloadSize {
		return rawEntries{}, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"table claims %d entries but section payload is only %d bytes", h.ChunkCount, payloadSize)
	}
	ebuf := make([]byte, entriesSize)
	if entriesSize > 0 {
		if _, err := r.ReadAt(ebuf, payloadAt+HeaderLength); err != nil {
			return rawEntries{}, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read table entries")
		}
	}
	offsets := make([]uint32, h.ChunkCount)
	if err := binary.Read(bytes.NewReader(ebuf), binary.LittleEndian, &offsets); err != nil {
		return rawEntries{}, ewferr.Wrap(err, ewferr.KindCorruptSegment, ewferr.DomainIo, "decode table entries")
	}
	return rawEntries{baseOffset: h.BaseOffset, offsets: offsets}, nil
}

// Mismatch records a chunk whose table and table2 entries disagreed;
// table2's value is the one that won, per spec.md invariant 3.
type Mismatch struct {
	ChunkIndex int
	FromTable  uint32
	FromTable2 uint32
}

// AppendSection decodes one table section (and, if present, its table2
// twin) starting at chunk index len(t.Entries), appending one Entry per
// chunk. sectorsEnd is the absolute end-of-payload offset of the
// corresponding sectors slab (or of the table section itself for
// SMART/EnCase-1 images with no separate sectors section) used to size
// the final chunk, whose successor offset doesn't exist (spec.md §4.D).
func (t *Table) AppendSection(segment int, r io.ReaderAt, tableHdr struct{ PayloadAt, PayloadSize int64 }, table2Hdr *struct{ PayloadAt, PayloadSize int64 }, sectorsEnd int64) ([]Mismatch, error) {
	primary, err := parseSection(r, tableHdr.PayloadAt, tableHdr.PayloadSize)
	if err != nil {
		return nil, err
	}

	var mismatches []Mismatch
	chosen := primary
	if table2Hdr != nil {
		secondary, err := parseSection(r, table2Hdr.PayloadAt, table2Hdr.PayloadSize)
		if err != nil {
			return nil, err
		}
		if len(secondary.offsets) == len(primary.offsets) && secondary.baseOffset == primary.baseOffset {
			for i := range primary.offsets {
				if primary.offsets[i] != secondary.offsets[i] {
					mismatches = append(mismatches, Mismatch{ChunkIndex: len(t.Entries) + i, FromTable: primary.offsets[i], FromTable2: secondary.offsets[i]})
				}
			}
			// table2 wins on any disagreement (spec.md invariant 3).
			chosen = secondary
		}
	}

	n := len(chosen.offsets)
	for i := 0; i < n; i++ {
		raw := chosen.offsets[i]
		compressed := raw&compressedFlag != 0
		relOffset := int64(raw &^ compressedFlag)
		absOffset := int64(chosen.baseOffset) + relOffset

		var size uint32
		if i+1 < n {
			nextRel := int64(chosen.offsets[i+1] &^ compressedFlag)
			size = uint32(nextRel - relOffset)
		} else {
			size = uint32(sectorsEnd - absOffset)
		}

		t.Entries = append(t.Entries, Entry{
			Segment:        segment,
			FileOffset:     absOffset,
			CompressedSize: size,
			IsCompressed:   compressed,
		})
	}
	return mismatches, nil
}

// EnsureCapacity grows the dense table to at least n entries, never
// shrinking it; new entries start unpopulated (spec.md §4.D "Grow").
func (t *Table) EnsureCapacity(n int) {
	if n <= len(t.Entries) {
		return
	}
	grown := make([]Entry, n)
	copy(grown, t.Entries)
	t.Entries = grown
}

// Set records the on-disk location of chunk k after a write.
func (t *Table) Set(k int, e Entry) {
	t.EnsureCapacity(k + 1)
	t.Entries[k] = e
}

// ApplyDelta overrides chunk k's entry to point at a delta segment file,
// per spec.md §3 "Delta record": is_delta becomes true and the file
// descriptor redirects to the delta file.
func (t *Table) ApplyDelta(k int, deltaSegment int, fileOffset int64, size uint32) {
	t.EnsureCapacity(k + 1)
	t.Entries[k] = Entry{Segment: deltaSegment, FileOffset: fileOffset, CompressedSize: size, IsDelta: true}
}

// Get returns the entry for chunk k, or false if k is out of range.
func (t *Table) Get(k int) (Entry, bool) {
	if k < 0 || k >= len(t.Entries) {
		return Entry{}, false
	}
	return t.Entries[k], true
}

// Len returns the number of chunks currently indexed.
func (t *Table) Len() int { return len(t.Entries) }
