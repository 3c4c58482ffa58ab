// Package section implements the 76-byte EWF section descriptor: the
// framing spec.md §3/§4.B describes as a linked list of
// (type, size, next_offset) spans inside a segment file.
package section

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
)

// Length is the fixed size of a section descriptor on disk.
const Length = 76

// Known section type tags (16-byte null-padded ASCII on disk).
const (
	TypeHeader     = "header"
	TypeHeader2    = "header2"
	TypeXHeader    = "xheader"
	TypeVolume     = "volume"
	TypeDisk       = "disk"
	TypeData       = "data"
	TypeSectors    = "sectors"
	TypeTable      = "table"
	TypeTable2     = "table2"
	TypeNext       = "next"
	TypeDone       = "done"
	TypeHash       = "hash"
	TypeXHash      = "xhash"
	TypeError2     = "error2"
	TypeSession    = "session"
	TypeLtree      = "ltree"
	TypeDeltaChunk = "delta_chunk"
	TypeDigest     = "digest"
)

// descriptor is the raw 76-byte on-disk layout, read with encoding/binary
// the way the teacher reads every other EWF struct.
type descriptor struct {
	Type       [16]byte
	NextOffset uint64
	Size       uint64
	Padding    [40]byte
	Adler      uint32
}

// Header is the decoded form of a section descriptor.
type Header struct {
	Type        string // trimmed ASCII type tag
	Offset      int64  // absolute offset of the descriptor itself
	PayloadAt   int64  // absolute offset of the first payload byte
	PayloadSize int64  // size - Length
	NextOffset  int64  // absolute offset of the next descriptor
}

func typeTag(s string) [16]byte {
	var b [16]byte
	copy(b[:], s)
	return b
}

func trimType(b [16]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}

// ReadHeader reads and validates the descriptor at the given absolute
// offset. It verifies the descriptor's own Adler-32 over bytes 0..72
// and fails with CorruptSegment on mismatch, per spec.md §4.B.
func ReadHeader(r io.ReaderAt, at int64) (Header, error) {
	raw := make([]byte, Length)
	if _, err := r.ReadAt(raw, at); err != nil {
		return Header{}, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read section descriptor at %d", at)
	}

	var d descriptor
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &d); err != nil {
		return Header{}, ewferr.Wrap(err, ewferr.KindCorruptSegment, ewferr.DomainIo, "decode section descriptor at %d", at)
	}

	computed := codec.Adler32(raw[:72])
	if computed != d.Adler {
		return Header{}, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"section descriptor at %d: adler32 mismatch stored=%08x computed=%08x", at, d.Adler, computed)
	}
	if d.Size < Length {
		return Header{}, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"section descriptor at %d: size %d smaller than descriptor", at, d.Size)
	}

	return Header{
		Type:        trimType(d.Type),
		Offset:      at,
		PayloadAt:   at + Length,
		PayloadSize: int64(d.Size) - Length,
		NextOffset:  int64(d.NextOffset),
	}, nil
}

// IsTerminal reports whether a header is the self-referencing final
// section of a segment file (type next/done, or pointing at itself).
func (h Header) IsTerminal() bool {
	return h.NextOffset == h.Offset || h.Type == TypeNext || h.Type == TypeDone
}

// Iterate walks the section chain starting at start (13 for the first
// section after the file header), yielding each Header in turn and
// stopping after the terminal section or on the first framing error.
// next_offset chains must be strictly increasing; a regression is
// CorruptSegment (spec.md invariant 4).
func Iterate(r io.ReaderAt, start int64, visit func(Header) error) error {
	at := start
	last := start - 1
	for {
		h, err := ReadHeader(r, at)
		if err != nil {
			return err
		}
		if err := visit(h); err != nil {
			return err
		}
		if h.IsTerminal() {
			return nil
		}
		if h.NextOffset <= last {
			return ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
				"section chain not strictly increasing at %d (next=%d, last=%d)", h.Offset, h.NextOffset, last)
		}
		last = h.Offset
		at = h.NextOffset
	}
}

// Writer emits section descriptors onto a writable file, back-patching
// next_offset/size/Adler once the payload length is known.
type Writer struct {
	w io.WriterAt
}

// NewWriter wraps a ReadWriterAt-capable file for section writing.
func NewWriter(w io.WriterAt) *Writer {
	return &Writer{w: w}
}

// WritePlaceholder writes a descriptor for typ at offset `at` with a
// provisional next_offset of at+Length (i.e. an empty payload) and
// returns the payload start offset. Call Finalize once
// the payload has been written to fix up size/next_offset/Adler.
func (wr *Writer) WritePlaceholder(at int64, typ string) (payloadAt int64, err error) {
	d := descriptor{Type: typeTag(typ), NextOffset: uint64(at + Length), Size: uint64(Length)}
	if err := wr.write(at, &d); err != nil {
		return 0, err
	}
	return at + Length, nil
}

// Finalize rewrites the descriptor at `at` now that the payload size is
// known, setting next_offset = at + Length + payloadSize (or at itself,
// if terminal) and recomputing the Adler-32 last, per spec.md §4.B.
func (wr *Writer) Finalize(at int64, typ string, payloadSize int64, terminal bool) error {
	next := at + Length + payloadSize
	if terminal {
		next = at
	}
	d := descriptor{Type: typeTag(typ), NextOffset: uint64(next), Size: uint64(Length + payloadSize)}
	return wr.write(at, &d)
}

func (wr *Writer) write(at int64, d *descriptor) error {
	var buf bytes.Buffer
	// Adler is computed over bytes 0..72 and written last, mirroring
	// spec.md §4.B ("Adler-32 computed last").
	if err := binary.Write(&buf, binary.LittleEndian, d.Type); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, d.NextOffset); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, d.Size); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, d.Padding); err != nil {
		return err
	}
	d.Adler = codec.Adler32(buf.Bytes())
	if err := binary.Write(&buf, binary.LittleEndian, d.Adler); err != nil {
		return err
	}
	if buf.Len() != Length {
		return fmt.Errorf("section: internal encode produced %d bytes, want %d", buf.Len(), Length)
	}
	if _, err := wr.w.WriteAt(buf.Bytes(), at); err != nil {
		return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "write section descriptor at %d", at)
	}
	return nil
}
