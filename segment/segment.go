// Package segment implements the EWF/LEF/delta segment-file directory:
// file-header identification, extension naming (spec.md §4.C), and the
// open/create/close lifecycle of a multi-file segment set.
package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cobriniel/goewf/ewferr"
)

// Kind distinguishes the three segment-file families spec.md §3 names.
type Kind int

const (
	KindEvidence Kind = iota // .E01, .Ex01, .s01 ...
	KindLogical              // .L01, .Lx01 (LEF)
	KindDelta                 // .d01 (overwrite chunks)
)

// HeaderLength is the fixed size of the 13-byte segment file header.
const HeaderLength = 13

var (
	magicEvidence = [8]byte{'E', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}
	magicLogical  = [8]byte{'L', 'V', 'F', 0x09, 0x0d, 0x0a, 0xff, 0x00}
	magicDelta    = [8]byte{'d', 'v', 'f', 0x09, 0x0d, 0x0a, 0xff, 0x00}
)

func magicFor(k Kind) [8]byte {
	switch k {
	case KindLogical:
		return magicLogical
	case KindDelta:
		return magicDelta
	default:
		return magicEvidence
	}
}

// FileHeader is the on-disk 13-byte segment file header (spec.md §6).
type FileHeader struct {
	Magic         [8]byte
	FieldsStart   uint8
	SegmentNumber uint16
	FieldsEnd     uint16
}

// DetectKind inspects the 8-byte magic and returns the segment kind, or
// an error if it matches none of the three known signatures.
func DetectKind(magic [8]byte) (Kind, error) {
	switch magic {
	case magicEvidence:
		return KindEvidence, nil
	case magicLogical:
		return KindLogical, nil
	case magicDelta:
		return KindDelta, nil
	default:
		return 0, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo, "unrecognized segment magic % x", magic)
	}
}

// ReadFileHeader reads and validates the 13-byte header at the start of
// an open segment file, returning its kind and embedded segment number.
func ReadFileHeader(f io.ReaderAt) (FileHeader, Kind, error) {
	raw := make([]byte, HeaderLength)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return FileHeader{}, 0, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read segment file header")
	}
	var h FileHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h); err != nil {
		return FileHeader{}, 0, ewferr.Wrap(err, ewferr.KindCorruptSegment, ewferr.DomainIo, "decode segment file header")
	}
	kind, err := DetectKind(h.Magic)
	if err != nil {
		return FileHeader{}, 0, err
	}
	if h.FieldsStart != 1 {
		return FileHeader{}, 0, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"segment file header: fields_start = %d, want 1", h.FieldsStart)
	}
	return h, kind, nil
}

// WriteFileHeader writes the 13-byte header for a new segment file.
func WriteFileHeader(f io.WriterAt, kind Kind, segmentNumber uint16) error {
	h := FileHeader{Magic: magicFor(kind), FieldsStart: 1, SegmentNumber: segmentNumber}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf.Bytes(), 0); err != nil {
		return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "write segment file header")
	}
	return nil
}

// letterSpan returns the first and last base letters available to a
// kind/compat combination: 'A'..'Z' normally, 'a'..'z' for SMART-
// compatible lowercase extensions. Delta files are always lowercase
// ('d'..'z'), independent of smartCompat.
func letterSpan(kind Kind, smartCompat bool) (base byte, last byte) {
	if kind == KindDelta {
		return 'd', 'z'
	}
	switch kind {
	case KindLogical:
		base = 'L'
	default:
		base = 'E'
	}
	if smartCompat {
		base = base - 'A' + 'a'
		return base, 'z'
	}
	return base, 'Z'
}

// GenerateExtension produces the 3-character segment file extension for
// segmentNumber (1-based) per spec.md §4.C: decimal digits for 1..99,
// then a base-26 alphabetic counter (with carry into the first letter)
// for 100..14971. Returns ErrTooManySegments once the first letter would
// run past the end of its span.
func GenerateExtension(segmentNumber int, kind Kind, smartCompat bool) (string, error) {
	if segmentNumber < 1 {
		return "", ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments, "segment number %d must be >= 1", segmentNumber)
	}
	base, last := letterSpan(kind, smartCompat)

	if segmentNumber <= 99 {
		return fmt.Sprintf("%c%02d", base, segmentNumber), nil
	}

	remaining := segmentNumber - 100
	letterOffset := remaining / 676
	within := remaining % 676
	baseChar := base + byte(letterOffset)
	if baseChar > last {
		return "", ewferr.New(ewferr.KindNotSupported, ewferr.DomainArguments,
			"TooManySegments: segment %d exceeds the addressable range for this kind", segmentNumber)
	}
	c1 := byte('A') + byte(within/26)
	c2 := byte('A') + byte(within%26)
	return fmt.Sprintf("%c%c%c", baseChar, c1, c2), nil
}

// ParseExtension reverses GenerateExtension, recovering the 1-based
// segment number an extension like "E01" or "EAB" encodes.
func ParseExtension(ext string, kind Kind, smartCompat bool) (int, error) {
	if len(ext) != 3 {
		return 0, ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments, "extension %q must be 3 characters", ext)
	}
	base, _ := letterSpan(kind, smartCompat)
	first, c1, c2 := ext[0], ext[1], ext[2]

	if c1 >= '0' && c1 <= '9' && c2 >= '0' && c2 <= '9' {
		n, err := strconv.Atoi(ext[1:])
		if err != nil {
			return 0, ewferr.Wrap(err, ewferr.KindInvalidArgument, ewferr.DomainArguments, "parse decimal extension %q", ext)
		}
		return n, nil
	}
	if c1 < 'A' || c1 > 'Z' || c2 < 'A' || c2 > 'Z' {
		return 0, ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments, "malformed extension %q", ext)
	}
	letterOffset := int(first - base)
	if letterOffset < 0 {
		return 0, ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments, "extension %q has out-of-range leading letter", ext)
	}
	within := int(c1-'A')*26 + int(c2-'A')
	return 100 + letterOffset*676 + within, nil
}

// File is one opened segment or delta file: its handle, its 1-based
// segment number, and its kind.
type File struct {
	Path    string
	Number  int
	Kind    Kind
	Handle  *os.File
}

// Directory holds every opened file belonging to one evidence set (the
// primary segment chain plus any delta overlay files), in segment order.
type Directory struct {
	Evidence []*File // .E01/.L01... in ascending segment-number order
	Delta    []*File // .d01...       in ascending segment-number order
}

// Open opens each path (read-only, or read-write when writable is set),
// classifies it by magic, validates its
// embedded segment number against the number its filename extension
// encodes (a mismatch is CorruptSegment — the cross-check
// original_source/libewf_segment_file.c performs between filename and
// header), and returns the assembled Directory sorted by segment number.
func Open(paths []string, writable bool) (*Directory, error) {
	dir := &Directory{}
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	for _, p := range paths {
		f, err := os.OpenFile(p, flag, 0)
		if err != nil {
			return nil, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "open segment file %s", p)
		}
		_, kind, err := ReadFileHeader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		num, err := numberFromFilename(p, kind)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		hdr, _, err := ReadFileHeader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if int(hdr.SegmentNumber) != num {
			_ = f.Close()
			return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
				"segment file %s: header segment_number %d disagrees with filename-encoded %d", p, hdr.SegmentNumber, num)
		}

		sf := &File{Path: p, Number: num, Kind: kind, Handle: f}
		if kind == KindDelta {
			dir.Delta = append(dir.Delta, sf)
		} else {
			dir.Evidence = append(dir.Evidence, sf)
		}
	}
	sort.Slice(dir.Evidence, func(i, j int) bool { return dir.Evidence[i].Number < dir.Evidence[j].Number })
	sort.Slice(dir.Delta, func(i, j int) bool { return dir.Delta[i].Number < dir.Delta[j].Number })
	return dir, nil
}

func numberFromFilename(p string, kind Kind) (int, error) {
	ext := strings.TrimPrefix(filepath.Ext(p), ".")
	if len(ext) != 3 {
		return 0, ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments, "segment file %s has a non-3-char extension", p)
	}
	if n, err := ParseExtension(ext, kind, false); err == nil {
		return n, nil
	}
	return ParseExtension(ext, kind, true)
}

// Close closes every open file descriptor in the directory concurrently
// via an errgroup (mirroring distr1/distri's pattern of fanning out
// independent filesystem work), collecting every close error rather
// than stopping at the first.
func (d *Directory) Close() error {
	var g errgroup.Group
	var mu sync.Mutex
	var errs []error
	for _, f := range append(append([]*File{}, d.Evidence...), d.Delta...) {
		f := f
		g.Go(func() error {
			if err := f.Handle.Close(); err != nil {
				mu.Lock()
				errs = append(errs, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "close segment file %s", f.Path))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Last returns the highest-numbered evidence segment file, or nil if
// the directory is empty.
func (d *Directory) Last() *File {
	if len(d.Evidence) == 0 {
		return nil
	}
	return d.Evidence[len(d.Evidence)-1]
}

// ByNumber finds the evidence segment file with the given 1-based
// segment number.
func (d *Directory) ByNumber(n int) *File {
	for _, f := range d.Evidence {
		if f.Number == n {
			return f
		}
	}
	return nil
}
