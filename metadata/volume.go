package metadata

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
)

// MediaType mirrors the teacher's EWFSpecification/DiskSMART media_type
// byte: removable, fixed, optical disc, RAM, and so on (spec.md §4.G).
type MediaType byte

const (
	MediaTypeRemovable MediaType = 0x00
	MediaTypeFixed     MediaType = 0x01
	MediaTypeOptical   MediaType = 0x03
	MediaTypeLogical   MediaType = 0x0e
	MediaTypeRAM       MediaType = 0x10
)

// MediaFlags mirrors the media_flags bitmask: bit0 is the physical
// (non-logical) flag, bit1 is the "this is a fastbloc/tableau write
// blocked image" flag, bit2 marks a single evidence file.
type MediaFlags byte

const (
	MediaFlagPhysical MediaFlags = 1 << 0
	MediaFlagFastbloc MediaFlags = 1 << 1
	MediaFlagSingle   MediaFlags = 1 << 2
)

// Volume is the decoded volume/disk section, unifying the teacher's two
// on-disk shapes: the 94-byte EWFSpecification layout (EnCase1/SMART/
// FTK imager) and the 1052-byte DiskSMART layout (EnCase5+), per
// spec.md §4.G "Volume/Disk".
type Volume struct {
	MediaType      MediaType
	MediaFlags     MediaFlags
	ChunkCount     uint32
	SectorsPerChunk uint32
	BytesPerSector  uint32
	SectorCount     uint64

	// CHS geometry, present only in the 1052-byte layout; zero otherwise.
	Cylinders uint32
	Heads     uint32
	Sectors   uint32

	// SegmentFileSetIdentifier is the acquisition GUID stamped into the
	// 1052-byte layout. The teacher's struct carries it as a raw 16-byte
	// field; google/uuid gives callers a comparable, stringable value
	// (SPEC_FULL.md DOMAIN STACK: GUID handling).
	SegmentFileSetIdentifier uuid.UUID
}

const (
	shortVolumeLength = 94
	longVolumeLength  = 1052
)

// wireShort is the EWFSpecification-style (EnCase1/SMART) volume
// payload: no geometry, no GUID, terminated by a trailing checksum.
type wireShort struct {
	MediaType       byte
	_               [3]byte
	ChunkCount      uint32
	SectorsPerChunk uint32
	BytesPerSector  uint32
	SectorCount     uint64
	_               [20]byte
	_               [45]byte
	Signature       byte
	Checksum        uint32
}

// wireLong is the DiskSMART-style (EnCase5+) volume payload: adds CHS
// geometry, media flags, and a GUID ahead of the same trailing fields.
type wireLong struct {
	MediaType       byte
	MediaFlags      byte
	_               [2]byte
	_               uint32 // unknown1
	ChunkCount      uint32
	SectorsPerChunk uint32
	BytesPerSector  uint32
	SectorCount     uint64
	Cylinders       uint32
	Heads           uint32
	Sectors         uint32
	_               [20]byte // unknown2
	_               [45]byte // padding
	_               byte     // unknown3
	GUID            [16]byte
	_               [925]byte
	Signature       byte
	Checksum        uint32
}

// ParseVolume decodes a volume/disk section payload. It accepts either
// wire shape by payload length rather than guessing from content, which
// is both simpler and more correct than the teacher's ParseVolume
// fallback heuristics (spec.md §4.G "Parse").
func ParseVolume(payload []byte) (Volume, error) {
	switch len(payload) {
	case shortVolumeLength:
		return parseShortVolume(payload)
	case longVolumeLength:
		return parseLongVolume(payload)
	default:
		return Volume{}, ewferr.New(ewferr.KindMalformedRecord, ewferr.DomainConversion,
			"volume section payload is %d bytes, want %d or %d", len(payload), shortVolumeLength, longVolumeLength)
	}
}

func parseShortVolume(payload []byte) (Volume, error) {
	var w wireShort
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &w); err != nil {
		return Volume{}, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode short volume section")
	}
	if computed := codec.Adler32(payload[:len(payload)-4]); computed != w.Checksum {
		return Volume{}, ewferr.New(ewferr.KindChecksumError, ewferr.DomainCompression,
			"volume section checksum mismatch: stored=%08x computed=%08x", w.Checksum, computed)
	}
	return Volume{
		MediaType:       MediaType(w.MediaType),
		ChunkCount:      w.ChunkCount,
		SectorsPerChunk: w.SectorsPerChunk,
		BytesPerSector:  w.BytesPerSector,
		SectorCount:     w.SectorCount,
	}, nil
}

func parseLongVolume(payload []byte) (Volume, error) {
	var w wireLong
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &w); err != nil {
		return Volume{}, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode long volume section")
	}
	if computed := codec.Adler32(payload[:len(payload)-4]); computed != w.Checksum {
		return Volume{}, ewferr.New(ewferr.KindChecksumError, ewferr.DomainCompression,
			"volume section checksum mismatch: stored=%08x computed=%08x", w.Checksum, computed)
	}
	id, err := uuid.FromBytes(w.GUID[:])
	if err != nil {
		// A zeroed GUID field (older acquisition tools) is valid input,
		// not a malformed one; fall back to the nil UUID.
		id = uuid.Nil
	}
	return Volume{
		MediaType:                MediaType(w.MediaType),
		MediaFlags:               MediaFlags(w.MediaFlags),
		ChunkCount:               w.ChunkCount,
		SectorsPerChunk:          w.SectorsPerChunk,
		BytesPerSector:           w.BytesPerSector,
		SectorCount:              w.SectorCount,
		Cylinders:                w.Cylinders,
		Heads:                    w.Heads,
		Sectors:                  w.Sectors,
		SegmentFileSetIdentifier: id,
	}, nil
}

// EncodeLong serializes v as a long (DiskSMART-style) volume section
// payload, stamping a freshly generated GUID when v has none set. This
// is the format Create always writes.
func EncodeLong(v Volume) ([]byte, error) {
	id := v.SegmentFileSetIdentifier
	if id == uuid.Nil {
		id = uuid.New()
	}
	w := wireLong{
		MediaType:       byte(v.MediaType),
		MediaFlags:      byte(v.MediaFlags),
		ChunkCount:      v.ChunkCount,
		SectorsPerChunk: v.SectorsPerChunk,
		BytesPerSector:  v.BytesPerSector,
		SectorCount:     v.SectorCount,
		Cylinders:       v.Cylinders,
		Heads:           v.Heads,
		Sectors:         v.Sectors,
		Signature:       1,
	}
	copy(w.GUID[:], id[:])

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &w); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "encode volume section")
	}
	raw := buf.Bytes()
	checksum := codec.Adler32(raw[:len(raw)-4])
	binary.LittleEndian.PutUint32(raw[len(raw)-4:], checksum)
	return raw, nil
}
