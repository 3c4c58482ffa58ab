package metadata

import (
	"bytes"
	"encoding/binary"

	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
)

// SectorRange is one contiguous run of sectors, shared by the error2
// and session sections (spec.md §4.G "Error2/Session").
type SectorRange struct {
	FirstSector uint32
	SectorCount uint32
}

// SessionEntry extends SectorRange with the per-session flags field the
// session section carries (track type, etc).
type SessionEntry struct {
	SectorRange
	Flags uint32
}

type rangeTableHeader struct {
	Count    uint32
	_        [20]byte
	Checksum uint32
}

// ParseErrorRanges decodes an `error2` section: the list of sector
// ranges the acquisition tool could not read cleanly (spec.md §4.G).
func ParseErrorRanges(payload []byte) ([]SectorRange, error) {
	if len(payload) < 28 {
		return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"error2 section payload too small: %d bytes", len(payload))
	}
	var h rangeTableHeader
	if err := binary.Read(bytes.NewReader(payload[:28]), binary.LittleEndian, &h); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode error2 header")
	}
	if computed := codec.Adler32(payload[:24]); computed != h.Checksum {
		return nil, ewferr.New(ewferr.KindChecksumError, ewferr.DomainCompression,
			"error2 header checksum mismatch: stored=%08x computed=%08x", h.Checksum, computed)
	}

	want := 28 + int(h.Count)*8 + 4
	if len(payload) < want {
		return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"error2 section claims %d entries but payload is only %d bytes", h.Count, len(payload))
	}
	entries := make([]SectorRange, h.Count)
	r := bytes.NewReader(payload[28 : 28+int(h.Count)*8])
	if err := binary.Read(r, binary.LittleEndian, &entries); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode error2 entries")
	}
	entriesChecksum := binary.LittleEndian.Uint32(payload[28+int(h.Count)*8:])
	if computed := codec.Adler32(payload[28 : 28+int(h.Count)*8]); computed != entriesChecksum {
		return nil, ewferr.New(ewferr.KindChecksumError, ewferr.DomainCompression,
			"error2 entries checksum mismatch: stored=%08x computed=%08x", entriesChecksum, computed)
	}
	return entries, nil
}

// ParseSessions decodes a `session` section: the multi-session table
// recorded for optical media acquisitions.
func ParseSessions(payload []byte) ([]SessionEntry, error) {
	if len(payload) < 28 {
		return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"session section payload too small: %d bytes", len(payload))
	}
	var h rangeTableHeader
	if err := binary.Read(bytes.NewReader(payload[:28]), binary.LittleEndian, &h); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode session header")
	}
	if computed := codec.Adler32(payload[:24]); computed != h.Checksum {
		return nil, ewferr.New(ewferr.KindChecksumError, ewferr.DomainCompression,
			"session header checksum mismatch: stored=%08x computed=%08x", h.Checksum, computed)
	}

	const entrySize = 12
	// Unlike error2, EncodeSessions writes no trailing entries checksum
	// (see encodeRangeTable), so the length floor stops at the entries
	// themselves.
	want := 28 + int(h.Count)*entrySize
	if len(payload) < want {
		return nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"session section claims %d entries but payload is only %d bytes", h.Count, len(payload))
	}
	entries := make([]SessionEntry, h.Count)
	r := bytes.NewReader(payload[28 : 28+int(h.Count)*entrySize])
	if err := binary.Read(r, binary.LittleEndian, &entries); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode session entries")
	}
	return entries, nil
}

// EncodeErrorRanges serializes ranges as an error2 section payload.
func EncodeErrorRanges(ranges []SectorRange) ([]byte, error) {
	return encodeRangeTable(ranges, nil)
}

// EncodeSessions serializes sessions as a session section payload.
func EncodeSessions(sessions []SessionEntry) ([]byte, error) {
	return encodeRangeTable(nil, sessions)
}

func encodeRangeTable(ranges []SectorRange, sessions []SessionEntry) ([]byte, error) {
	count := len(ranges)
	if sessions != nil {
		count = len(sessions)
	}

	var header bytes.Buffer
	if err := binary.Write(&header, binary.LittleEndian, uint32(count)); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "encode range table header")
	}
	header.Write(make([]byte, 24))
	headerBytes := header.Bytes()
	checksum := codec.Adler32(headerBytes[:24])
	checksumBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksumBuf, checksum)

	var entries bytes.Buffer
	var writeErr error
	if sessions != nil {
		writeErr = binary.Write(&entries, binary.LittleEndian, sessions)
	} else {
		writeErr = binary.Write(&entries, binary.LittleEndian, ranges)
	}
	if writeErr != nil {
		return nil, ewferr.Wrap(writeErr, ewferr.KindMalformedRecord, ewferr.DomainConversion, "encode range table entries")
	}

	var out bytes.Buffer
	out.Write(headerBytes[:24])
	out.Write(checksumBuf)
	out.Write(entries.Bytes())
	if sessions == nil {
		entriesChecksum := codec.Adler32(entries.Bytes())
		if err := binary.Write(&out, binary.LittleEndian, entriesChecksum); err != nil {
			return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "encode error2 checksum")
		}
	}
	return out.Bytes(), nil
}
