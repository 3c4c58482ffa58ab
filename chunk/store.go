// Package chunk implements the EWF chunk store: given a chunk number and
// its table.Entry, read the slab, verify CRC32, decompress if flagged;
// on write, compress if it shrinks the chunk, append the CRC, and
// report what was emitted (spec.md §3 "Chunk", §4.E).
package chunk

import (
	"encoding/binary"
	"io"

	sp "github.com/ongniud/slice-pool"

	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/table"
)

// crcSize is the trailing little-endian CRC32 every stored chunk (raw
// or compressed) carries, per spec.md §3.
const crcSize = 4

// scratchPool recycles the read-side scratch buffers used to hold a
// chunk's on-disk bytes before CRC verification/decompression, the way
// ongniud/wal's seg.go pools its chunk-header scratch space instead of
// allocating one per read.
var scratchPool = sp.NewSlicePool[byte](1<<9, 1<<20, 2)

// FileAt resolves a segment number (and whether it is a delta overlay)
// to the open file to read or write through. Handle implements this by
// consulting its segment.Directory.
type FileAt interface {
	EvidenceFile(segmentNumber int) (io.ReaderAt, error)
	DeltaFile(segmentNumber int) (io.ReaderAt, error)
}

// Store reads and writes chunks of a fixed logical size.
type Store struct {
	Files     FileAt
	ChunkSize uint32
}

// Read resolves entry's backing file, reads its on-disk slab, verifies
// the CRC32, and decompresses it if flagged. expectedLen is chunkSize
// for every chunk but the last in the image, whose plaintext may be
// shorter (spec.md invariant 2).
func (s *Store) Read(chunkNumber uint64, entry table.Entry, expectedLen uint32) ([]byte, error) {
	var r io.ReaderAt
	var err error
	if entry.IsDelta {
		r, err = s.Files.DeltaFile(entry.Segment)
	} else {
		r, err = s.Files.EvidenceFile(entry.Segment)
	}
	if err != nil {
		return nil, err
	}

	scratch := scratchPool.Alloc(int(entry.CompressedSize))[:entry.CompressedSize]
	defer scratchPool.Free(scratch)
	if _, err := r.ReadAt(scratch, entry.FileOffset); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "read chunk %d data", chunkNumber)
	}

	var payload []byte // plaintext || crc32
	if entry.IsCompressed {
		payload, err = codec.Inflate(scratch)
		if err != nil {
			return nil, ewferr.Wrap(err, ewferr.KindDecompressionError, ewferr.DomainCompression, "decompress chunk %d", chunkNumber)
		}
	} else {
		payload = append([]byte(nil), scratch...)
	}

	if len(payload) < crcSize {
		return nil, ewferr.New(ewferr.KindDecompressionError, ewferr.DomainCompression,
			"chunk %d payload too short for trailing CRC: %d bytes", chunkNumber, len(payload))
	}
	plainLen := len(payload) - crcSize
	if uint32(plainLen) != expectedLen {
		return nil, ewferr.New(ewferr.KindDecompressionError, ewferr.DomainCompression,
			"chunk %d decoded to %d plaintext bytes, want %d", chunkNumber, plainLen, expectedLen)
	}

	plain := payload[:plainLen]
	stored := binary.LittleEndian.Uint32(payload[plainLen:])
	computed := codec.CRC32(plain)
	if stored != computed {
		return nil, ewferr.AsChecksum(chunkNumber, stored, computed)
	}
	return plain, nil
}

// WriteResult describes what Write emitted for one chunk.
type WriteResult struct {
	Bytes        []byte // the bytes to append to the segment's sectors slab
	IsCompressed bool
}

// Write computes plaintext's CRC32 and, if tryCompress is set and
// plaintext is a full-size chunk, zlib-compresses plaintext||crc; the
// compressed form is kept only if it is no larger than the raw form
// (spec.md §4.E "Write" steps 1-3).
func Write(plaintext []byte, chunkSize uint32, tryCompress bool) (WriteResult, error) {
	crc := codec.CRC32(plaintext)
	raw := make([]byte, len(plaintext)+crcSize)
	copy(raw, plaintext)
	binary.LittleEndian.PutUint32(raw[len(plaintext):], crc)

	if tryCompress && uint32(len(plaintext)) == chunkSize {
		compressed, err := codec.Deflate(raw)
		if err != nil {
			return WriteResult{}, err
		}
		if len(compressed) <= len(raw) {
			return WriteResult{Bytes: compressed, IsCompressed: true}, nil
		}
	}
	return WriteResult{Bytes: raw, IsCompressed: false}, nil
}

// DeltaChunkPayload builds the payload of a delta_chunk section: a
// 4-byte chunk number, the full chunk_size plaintext, and its CRC32
// (spec.md §3 "Delta record").
func DeltaChunkPayload(chunkNumber uint32, plaintext []byte) []byte {
	buf := make([]byte, 4+len(plaintext)+crcSize)
	binary.LittleEndian.PutUint32(buf[:4], chunkNumber)
	copy(buf[4:], plaintext)
	binary.LittleEndian.PutUint32(buf[4+len(plaintext):], codec.CRC32(plaintext))
	return buf
}

// ParseDeltaChunkPayload reverses DeltaChunkPayload, verifying the CRC.
func ParseDeltaChunkPayload(payload []byte, chunkSize uint32) (chunkNumber uint32, plaintext []byte, err error) {
	want := 4 + int(chunkSize) + crcSize
	if len(payload) != want {
		return 0, nil, ewferr.New(ewferr.KindCorruptSegment, ewferr.DomainIo,
			"delta_chunk payload is %d bytes, want %d", len(payload), want)
	}
	chunkNumber = binary.LittleEndian.Uint32(payload[:4])
	plaintext = payload[4 : 4+chunkSize]
	stored := binary.LittleEndian.Uint32(payload[4+chunkSize:])
	computed := codec.CRC32(plaintext)
	if stored != computed {
		return 0, nil, ewferr.AsChecksum(uint64(chunkNumber), stored, computed)
	}
	return chunkNumber, plaintext, nil
}
