package ewf

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/cobriniel/goewf/chunk"
	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
	"github.com/cobriniel/goewf/metadata"
	"github.com/cobriniel/goewf/section"
	"github.com/cobriniel/goewf/segment"
	"github.com/cobriniel/goewf/table"
)

// finalizeLocked closes out a Create-mode writer: it finalizes the open
// sectors section, writes the matching table/table2 pair, the hash
// section (only when SetDigest recorded a non-zero digest), and the
// terminal done section, per spec.md §4.I "Close".
// OpenForUpdate-mode handles (modeDeltaOverlay) just flush their delta
// file instead, since overlay chunks don't touch the original segment.
func (h *Handle) finalizeLocked() error {
	ws := h.writeState
	if ws.mode == modeDeltaOverlay {
		return h.finalizeDeltaLocked()
	}

	if ws.nextChunk != ws.chunkCount {
		return ewferr.New(ewferr.KindInvalidArgument, ewferr.DomainArguments,
			"close called with %d of %d chunks written", ws.nextChunk, ws.chunkCount)
	}

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
	tablePayload := encodeTablePayload(h.tbl.Entries[segStart:], ws.sectorsPayload)
	var err error
	at, err = writeSectionPayload(ws.file, ws.sw, at, section.TypeTable, tablePayload)
	if err != nil {
		return err
	}
	at, err = writeSectionPayload(ws.file, ws.sw, at, section.TypeTable2, tablePayload)
	if err != nil {
		return err
	}

	if digest, ok := nonZeroDigest(h.digest); ok {
		payload, err := metadata.EncodeHash(digest)
		if err != nil {
			return err
		}
		at, err = writeSectionPayload(ws.file, ws.sw, at, section.TypeHash, payload)
		if err != nil {
			return err
		}
	}

	return ws.sw.Finalize(at, section.TypeDone, 0, true)
}

// nonZeroDigest reports whether d carries anything worth writing.
func nonZeroDigest(d metadata.Digest) (metadata.Digest, bool) {
	if d.MD5 == ([16]byte{}) && !d.HasSHA1 {
		return metadata.Digest{}, false
	}
	return d, true
}

// SetDigest records the MD5/SHA1 of the fully written media so Close
// emits a hash section. Callers compute the digest themselves (e.g. by
// hashing the plaintext as it is written) since the core does not keep
// a running hash per spec.md §1's scope boundary.
func (h *Handle) SetDigest(d metadata.Digest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.digest = d
}

// encodeTablePayload builds a table/table2 section payload (header +
// per-chunk relative offsets with the compressed-flag bit set) from the
// dense entry slice, per spec.md §6 "Table section payload".
func encodeTablePayload(entries []table.Entry, baseOffset int64) []byte {
	const headerLen = 24
	buf := make([]byte, headerLen+len(entries)*4+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(baseOffset))
	checksum := codec.Adler32(buf[:20])
	binary.LittleEndian.PutUint32(buf[20:24], checksum)

	for i, e := range entries {
		rel := uint32(e.FileOffset - baseOffset)
		if e.IsCompressed {
			rel |= 1 << 31
		}
		binary.LittleEndian.PutUint32(buf[headerLen+i*4:], rel)
	}
	entriesChecksum := codec.Adler32(buf[headerLen : headerLen+len(entries)*4])
	binary.LittleEndian.PutUint32(buf[headerLen+len(entries)*4:], entriesChecksum)
	return buf
}

// OpenForUpdate opens an existing evidence set read-write, for delta
// overlay writes: a chunk already on disk is never rewritten in place;
// instead a `.d01` delta file is created (lazily, on the first overlay
// write) carrying one `delta_chunk` section per overwritten chunk
// (spec.md concrete scenario 4).
func OpenForUpdate(paths []string) (*Handle, error) {
	h, err := Open(paths)
	if err != nil {
		return nil, err
	}
	h.writable = true
	h.writeState = &writerState{mode: modeDeltaOverlay}
	h.strm.SetWriter(h)
	return h, nil
}

func (h *Handle) writeDeltaChunkLocked(k uint64, plaintext []byte) error {
	ws := h.writeState
	if ws.deltaFile == nil {
		evidence := h.dir.Last()
		path := deltaPathFor(evidence.Path)
		f, err := os.Create(path)
		if err != nil {
			return ewferr.Wrap(err, ewferr.KindIoError, ewferr.DomainIo, "create delta file %s", path)
		}
		if err := segment.WriteFileHeader(f, segment.KindDelta, uint16(evidence.Number)); err != nil {
			f.Close()
			return err
		}
		ws.deltaFile = f
		ws.deltaSW = section.NewWriter(f)
		ws.deltaAt = int64(segment.HeaderLength)
		ws.deltaSegNumber = evidence.Number
		h.dir.Delta = append(h.dir.Delta, &segment.File{Path: path, Number: evidence.Number, Kind: segment.KindDelta, Handle: f})
	}

	payload := chunk.DeltaChunkPayload(uint32(k), plaintext)
	payloadAt, err := writeSectionPayload(ws.deltaFile, ws.deltaSW, ws.deltaAt, section.TypeDeltaChunk, payload)
	if err != nil {
		return err
	}
	// The delta_chunk payload is chunkNumber(4) || plaintext || crc32(4);
	// the offset table entry must point past the 4-byte chunk number so
	// chunk.Store.Read sees the same plaintext||crc shape it expects from
	// any other uncompressed chunk (spec.md §3 "Delta record").
	const chunkNumberFieldSize = 4
	fileOffset := payloadAt - int64(len(payload)) + chunkNumberFieldSize
	ws.deltaAt = payloadAt

	h.tbl.ApplyDelta(int(k), ws.deltaSegNumber, fileOffset, uint32(len(payload)-chunkNumberFieldSize))
	return nil
}

func (h *Handle) finalizeDeltaLocked() error {
	ws := h.writeState
	if ws.deltaFile == nil {
		return nil
	}
	return ws.deltaSW.Finalize(ws.deltaAt, section.TypeDone, 0, true)
}

// deltaPathFor derives the .d01-style delta path for an evidence file,
// e.g. "case.E01" -> "case.d01".
func deltaPathFor(evidencePath string) string {
	ext := filepath.Ext(evidencePath)
	base := strings.TrimSuffix(evidencePath, ext)
	return base + ".d01"
}
