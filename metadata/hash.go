package metadata

import (
	"bytes"
	"encoding/binary"

	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
)

// Digest is the decoded `hash` section: the two digests computed over
// the whole media while it was being acquired (spec.md §4.G "Hash").
type Digest struct {
	MD5  [16]byte
	SHA1 [20]byte
	HasSHA1 bool
}

const (
	hashShortLength = 36 // md5 + unknown + checksum, no sha1
	hashLongLength  = 84 // md5 + sha1 + unknown + checksum (EnCase6+)
)

// wireHash is the fixed `hash` section payload. Older writers omit the
// SHA1 field entirely; HasSHA1 tracks which shape was parsed.
type wireHashShort struct {
	MD5      [16]byte
	_        [16]byte
	Checksum uint32
}

type wireHashLong struct {
	MD5      [16]byte
	_        [16]byte
	SHA1     [20]byte
	_        [28]byte
	Checksum uint32
}

// ParseHash decodes a `hash` section payload, per spec.md §4.G "Parse".
func ParseHash(payload []byte) (Digest, error) {
	switch len(payload) {
	case hashShortLength:
		var w wireHashShort
		if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &w); err != nil {
			return Digest{}, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode hash section")
		}
		if computed := codec.Adler32(payload[:len(payload)-4]); computed != w.Checksum {
			return Digest{}, ewferr.New(ewferr.KindChecksumError, ewferr.DomainCompression,
				"hash section checksum mismatch: stored=%08x computed=%08x", w.Checksum, computed)
		}
		return Digest{MD5: w.MD5}, nil
	case hashLongLength:
		var w wireHashLong
		if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &w); err != nil {
			return Digest{}, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode hash section")
		}
		if computed := codec.Adler32(payload[:len(payload)-4]); computed != w.Checksum {
			return Digest{}, ewferr.New(ewferr.KindChecksumError, ewferr.DomainCompression,
				"hash section checksum mismatch: stored=%08x computed=%08x", w.Checksum, computed)
		}
		return Digest{MD5: w.MD5, SHA1: w.SHA1, HasSHA1: true}, nil
	default:
		return Digest{}, ewferr.New(ewferr.KindMalformedRecord, ewferr.DomainConversion,
			"hash section payload is %d bytes, want %d or %d", len(payload), hashShortLength, hashLongLength)
	}
}

// ParseXHash decodes an `xhash` section: zlib-compressed XML carrying
// the same digests, plus whatever extra digest algorithms the acquiring
// tool chose to record (spec.md §4.G supplement, teacher xheader/xhash
// handling).
func ParseXHash(payload []byte) (map[string]string, error) {
	text, err := inflateText(payload)
	if err != nil {
		return nil, err
	}
	return parseSimpleXML(text)
}

// EncodeHash serializes d as a long (MD5+SHA1) `hash` section payload,
// the shape every modern writer emits.
func EncodeHash(d Digest) ([]byte, error) {
	w := wireHashLong{MD5: d.MD5, SHA1: d.SHA1}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &w); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "encode hash section")
	}
	raw := buf.Bytes()
	checksum := codec.Adler32(raw[:len(raw)-4])
	binary.LittleEndian.PutUint32(raw[len(raw)-4:], checksum)
	return raw, nil
}
