// Package codec wraps the checksum and compression primitives the rest
// of goewf builds on: CRC32 (IEEE, zlib-compatible) over chunk
// plaintext, Adler-32 over section/table descriptors, and zlib-framed
// DEFLATE for compressed chunks and header text.
//
// DEFLATE runs through klauspost/compress/zlib rather than the
// standard library's compress/zlib — a drop-in replacement with a
// faster decoder, the same one distr1/distri reaches for when it needs
// to shuffle compressed package archives around.
package codec

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"hash/adler32"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/cobriniel/goewf/ewferr"
)

// CRC32 computes the zlib-compatible IEEE CRC32 over data.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Adler32 computes the Adler-32 checksum over data.
func Adler32(data []byte) uint32 {
	return adler32.Checksum(data)
}

// MD5Sum returns the MD5 digest of data, used to fill hash/xhash fields.
func MD5Sum(data []byte) [16]byte {
	return md5.Sum(data)
}

// SHA1Sum returns the SHA-1 digest of data, used to fill xhash fields.
func SHA1Sum(data []byte) [20]byte {
	return sha1.Sum(data)
}

// Deflate zlib-compresses plaintext. Callers in the chunk store pass
// plaintext||crc32(plaintext), matching the on-disk convention that the
// CRC lives inside the compressed payload.
func Deflate(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(plaintext); err != nil {
		_ = w.Close()
		return nil, ewferr.Wrap(err, ewferr.KindDecompressionError, ewferr.DomainCompression, "zlib compress failed")
	}
	if err := w.Close(); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindDecompressionError, ewferr.DomainCompression, "zlib compress close failed")
	}
	return buf.Bytes(), nil
}

// Inflate zlib-decompresses a chunk or header-text payload.
func Inflate(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindDecompressionError, ewferr.DomainCompression, "zlib reader init failed")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindDecompressionError, ewferr.DomainCompression, "zlib decompress failed")
	}
	return out, nil
}
