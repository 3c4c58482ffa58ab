// Package metadata decodes the EWF metadata sections: volume/disk,
// header/header2/xheader, hash/xhash, error2, and session (spec.md §3,
// §4.G).
package metadata

import (
	"encoding/xml"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/cobriniel/goewf/codec"
	"github.com/cobriniel/goewf/ewferr"
)

// decodeHeaderText converts a header/header2 payload (already zlib-
// inflated) to UTF-8, sniffing the BOM the way the teacher's
// internal/ewf.go ParseHeader does: 0xfffe/0xfeff UTF-16 LE/BE, falling
// back to the bytes as-is (ASCII/UTF-8, as `header` sections are).
func decodeHeaderText(raw []byte) (string, error) {
	if len(raw) < 2 {
		return string(raw), nil
	}
	switch {
	case raw[0] == 0xff && raw[1] == 0xfe:
		return utf16To8(raw, unicode.LittleEndian)
	case raw[0] == 0xfe && raw[1] == 0xff:
		return utf16To8(raw, unicode.BigEndian)
	default:
		return string(raw), nil
	}
}

func utf16To8(raw []byte, order unicode.Endianness) (string, error) {
	dec := unicode.UTF16(order, unicode.ExpectBOM).NewDecoder()
	out, _, err := transform.Bytes(dec, raw)
	if err != nil {
		return "", ewferr.Wrap(err, ewferr.KindDecompressionError, ewferr.DomainConversion, "decode UTF-16 header text")
	}
	return string(out), nil
}

// inflateText zlib-decompresses a section payload and decodes its text
// per decodeHeaderText. It is the shared first step for header/header2/
// xheader and xhash parsing.
func inflateText(payload []byte) (string, error) {
	plain, err := codec.Inflate(payload)
	if err != nil {
		return "", err
	}
	return decodeHeaderText(plain)
}

// xmlValues is the minimal shape xheader/xhash's `<xheader><key>v</key>
// ...</xheader>` documents decode into: every first-level child element
// under the root, by name, is one key/value pair. encoding/xml is used
// unchanged here — the retrieval pack carries no third-party XML
// library for either format or hashing-metadata XML, so the ecosystem
// answer for this one concern is the standard library (see DESIGN.md).
func parseSimpleXML(text string) (map[string]string, error) {
	type kv struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	}
	type root struct {
		XMLName xml.Name
		Items   []kv `xml:",any"`
	}
	var r root
	if err := xml.Unmarshal([]byte(text), &r); err != nil {
		return nil, ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "parse xheader/xhash XML")
	}
	out := make(map[string]string, len(r.Items))
	for _, item := range r.Items {
		out[item.XMLName.Local] = strings.TrimSpace(item.Value)
	}
	return out, nil
}

// splitTabLines splits header/header2 plaintext into non-empty,
// trimmed lines, mirroring strings.Split(data, "\n") + TrimSpace in the
// teacher's ParseHeaderSection.
func splitTabLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
