package metadata

import (
	"strings"

	"github.com/cobriniel/goewf/ewferr"
)

// Header is the canonical key->value decoding of a header/header2/
// xheader section, regardless of which of the three wire encodings
// produced it (spec.md §4.G).
type Header map[string]string

// Canonical keys spec.md §4.G documents.
const (
	KeyCaseNumber             = "case_number"
	KeyDescription            = "description"
	KeyExaminer               = "examiner"
	KeyEvidenceNumber         = "evidence_number"
	KeyNotes                  = "notes"
	KeyAcquiryDate            = "acquiry_date"
	KeySystemDate             = "system_date"
	KeyAcquiryOperatingSystem = "acquiry_operating_system"
	KeyAcquirySoftwareVersion = "acquiry_software_version"
	KeyPassword               = "password"
	KeyCompressionType        = "compression_type"
	KeyModel                  = "model"
	KeySerialNumber           = "serial_number"

	// Supplemental fields original_source/libewf's header parser (and
	// the teacher's ParseHeader) recognize beyond the thirteen canonical
	// keys above: location, process id, device class, acquisition tool
	// extension name.
	KeyLocation     = "location"
	KeyProcessID    = "process_id"
	KeyDeviceClass  = "device_class"
	KeyToolkitExtra = "toolkit_extra"
)

// headerFieldCodes maps the short single/double-letter codes that
// appear on an EnCase `header`/`header2` types line to the canonical
// Header key, per spec.md §4.G and the teacher's HeaderSectionString.
var headerFieldCodes = map[string]string{
	"c":   KeyCaseNumber,
	"n":   KeyEvidenceNumber,
	"a":   KeyDescription,
	"e":   KeyExaminer,
	"t":   KeyNotes,
	"av":  KeyAcquirySoftwareVersion,
	"ov":  KeyAcquiryOperatingSystem,
	"m":   KeyAcquiryDate,
	"u":   KeySystemDate,
	"p":   KeyPassword,
	"md":  KeyModel,
	"sn":  KeySerialNumber,
	"l":   KeyLocation,
	"pid": KeyProcessID,
	"dc":  KeyDeviceClass,
	"ext": KeyToolkitExtra,
}

// ParseHeader decodes a `header` or `header2` section payload (the
// section bytes right after the descriptor, still zlib-compressed).
// Both are a zlib-compressed, possibly UTF-16, tab-separated table:
// line 0 names the dialect, line 1 is a row count, line 2 is the types
// line, line 3+ are value lines (spec.md §4.G, teacher ParseHeaderSection).
func ParseHeader(payload []byte) (Header, error) {
	text, err := inflateText(payload)
	if err != nil {
		return nil, err
	}
	lines := splitTabLines(text)
	if len(lines) < 4 {
		return nil, ewferr.New(ewferr.KindMalformedRecord, ewferr.DomainConversion,
			"header section has %d lines, need at least 4", len(lines))
	}
	types := strings.Split(lines[2], "\t")
	values := strings.Split(lines[3], "\t")
	if len(types) != len(values) {
		return nil, ewferr.New(ewferr.KindMalformedRecord, ewferr.DomainConversion,
			"header types/values column count mismatch: %d vs %d", len(types), len(values))
	}

	h := make(Header, len(types))
	for i, code := range types {
		code = strings.TrimSpace(code)
		value := strings.TrimSpace(values[i])
		if value == "" {
			continue
		}
		if key, ok := headerFieldCodes[code]; ok {
			h[key] = value
		}
	}
	return h, nil
}

// ParseXHeader decodes an `xheader` section: zlib-compressed XML whose
// first-level elements are key/value pairs, mapped onto the same
// canonical Header keys as ParseHeader where the tag names coincide.
func ParseXHeader(payload []byte) (Header, error) {
	text, err := inflateText(payload)
	if err != nil {
		return nil, err
	}
	raw, err := parseSimpleXML(text)
	if err != nil {
		return nil, err
	}
	h := make(Header, len(raw))
	for k, v := range raw {
		h[k] = v
	}
	return h, nil
}
