package lef

import (
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/cobriniel/goewf/ewferr"
)

// Parse decodes an `ltree`/`single_files` section payload into a Tree
// guarded by its own private lock. Use ParseWithLock to share a lock
// with an owning Handle instead.
func Parse(payload []byte) (*Tree, error) {
	return ParseWithLock(payload, nil)
}

// ParseWithLock decodes payload the same way Parse does, but the
// returned Tree's accessors take lock instead of a private one, so a
// Handle can serialize LEF reads with its offset-table and cache state
// under one RWMutex (spec.md §5).
func ParseWithLock(payload []byte, lock *sync.RWMutex) (*Tree, error) {
	text, err := decodeUTF16(payload)
	if err != nil {
		return nil, err
	}

	tree := newTree(lock)
	blocks := splitCategories(text)

	// stack[d] holds the index of the most recently parsed record at
	// depth d; a record at depth d parents onto stack[d-1], per the
	// depth-prefixed "p" column spec.md's Grammar section describes.
	var stack []int

	for _, b := range blocks {
		if len(b.lines) < 3 {
			continue // blank trailer or short category, nothing to decode
		}
		category := Category(strings.TrimSpace(b.lines[0]))
		// b.lines[1] is the version/count line; spec.md does not bind
		// its value to anything the decoder checks.
		types := strings.Split(b.lines[2], "\t")

		for _, valueLine := range b.lines[3:] {
			if strings.TrimSpace(valueLine) == "" {
				continue
			}
			values := strings.Split(valueLine, "\t")
			if len(values) != len(types) {
				return nil, ewferr.New(ewferr.KindMalformedRecord, ewferr.DomainConversion,
					"lef %s record has %d values for %d columns", category, len(values), len(types))
			}

			rec, depth, err := decodeRecord(category, types, values)
			if err != nil {
				return nil, err
			}

			parent := -1
			if depth > 0 && depth-1 < len(stack) {
				parent = stack[depth-1]
			}
			rec.ParentIndex = parent

			idx := len(tree.Records)
			tree.Records = append(tree.Records, rec)
			if parent == -1 {
				tree.Roots = append(tree.Roots, idx)
			}

			if depth >= len(stack) {
				grown := make([]int, depth+1)
				copy(grown, stack)
				stack = grown
			} else {
				stack = stack[:depth+1]
			}
			stack[depth] = idx
		}
	}
	return tree, nil
}

type categoryBlock struct {
	lines []string
}

// splitCategories groups the decoded text into blank-line-separated
// categories, each further split into its constituent lines.
func splitCategories(text string) []categoryBlock {
	var blocks []categoryBlock
	var current []string
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, categoryBlock{lines: current})
			current = nil
		}
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// decodeUTF16 converts a possibly BOM-prefixed UTF-16LE payload to
// UTF-8, per spec.md §4.H "Input".
func decodeUTF16(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
	out, _, err := transform.Bytes(dec, payload)
	if err != nil {
		return "", ewferr.Wrap(err, ewferr.KindMalformedRecord, ewferr.DomainConversion, "decode lef UTF-16LE payload")
	}
	return string(out), nil
}

// decodeRecord zips types against values and fills the right typed
// record for category, returning the depth read from the "p" column
// (0 if absent or category has none).
func decodeRecord(category Category, types, values []string) (Record, int, error) {
	rec := Record{Category: category}
	depth := 0

	var src FileSource
	var perm Permission
	var entry FileEntry
	haveSrc, havePerm, haveEntry := false, false, false

	for i, code := range types {
		code = strings.TrimSpace(code)
		value := values[i]
		if code == "" || value == "" {
			continue
		}

		switch {
		case code == "nta" || code == "nti" || code == "nts":
			havePerm = true
			switch code {
			case "nta":
				n, err := parseU32("access_mask", value)
				if err != nil {
					return Record{}, 0, err
				}
				perm.AccessMask = n
			case "nti":
				n, err := parseU32("ace_flags", value)
				if err != nil {
					return Record{}, 0, err
				}
				perm.ACEFlags = n
			case "nts":
				// Security descriptor: kept opaque, see Permission.SecurityDescriptor doc.
				perm.SecurityDescriptor = []byte(value)
			}

		case code == "pr":
			havePerm = true
			n, err := parseU32("property_type", value)
			if err != nil {
				return Record{}, 0, err
			}
			perm.PropertyType = n

		case len(code) == 2:
			switch code {
			case "be":
				haveSrc = true
				// total_size packed with physical_offset; accept either
				// a single total-size value or "offset:size".
				if idx := strings.IndexByte(value, ':'); idx >= 0 {
					off, err := parseI64("physical_offset", value[:idx])
					if err != nil {
						return Record{}, 0, err
					}
					size, err := parseU64("total_size", value[idx+1:])
					if err != nil {
						return Record{}, 0, err
					}
					src.PhysicalOffset = off
					src.TotalSize = size
				} else {
					size, err := parseU64("total_size", value)
					if err != nil {
						return Record{}, 0, err
					}
					src.TotalSize = size
				}
			case "ha":
				haveEntry, haveSrc = true, true
				entry.MD5Hash = value
				src.MD5Hash = value
			case "id":
				haveEntry, haveSrc = true, true
				entry.Identifier = value
				n, err := parseU32("id", value)
				if err == nil {
					src.ID = n
				}
			case "ls":
				haveEntry = true
				n, err := parseU64("file size", value)
				if err != nil {
					return Record{}, 0, err
				}
				entry.Size = n
			case "du":
				haveEntry, haveSrc = true, true
				n, err := parseU32("acquisition time", value)
				if err != nil {
					return Record{}, 0, err
				}
				entry.AcquiredAt = n
				src.AcquisitionTime = n
			case "sn":
				haveSrc = true
				src.SerialNumber = value
			case "md":
				haveSrc = true
				src.Model = value
			case "mf":
				haveSrc = true
				src.Manufacturer = value
			case "ev":
				haveSrc = true
				src.EvidenceNumber = value
			case "lo":
				haveSrc = true
				src.Location = value
			case "dm":
				haveSrc = true
				src.Domain = value
			case "ip":
				haveSrc = true
				src.IPAddress = value
			case "ma":
				haveSrc = true
				src.MACAddress = value
			case "h1":
				haveSrc = true
				src.SHA1Hash = value
			case "gu":
				haveSrc = true
				src.GUID = value
			case "pg":
				haveSrc = true
				src.PrimaryGUID = value
			case "si":
				haveSrc = true
				src.StaticIP = value != "0"
			}

		case code == "p":
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				depth = n
			}

		case code == "n":
			haveSrc, havePerm, haveEntry = true, true, true
			src.Name = value
			perm.Name = value
			entry.Name = value

		case code == "s":
			havePerm = true
			perm.Identifier = value

		default:
			// Unknown column: skipped without being logged, since the
			// core never logs (SPEC_FULL.md §2).
		}
	}

	switch category {
	case CategorySource:
		if haveSrc {
			rec.Source = &src
		}
	case CategoryPermission:
		if havePerm {
			rec.Permission = &perm
		}
	case CategoryEntry:
		if haveEntry {
			rec.Entry = &entry
		}
		if havePerm && rec.Permission == nil {
			rec.Permission = &perm
		}
	default:
		if haveEntry {
			rec.Entry = &entry
		}
	}
	return rec, depth, nil
}

func parseU32(field, value string) (uint32, error) {
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, ewferr.Wrap(err, ewferr.KindValueOutOfBounds, ewferr.DomainConversion, "lef %s value %q", field, value)
	}
	return uint32(n), nil
}

func parseU64(field, value string) (uint64, error) {
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, ewferr.Wrap(err, ewferr.KindValueOutOfBounds, ewferr.DomainConversion, "lef %s value %q", field, value)
	}
	return n, nil
}

func parseI64(field, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, ewferr.Wrap(err, ewferr.KindValueOutOfBounds, ewferr.DomainConversion, "lef %s value %q", field, value)
	}
	return n, nil
}
