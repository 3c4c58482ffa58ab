// Package ewf composes the segment, section, table, chunk, stream,
// metadata, and lef packages into the public Handle: open/create/close
// orchestration and thread-safe accessors (spec.md §4.I).
package ewf

// Format selects the on-disk dialect Create writes. Reading auto-
// detects the dialect from what is on disk; Format only governs output,
// per spec.md §1 "writer policy... beyond what the on-disk format
// dictates" staying a caller decision, not a core one.
//
// Only FormatLogical changes what Create writes. Every Format gets the
// same section set: one compressed `header` section (no header2 or
// xheader), a long (1052-byte) volume section with a GUID, and
// uppercase segment extensions for rolled-over segments.
type Format int

const (
	// FormatEnCase6 names the EnCase6+ dialect; it is the default.
	FormatEnCase6 Format = iota
	// FormatEnCase1 names the original EnCase1 dialect. Create writes it
	// exactly as it writes FormatEnCase6.
	FormatEnCase1
	// FormatSMART names the SMART dialect. Create writes it exactly as it
	// writes FormatEnCase6, including uppercase .E02-style extensions.
	FormatSMART
	// FormatLogical writes LVF (logical-evidence) segment file headers,
	// and rolled-over segments get .L02-style extensions. No ltree
	// section is written.
	FormatLogical
)

// DefaultChunkSize is the sectors-per-chunk × bytes-per-sector product
// libewf's acquisition tools default to (64 sectors of 512 bytes).
const DefaultChunkSize = 64 * 512

// DefaultSegmentSize caps a segment file at 1400 MiB (~1 GiB the old
// EnCase1 ceiling, rounded up to a size new tools actually emit) before
// a `next` section starts a new one.
const DefaultSegmentSize = int64(1400) * 1024 * 1024

// CreateOptions configures a new evidence (or logical-evidence) set.
type CreateOptions struct {
	Format      Format
	ChunkSize   uint32
	MediaSize   uint64
	SegmentSize int64
	Compress    bool

	CaseNumber     string
	Description    string
	Examiner       string
	EvidenceNumber string
	Notes          string
}

func (o CreateOptions) withDefaults() CreateOptions {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.SegmentSize == 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	return o
}
