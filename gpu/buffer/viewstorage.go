package buffer

// Format identifies the texel format a formatted view interprets the
// bytes with. FormatNone is a plain, unformatted view.
type Format uint32

// FormatNone marks an unformatted view.
const FormatNone Format = 0

// viewKey is the identity of a view storage. The mutable megabuffer cache
// fields are deliberately excluded: they are not an inherent property of
// the view.
type viewKey struct {
	offset uint64
	size   uint64
	format Format
}

// ViewStorage holds all metadata about one distinct view into a buffer,
// cached on the buffer to prevent redundant view duplication.
//
// The identity fields (Offset, Size, Format) are immutable once
// constructed, except that coalescing shifts Offset when the storage
// migrates to a replacement buffer. The cache fields are only meaningful
// while lastAcquiredSequence equals the owning buffer's current sequence
// number.
type ViewStorage struct {
	Offset uint64
	Size   uint64
	Format Format

	// lastAcquiredSequence is the owning buffer's sequence number at the
	// time the view's bytes were last pushed into a megabuffer.
	lastAcquiredSequence uint64

	// megabufferOffset is where that push landed. 0 means no copy
	// exists; megabuffers never allocate at offset 0.
	megabufferOffset uint64
}
