package buffer

import "github.com/lumen-emu/lumen/gpu/fence"

// MegaBufferingDisableThreshold is the view size at which megabuffering
// is rejected: at 128 KiB and above, an in-place device update is cheaper
// than copying the view on every acquire.
const MegaBufferingDisableThreshold uint64 = 128 * 1024

// A View is a stable handle over a contiguous sub-range of a buffer.
// Copies of a View share its delegate; the handle stays valid across the
// underlying buffer being replaced during coalescing. The zero View is
// invalid.
//
// The view must be locked prior to calling any data-path method.
type View struct {
	delegate *Delegate
}

// Valid reports whether the view refers to a buffer.
func (v View) Valid() bool {
	return v.delegate != nil
}

// Delegate exposes the view's delegate.
func (v View) Delegate() *Delegate {
	return v.delegate
}

// Storage returns the view's storage within the current owning buffer.
func (v View) Storage() *ViewStorage {
	return v.delegate.view
}

// Buffer returns the current owning buffer.
func (v View) Buffer() *Buffer {
	return v.delegate.Buffer()
}

// Lock acquires the current owning buffer's lock.
func (v View) Lock() {
	v.delegate.Lock()
}

// Unlock releases the owning buffer's lock.
func (v View) Unlock() {
	v.delegate.Unlock()
}

// TryLock attempts to acquire the owning buffer's lock without blocking.
func (v View) TryLock() bool {
	return v.delegate.TryLock()
}

// Release detaches the view's delegate from its owning buffer. It must be
// called exactly once, by the last holder, when the view is no longer
// needed.
func (v View) Release() {
	v.delegate.detach()
}

// AttachCycle attaches cycle as covering device work on the underlying
// buffer, keeping the buffer alive through the delegate until the cycle
// signals. The view must be locked.
func (v View) AttachCycle(cycle fence.Cycle) {
	v.delegate.Buffer().AttachCycle(cycle, v.delegate)
}

// RegisterUsage stores a usage notification for this view. The callback
// fires once immediately and again whenever the view is repointed at a
// replacement buffer. Registering a usage forces the buffer host
// immutable for cycle, since the device may read the backing while the
// cycle executes. The view must be locked.
func (v View) RegisterUsage(cycle fence.Cycle, callback UsageCallback) {
	d := v.delegate
	d.usageCallback = callback

	b := d.Buffer()
	callback(d.view, b)
	b.MarkHostImmutable(cycle)
}

// Read reads len(data) bytes at offset within the view. The view must be
// locked.
func (v View) Read(cycle fence.Cycle, flush func(), data []byte, offset uint64) {
	v.delegate.Buffer().Read(cycle, flush, data, v.delegate.view.Offset+offset)
}

// Write writes data at offset within the view, falling back to the
// device-side copy path while the buffer is host immutable. The view must
// be locked.
func (v View) Write(
	cycle fence.Cycle,
	flush func(),
	gpuCopy func(),
	data []byte,
	offset uint64,
) {
	v.delegate.Buffer().
		Write(cycle, flush, gpuCopy, data, v.delegate.view.Offset+offset)
}

// GetReadOnlyBackingSpan returns the view's slice of the backing. The
// returned span must not be written to and is only valid while the view
// stays locked.
func (v View) GetReadOnlyBackingSpan(cycle fence.Cycle, flush func()) []byte {
	vs := v.delegate.view
	span := v.delegate.Buffer().GetReadOnlyBackingSpan(cycle, flush)

	return span[vs.Offset : vs.Offset+vs.Size]
}

// AcquireMegaBuffer pushes the view's current contents into mega if
// beneficial and returns the megabuffer offset of the copy, or 0 when
// megabuffering is not to be used (view too large, buffer contents not
// representable, or the push failed). A repeated call with an unchanged
// sequence number returns the cached offset without copying again. The
// view must be locked.
func (v View) AcquireMegaBuffer(mega *MegaBuffer) uint64 {
	vs := v.delegate.view

	if vs.Size >= MegaBufferingDisableThreshold {
		return 0
	}

	b := v.delegate.Buffer()

	seq, contents := b.AcquireCurrentSequence()
	if seq == 0 {
		return 0
	}

	if vs.lastAcquiredSequence == seq {
		return vs.megabufferOffset
	}

	offset, err := mega.Push(contents[vs.Offset : vs.Offset+vs.Size])
	if err != nil {
		// Exhaustion degrades to the non-cached path.
		return 0
	}

	vs.lastAcquiredSequence = seq
	vs.megabufferOffset = offset

	b.InvokeHook(HookCtx{
		Domain: b,
		Pos:    HookPosMegaBufferPush,
		Item:   vs,
		Detail: offset,
	})

	return offset
}
