// Package buffer implements the guest/host memory-coherency engine of the
// GPU layer.
//
// A Buffer owns a host-resident backing for a guest buffer and keeps the
// two sides consistent through a tri-state dirty protocol. Guest writes
// are detected lazily through memory traps over the CPU mirror; host-side
// mutations are ordered against outstanding device work through fence
// cycles. Views into a buffer are handed out through a delegate layer so
// that they survive the buffer being replaced during coalescing.
package buffer

import (
	"log"
	"sync"

	"github.com/lumen-emu/lumen/gpu/fence"
	"github.com/lumen-emu/lumen/gpu/trap"
	"github.com/lumen-emu/lumen/guest"
)

// DirtyState tells which side currently holds authoritative,
// unsynchronized data.
type DirtyState int

const (
	// DirtyStateClean means the CPU mirror is in sync with the backing.
	DirtyStateClean DirtyState = iota

	// DirtyStateCpuDirty means the CPU mirror has been modified but the
	// backing is not up to date.
	DirtyStateCpuDirty

	// DirtyStateGpuDirty means the backing has been modified but the CPU
	// mirror has not been updated.
	DirtyStateGpuDirty
)

func (s DirtyState) String() string {
	switch s {
	case DirtyStateClean:
		return "Clean"
	case DirtyStateCpuDirty:
		return "CpuDirty"
	case DirtyStateGpuDirty:
		return "GpuDirty"
	default:
		return "Unknown"
	}
}

// InitialSequenceNumber is the sequence number all buffers start with.
const InitialSequenceNumber uint64 = 1

// StateTransition is the Item of a HookPosStateChange hook invocation.
type StateTransition struct {
	From, To DirtyState
}

// A Buffer is backed by host storage while being synchronized with an
// underlying guest buffer.
//
// Every state-mutating method requires the caller to hold the buffer's
// lock; the locking discipline is cooperative, not enforced. The
// trap-fault path acquires the lock itself since it runs asynchronously
// on the guest thread.
type Buffer struct {
	HookableBase

	mu   sync.Mutex
	name string

	backing []byte
	guest   *guest.Mapping

	mirror        []byte
	alignedMirror []byte
	trapHandle    *trap.Handle

	dirtyState     DirtyState
	sequenceNumber uint64

	views     map[viewKey]*ViewStorage
	delegates delegateList

	// cycle covers the most recent host-mutating device work on this
	// buffer; it must be waited on prior to any mutation of the backing.
	cycle fence.Cycle

	// hostImmutableCycle, while unsignalled, forbids in-place writes to
	// the backing since pending device reads of it would race them.
	hostImmutableCycle fence.Cycle

	everHadInlineUpdate bool
}

func newGuestBuffer(name string, g guest.Mapping) *Buffer {
	alignedAddr, alignedSize := g.AlignedRange()

	b := &Buffer{
		name:           name,
		backing:        make([]byte, g.Size()),
		guest:          &g,
		mirror:         g.Mirror(),
		alignedMirror:  g.Memory().Slice(alignedAddr, alignedSize),
		dirtyState:     DirtyStateCpuDirty,
		sequenceNumber: InitialSequenceNumber,
		views:          make(map[viewKey]*ViewStorage),
	}

	return b
}

func newHostOnlyBuffer(name string, size uint64) *Buffer {
	return &Buffer{
		name:           name,
		backing:        make([]byte, size),
		dirtyState:     DirtyStateClean,
		sequenceNumber: InitialSequenceNumber,
		views:          make(map[viewKey]*ViewStorage),
	}
}

// newBufferFromOverlaps creates a buffer pre-synchronized with the
// contents of the overlapping source buffers it replaces. The caller must
// hold every source's lock. GPU-dirty sources are synchronized guest-side
// first, which blocks on their fences. cycle, the fence of the current
// workload, keeps the new buffer alive until that work completes; it may
// be nil.
func newBufferFromOverlaps(
	name string,
	g guest.Mapping,
	cycle fence.Cycle,
	sources []*Buffer,
) *Buffer {
	b := newGuestBuffer(name, g)

	if cycle != nil {
		cycle.Attach(b)
	}

	copy(b.backing, b.mirror)

	hadGpuDirtySource := false
	for _, src := range sources {
		if src.guest == nil {
			log.Panicf("buffer: host-only buffer %s used as a coalescing source",
				src.name)
		}

		// Clean and CPU-dirty sources are already covered by the mirror
		// copy above; a CPU-dirty source's backing is stale and must not
		// overwrite it. Only a GPU-dirty source holds bytes the mirror
		// lacks, and its guest sync pulls them into both sides.
		if src.dirtyState == DirtyStateGpuDirty {
			src.SynchronizeGuest(true, false)
			hadGpuDirtySource = true

			offset := src.guest.Base() - g.Base()
			copy(b.backing[offset:], src.backing)
		}

		if src.everHadInlineUpdate {
			b.everHadInlineUpdate = true
		}
	}

	// Both sides agree now; a write-only trap catches the next guest
	// write. Any GPU-dirty source advances the sequence past the initial
	// value so migrated view caches are forced to reacquire.
	b.dirtyState = DirtyStateClean
	b.installTrap(trap.ModeWriteOnly)
	if hadGpuDirtySource {
		b.AdvanceSequence()
	}

	return b
}

// Name returns the buffer's name.
func (b *Buffer) Name() string {
	return b.name
}

// Size returns the backing size in bytes.
func (b *Buffer) Size() uint64 {
	return uint64(len(b.backing))
}

// IsGuestBacked reports whether the buffer mirrors a guest mapping.
func (b *Buffer) IsGuestBacked() bool {
	return b.guest != nil
}

// Guest returns the guest mapping, or nil for host-only buffers.
func (b *Buffer) Guest() *guest.Mapping {
	return b.guest
}

// DirtyState returns the current dirty state. The buffer must be locked.
func (b *Buffer) DirtyState() DirtyState {
	return b.dirtyState
}

// SequenceNumber returns the current sequence number. The buffer must be
// locked.
func (b *Buffer) SequenceNumber() uint64 {
	return b.sequenceNumber
}

// EverHadInlineUpdate reports whether the buffer has ever taken the
// device-side copy path for a write. Views prefer megabuffering once this
// is set to avoid repeating the costly path.
func (b *Buffer) EverHadInlineUpdate() bool {
	return b.everHadInlineUpdate
}

// Lock acquires the buffer's exclusive lock.
func (b *Buffer) Lock() {
	b.mu.Lock()
}

// Unlock relinquishes the buffer's exclusive lock.
func (b *Buffer) Unlock() {
	b.mu.Unlock()
}

// TryLock attempts to acquire the lock without blocking.
func (b *Buffer) TryLock() bool {
	return b.mu.TryLock()
}

func (b *Buffer) checkBounds(offset, size uint64) {
	// The addition may wrap for hostile arguments.
	if size > uint64(len(b.backing)) || offset > uint64(len(b.backing))-size {
		log.Panicf("buffer: access [0x%x, 0x%x) outside %s of size 0x%x",
			offset, offset+size, b.name, len(b.backing))
	}
}

func (b *Buffer) setDirtyState(s DirtyState) {
	if b.dirtyState == s {
		return
	}

	old := b.dirtyState
	b.dirtyState = s

	b.InvokeHook(HookCtx{
		Domain: b,
		Pos:    HookPosStateChange,
		Item:   StateTransition{From: old, To: s},
	})
}

func (b *Buffer) installTrap(mode trap.Mode) {
	if b.guest == nil {
		return
	}

	if b.trapHandle != nil {
		b.trapHandle.Rearm(mode)
		return
	}

	addr, size := b.guest.AlignedRange()
	b.trapHandle = b.guest.Memory().Traps().
		Install(addr, size, mode, b.trapFired)
}

func (b *Buffer) removeTrap() {
	if b.trapHandle != nil {
		b.trapHandle.Remove()
		b.trapHandle = nil
	}
}

// trapFired is the lazy-synchronization path, invoked by the trap table
// when the guest touches the trapped mirror range. It acquires the buffer
// lock itself, serializing against device-submission threads.
func (b *Buffer) trapFired(access trap.Access) {
	b.Lock()
	defer b.Unlock()

	if access == trap.AccessRead {
		// A read of a stale mirror: pull the device data and downgrade
		// to a write-only trap.
		b.SynchronizeGuest(false, false)
		return
	}

	// A guest write: pull device data first so the bytes the guest does
	// not overwrite stay correct, then hand authority to the CPU side
	// and stop trapping.
	b.SynchronizeGuest(true, false)
	b.removeTrap()
	b.setDirtyState(DirtyStateCpuDirty)
}

// MarkGpuDirty marks the backing as newer than the mirror. It must be
// called after issuing the device-side write, never before: it is a
// commitment that a subsequent SynchronizeGuest has something to pull.
// The buffer must be locked.
func (b *Buffer) MarkGpuDirty() {
	if b.guest == nil || b.dirtyState == DirtyStateGpuDirty {
		return
	}

	// Reads of the now-stale mirror must be intercepted too.
	b.installTrap(trap.ModeReadWrite)
	b.setDirtyState(DirtyStateGpuDirty)
}

// WaitOnFence blocks until the attached fence cycle signals, then clears
// it. The buffer must be locked.
func (b *Buffer) WaitOnFence() {
	if b.cycle != nil {
		b.cycle.Wait()
		b.cycle = nil
	}
}

// PollFence checks the attached fence cycle without blocking, clearing it
// if signalled. It returns true when no unsignalled cycle remains. The
// buffer must be locked.
func (b *Buffer) PollFence() bool {
	if b.cycle == nil {
		return true
	}

	if b.cycle.Poll() {
		b.cycle = nil
		return true
	}

	return false
}

// AttachCycle records cycle as covering host-mutating device work on this
// buffer and keeps dep alive until it signals. The buffer must be locked.
func (b *Buffer) AttachCycle(cycle fence.Cycle, dep any) {
	if b.cycle == cycle {
		return
	}

	b.WaitOnFence()
	b.cycle = cycle
	cycle.Attach(dep)
}

// SynchronizeHost copies the mirror into the backing if the CPU side is
// dirty. rwTrap selects a read-write trap over the mirror, which is
// cheaper than a separate MarkGpuDirty when a device write follows
// immediately; otherwise a write-only trap is installed. The buffer must
// be locked.
func (b *Buffer) SynchronizeHost(rwTrap bool) {
	if b.dirtyState != DirtyStateCpuDirty || b.guest == nil {
		return
	}

	b.WaitOnFence()
	b.pushMirror(rwTrap)
}

// SynchronizeHostWithCycle is SynchronizeHost, except the wait on the
// held fence cycle is skipped when it matches cycle: work recorded into
// the same cycle is ordered behind the copy anyway. The buffer must be
// locked.
func (b *Buffer) SynchronizeHostWithCycle(cycle fence.Cycle, rwTrap bool) {
	if b.dirtyState != DirtyStateCpuDirty || b.guest == nil {
		return
	}

	if b.cycle != nil && b.cycle != cycle {
		b.WaitOnFence()
	}

	b.pushMirror(rwTrap)
}

func (b *Buffer) pushMirror(rwTrap bool) {
	copy(b.backing, b.mirror)
	b.AdvanceSequence()

	if rwTrap {
		b.installTrap(trap.ModeReadWrite)
		b.setDirtyState(DirtyStateGpuDirty)
	} else {
		b.installTrap(trap.ModeWriteOnly)
		b.setDirtyState(DirtyStateClean)
	}

	b.InvokeHook(HookCtx{Domain: b, Pos: HookPosSyncHost})
}

// SynchronizeGuest copies the backing into the mirror if the GPU side is
// dirty, waiting on the attached fence first. With nonBlocking set, the
// call declines (returns false) instead of waiting when the fence has not
// signalled. With skipTrap set, the mirror is left untrapped; the caller
// is expected to manage the state itself. Returns whether the buffer is
// not GPU dirty on return. The buffer must be locked.
func (b *Buffer) SynchronizeGuest(skipTrap, nonBlocking bool) bool {
	if b.dirtyState != DirtyStateGpuDirty || b.guest == nil {
		return true
	}

	if nonBlocking {
		if !b.PollFence() {
			return false
		}
	} else {
		b.WaitOnFence()
	}

	copy(b.mirror, b.backing)

	if skipTrap {
		b.removeTrap()
	} else {
		b.installTrap(trap.ModeWriteOnly)
	}

	b.setDirtyState(DirtyStateClean)
	b.InvokeHook(HookCtx{Domain: b, Pos: HookPosSyncGuest})

	return true
}

// SynchronizeGuestWithCycle defers the guest-side pull until cycle
// signals. The guest mapping must be non-nil. The buffer must be locked.
func (b *Buffer) SynchronizeGuestWithCycle(cycle fence.Cycle) {
	if b.guest == nil {
		log.Panicf("buffer: deferred guest sync on host-only buffer %s", b.name)
	}

	cycle.Attach(b)

	if cycle.Poll() {
		b.SynchronizeGuest(false, false)
		return
	}

	// The continuation runs on its own goroutine: OnSignal may fire
	// immediately on a racing Signal, and the buffer lock is not
	// reentrant.
	cycle.OnSignal(func() {
		go func() {
			b.Lock()
			defer b.Unlock()
			b.SynchronizeGuest(false, false)
		}()
	})
}

// SynchronizeGuestImmediate forces a guest-side synchronization now. If
// the buffer's pending work lives in cycle, which has not yet executed,
// flush is invoked to force that work to run before waiting. The buffer
// must be locked.
func (b *Buffer) SynchronizeGuestImmediate(cycle fence.Cycle, flush func()) {
	if b.dirtyState != DirtyStateGpuDirty || b.guest == nil {
		return
	}

	if cycle != nil && cycle == b.cycle && !cycle.Poll() {
		flush()
	}

	b.SynchronizeGuest(false, false)
}

// Read ensures guest-side freshness and copies the buffer's bytes at
// offset into data. The buffer must be locked.
func (b *Buffer) Read(cycle fence.Cycle, flush func(), data []byte, offset uint64) {
	b.checkBounds(offset, uint64(len(data)))

	if b.dirtyState == DirtyStateGpuDirty {
		b.SynchronizeGuestImmediate(cycle, flush)
	}

	if b.guest != nil {
		copy(data, b.mirror[offset:])
	} else {
		copy(data, b.backing[offset:])
	}
}

// Write writes data at offset. While the buffer is host-immutable the
// write routes through gpuCopy, a device-side copy recorded into the
// current cycle, instead of touching the backing in place. The buffer
// must be locked.
func (b *Buffer) Write(
	cycle fence.Cycle,
	flush func(),
	gpuCopy func(),
	data []byte,
	offset uint64,
) {
	b.checkBounds(offset, uint64(len(data)))

	if b.guest != nil {
		if b.dirtyState == DirtyStateGpuDirty {
			b.SynchronizeGuestImmediate(cycle, flush)
		}

		// Mirror-only change: the sequence advances below once the
		// backing-visible contents change.
		copy(b.mirror[offset:], data)
	}

	if b.CheckHostImmutable() {
		b.everHadInlineUpdate = true
		gpuCopy()
		b.AdvanceSequence()
		return
	}

	copy(b.backing[offset:], data)
	b.AdvanceSequence()
}

// MarkHostImmutable forbids in-place writes to the backing until cycle
// signals; Write routes through its device-side copy path meanwhile. The
// buffer must be locked.
func (b *Buffer) MarkHostImmutable(cycle fence.Cycle) {
	b.hostImmutableCycle = cycle
}

// CheckHostImmutable reports whether the backing must not be written in
// place right now. The buffer must be locked.
func (b *Buffer) CheckHostImmutable() bool {
	if b.hostImmutableCycle == nil {
		return false
	}

	if b.hostImmutableCycle.Poll() {
		b.hostImmutableCycle = nil
		return false
	}

	return true
}

// AcquireCurrentSequence prepares the buffer for read accesses from the
// returned span and returns the current sequence number. An implicit
// CPU-to-GPU sync is performed; a non-blocking GPU-to-CPU sync is
// attempted first if the buffer is GPU dirty. If the buffer remains GPU
// dirty the sentinel sequence 0 is returned, meaning the contents are not
// representable right now and must not be cached. The returned span stays
// valid to read as long as the sequence number is unchanged. The buffer
// must be locked.
func (b *Buffer) AcquireCurrentSequence() (uint64, []byte) {
	if b.dirtyState == DirtyStateGpuDirty && !b.SynchronizeGuest(false, true) {
		return 0, nil
	}

	b.SynchronizeHost(false)

	if b.guest == nil {
		return b.sequenceNumber, b.backing
	}

	return b.sequenceNumber, b.mirror
}

// AdvanceSequence increments the sequence number. It must be called after
// every mutation of the backing's bytes (but not after mirror-only
// changes), once the mutation is fully visible. The buffer must be
// locked.
func (b *Buffer) AdvanceSequence() {
	b.sequenceNumber++
}

// GetReadOnlyBackingSpan synchronizes guest-side if needed and exposes
// the backing. The returned span must not be written to and is only valid
// while the buffer stays locked.
func (b *Buffer) GetReadOnlyBackingSpan(cycle fence.Cycle, flush func()) []byte {
	if b.dirtyState == DirtyStateGpuDirty {
		b.SynchronizeGuestImmediate(cycle, flush)
	}

	return b.backing
}

// GetBackingSpan returns the full backing for direct mutation. It is only
// valid on host-only buffers: guest-backed mutation must go through the
// dirty-tracking path, so requesting it there panics.
func (b *Buffer) GetBackingSpan() []byte {
	if b.guest != nil {
		log.Panicf("buffer: backing span requested on guest-backed buffer %s",
			b.name)
	}

	return b.backing
}

// GetView returns a view over [offset, offset+size) with the given
// format, backed by a cached ViewStorage when one with the same identity
// already exists. The buffer must be locked.
func (b *Buffer) GetView(offset, size uint64, format Format) View {
	b.checkBounds(offset, size)

	key := viewKey{offset: offset, size: size, format: format}
	vs, ok := b.views[key]
	if !ok {
		vs = &ViewStorage{Offset: offset, Size: size, Format: format}
		b.views[key] = vs
	}

	return View{delegate: newDelegate(b, vs)}
}

// ViewCount returns the number of distinct view storages cached on this
// buffer. The buffer must be locked.
func (b *Buffer) ViewCount() int {
	return len(b.views)
}

// DelegateCount returns the number of live delegates pointing at this
// buffer. The buffer must be locked.
func (b *Buffer) DelegateCount() int {
	return b.delegates.len
}

// release retires a buffer that has been replaced during coalescing: its
// trap is removed so the successor's trap is the only one covering the
// guest range. The buffer must be locked.
func (b *Buffer) release() {
	b.removeTrap()
}
