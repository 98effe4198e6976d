package buffer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/xid"

	"github.com/lumen-emu/lumen/gpu/fence"
	"github.com/lumen-emu/lumen/guest"
)

// CoalesceInfo is the Item of a HookPosCoalesce hook invocation.
type CoalesceInfo struct {
	Sources   []string
	NewBuffer string
}

// A Manager maintains the global view of guest buffers mapped to host
// buffers: lookup, creation, and reconciliation of overlaps by
// coalescing. It also owns the pool of megabuffer slots.
type Manager struct {
	HookableBase

	name string

	mu      sync.Mutex
	buffers []*Buffer // sorted by guest base address

	megaBufferSlotSize uint64
	megaBufferSlots    []*megaBufferSlot
}

// Name returns the manager's name.
func (m *Manager) Name() string {
	return m.name
}

func (m *Manager) nextBufferName() string {
	return fmt.Sprintf("%s.Buffer[%s]", m.name, xid.New().String())
}

// searchBuffers returns the index of the first buffer whose guest end is
// above addr.
func (m *Manager) searchBuffers(addr uint64) int {
	return sort.Search(len(m.buffers), func(i int) bool {
		return m.buffers[i].guest.End() > addr
	})
}

func (m *Manager) insertBuffer(b *Buffer) {
	i := m.searchBuffers(b.guest.Base())
	m.buffers = append(m.buffers, nil)
	copy(m.buffers[i+1:], m.buffers[i:])
	m.buffers[i] = b
}

func (m *Manager) removeBuffer(b *Buffer) {
	for i, it := range m.buffers {
		if it == b {
			m.buffers = append(m.buffers[:i], m.buffers[i+1:]...)
			return
		}
	}
}

// collectOverlaps returns the live buffers whose guest range shares bytes
// with g, in ascending base order.
func (m *Manager) collectOverlaps(g guest.Mapping) []*Buffer {
	var overlaps []*Buffer
	for i := m.searchBuffers(g.Base()); i < len(m.buffers); i++ {
		b := m.buffers[i]
		if b.guest.Base() >= g.End() {
			break
		}

		if b.guest.Overlaps(g) {
			overlaps = append(overlaps, b)
		}
	}

	return overlaps
}

// FindOrCreate returns a view covering mapping, locating an existing
// buffer, creating a fresh one, or coalescing all overlapping buffers
// into a replacement that spans them. cycle is used to synchronize
// GPU-dirty overlaps during coalescing; it may be nil.
//
// The mapping is page-aligned before lookup so views keep the guest's
// alignment guarantees and so tiny neighbouring buffers coalesce into
// page-sized ones.
func (m *Manager) FindOrCreate(mapping guest.Mapping, cycle fence.Cycle) View {
	mem := mapping.Memory()

	alignedAddr, alignedSize := mapping.AlignedRange()
	aligned := mem.Map(alignedAddr, alignedSize)
	pageOffset := mapping.Base() - alignedAddr

	m.mu.Lock()
	defer m.mu.Unlock()

	overlaps := m.collectOverlaps(aligned)

	if len(overlaps) == 1 && overlaps[0].guest.Contains(aligned) {
		// A single buffer already fits the whole mapping: a view into it
		// suffices.
		b := overlaps[0]
		b.Lock()
		defer b.Unlock()

		return b.GetView(
			aligned.Base()-b.guest.Base()+pageOffset,
			mapping.Size(), FormatNone)
	}

	if len(overlaps) == 0 {
		b := newGuestBuffer(m.nextBufferName(), aligned)
		m.insertBuffer(b)
		m.InvokeHook(HookCtx{Domain: m, Pos: HookPosBufferCreate, Item: b})

		b.Lock()
		defer b.Unlock()

		return b.GetView(pageOffset, mapping.Size(), FormatNone)
	}

	return m.coalesce(aligned, overlaps, mapping, pageOffset, cycle)
}

// coalesce replaces overlaps with one buffer spanning them all plus the
// requested mapping, migrating data, view storages, and delegates. The
// manager lock must be held.
func (m *Manager) coalesce(
	aligned guest.Mapping,
	overlaps []*Buffer,
	mapping guest.Mapping,
	pageOffset uint64,
	cycle fence.Cycle,
) View {
	mem := aligned.Memory()

	lowest, highest := aligned.Base(), aligned.End()
	for _, o := range overlaps {
		if o.guest.Base() < lowest {
			lowest = o.guest.Base()
		}
		if o.guest.End() > highest {
			highest = o.guest.End()
		}
	}

	for _, o := range overlaps {
		o.Lock()
	}

	newBuf := newBufferFromOverlaps(
		m.nextBufferName(), mem.Map(lowest, highest-lowest), cycle, overlaps)
	m.InvokeHook(HookCtx{Domain: m, Pos: HookPosBufferCreate, Item: newBuf})

	info := CoalesceInfo{NewBuffer: newBuf.name}

	for _, o := range overlaps {
		m.removeBuffer(o)
		m.migrateViews(o, newBuf)
		m.migrateDelegates(o, newBuf)
		o.release()
		info.Sources = append(info.Sources, o.name)
		o.Unlock()
	}

	m.insertBuffer(newBuf)
	m.InvokeHook(HookCtx{Domain: m, Pos: HookPosCoalesce, Item: info})

	newBuf.Lock()
	defer newBuf.Unlock()

	return newBuf.GetView(
		aligned.Base()-lowest+pageOffset, mapping.Size(), FormatNone)
}

// migrateViews moves src's view storages into dst, shifting their offsets
// by src's position within dst. The storages keep their addresses so
// outstanding delegates stay valid. Resetting lastAcquiredSequence to the
// initial sequence number keeps still-valid megabuffer copies usable: if
// any source was GPU dirty, the new buffer's sequence has been advanced
// past the initial value, forcing a reacquire.
func (m *Manager) migrateViews(src, dst *Buffer) {
	shift := src.guest.Base() - dst.guest.Base()

	for _, vs := range src.views {
		vs.Offset += shift
		vs.lastAcquiredSequence = InitialSequenceNumber

		dst.views[viewKey{offset: vs.Offset, size: vs.Size, format: vs.Format}] = vs
	}

	src.views = make(map[viewKey]*ViewStorage)
}

// migrateDelegates repoints src's delegates at dst and splices them into
// dst's delegate list, notifying usage callbacks of the new backing.
func (m *Manager) migrateDelegates(src, dst *Buffer) {
	for _, d := range src.delegates.takeAll() {
		d.buffer.Store(dst)
		dst.delegates.pushBack(d)

		if d.usageCallback != nil {
			d.usageCallback(d.view, dst)
		}
	}
}

// CreateHostOnly creates a buffer without a guest mapping, used for
// internal staging. It has no mirror and no trap; direct mutation goes
// through GetBackingSpan.
func (m *Manager) CreateHostOnly(size uint64) *Buffer {
	b := newHostOnlyBuffer(m.nextBufferName(), size)
	m.InvokeHook(HookCtx{Domain: m, Pos: HookPosBufferCreate, Item: b})

	return b
}

// AcquireMegaBuffer checks a megabuffer out of the slot pool, reusing a
// slot whose previous cycle has signalled or growing the pool. The
// megabuffer must be Released to be reclaimed.
func (m *Manager) AcquireMegaBuffer(cycle fence.Cycle) *MegaBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, slot := range m.megaBufferSlots {
		if slot.active.CompareAndSwap(false, true) {
			if slot.cycle == nil || slot.cycle.Poll() {
				slot.cycle = cycle
				return newMegaBuffer(slot)
			}

			slot.active.Store(false)
		}
	}

	slot := &megaBufferSlot{
		cycle:   cycle,
		backing: make([]byte, m.megaBufferSlotSize),
	}
	slot.active.Store(true)
	m.megaBufferSlots = append(m.megaBufferSlots, slot)

	return newMegaBuffer(slot)
}

// Buffers returns a snapshot of the live buffers, sorted by guest base
// address.
func (m *Manager) Buffers() []*Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Buffer, len(m.buffers))
	copy(out, m.buffers)

	return out
}

// MegaBufferSlotCount returns the current size of the megabuffer slot
// pool.
func (m *Manager) MegaBufferSlotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.megaBufferSlots)
}
