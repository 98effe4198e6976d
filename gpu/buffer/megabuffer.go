package buffer

import (
	"fmt"
	"sync/atomic"

	"github.com/lumen-emu/lumen/gpu/fence"
	"github.com/lumen-emu/lumen/guest"
)

// DefaultMegaBufferSlotSize is the backing size of one megabuffer slot.
const DefaultMegaBufferSlotSize uint64 = 100 * 1024 * 1024

// megaBufferSlot is a backing buffer that can be checked out of the
// manager's pool as a MegaBuffer. A slot is reusable once its previous
// cycle has signalled.
type megaBufferSlot struct {
	active  atomic.Bool
	cycle   fence.Cycle
	backing []byte
}

// A MegaBuffer is a simple linearly allocated buffer used to temporarily
// store small per-draw copies of view contents, so they can be replayed
// in sequence on the device instead of updating the target buffer in
// place. It is not thread-safe; calls must be externally synchronized.
type MegaBuffer struct {
	slot *megaBufferSlot
	head uint64
}

func newMegaBuffer(slot *megaBufferSlot) *MegaBuffer {
	// The first page is reserved so that offset 0 stays available as the
	// "no cached copy" sentinel.
	return &MegaBuffer{slot: slot, head: guest.PageSize}
}

// Backing returns the slot's backing storage. Offsets returned by Push
// and Allocate index into it.
func (m *MegaBuffer) Backing() []byte {
	return m.slot.backing
}

// Reset returns the free region to its initial state. Previously
// allocated data is left intact but may be overwritten.
func (m *MegaBuffer) Reset() {
	m.head = guest.PageSize
}

// Allocate reserves size bytes and returns the reserved span together
// with its offset in the backing. Exhaustion is reported as an error; the
// caller degrades to the non-cached path.
func (m *MegaBuffer) Allocate(size uint64, pageAlign bool) ([]byte, uint64, error) {
	if pageAlign {
		m.head = guest.AlignUp(m.head)
	}

	if m.head+size > uint64(len(m.slot.backing)) {
		return nil, 0, fmt.Errorf(
			"megabuffer: out of space allocating 0x%x bytes", size)
	}

	offset := m.head
	m.head += size

	return m.slot.backing[offset : offset+size], offset, nil
}

// Push copies data into the megabuffer and returns the offset it was
// written at. Offsets are stable for the lifetime of the current
// submission generation.
func (m *MegaBuffer) Push(data []byte) (uint64, error) {
	span, offset, err := m.Allocate(uint64(len(data)), false)
	if err != nil {
		return 0, err
	}

	copy(span, data)

	return offset, nil
}

// Release returns the megabuffer's slot to the manager's pool. The
// megabuffer must not be used afterwards.
func (m *MegaBuffer) Release() {
	m.slot.active.Store(false)
}
