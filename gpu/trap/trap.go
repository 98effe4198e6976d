// Package trap provides memory protection traps over guest address ranges.
//
// A trap intercepts the first guest access to a protected range so that a
// stale CPU mirror can be detected lazily instead of being synchronized on
// every use. The package supplies a software trap table that the guest
// memory accessors consult; the same contract can be fulfilled by an
// mprotect-based implementation on platforms that allow it.
package trap

import (
	"fmt"
	"sync"
)

// Mode selects which access kinds a trap intercepts.
type Mode int

const (
	// ModeNone leaves the range unprotected. Used to disarm a handle
	// without removing it.
	ModeNone Mode = iota

	// ModeWriteOnly intercepts writes. Reads proceed untrapped.
	ModeWriteOnly

	// ModeReadWrite intercepts both reads and writes.
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "None"
	case ModeWriteOnly:
		return "WriteOnly"
	case ModeReadWrite:
		return "ReadWrite"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Access describes the kind of guest access that fired a trap.
type Access int

const (
	// AccessRead is a guest read within a trapped range.
	AccessRead Access = iota

	// AccessWrite is a guest write within a trapped range.
	AccessWrite
)

// Callback is invoked when a guest access touches a trapped range. The
// callback is responsible for re-arming or removing the handle; until it
// does, further accesses keep firing.
type Callback func(access Access)

// A Handle refers to one installed trap. All methods are safe for
// concurrent use.
type Handle struct {
	table *Table
	id    int
}

// Rearm changes the protection mode of the trapped range.
func (h *Handle) Rearm(mode Mode) {
	h.table.mu.Lock()
	defer h.table.mu.Unlock()

	r, ok := h.table.regions[h.id]
	if !ok {
		panic("trap: rearm on a removed handle")
	}

	r.mode = mode
}

// Remove uninstalls the trap. Removing an already-removed handle panics.
func (h *Handle) Remove() {
	h.table.mu.Lock()
	defer h.table.mu.Unlock()

	if _, ok := h.table.regions[h.id]; !ok {
		panic("trap: remove on a removed handle")
	}

	delete(h.table.regions, h.id)
}

type region struct {
	addr, size uint64
	mode       Mode
	callback   Callback
}

func (r *region) overlaps(addr, size uint64) bool {
	return addr < r.addr+r.size && addr+size > r.addr
}

func (r *region) intercepts(access Access) bool {
	switch r.mode {
	case ModeReadWrite:
		return true
	case ModeWriteOnly:
		return access == AccessWrite
	default:
		return false
	}
}

// A Table tracks the traps installed over a guest address space.
type Table struct {
	mu      sync.Mutex
	regions map[int]*region
	nextID  int
}

// NewTable creates an empty trap table.
func NewTable() *Table {
	return &Table{
		regions: make(map[int]*region),
	}
}

// Install protects [addr, addr+size) with the given mode and returns a
// handle for later re-arming or removal.
func (t *Table) Install(addr, size uint64, mode Mode, cb Callback) *Handle {
	if size == 0 {
		panic("trap: install with zero size")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	t.regions[t.nextID] = &region{
		addr:     addr,
		size:     size,
		mode:     mode,
		callback: cb,
	}

	return &Handle{table: t, id: t.nextID}
}

// Notify reports a guest access to [addr, addr+size) and fires the
// callbacks of all armed traps the access overlaps. Callbacks run without
// the table lock held so they may re-arm or remove their own handle.
func (t *Table) Notify(access Access, addr, size uint64) {
	t.mu.Lock()
	var fired []Callback
	for _, r := range t.regions {
		if r.overlaps(addr, size) && r.intercepts(access) {
			fired = append(fired, r.callback)
		}
	}
	t.mu.Unlock()

	for _, cb := range fired {
		cb(access)
	}
}

// Installed returns the number of traps currently installed.
func (t *Table) Installed() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.regions)
}
