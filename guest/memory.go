// Package guest models the emulated console's flat address space.
//
// All guest-initiated accesses go through Read and Write so that installed
// memory traps fire; host-side mirrors obtained through Slice alias the
// same storage but bypass the trap table, matching an untrapped host
// mapping of the same physical pages.
package guest

import (
	"log"

	"github.com/lumen-emu/lumen/gpu/trap"
)

// PageSize is the guest page granularity used for trap installation and
// buffer alignment.
const PageSize = 0x1000

// AlignDown rounds addr down to the previous page boundary.
func AlignDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// AlignUp rounds addr up to the next page boundary.
func AlignUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// Memory is a contiguous region of the guest address space.
type Memory struct {
	base  uint64
	data  []byte
	traps *trap.Table
}

// New creates a guest memory region of size bytes based at base. Both
// must be page aligned.
func New(base, size uint64) *Memory {
	if base%PageSize != 0 || size%PageSize != 0 {
		log.Panicf("guest: memory base 0x%x and size 0x%x must be page aligned",
			base, size)
	}

	return &Memory{
		base:  base,
		data:  make([]byte, size),
		traps: trap.NewTable(),
	}
}

// Base returns the lowest guest address of the region.
func (m *Memory) Base() uint64 {
	return m.base
}

// Size returns the region size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// Traps returns the trap table consulted by guest accesses to this
// region.
func (m *Memory) Traps() *trap.Table {
	return m.traps
}

func (m *Memory) checkRange(addr, size uint64) {
	if addr < m.base || addr+size > m.base+uint64(len(m.data)) {
		log.Panicf("guest: access [0x%x, 0x%x) outside memory [0x%x, 0x%x)",
			addr, addr+size, m.base, m.base+uint64(len(m.data)))
	}
}

// Read copies guest bytes at addr into data, firing read traps first.
func (m *Memory) Read(addr uint64, data []byte) {
	m.checkRange(addr, uint64(len(data)))
	m.traps.Notify(trap.AccessRead, addr, uint64(len(data)))
	copy(data, m.data[addr-m.base:])
}

// Write copies data into guest memory at addr, firing write traps first.
func (m *Memory) Write(addr uint64, data []byte) {
	m.checkRange(addr, uint64(len(data)))
	m.traps.Notify(trap.AccessWrite, addr, uint64(len(data)))
	copy(m.data[addr-m.base:], data)
}

// Slice returns the raw storage for [addr, addr+size). Accesses through
// the returned slice do not fire traps; it is the host-side mirror view.
func (m *Memory) Slice(addr, size uint64) []byte {
	m.checkRange(addr, size)
	return m.data[addr-m.base : addr-m.base+size : addr-m.base+size]
}

// Map describes a contiguous guest range as a Mapping.
func (m *Memory) Map(addr, size uint64) Mapping {
	m.checkRange(addr, size)
	return Mapping{mem: m, addr: addr, size: size}
}

// A Mapping is one contiguous guest address range. Multiple disjoint
// guest ranges mapping into a single host buffer are unsupported since
// their overlaps cannot be reconciled.
type Mapping struct {
	mem  *Memory
	addr uint64
	size uint64
}

// Base returns the mapping's first guest address.
func (g Mapping) Base() uint64 { return g.addr }

// Size returns the mapping length in bytes.
func (g Mapping) Size() uint64 { return g.size }

// End returns the address one past the mapping's last byte.
func (g Mapping) End() uint64 { return g.addr + g.size }

// Memory returns the guest memory region the mapping lives in.
func (g Mapping) Memory() *Memory { return g.mem }

// Mirror returns an untrapped host view of the mapping's bytes.
func (g Mapping) Mirror() []byte {
	return g.mem.Slice(g.addr, g.size)
}

// AlignedRange returns the page-aligned superset of the mapping, used
// for trap installation.
func (g Mapping) AlignedRange() (addr, size uint64) {
	start := AlignDown(g.addr)
	end := AlignUp(g.addr + g.size)

	memEnd := g.mem.base + uint64(len(g.mem.data))
	if end > memEnd {
		end = memEnd
	}

	return start, end - start
}

// Contains reports whether other lies entirely within this mapping.
func (g Mapping) Contains(other Mapping) bool {
	return g.addr <= other.addr && g.End() >= other.End()
}

// Overlaps reports whether the two mappings share any byte.
func (g Mapping) Overlaps(other Mapping) bool {
	return g.addr < other.End() && g.End() > other.addr
}
