package buffer

// Builder can build buffer managers.
type Builder struct {
	megaBufferSlotSize uint64
}

// MakeBuilder creates a new builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		megaBufferSlotSize: DefaultMegaBufferSlotSize,
	}
}

// WithMegaBufferSlotSize sets the backing size of each megabuffer slot.
func (b Builder) WithMegaBufferSlotSize(size uint64) Builder {
	b.megaBufferSlotSize = size
	return b
}

// Build creates a manager with the given name.
func (b Builder) Build(name string) *Manager {
	return &Manager{
		name:               name,
		megaBufferSlotSize: b.megaBufferSlotSize,
	}
}
