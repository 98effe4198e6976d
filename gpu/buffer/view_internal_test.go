package buffer

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lumen-emu/lumen/gpu/fence"
	"github.com/lumen-emu/lumen/guest"
)

var _ = Describe("View megabuffering", func() {
	var (
		mem  *guest.Memory
		mgr  *Manager
		b    *Buffer
		mega *MegaBuffer
	)

	BeforeEach(func() {
		mem = guest.New(0x10000, 0x100000)
		mgr = MakeBuilder().
			WithMegaBufferSlotSize(1 << 20).
			Build("BufferManager")

		v := mgr.FindOrCreate(mem.Map(0x20000, 0x40000), nil)
		b = v.Buffer()

		mega = mgr.AcquireMegaBuffer(nil)
	})

	AfterEach(func() {
		mega.Release()
	})

	It("should reject views at the disable threshold", func() {
		b.Lock()
		defer b.Unlock()

		v := b.GetView(0, 128*1024, FormatNone)
		Expect(v.AcquireMegaBuffer(mega)).To(BeZero())
	})

	It("should accept views just under the disable threshold", func() {
		b.Lock()
		defer b.Unlock()

		v := b.GetView(0, 128*1024-1, FormatNone)
		Expect(v.AcquireMegaBuffer(mega)).NotTo(BeZero())
	})

	It("should return the cached offset while the sequence is unchanged", func() {
		b.Lock()
		defer b.Unlock()

		v := b.GetView(0x10, 0x100, FormatNone)

		first := v.AcquireMegaBuffer(mega)
		Expect(first).NotTo(BeZero())

		Expect(v.AcquireMegaBuffer(mega)).To(Equal(first))
		Expect(mega.head).To(Equal(first+0x100),
			"a cache hit must not push again")
	})

	It("should push again after the sequence advances", func() {
		b.Lock()
		defer b.Unlock()

		v := b.GetView(0x10, 0x100, FormatNone)

		first := v.AcquireMegaBuffer(mega)
		Expect(first).NotTo(BeZero())

		v.Write(nil, nil, nil, []byte{1, 2, 3}, 0)

		second := v.AcquireMegaBuffer(mega)
		Expect(second).NotTo(BeZero())
		Expect(second).NotTo(Equal(first))

		Expect(mega.Backing()[second : second+3]).To(Equal([]byte{1, 2, 3}))
	})

	It("should decline while the buffer cannot be synced", func() {
		cycle := fence.NewCycle()

		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)
		b.cycle = cycle
		b.MarkGpuDirty()

		v := b.GetView(0, 0x100, FormatNone)
		Expect(v.AcquireMegaBuffer(mega)).To(BeZero())

		cycle.Signal()
		Expect(v.AcquireMegaBuffer(mega)).NotTo(BeZero())
	})

	It("should degrade to the non-cached path when the megabuffer is full", func() {
		small := MakeBuilder().
			WithMegaBufferSlotSize(guest.PageSize).
			Build("SmallManager")
		tiny := small.AcquireMegaBuffer(nil)

		b.Lock()
		defer b.Unlock()

		v := b.GetView(0, 0x100, FormatNone)
		Expect(v.AcquireMegaBuffer(tiny)).To(BeZero())
	})

	It("should read through the view at its offset", func() {
		b.Lock()
		defer b.Unlock()

		v := b.GetView(0x20, 0x10, FormatNone)
		v.Write(nil, nil, nil, []byte{0xde, 0xad}, 0x4)

		out := make([]byte, 2)
		v.Read(nil, nil, out, 0x4)
		Expect(out).To(Equal([]byte{0xde, 0xad}))

		whole := make([]byte, 2)
		b.Read(nil, nil, whole, 0x24)
		Expect(whole).To(Equal([]byte{0xde, 0xad}))
	})

	It("should expose the view's slice of the backing", func() {
		b.Lock()
		defer b.Unlock()

		v := b.GetView(0x20, 0x10, FormatNone)
		v.Write(nil, nil, nil, []byte{0xbe, 0xef}, 0)
		span := v.GetReadOnlyBackingSpan(nil, nil)

		Expect(span).To(HaveLen(0x10))
		Expect(span[:2]).To(Equal([]byte{0xbe, 0xef}))
	})

	It("should detach the delegate on release", func() {
		b.Lock()
		v := b.GetView(0, 0x10, FormatNone)
		Expect(b.DelegateCount()).To(Equal(1))
		b.Unlock()

		v.Release()

		b.Lock()
		defer b.Unlock()
		Expect(b.DelegateCount()).To(BeZero())
	})

	It("should fire the usage callback once on registration", func() {
		cycle := fence.NewCycle()

		b.Lock()
		defer b.Unlock()

		v := b.GetView(0, 0x10, FormatNone)

		calls := 0
		v.RegisterUsage(cycle, func(vs *ViewStorage, owner *Buffer) {
			calls++
			Expect(vs).To(BeIdenticalTo(v.Storage()))
			Expect(owner).To(BeIdenticalTo(b))
		})

		Expect(calls).To(Equal(1))
		Expect(b.CheckHostImmutable()).To(BeTrue())
	})
})

var _ = Describe("MegaBuffer", func() {
	var (
		mgr  *Manager
		mega *MegaBuffer
	)

	BeforeEach(func() {
		mgr = MakeBuilder().
			WithMegaBufferSlotSize(4 * guest.PageSize).
			Build("BufferManager")
		mega = mgr.AcquireMegaBuffer(nil)
	})

	It("should reserve the first page so 0 stays a sentinel", func() {
		offset, err := mega.Push([]byte{1})
		Expect(err).ToNot(HaveOccurred())
		Expect(offset).To(Equal(uint64(guest.PageSize)))
	})

	It("should page-align allocations on request", func() {
		_, _, err := mega.Allocate(0x10, false)
		Expect(err).ToNot(HaveOccurred())

		_, offset, err := mega.Allocate(0x10, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(offset).To(Equal(uint64(2 * guest.PageSize)))
	})

	It("should report exhaustion as an error", func() {
		_, _, err := mega.Allocate(4*guest.PageSize, false)
		Expect(err).To(HaveOccurred())
	})

	It("should rewind on reset", func() {
		first, err := mega.Push([]byte{1, 2, 3})
		Expect(err).ToNot(HaveOccurred())

		mega.Reset()

		again, err := mega.Push([]byte{4, 5, 6})
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(first))
	})

	It("should reuse a slot once its cycle has signalled", func() {
		cycle := fence.NewCycle()

		mega.Release()
		held := mgr.AcquireMegaBuffer(cycle)
		held.Release()

		// The slot's previous cycle is still pending, so a fresh slot is
		// allocated.
		next := mgr.AcquireMegaBuffer(fence.NewCycle())
		Expect(mgr.MegaBufferSlotCount()).To(Equal(2))
		next.Release()

		cycle.Signal()

		reused := mgr.AcquireMegaBuffer(nil)
		Expect(mgr.MegaBufferSlotCount()).To(Equal(2))
		reused.Release()
	})
})
