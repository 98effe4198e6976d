package buffer

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/lumen-emu/lumen/gpu/fence"
	"github.com/lumen-emu/lumen/guest"
)

type stateChangeRecorder struct {
	transitions []StateTransition
}

func (r *stateChangeRecorder) Func(ctx HookCtx) {
	if ctx.Pos == HookPosStateChange {
		r.transitions = append(r.transitions, ctx.Item.(StateTransition))
	}
}

var _ = Describe("Buffer", func() {
	var (
		mem *guest.Memory
		b   *Buffer
	)

	BeforeEach(func() {
		mem = guest.New(0x10000, 0x100000)
		b = newGuestBuffer("Buffer", mem.Map(0x11000, 0x1000))
	})

	It("should start CPU dirty with the initial sequence number", func() {
		b.Lock()
		defer b.Unlock()

		Expect(b.DirtyState()).To(Equal(DirtyStateCpuDirty))
		Expect(b.SequenceNumber()).To(Equal(InitialSequenceNumber))
	})

	It("should advance the sequence once per direct write", func() {
		b.Lock()
		defer b.Unlock()

		for i := 0; i < 5; i++ {
			b.Write(nil, nil, nil, []byte{byte(i)}, uint64(i))

			out := make([]byte, 1)
			b.Read(nil, nil, out, uint64(i))
			Expect(out[0]).To(Equal(byte(i)))

			b.GetView(0, 0x10, FormatNone)
		}

		Expect(b.SequenceNumber()).To(Equal(InitialSequenceNumber + 5))
	})

	It("should return to Clean through a host sync followed by a guest sync", func() {
		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)
		Expect(b.DirtyState()).To(Equal(DirtyStateClean))

		Expect(b.SynchronizeGuest(false, false)).To(BeTrue())
		Expect(b.DirtyState()).To(Equal(DirtyStateClean))

		b.MarkGpuDirty()
		Expect(b.DirtyState()).To(Equal(DirtyStateGpuDirty))

		b.SynchronizeHost(false)
		Expect(b.DirtyState()).To(Equal(DirtyStateGpuDirty))

		Expect(b.SynchronizeGuest(false, false)).To(BeTrue())
		Expect(b.DirtyState()).To(Equal(DirtyStateClean))
	})

	It("should push the mirror into the backing on host sync", func() {
		mem.Write(0x11004, []byte{0xca, 0xfe})

		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)

		Expect(b.backing[0x4:0x6]).To(Equal([]byte{0xca, 0xfe}))
		Expect(b.SequenceNumber()).To(Equal(InitialSequenceNumber + 1))
	})

	It("should trap the next guest write after a host sync", func() {
		b.Lock()
		b.SynchronizeHost(false)
		b.Unlock()

		Expect(mem.Traps().Installed()).To(Equal(1))

		mem.Write(0x11010, []byte{9})

		b.Lock()
		defer b.Unlock()
		Expect(b.DirtyState()).To(Equal(DirtyStateCpuDirty))
		Expect(mem.Traps().Installed()).To(Equal(0))
	})

	It("should pull device bytes when the guest reads a stale mirror", func() {
		b.Lock()
		b.SynchronizeHost(true)
		Expect(b.DirtyState()).To(Equal(DirtyStateGpuDirty))

		// A device-side write lands in the backing.
		b.backing[0x10] = 7
		b.AdvanceSequence()
		b.Unlock()

		out := make([]byte, 1)
		mem.Read(0x11010, out)
		Expect(out[0]).To(Equal(byte(7)))

		b.Lock()
		defer b.Unlock()
		Expect(b.DirtyState()).To(Equal(DirtyStateClean))
	})

	It("should decline a non-blocking guest sync while the fence is pending", func() {
		cycle := fence.NewCycle()

		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)
		b.cycle = cycle
		b.MarkGpuDirty()

		Expect(b.SynchronizeGuest(false, true)).To(BeFalse())
		Expect(b.DirtyState()).To(Equal(DirtyStateGpuDirty))

		cycle.Signal()

		Expect(b.SynchronizeGuest(false, true)).To(BeTrue())
		Expect(b.DirtyState()).To(Equal(DirtyStateClean))
	})

	It("should defer a guest sync until the cycle signals", func() {
		cycle := fence.NewCycle()

		b.Lock()
		b.SynchronizeHost(false)
		b.backing[0] = 42
		b.AdvanceSequence()
		b.MarkGpuDirty()
		b.SynchronizeGuestWithCycle(cycle)
		Expect(b.DirtyState()).To(Equal(DirtyStateGpuDirty))
		b.Unlock()

		cycle.Signal()

		Eventually(func() DirtyState {
			b.Lock()
			defer b.Unlock()
			return b.DirtyState()
		}).Should(Equal(DirtyStateClean))

		Expect(b.mirror[0]).To(Equal(byte(42)))
	})

	It("should sync immediately when the cycle has already signalled", func() {
		cycle := fence.NewCycle()
		cycle.Signal()

		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)
		b.MarkGpuDirty()
		b.SynchronizeGuestWithCycle(cycle)

		Expect(b.DirtyState()).To(Equal(DirtyStateClean))
	})

	It("should flush pending work for an immediate sync of the current cycle", func() {
		cycle := fence.NewCycle()
		flushed := false

		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)
		b.cycle = cycle
		b.backing[1] = 13
		b.AdvanceSequence()
		b.MarkGpuDirty()

		b.SynchronizeGuestImmediate(cycle, func() {
			flushed = true
			cycle.Signal()
		})

		Expect(flushed).To(BeTrue())
		Expect(b.DirtyState()).To(Equal(DirtyStateClean))
		Expect(b.mirror[1]).To(Equal(byte(13)))
	})

	It("should route writes through the device copy while host immutable", func() {
		cycle := fence.NewCycle()

		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)
		seqBefore := b.SequenceNumber()

		b.MarkHostImmutable(cycle)
		Expect(b.CheckHostImmutable()).To(BeTrue())

		gpuCopies := 0
		b.Write(nil, nil, func() { gpuCopies++ }, []byte{0xaa}, 0x20)

		Expect(gpuCopies).To(Equal(1))
		Expect(b.backing[0x20]).To(Equal(byte(0)),
			"the backing must not be written in place")
		Expect(b.EverHadInlineUpdate()).To(BeTrue())

		cycle.Signal()
		Expect(b.CheckHostImmutable()).To(BeFalse())

		b.Write(nil, nil, nil, []byte{0xbb}, 0x20)
		Expect(b.backing[0x20]).To(Equal(byte(0xbb)))
		Expect(b.SequenceNumber()).To(Equal(seqBefore + 2))
	})

	It("should return the sentinel sequence while unsyncable", func() {
		cycle := fence.NewCycle()

		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)
		b.cycle = cycle
		b.backing[0] = 5
		b.AdvanceSequence()
		b.MarkGpuDirty()

		seq, contents := b.AcquireCurrentSequence()
		Expect(seq).To(BeZero())
		Expect(contents).To(BeNil())

		cycle.Signal()

		seq, contents = b.AcquireCurrentSequence()
		Expect(seq).To(Equal(b.SequenceNumber()))
		Expect(contents[0]).To(Equal(byte(5)))
	})

	It("should panic when a backing span is requested on a guest-backed buffer", func() {
		Expect(func() { b.GetBackingSpan() }).To(Panic())
	})

	It("should expose the full backing span of a host-only buffer", func() {
		h := newHostOnlyBuffer("Staging", 0x100)

		span := h.GetBackingSpan()
		Expect(span).To(HaveLen(0x100))

		h.Lock()
		defer h.Unlock()

		h.Write(nil, nil, nil, []byte{1, 2}, 0x10)
		Expect(span[0x10:0x12]).To(Equal([]byte{1, 2}))
		Expect(h.SequenceNumber()).To(Equal(InitialSequenceNumber + 1))
	})

	It("should cache view storages by offset, size, and format", func() {
		b.Lock()
		defer b.Unlock()

		v1 := b.GetView(0x10, 0x20, FormatNone)
		v2 := b.GetView(0x10, 0x20, FormatNone)
		v3 := b.GetView(0x10, 0x20, Format(37))

		Expect(v1.Storage()).To(BeIdenticalTo(v2.Storage()))
		Expect(v1.Storage()).NotTo(BeIdenticalTo(v3.Storage()))
		Expect(b.ViewCount()).To(Equal(2))
	})

	It("should panic on an out-of-bounds view", func() {
		b.Lock()
		defer b.Unlock()

		Expect(func() { b.GetView(0xf00, 0x200, FormatNone) }).To(Panic())
	})

	It("should panic on a view whose bounds wrap around", func() {
		b.Lock()
		defer b.Unlock()

		Expect(func() { b.GetView(^uint64(0)-0xf, 0x10, FormatNone) }).To(Panic())
	})

	It("should invoke state-change hooks on transitions", func() {
		recorder := &stateChangeRecorder{}
		b.AcceptHook(recorder)

		b.Lock()
		defer b.Unlock()

		b.SynchronizeHost(false)
		b.MarkGpuDirty()

		Expect(recorder.transitions).To(Equal([]StateTransition{
			{From: DirtyStateCpuDirty, To: DirtyStateClean},
			{From: DirtyStateClean, To: DirtyStateGpuDirty},
		}))
	})

	Context("with a mocked fence cycle", func() {
		var (
			mockCtrl *gomock.Controller
			cycle    *MockCycle
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			cycle = NewMockCycle(mockCtrl)
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should wait on the held fence before mutating the backing", func() {
			b.Lock()
			defer b.Unlock()

			b.cycle = cycle
			cycle.EXPECT().Wait()

			b.SynchronizeHost(false)

			Expect(b.cycle).To(BeNil())
			Expect(b.DirtyState()).To(Equal(DirtyStateClean))
		})

		It("should skip the wait when syncing within the held cycle", func() {
			b.Lock()
			defer b.Unlock()

			b.cycle = cycle

			b.SynchronizeHostWithCycle(cycle, false)

			Expect(b.DirtyState()).To(Equal(DirtyStateClean))
		})

		It("should wait when syncing within a different cycle", func() {
			other := NewMockCycle(mockCtrl)

			b.Lock()
			defer b.Unlock()

			b.cycle = cycle
			cycle.EXPECT().Wait()

			b.SynchronizeHostWithCycle(other, false)

			Expect(b.DirtyState()).To(Equal(DirtyStateClean))
		})

		It("should attach the delegate when a cycle is attached via a view", func() {
			b.Lock()
			defer b.Unlock()

			v := b.GetView(0, 0x10, FormatNone)

			cycle.EXPECT().Attach(v.Delegate())

			v.AttachCycle(cycle)

			Expect(b.cycle).To(BeIdenticalTo(cycle))
		})
	})
})
