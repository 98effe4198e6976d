package monitoring

import (
	"encoding/json"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lumen-emu/lumen/gpu/buffer"
	"github.com/lumen-emu/lumen/guest"
)

var _ = Describe("Monitor", func() {
	var (
		m   *Monitor
		mgr *buffer.Manager
		mem *guest.Memory
	)

	BeforeEach(func() {
		m = NewMonitor()
		mgr = buffer.MakeBuilder().Build("BufferManager")
		mem = guest.New(0x10000, 0x100000)

		m.RegisterManager(mgr)
	})

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", path, nil)
		m.router().ServeHTTP(w, r)
		return w
	}

	It("should list registered managers", func() {
		w := get("/api/list_managers")

		Expect(w.Code).To(Equal(200))
		Expect(w.Body.String()).To(Equal(`["BufferManager"]`))
	})

	It("should list the manager's buffers", func() {
		mgr.FindOrCreate(mem.Map(0x12000, 0x100), nil)
		mgr.FindOrCreate(mem.Map(0x20000, 0x2000), nil)

		w := get("/api/manager/BufferManager/buffers")
		Expect(w.Code).To(Equal(200))

		var entries []bufferEntry
		Expect(json.Unmarshal(w.Body.Bytes(), &entries)).To(Succeed())

		Expect(entries).To(HaveLen(2))
		Expect(entries[0].Size).To(BeNumerically(">=", entries[1].Size),
			"default sort is by size, descending")
		Expect(entries[0].GuestBase).To(Equal(uint64(0x20000)))
		Expect(entries[0].State).To(Equal("CpuDirty"))
		Expect(entries[0].Busy).To(BeFalse())
	})

	It("should respect limit and offset", func() {
		mgr.FindOrCreate(mem.Map(0x12000, 0x100), nil)
		mgr.FindOrCreate(mem.Map(0x20000, 0x2000), nil)
		mgr.FindOrCreate(mem.Map(0x30000, 0x3000), nil)

		w := get("/api/manager/BufferManager/buffers?limit=1&offset=1")

		var entries []bufferEntry
		Expect(json.Unmarshal(w.Body.Bytes(), &entries)).To(Succeed())

		Expect(entries).To(HaveLen(1))
		Expect(entries[0].GuestBase).To(Equal(uint64(0x20000)))
	})

	It("should reject an unknown sort method", func() {
		w := get("/api/manager/BufferManager/buffers?sort=age")
		Expect(w.Code).To(Equal(400))
	})

	It("should report a locked buffer as busy", func() {
		v := mgr.FindOrCreate(mem.Map(0x12000, 0x100), nil)
		v.Lock()
		defer v.Unlock()

		w := get("/api/manager/BufferManager/buffers")

		var entries []bufferEntry
		Expect(json.Unmarshal(w.Body.Bytes(), &entries)).To(Succeed())

		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Busy).To(BeTrue())
	})

	It("should 404 on an unknown manager", func() {
		w := get("/api/manager/NoSuchManager/buffers")
		Expect(w.Code).To(Equal(404))
	})

	It("should serialize a buffer's details", func() {
		v := mgr.FindOrCreate(mem.Map(0x12000, 0x100), nil)

		w := get("/api/buffer/" + v.Buffer().Name())

		Expect(w.Code).To(Equal(200))
		Expect(w.Body.String()).NotTo(BeEmpty())
	})

	It("should 404 on an unknown buffer", func() {
		w := get("/api/buffer/NoSuchBuffer")
		Expect(w.Code).To(Equal(404))
	})

	It("should list progress bars", func() {
		bar := m.CreateProgressBar("Upload", 100)
		bar.IncrementFinished(25)

		w := get("/api/progress")

		var bars []*ProgressBar
		Expect(json.Unmarshal(w.Body.Bytes(), &bars)).To(Succeed())

		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("Upload"))
		Expect(bars[0].Finished).To(Equal(uint64(25)))

		m.CompleteProgressBar(bar)

		w = get("/api/progress")
		Expect(json.Unmarshal(w.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(BeEmpty())
	})
})
