package main

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/lumen-emu/lumen/datarecording"
	"github.com/lumen-emu/lumen/gpu/buffer"
	"github.com/lumen-emu/lumen/gpu/fence"
	"github.com/lumen-emu/lumen/guest"
	"github.com/lumen-emu/lumen/monitoring"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run a synthetic guest/device workload against the coherency engine.",
	Long: `stress drives the buffer manager with randomly overlapping guest
mappings, CPU writes, device uploads, and lazy trap-driven read-backs. It
can record every coherency event into a SQLite database and serve a live
monitoring page while running.`,
	Run: runStress,
}

func init() {
	rootCmd.AddCommand(stressCmd)

	stressCmd.Flags().Int("port", 0,
		"port for the monitoring server (random if 0)")
	stressCmd.Flags().Bool("dashboard", false,
		"open the monitoring page in a browser")
	stressCmd.Flags().String("record", "",
		"record coherency events into <path>.sqlite3")
	stressCmd.Flags().Int("iterations", 1000,
		"number of workload iterations")
	stressCmd.Flags().Uint64("memory", 64*1024*1024,
		"size of the synthetic guest memory in bytes")
	stressCmd.Flags().Int64("seed", 0,
		"random seed (current time if 0)")
}

const guestMemoryBase uint64 = 0x1000_0000

func runStress(cmd *cobra.Command, _ []string) {
	port, _ := cmd.Flags().GetInt("port")
	dashboard, _ := cmd.Flags().GetBool("dashboard")
	record, _ := cmd.Flags().GetString("record")
	iterations, _ := cmd.Flags().GetInt("iterations")
	memSize, _ := cmd.Flags().GetUint64("memory")
	seed, _ := cmd.Flags().GetInt64("seed")

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	mem := guest.New(guestMemoryBase, memSize)
	mgr := buffer.MakeBuilder().Build("BufferManager")

	if record != "" {
		rec := datarecording.NewWriter(record)
		datarecording.NewCoherencyRecorder(rec).Observe(mgr)
	}

	monitor := monitoring.NewMonitor().WithPortNumber(port)
	monitor.RegisterManager(mgr)
	monitor.StartServer()

	if dashboard {
		monitor.StartDashboard()
	}

	bar := monitor.CreateProgressBar("Stress", uint64(iterations))

	var devices sync.WaitGroup
	for i := 0; i < iterations; i++ {
		bar.IncrementInProgress(1)
		stressIteration(mem, mgr, rng, &devices)
		bar.MoveInProgressToFinished(1)
	}
	devices.Wait()

	monitor.CompleteProgressBar(bar)
	fmt.Printf("Ran %d iterations over %d buffers (seed %d)\n",
		iterations, len(mgr.Buffers()), seed)

	atexit.Exit(0)
}

// stressIteration runs one guest/device round trip: a CPU write into a
// random mapping, a device upload covered by a fence, and a guest read
// that forces the lazy read-back through the trap.
func stressIteration(
	mem *guest.Memory,
	mgr *buffer.Manager,
	rng *rand.Rand,
	devices *sync.WaitGroup,
) {
	size := uint64(0x40 + rng.Intn(0x3000))
	addr := guestMemoryBase + uint64(rng.Int63n(int64(mem.Size()-size)))

	cycle := fence.NewCycle()

	v := mgr.FindOrCreate(mem.Map(addr, size), nil)

	data := make([]byte, size)
	rng.Read(data)

	v.Lock()
	v.Write(nil, nil, nil, data, 0)

	if rng.Intn(4) == 0 {
		mega := mgr.AcquireMegaBuffer(cycle)
		v.AcquireMegaBuffer(mega)
		mega.Release()
	}

	// Upload, then mark the backing as about to be written by the device.
	b := v.Buffer()
	b.SynchronizeHostWithCycle(cycle, false)
	v.AttachCycle(cycle)
	b.MarkGpuDirty()
	v.Unlock()

	// The device signals completion asynchronously.
	devices.Add(1)
	go func() {
		time.Sleep(time.Duration(rng.Intn(100)) * time.Microsecond)
		cycle.Signal()
		devices.Done()
	}()

	// A guest read of the stale mirror pulls the device data back.
	out := make([]byte, size)
	mem.Read(addr, out)

	v.Release()
}
