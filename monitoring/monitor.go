// Package monitoring turns a running emulator into a web server that
// exposes the state of the memory-coherency engine.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/lumen-emu/lumen/gpu/buffer"
	"github.com/lumen-emu/lumen/monitoring/web"
)

// Monitor can turn an emulator into a server and allows external
// inspection of its buffer managers.
type Monitor struct {
	portNumber int
	managers   []*buffer.Manager

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	url string
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterManager registers a buffer manager to be monitored.
func (m *Monitor) RegisterManager(mgr *buffer.Manager) {
	m.managers = append(m.managers, mgr)
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	fs := web.GetAssets()
	fServer := http.FileServer(fs)
	r.HandleFunc("/api/list_managers", m.listManagers)
	r.HandleFunc("/api/manager/{name}/buffers", m.listBuffers)
	r.HandleFunc("/api/buffer/{name}", m.listBufferDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(fServer)

	return r
}

// StartServer starts the monitor as a web server with a custom port if
// wanted.
func (m *Monitor) StartServer() {
	http.Handle("/", m.router())

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.url = fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring emulator with %s\n", m.url)

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()
}

// StartDashboard opens the monitoring page in the default browser. The
// server must have been started.
func (m *Monitor) StartDashboard() {
	if m.url == "" {
		panic("the monitoring server is not running")
	}

	err := browser.OpenURL(m.url)
	dieOnErr(err)
}

func (m *Monitor) listManagers(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprint(w, "[")
	for i, mgr := range m.managers {
		if i > 0 {
			fmt.Fprint(w, ",")
		}

		fmt.Fprintf(w, "%q", mgr.Name())
	}
	fmt.Fprint(w, "]")
}

type bufferEntry struct {
	Name      string `json:"name"`
	Size      uint64 `json:"size"`
	GuestBase uint64 `json:"guest_base"`
	Delegates int    `json:"delegates"`
	State     string `json:"state"`
	Sequence  uint64 `json:"sequence"`
	Busy      bool   `json:"busy"`
}

func (m *Monitor) listBuffers(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	mgr := m.findManagerOr404(w, name)
	if mgr == nil {
		return
	}

	sortMethod, limit, offset, err := m.buffersParseParams(r)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "Error: %s", err)
		return
	}

	entries := m.snapshotBuffers(mgr)
	entries = sortAndSelectBuffers(entries, sortMethod, limit, offset)

	bytes, err := json.Marshal(entries)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

// snapshotBuffers collects the per-buffer state without blocking: a
// buffer whose lock is held by emulator threads is reported as busy.
func (m *Monitor) snapshotBuffers(mgr *buffer.Manager) []bufferEntry {
	var entries []bufferEntry

	for _, b := range mgr.Buffers() {
		entry := bufferEntry{
			Name: b.Name(),
			Size: b.Size(),
		}

		if g := b.Guest(); g != nil {
			entry.GuestBase = g.Base()
		}

		if b.TryLock() {
			entry.State = b.DirtyState().String()
			entry.Sequence = b.SequenceNumber()
			entry.Delegates = b.DelegateCount()
			b.Unlock()
		} else {
			entry.Busy = true
		}

		entries = append(entries, entry)
	}

	return entries
}

func (*Monitor) buffersParseParams(
	r *http.Request,
) (sort string, limit, offset int, err error) {
	sortMethod := r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "size"
	}
	if sortMethod != "size" && sortMethod != "delegates" {
		errStr := fmt.Sprintf(
			"Invalid sort method: %s. Allowed values are `size` and `delegates`",
			sortMethod)
		return "", 0, 0, errors.New(errStr)
	}

	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		limitStr = "0"
	}
	limitNumber, err := strconv.Atoi(limitStr)
	if err != nil {
		return sortMethod, 0, 0, err
	}

	offsetStr := r.URL.Query().Get("offset")
	if offsetStr == "" {
		offsetStr = "0"
	}
	offsetNumber, err := strconv.Atoi(offsetStr)
	if err != nil {
		return sortMethod, limitNumber, 0, err
	}

	return sortMethod, limitNumber, offsetNumber, nil
}

func sortAndSelectBuffers(
	entries []bufferEntry,
	sortMethod string,
	limit, offset int,
) []bufferEntry {
	switch sortMethod {
	case "size":
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Size != entries[j].Size {
				return entries[i].Size > entries[j].Size
			}
			return entries[i].Delegates > entries[j].Delegates
		})
	case "delegates":
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Delegates != entries[j].Delegates {
				return entries[i].Delegates > entries[j].Delegates
			}
			return entries[i].Size > entries[j].Size
		})
	default:
		panic("Invalid sort method " + sortMethod)
	}

	if offset > len(entries) {
		offset = len(entries)
	}
	entries = entries[offset:]

	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}

	return entries
}

func (m *Monitor) listBufferDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	b := m.findBufferOr404(w, name)
	if b == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(b)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	BufferName string `json:"buffer_name,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	jsonString := mux.Vars(r)["json"]
	req := fieldReq{}

	err := json.Unmarshal([]byte(jsonString), &req)
	if err != nil {
		dieOnErr(err)
	}

	fields := strings.Split(req.FieldName, ".")

	b := m.findBufferOr404(w, req.BufferName)
	if b == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(b)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(fields)
	dieOnErr(err)

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) findManagerOr404(
	w http.ResponseWriter,
	name string,
) *buffer.Manager {
	for _, mgr := range m.managers {
		if mgr.Name() == name {
			return mgr
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Manager not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) findBufferOr404(
	w http.ResponseWriter,
	name string,
) *buffer.Buffer {
	for _, mgr := range m.managers {
		for _, b := range mgr.Buffers() {
			if b.Name() == name {
				return b
			}
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Buffer not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bytes, err := json.Marshal(m.progressBars)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	bytes, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
