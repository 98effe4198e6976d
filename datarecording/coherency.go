package datarecording

import (
	"strings"

	"github.com/lumen-emu/lumen/gpu/buffer"
)

// Table names used by the CoherencyRecorder.
const (
	StateTransitionTable = "buffer_state_transitions"
	SyncTable            = "buffer_syncs"
	MegaBufferPushTable  = "megabuffer_pushes"
	CoalesceTable        = "buffer_coalesces"
)

// StateTransitionEntry records one dirty-state transition of a buffer.
type StateTransitionEntry struct {
	Buffer    string
	FromState string
	ToState   string
}

// SyncEntry records one synchronization between a buffer's mirror and
// backing. Direction is "host" for mirror-to-backing and "guest" for
// backing-to-mirror.
type SyncEntry struct {
	Buffer         string
	Direction      string
	SequenceNumber uint64
}

// MegaBufferPushEntry records one view copy pushed into a megabuffer.
type MegaBufferPushEntry struct {
	Buffer string
	Offset uint64
	Size   uint64
}

// CoalesceEntry records overlapping buffers being replaced by a spanning
// one. Sources holds the retired buffer names, comma separated.
type CoalesceEntry struct {
	NewBuffer string
	Sources   string
}

// A CoherencyRecorder is a hook that persists coherency events into a
// DataRecorder. Attach it to a manager with Observe; buffers the manager
// creates afterwards are observed automatically.
type CoherencyRecorder struct {
	recorder DataRecorder
}

// NewCoherencyRecorder creates a CoherencyRecorder writing into rec,
// creating the event tables.
func NewCoherencyRecorder(rec DataRecorder) *CoherencyRecorder {
	rec.CreateTable(StateTransitionTable, StateTransitionEntry{})
	rec.CreateTable(SyncTable, SyncEntry{})
	rec.CreateTable(MegaBufferPushTable, MegaBufferPushEntry{})
	rec.CreateTable(CoalesceTable, CoalesceEntry{})

	return &CoherencyRecorder{recorder: rec}
}

// Observe registers the recorder on a manager.
func (r *CoherencyRecorder) Observe(m *buffer.Manager) {
	m.AcceptHook(r)
}

// Func dispatches a hook invocation to the matching table.
func (r *CoherencyRecorder) Func(ctx buffer.HookCtx) {
	switch ctx.Pos {
	case buffer.HookPosBufferCreate:
		ctx.Item.(*buffer.Buffer).AcceptHook(r)
	case buffer.HookPosStateChange:
		tr := ctx.Item.(buffer.StateTransition)
		r.recorder.InsertData(StateTransitionTable, StateTransitionEntry{
			Buffer:    ctx.Domain.(*buffer.Buffer).Name(),
			FromState: tr.From.String(),
			ToState:   tr.To.String(),
		})
	case buffer.HookPosSyncHost:
		r.recordSync(ctx, "host")
	case buffer.HookPosSyncGuest:
		r.recordSync(ctx, "guest")
	case buffer.HookPosMegaBufferPush:
		vs := ctx.Item.(*buffer.ViewStorage)
		r.recorder.InsertData(MegaBufferPushTable, MegaBufferPushEntry{
			Buffer: ctx.Domain.(*buffer.Buffer).Name(),
			Offset: ctx.Detail.(uint64),
			Size:   vs.Size,
		})
	case buffer.HookPosCoalesce:
		info := ctx.Item.(buffer.CoalesceInfo)
		r.recorder.InsertData(CoalesceTable, CoalesceEntry{
			NewBuffer: info.NewBuffer,
			Sources:   strings.Join(info.Sources, ","),
		})
	}
}

func (r *CoherencyRecorder) recordSync(ctx buffer.HookCtx, direction string) {
	b := ctx.Domain.(*buffer.Buffer)

	r.recorder.InsertData(SyncTable, SyncEntry{
		Buffer:         b.Name(),
		Direction:      direction,
		SequenceNumber: b.SequenceNumber(),
	})
}
