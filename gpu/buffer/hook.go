package buffer

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookPosBufferCreate marks a buffer being created by a manager. The
// Item is the new *Buffer.
var HookPosBufferCreate = &HookPos{Name: "BufferCreate"}

// HookPosStateChange marks a dirty-state transition of a buffer.
var HookPosStateChange = &HookPos{Name: "BufferStateChange"}

// HookPosSyncHost marks a mirror-to-backing synchronization.
var HookPosSyncHost = &HookPos{Name: "BufferSyncHost"}

// HookPosSyncGuest marks a backing-to-mirror synchronization.
var HookPosSyncGuest = &HookPos{Name: "BufferSyncGuest"}

// HookPosMegaBufferPush marks a view's contents being pushed into a
// megabuffer.
var HookPosMegaBufferPush = &HookPos{Name: "MegaBufferPush"}

// HookPosCoalesce marks overlapping buffers being merged into one.
var HookPosCoalesce = &HookPos{Name: "BufferCoalesce"}

// HookCtx is the context that holds all the information about the site
// that a hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hook is a short piece of program that can be invoked by a hookable
// object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// AcceptHook registers a hook
	AcceptHook(hook Hook)
}

// A HookableBase provides some utility function for other type that
// implement the Hookable interface.
type HookableBase struct {
	Hooks []Hook
}

// AcceptHook register a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.Hooks = append(h.Hooks, hook)
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.Hooks)
}

// InvokeHook triggers all the registered hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.Hooks {
		hook.Func(ctx)
	}
}
