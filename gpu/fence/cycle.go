// Package fence provides the fence cycle primitive used to track the
// completion of a generation of submitted device work.
package fence

import "sync"

// A Cycle represents one generation of submitted device work. It signals
// exactly once; waiting after the signal returns immediately.
type Cycle interface {
	// Wait blocks until the cycle signals.
	Wait()

	// Poll reports whether the cycle has signalled, without blocking.
	Poll() bool

	// Attach keeps obj alive until the cycle signals. Attachments are
	// dropped on signal so that the fence does not pin retired objects.
	Attach(obj any)

	// OnSignal registers fn to run when the cycle signals. If the cycle
	// has already signalled, fn runs immediately on the calling
	// goroutine.
	OnSignal(fn func())
}

// NewCycle creates an unsignalled cycle. The owning submitter calls
// Signal once the device work the cycle stands for has completed.
func NewCycle() *SignalCycle {
	return &SignalCycle{
		done: make(chan struct{}),
	}
}

// SignalCycle is the canonical Cycle implementation, driven by the
// submission side through Signal.
type SignalCycle struct {
	mu           sync.Mutex
	done         chan struct{}
	signalled    bool
	dependencies []any
	callbacks    []func()
}

// Signal marks the cycle's work as complete, releases all attachments,
// and runs the registered callbacks in registration order. Signalling
// twice panics.
func (c *SignalCycle) Signal() {
	c.mu.Lock()
	if c.signalled {
		c.mu.Unlock()
		panic("fence: cycle signalled twice")
	}

	c.signalled = true
	c.dependencies = nil
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (c *SignalCycle) Wait() {
	<-c.done
}

func (c *SignalCycle) Poll() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *SignalCycle) Attach(obj any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.signalled {
		return
	}

	c.dependencies = append(c.dependencies, obj)
}

func (c *SignalCycle) OnSignal(fn func()) {
	c.mu.Lock()
	if !c.signalled {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	fn()
}
