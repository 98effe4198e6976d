package buffer

import "sync/atomic"

// UsageCallback is notified when a registered view is used, and again
// whenever the view is repointed at a replacement buffer.
type UsageCallback func(view *ViewStorage, buf *Buffer)

// A Delegate is the unit of external identity for a view: it holds the
// repointable reference to the view's current owning buffer. The manager
// repoints delegates when overlapping buffers are coalesced, so views
// observe the replacement transparently.
type Delegate struct {
	buffer atomic.Pointer[Buffer]
	view   *ViewStorage

	usageCallback UsageCallback

	// intrusive list links; owned by the buffer the delegate currently
	// points at, giving O(1) detachment.
	prev, next *Delegate
}

// newDelegate requires the buffer's lock to be held.
func newDelegate(b *Buffer, vs *ViewStorage) *Delegate {
	d := &Delegate{view: vs}
	d.buffer.Store(b)
	b.delegates.pushBack(d)

	return d
}

// Buffer returns the delegate's current owning buffer.
func (d *Delegate) Buffer() *Buffer {
	return d.buffer.Load()
}

// ViewStorage returns the view storage the delegate names within its
// owning buffer.
func (d *Delegate) ViewStorage() *ViewStorage {
	return d.view
}

// Lock acquires the current owning buffer's lock. A repoint only happens
// while the old buffer's lock is held, so acquiring the lock and then
// re-checking the owner is race-free.
func (d *Delegate) Lock() {
	for {
		b := d.buffer.Load()
		b.Lock()

		if d.buffer.Load() == b {
			return
		}

		b.Unlock()
	}
}

// Unlock releases the owning buffer's lock.
func (d *Delegate) Unlock() {
	d.buffer.Load().Unlock()
}

// TryLock attempts to acquire the owning buffer's lock without blocking.
func (d *Delegate) TryLock() bool {
	b := d.buffer.Load()
	if !b.TryLock() {
		return false
	}

	if d.buffer.Load() != b {
		b.Unlock()
		return false
	}

	return true
}

// detach removes the delegate from its owning buffer's delegate list. It
// is called when the last view referencing the delegate is released.
func (d *Delegate) detach() {
	for {
		b := d.buffer.Load()
		b.Lock()

		if d.buffer.Load() != b {
			b.Unlock()
			continue
		}

		b.delegates.remove(d)
		b.Unlock()

		return
	}
}

// delegateList is an intrusive doubly-linked list of delegates. The links
// live on the delegates themselves so detachment is O(1).
type delegateList struct {
	head, tail *Delegate
	len        int
}

func (l *delegateList) pushBack(d *Delegate) {
	d.prev = l.tail
	d.next = nil

	if l.tail != nil {
		l.tail.next = d
	} else {
		l.head = d
	}

	l.tail = d
	l.len++
}

func (l *delegateList) remove(d *Delegate) {
	if d.prev != nil {
		d.prev.next = d.next
	} else {
		l.head = d.next
	}

	if d.next != nil {
		d.next.prev = d.prev
	} else {
		l.tail = d.prev
	}

	d.prev, d.next = nil, nil
	l.len--
}

// takeAll empties the list and returns its elements.
func (l *delegateList) takeAll() []*Delegate {
	out := make([]*Delegate, 0, l.len)
	for d := l.head; d != nil; {
		next := d.next
		d.prev, d.next = nil, nil
		out = append(out, d)
		d = next
	}

	l.head, l.tail, l.len = nil, nil, 0

	return out
}
