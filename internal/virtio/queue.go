package virtio

import (
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/virtq/internal/trace"
)

// MaxQueueCapacity caps the number of descriptors per queue below the wire
// limit of 32768.
const MaxQueueCapacity = 1024

// Direction says who writes a buffer.
type Direction int

const (
	// Outbound buffers are read by the device.
	Outbound Direction = iota
	// Inbound buffers are written by the device.
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// QueueState is the lifecycle state of a Virtqueue. A queue is in flight
// while it is Installed and InFlight reports a non-zero count.
type QueueState int

const (
	QueueUninstalled QueueState = iota
	QueueInstalled
	QueueDraining
	QueueDestroyed
)

func (s QueueState) String() string {
	switch s {
	case QueueUninstalled:
		return "uninstalled"
	case QueueInstalled:
		return "installed"
	case QueueDraining:
		return "draining"
	case QueueDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Callback runs from the interrupt path with the device locked when the
// queue has completions to reap.
type Callback func(q *Virtqueue)

// Token identifies one enqueued buffer until its completion is reaped.
type Token struct {
	q    *Virtqueue
	head uint16
	seq  uint64
}

// Index returns the descriptor index the buffer occupies.
func (t Token) Index() uint16 { return t.head }

// Valid reports whether t was returned by a successful Enqueue.
func (t Token) Valid() bool { return t.q != nil }

// Completion is a chain returned by the device.
type Completion struct {
	// Token is the token of the chain's head, which is the first buffer
	// enqueued after the previous Submit.
	Token Token
	// Len is the number of bytes the device wrote into the chain.
	Len uint32
	// Buffers holds every buffer of the chain in enqueue order.
	Buffers [][]byte
}

// Buffer returns the head buffer of the chain.
func (c Completion) Buffer() []byte {
	if len(c.Buffers) == 0 {
		return nil
	}
	return c.Buffers[0]
}

// Virtqueue is the driver side of one device queue.
//
// None of its methods lock. Callers hold the owning Device's lock
// (Device.Lock) or run inside a Callback, which already does.
type Virtqueue struct {
	dev      *Device
	index    uint32
	name     string
	mem      QueueMemory
	ring     ringStrategy
	callback Callback
	state    QueueState
	trace    *trace.Source
}

func newVirtqueue(dev *Device, index uint32, name string, mem QueueMemory, callback Callback) *Virtqueue {
	q := &Virtqueue{
		dev:      dev,
		index:    index,
		name:     name,
		mem:      mem,
		ring:     newSplitRing(mem.Ring, dev.HasFeature(FeatureRingEventIdx), dev.HasFeature(FeatureInOrder)),
		callback: callback,
		state:    QueueInstalled,
		trace:    dev.trace,
	}
	if callback == nil {
		q.ring.disableInterrupts()
	}
	return q
}

// Index returns the queue's index on its device.
func (q *Virtqueue) Index() uint32 { return q.index }

// Name returns the name given at installation.
func (q *Virtqueue) Name() string { return q.name }

// Device returns the device the queue belongs to.
func (q *Virtqueue) Device() *Device { return q.dev }

// Memory returns the queue's ring memory.
func (q *Virtqueue) Memory() QueueMemory { return q.mem }

// State returns the lifecycle state.
func (q *Virtqueue) State() QueueState { return q.state }

// attached reports whether the ring memory is still mapped. Once a queue is
// destroyed its memory is freed and no method may touch the ring.
func (q *Virtqueue) attached() bool {
	return q.state == QueueInstalled || q.state == QueueDraining
}

// Capacity returns the number of descriptors.
func (q *Virtqueue) Capacity() int { return q.ring.capacity() }

// FreeCount returns the number of descriptors not owned by the device.
func (q *Virtqueue) FreeCount() int { return q.ring.freeCount() }

// InFlight returns the number of descriptors owned by the device, including
// ones enqueued but not yet submitted.
func (q *Virtqueue) InFlight() int { return q.ring.capacity() - q.ring.freeCount() }

// Pending returns the number of descriptors enqueued since the last Submit.
func (q *Virtqueue) Pending() int { return q.ring.pendingCount() }

// NextIndex returns the descriptor index the next Enqueue will use.
func (q *Virtqueue) NextIndex() uint16 { return q.ring.nextIndex() }

// Prepare reports whether n more descriptors can be enqueued right now.
func (q *Virtqueue) Prepare(n int) bool { return q.ring.freeCount() >= n }

// Enqueue appends buf to the chain under construction. The buffer is owned
// by the device until its completion is reaped and must not be touched
// meanwhile.
//
// ErrQueueFull is transient. When it happens for an outbound buffer the
// device is notified so it can make room.
func (q *Virtqueue) Enqueue(buf []byte, dir Direction) (Token, error) {
	if err := q.accepting(); err != nil {
		return Token{}, err
	}
	if len(buf) == 0 {
		return Token{}, ErrZeroLength
	}
	if uint64(len(buf)) > math.MaxUint32 {
		return Token{}, fmt.Errorf("virtio: buffer of %d bytes exceeds descriptor length", len(buf))
	}
	phys, err := q.dev.translator.Translate(buf)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrAddrTranslation, err)
	}

	head, seq, err := q.ring.add(buf, phys, dir == Inbound)
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			q.trace.Record(trace.KindQueueFull, q.index, uint64(q.ring.freeCount()), uint64(q.ring.capacity()))
			q.dev.log.Debug("virtio: queue full", "queue", q.name, "direction", dir)
			if dir == Outbound {
				q.Notify()
			}
		}
		return Token{}, err
	}
	q.trace.Record(trace.KindEnqueue, q.index, uint64(head), uint64(len(buf)))
	return Token{q: q, head: head, seq: seq}, nil
}

// Submit publishes the chain built since the previous Submit to the
// available ring. It does not notify the device. It returns false only
// when the queue has been destroyed.
func (q *Virtqueue) Submit() bool {
	if !q.attached() {
		return false
	}
	head, availIdx, ok := q.ring.submit()
	if ok {
		q.trace.Record(trace.KindSubmit, q.index, uint64(head), uint64(availIdx))
	}
	return true
}

// Notify rings the device's doorbell for this queue. Before the device is
// marked ready the doorbell is held back and Notify returns false;
// MarkReady rings it for every queue with unannounced buffers.
func (q *Virtqueue) Notify() bool {
	if !q.attached() {
		return false
	}
	if !q.dev.driverOK.Load() {
		q.dev.log.Debug("virtio: notify deferred until DRIVER_OK", "queue", q.name)
		return false
	}
	availIdx := q.ring.markNotified()
	q.trace.Record(trace.KindNotify, q.index, uint64(availIdx), 0)
	if dn, ok := q.dev.transport.(DataNotifier); ok && q.dev.HasFeature(FeatureNotificationData) {
		dn.NotifyData(q.index, availIdx)
	} else {
		q.dev.transport.Notify(q.index)
	}
	return true
}

// Kick submits and notifies.
func (q *Virtqueue) Kick() bool {
	q.Submit()
	return q.Notify()
}

// NeedsNotify reports whether the device asked to be notified about the
// buffers published since the last notification.
func (q *Virtqueue) NeedsNotify() bool {
	if !q.attached() {
		return false
	}
	return q.ring.unnotified() && q.ring.needsNotify()
}

// KickIfNeeded submits and notifies only when the device asked for it. It
// reports whether the doorbell was rung.
func (q *Virtqueue) KickIfNeeded() bool {
	q.Submit()
	if !q.NeedsNotify() {
		return false
	}
	return q.Notify()
}

// Reap returns the next completed chain, if any. Every descriptor of the
// chain is freed. An error means the device published a used element that
// does not name an in-flight chain.
func (q *Virtqueue) Reap() (Completion, bool, error) {
	if !q.attached() {
		return Completion{}, false, ErrQueueState
	}
	c, ok, err := q.ring.reap()
	if !ok {
		return Completion{}, false, err
	}
	q.trace.Record(trace.KindReap, q.index, uint64(c.head), uint64(c.length))
	return Completion{
		Token:   Token{q: q, head: c.head, seq: c.seq},
		Len:     c.length,
		Buffers: c.buffers,
	}, true, err
}

// HasCompletions reports whether Reap would return a chain.
func (q *Virtqueue) HasCompletions() bool { return q.attached() && q.ring.hasUsed() }

// DisableNotifications asks the device not to interrupt for this queue.
// It is advisory: an interrupt may still arrive.
func (q *Virtqueue) DisableNotifications() {
	if q.attached() {
		q.ring.disableInterrupts()
	}
}

// EnableNotifications re-arms interrupts and returns the used index seen so
// far. Pass it to Poll to catch completions that raced with re-arming.
// A destroyed queue returns 0.
func (q *Virtqueue) EnableNotifications() uint16 {
	if !q.attached() {
		return 0
	}
	return q.ring.enableInterrupts()
}

// Poll reports whether the device completed anything after last.
func (q *Virtqueue) Poll(last uint16) bool { return q.attached() && q.ring.poll(last) }

// SetCallback replaces the interrupt callback.
func (q *Virtqueue) SetCallback(cb Callback) { q.callback = cb }

func (q *Virtqueue) accepting() error {
	if q.dev.broken.Load() {
		return ErrDeviceFailed
	}
	if q.state != QueueInstalled {
		return fmt.Errorf("%w: %s", ErrQueueState, q.state)
	}
	return nil
}

// interrupt dispatches the callback when there is work for it.
func (q *Virtqueue) interrupt() {
	if !q.attached() {
		return
	}
	if q.callback == nil || !q.ring.hasUsed() {
		return
	}
	q.callback(q)
}
