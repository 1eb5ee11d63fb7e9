package virtio

import (
	"fmt"
	"slices"

	"github.com/tinyrange/virtq/internal/virtio/ring"
)

// ringStrategy is the layout-specific half of a Virtqueue.
type ringStrategy interface {
	capacity() int
	freeCount() int
	pendingCount() int
	nextIndex() uint16

	add(buf []byte, phys uint64, write bool) (head uint16, seq uint64, err error)
	submit() (head uint16, availIdx uint16, ok bool)
	reap() (completion, bool, error)
	hasUsed() bool
	poll(last uint16) bool

	disableInterrupts()
	enableInterrupts() uint16

	needsNotify() bool
	unnotified() bool
	markNotified() uint16
}

type completion struct {
	head    uint16
	seq     uint64
	length  uint32
	buffers [][]byte
}

type owner struct {
	buf   []byte
	phys  uint64
	seq   uint64
	inUse bool
}

// splitRing drives a split virtqueue. Descriptors are handed out by a
// rotating cursor, so a chain occupies consecutive indices (mod capacity)
// and its head is always cursor-pending at submit time.
type splitRing struct {
	ring *ring.Split
	mask uint16

	cursor  uint16
	free    int
	pending int

	// Shadows of driver-owned ring fields.
	availIdx   uint16
	availFlags uint16
	lastUsed   uint16
	kickedAt   uint16

	eventIdx bool
	inOrder  bool

	// With in-order use, heads of submitted chains oldest first, and chains
	// completed implicitly by a batched used element but not yet returned.
	order   []uint16
	backlog []completion

	owners   []owner
	inflight map[uint64]uint16
	seq      uint64
}

func newSplitRing(r *ring.Split, eventIdx, inOrder bool) *splitRing {
	size := r.Size()
	return &splitRing{
		ring:     r,
		mask:     uint16(size - 1),
		free:     size,
		eventIdx: eventIdx,
		inOrder:  inOrder,
		owners:   make([]owner, size),
		inflight: make(map[uint64]uint16),
	}
}

func (s *splitRing) capacity() int     { return len(s.owners) }
func (s *splitRing) freeCount() int    { return s.free }
func (s *splitRing) pendingCount() int { return s.pending }
func (s *splitRing) nextIndex() uint16 { return s.cursor }

func (s *splitRing) add(buf []byte, phys uint64, write bool) (uint16, uint64, error) {
	if head, busy := s.inflight[phys]; busy {
		return 0, 0, fmt.Errorf("%w: descriptor %d", ErrBufferInFlight, head)
	}
	if s.free == 0 {
		return 0, 0, ErrQueueFull
	}
	idx := s.cursor
	if s.owners[idx].inUse {
		// Out-of-order completions freed descriptors elsewhere, but the
		// chain under construction must stay contiguous.
		return 0, 0, fmt.Errorf("%w: descriptor %d still in flight", ErrQueueFull, idx)
	}

	flags := uint16(ring.DescFNext)
	if write {
		flags |= ring.DescFWrite
	}
	next := (idx + 1) & s.mask
	s.ring.SetDescriptor(idx, ring.Descriptor{
		Addr:  phys,
		Len:   uint32(len(buf)),
		Flags: flags,
		Next:  next,
	})

	s.seq++
	s.owners[idx] = owner{buf: buf, phys: phys, seq: s.seq, inUse: true}
	s.inflight[phys] = idx
	s.cursor = next
	s.free--
	s.pending++
	return idx, s.seq, nil
}

func (s *splitRing) submit() (uint16, uint16, bool) {
	if s.pending == 0 {
		return 0, s.availIdx, false
	}
	last := (s.cursor - 1) & s.mask
	d := s.ring.Descriptor(last)
	d.Flags &^= ring.DescFNext
	d.Next = 0
	s.ring.SetDescriptor(last, d)

	head := (s.cursor - uint16(s.pending)) & s.mask
	s.ring.SetAvailEntry(s.availIdx, head)
	s.availIdx++
	s.ring.PublishAvailIdx(s.availIdx)
	s.pending = 0
	if s.inOrder {
		s.order = append(s.order, head)
	}
	return head, s.availIdx, true
}

func (s *splitRing) hasUsed() bool {
	return len(s.backlog) > 0 || s.lastUsed != s.ring.UsedIdx()
}

func (s *splitRing) poll(last uint16) bool {
	return last != s.ring.UsedIdx()
}

func (s *splitRing) reap() (completion, bool, error) {
	if len(s.backlog) > 0 {
		c := s.backlog[0]
		s.backlog = s.backlog[1:]
		return c, true, nil
	}
	if s.lastUsed == s.ring.UsedIdx() {
		return completion{}, false, nil
	}
	elem := s.ring.UsedElem(s.lastUsed)
	s.lastUsed++
	if s.eventIdx && s.availFlags&ring.AvailFNoInterrupt == 0 {
		// Ask for an interrupt on the next completion.
		s.ring.SetUsedEvent(s.lastUsed)
	}

	if elem.ID >= uint32(len(s.owners)) || !s.owners[elem.ID].inUse {
		return completion{}, false, fmt.Errorf("%w: used element names descriptor %d which is not in flight", ErrDeviceProtocol, elem.ID)
	}

	if s.inOrder {
		return s.reapInOrder(uint16(elem.ID), elem.Len)
	}
	c, err := s.freeChain(uint16(elem.ID), elem.Len)
	return c, true, err
}

// reapInOrder handles a used element under in-order use. The device may
// return a batch with a single element naming the last chain; every chain
// submitted before it is complete too, with no length reported.
func (s *splitRing) reapInOrder(head uint16, length uint32) (completion, bool, error) {
	n := slices.Index(s.order, head)
	if n < 0 {
		return completion{}, false, fmt.Errorf("%w: used element names descriptor %d which does not start a chain", ErrDeviceProtocol, head)
	}
	for i, h := range s.order[:n+1] {
		var l uint32
		if i == n {
			l = length
		}
		c, err := s.freeChain(h, l)
		if err != nil {
			s.order = slices.Delete(s.order, 0, i+1)
			return c, true, err
		}
		s.backlog = append(s.backlog, c)
	}
	s.order = slices.Delete(s.order, 0, n+1)
	c := s.backlog[0]
	s.backlog = s.backlog[1:]
	return c, true, nil
}

// freeChain returns every descriptor of the chain starting at head.
func (s *splitRing) freeChain(head uint16, length uint32) (completion, error) {
	c := completion{
		head:   head,
		seq:    s.owners[head].seq,
		length: length,
	}
	idx := head
	for i := 0; i < len(s.owners); i++ {
		o := s.owners[idx]
		if !o.inUse {
			return c, fmt.Errorf("%w: chain from %d reaches free descriptor %d", ErrDeviceProtocol, c.head, idx)
		}
		c.buffers = append(c.buffers, o.buf)
		delete(s.inflight, o.phys)
		s.owners[idx] = owner{}
		s.free++

		d := s.ring.Descriptor(idx)
		if !d.HasNext() {
			break
		}
		idx = d.Next
	}
	return c, nil
}

func (s *splitRing) disableInterrupts() {
	if s.availFlags&ring.AvailFNoInterrupt != 0 {
		return
	}
	s.availFlags |= ring.AvailFNoInterrupt
	if s.eventIdx {
		// With event index the device only interrupts when used_event is
		// crossed, and it is not advanced while disabled.
		return
	}
	s.ring.SetAvailFlags(s.availFlags)
}

func (s *splitRing) enableInterrupts() uint16 {
	if s.availFlags&ring.AvailFNoInterrupt != 0 {
		s.availFlags &^= ring.AvailFNoInterrupt
		if !s.eventIdx {
			s.ring.SetAvailFlags(s.availFlags)
		}
	}
	if s.eventIdx {
		s.ring.SetUsedEvent(s.lastUsed)
	}
	return s.lastUsed
}

func (s *splitRing) needsNotify() bool {
	if s.eventIdx {
		return ring.NeedEvent(s.ring.AvailEvent(), s.availIdx, s.kickedAt)
	}
	return s.ring.UsedFlags()&ring.UsedFNoNotify == 0
}

func (s *splitRing) unnotified() bool {
	return s.kickedAt != s.availIdx
}

func (s *splitRing) markNotified() uint16 {
	s.kickedAt = s.availIdx
	return s.availIdx
}
