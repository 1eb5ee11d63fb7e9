package vdev

import (
	"errors"
	"fmt"

	"github.com/tinyrange/virtq/internal/virtio/mmio"
	"github.com/tinyrange/virtq/internal/virtio/ring"
)

var errQueueNotReady = errors.New("vdev: queue not ready")

type queue struct {
	maxSize uint16
	size    uint16
	ready   bool

	align     uint32
	pfn       uint32
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	ring         *ring.Split
	lastAvailIdx uint16
	usedIdx      uint16

	suppress      bool
	notifications int
	// Available index carried by the last notification, with
	// NOTIFICATION_DATA.
	notifiedAvail uint16
}

func (q *queue) reset() {
	q.size = 0
	q.ready = false
	q.align = 0
	q.pfn = 0
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.ring = nil
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.suppress = false
}

// publishNotifyState tells the driver whether it should notify. With
// event index the device asks to hear about the next available entry.
func (q *queue) publishNotifyState(eventIdx bool) {
	if q.ring == nil {
		return
	}
	if eventIdx {
		if !q.suppress {
			q.ring.SetAvailEvent(q.lastAvailIdx)
		}
		return
	}
	var flags uint16
	if q.suppress {
		flags = ring.UsedFNoNotify
	}
	q.ring.SetUsedFlags(flags)
}

// Chain is one descriptor chain as the device sees it. Buffers alias
// driver memory.
type Chain struct {
	Queue    int
	Head     uint16
	Readable [][]byte
	Writable [][]byte
}

// ReadAll concatenates the device-readable buffers.
func (c *Chain) ReadAll() []byte {
	var data []byte
	for _, b := range c.Readable {
		data = append(data, b...)
	}
	return data
}

// Fill copies data into the device-writable buffers and returns the number
// of bytes written.
func (c *Chain) Fill(data []byte) uint32 {
	var written uint32
	for _, b := range c.Writable {
		if len(data) == 0 {
			break
		}
		n := copy(b, data)
		data = data[n:]
		written += uint32(n)
	}
	return written
}

// WritableLen returns the total size of the device-writable buffers.
func (c *Chain) WritableLen() int {
	n := 0
	for _, b := range c.Writable {
		n += len(b)
	}
	return n
}

func (d *MMIODevice) activate(q *queue) error {
	if q.size == 0 {
		return fmt.Errorf("vdev: queue %d made ready before its size was set", d.queueSel)
	}
	size := int(q.size)
	desc, err := d.space.Slice(q.descAddr, ring.DescTableSize(size))
	if err != nil {
		return fmt.Errorf("vdev: descriptor table: %w", err)
	}
	avail, err := d.space.Slice(q.availAddr, wordAlign(ring.AvailSize(size)))
	if err != nil {
		return fmt.Errorf("vdev: available ring: %w", err)
	}
	used, err := d.space.Slice(q.usedAddr, wordAlign(ring.UsedSize(size)))
	if err != nil {
		return fmt.Errorf("vdev: used ring: %w", err)
	}
	r, err := ring.NewSplitParts(size, desc, avail, used)
	if err != nil {
		return err
	}
	d.start(q, r)
	return nil
}

func (d *MMIODevice) activateLegacy(q *queue, pfn uint32) error {
	if q.size == 0 {
		return fmt.Errorf("vdev: queue %d given a PFN before its size was set", d.queueSel)
	}
	pageSize := d.guestPageSize
	if pageSize == 0 {
		pageSize = mmio.LegacyPageSize
	}
	align := int(q.align)
	if align == 0 {
		align = mmio.LegacyPageSize
	}
	layout, err := ring.NewLayout(int(q.size), align)
	if err != nil {
		return err
	}
	base := uint64(pfn) * uint64(pageSize)
	mem, err := d.space.Slice(base, layout.Total)
	if err != nil {
		return fmt.Errorf("vdev: legacy ring at %#x: %w", base, err)
	}
	r, err := ring.NewSplit(mem, layout)
	if err != nil {
		return err
	}
	q.pfn = pfn
	q.descAddr = base + uint64(layout.DescOffset)
	q.availAddr = base + uint64(layout.AvailOffset)
	q.usedAddr = base + uint64(layout.UsedOffset)
	d.start(q, r)
	return nil
}

func (d *MMIODevice) start(q *queue, r *ring.Split) {
	q.ring = r
	q.ready = true
	q.lastAvailIdx = r.AvailIdx()
	q.usedIdx = r.UsedIdx()
	q.publishNotifyState(d.eventIdx())
	d.log.Debug("vdev: queue ready", "queue", d.queueSel, "size", q.size,
		"desc", fmt.Sprintf("%#x", q.descAddr),
		"avail", fmt.Sprintf("%#x", q.availAddr),
		"used", fmt.Sprintf("%#x", q.usedAddr))
}

// processLocked completes every available chain and reports whether an
// interrupt should be delivered.
func (d *MMIODevice) processLocked() (int, bool, error) {
	if d.held {
		return 0, false, nil
	}
	total := 0
	raise := false
	for i := range d.queues {
		q := &d.queues[i]
		if !q.ready {
			continue
		}
		n, interrupt, err := d.processQueue(i, q)
		total += n
		raise = raise || interrupt
		if err != nil {
			return total, raise && d.raiseLocked(mmio.VIRTIO_MMIO_INT_VRING), err
		}
	}
	if !raise {
		return total, false, nil
	}
	return total, d.raiseLocked(mmio.VIRTIO_MMIO_INT_VRING), nil
}

func (d *MMIODevice) processQueue(index int, q *queue) (int, bool, error) {
	if q.ring == nil {
		return 0, false, errQueueNotReady
	}
	r := q.ring
	eventIdx := d.eventIdx()
	oldUsed := q.usedIdx
	availIdx := r.AvailIdx()

	processed := 0
	for q.lastAvailIdx != availIdx {
		head := r.AvailEntry(q.lastAvailIdx)
		chain, err := d.readChain(index, q, head)
		if err != nil {
			return processed, d.wantInterrupt(q, oldUsed, eventIdx), err
		}
		written, err := d.cfg.Handler.Process(&chain)
		if err != nil {
			return processed, d.wantInterrupt(q, oldUsed, eventIdx), fmt.Errorf("vdev: queue %d chain %d: %w", index, head, err)
		}
		r.SetUsedElem(q.usedIdx, ring.UsedElem{ID: uint32(head), Len: written})
		q.usedIdx++
		r.PublishUsedIdx(q.usedIdx)
		q.lastAvailIdx++
		processed++

		if q.lastAvailIdx == availIdx {
			// Pick up anything published while this batch ran.
			q.publishNotifyState(eventIdx)
			availIdx = r.AvailIdx()
		}
	}
	return processed, d.wantInterrupt(q, oldUsed, eventIdx), nil
}

func (d *MMIODevice) wantInterrupt(q *queue, oldUsed uint16, eventIdx bool) bool {
	if q.usedIdx == oldUsed {
		return false
	}
	if eventIdx {
		return ring.NeedEvent(q.ring.UsedEvent(), q.usedIdx, oldUsed)
	}
	return q.ring.AvailFlags()&ring.AvailFNoInterrupt == 0
}

func (d *MMIODevice) readChain(index int, q *queue, head uint16) (Chain, error) {
	chain := Chain{Queue: index, Head: head}
	if head >= q.size {
		return chain, fmt.Errorf("vdev: queue %d: head %d out of range", index, head)
	}
	next := head
	for i := 0; i < int(q.size); i++ {
		desc := q.ring.Descriptor(next)
		if desc.Flags&ring.DescFIndirect != 0 {
			return chain, fmt.Errorf("vdev: queue %d: indirect descriptor %d not negotiated", index, next)
		}
		buf, err := d.space.Slice(desc.Addr, int(desc.Len))
		if err != nil {
			return chain, fmt.Errorf("vdev: queue %d descriptor %d: %w", index, next, err)
		}
		if desc.Writable() {
			chain.Writable = append(chain.Writable, buf)
		} else {
			if len(chain.Writable) > 0 {
				return chain, fmt.Errorf("vdev: queue %d: readable descriptor %d after writable", index, next)
			}
			chain.Readable = append(chain.Readable, buf)
		}
		if !desc.HasNext() {
			return chain, nil
		}
		if desc.Next >= q.size {
			return chain, fmt.Errorf("vdev: queue %d: descriptor %d links to %d", index, next, desc.Next)
		}
		next = desc.Next
	}
	return chain, fmt.Errorf("vdev: queue %d: descriptor chain from %d loops", index, head)
}

func wordAlign(n int) int { return (n + 3) &^ 3 }
