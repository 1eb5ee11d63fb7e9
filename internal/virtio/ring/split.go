package ring

import (
	"encoding/binary"
	"fmt"
)

// Split is a view over the memory of one split virtqueue. Both the driver
// and the device side use it; neither owns the memory.
//
// Ring positions passed to the avail and used accessors are free-running
// 16-bit counters and are reduced modulo the queue size internally.
type Split struct {
	size  int
	mask  uint16
	desc  []byte
	avail []byte
	used  []byte
}

// NewSplit returns a view over one contiguous allocation described by l.
func NewSplit(mem []byte, l Layout) (*Split, error) {
	if len(mem) < l.Total {
		return nil, fmt.Errorf("ring memory too small: have %d bytes, need %d", len(mem), l.Total)
	}
	return NewSplitParts(l.Size,
		mem[l.DescOffset:l.DescOffset+DescTableSize(l.Size)],
		mem[l.AvailOffset:l.AvailOffset+alignUp(AvailSize(l.Size), 4)],
		mem[l.UsedOffset:l.UsedOffset+alignUp(UsedSize(l.Size), 4)],
	)
}

// NewSplitParts returns a view over three separately located areas, as a
// device sees them after the driver programs their addresses. Each area
// must be 4-byte aligned and span a whole number of 32-bit words.
func NewSplitParts(size int, desc, avail, used []byte) (*Split, error) {
	if err := CheckSize(size); err != nil {
		return nil, err
	}
	switch {
	case len(desc) < DescTableSize(size):
		return nil, fmt.Errorf("descriptor table too small: have %d bytes, need %d", len(desc), DescTableSize(size))
	case len(avail) < alignUp(AvailSize(size), 4):
		return nil, fmt.Errorf("available ring too small: have %d bytes, need %d", len(avail), alignUp(AvailSize(size), 4))
	case len(used) < alignUp(UsedSize(size), 4):
		return nil, fmt.Errorf("used ring too small: have %d bytes, need %d", len(used), alignUp(UsedSize(size), 4))
	}
	if !aligned4(avail) || !aligned4(used) || !aligned4(desc) {
		return nil, fmt.Errorf("ring areas must be 4-byte aligned")
	}
	return &Split{
		size:  size,
		mask:  uint16(size - 1),
		desc:  desc,
		avail: avail,
		used:  used,
	}, nil
}

// Size returns the number of descriptors in the queue.
func (s *Split) Size() int { return s.size }

// Descriptor reads descriptor i.
func (s *Split) Descriptor(i uint16) Descriptor {
	b := s.descBytes(i)
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// SetDescriptor writes descriptor i.
func (s *Split) SetDescriptor(i uint16, d Descriptor) {
	b := s.descBytes(i)
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

func (s *Split) descBytes(i uint16) []byte {
	if int(i) >= s.size {
		panic(fmt.Sprintf("descriptor index %d out of range (size %d)", i, s.size))
	}
	off := int(i) * DescSize
	return s.desc[off : off+DescSize]
}

// AvailFlags returns the driver's available ring flags.
func (s *Split) AvailFlags() uint16 { return load16(s.avail, 0) }

// SetAvailFlags stores the driver's available ring flags.
func (s *Split) SetAvailFlags(v uint16) { store16(s.avail, 0, v) }

// AvailIdx loads the available index published by the driver.
func (s *Split) AvailIdx() uint16 { return load16(s.avail, 2) }

// PublishAvailIdx makes every ring entry written before it visible to the
// device.
func (s *Split) PublishAvailIdx(v uint16) { store16(s.avail, 2, v) }

// AvailEntry returns the head stored at ring position pos.
func (s *Split) AvailEntry(pos uint16) uint16 {
	return load16(s.avail, 4+2*int(pos&s.mask))
}

// SetAvailEntry stores head at ring position pos.
func (s *Split) SetAvailEntry(pos, head uint16) {
	store16(s.avail, 4+2*int(pos&s.mask), head)
}

// UsedEvent returns the used index at which the driver wants an interrupt.
func (s *Split) UsedEvent() uint16 { return load16(s.avail, 4+2*s.size) }

// SetUsedEvent stores the used index at which the driver wants an interrupt.
func (s *Split) SetUsedEvent(v uint16) { store16(s.avail, 4+2*s.size, v) }

// UsedFlags returns the device's used ring flags.
func (s *Split) UsedFlags() uint16 { return load16(s.used, 0) }

// SetUsedFlags stores the device's used ring flags.
func (s *Split) SetUsedFlags(v uint16) { store16(s.used, 0, v) }

// UsedIdx loads the used index published by the device.
func (s *Split) UsedIdx() uint16 { return load16(s.used, 2) }

// PublishUsedIdx makes every used element written before it visible to the
// driver.
func (s *Split) PublishUsedIdx(v uint16) { store16(s.used, 2, v) }

// UsedElem returns the used element at ring position pos.
func (s *Split) UsedElem(pos uint16) UsedElem {
	off := 4 + UsedElemSize*int(pos&s.mask)
	return UsedElem{
		ID:  load32(s.used, off),
		Len: load32(s.used, off+4),
	}
}

// SetUsedElem stores the used element at ring position pos.
func (s *Split) SetUsedElem(pos uint16, e UsedElem) {
	off := 4 + UsedElemSize*int(pos&s.mask)
	store32(s.used, off, e.ID)
	store32(s.used, off+4, e.Len)
}

// AvailEvent returns the avail index at which the device wants a kick.
func (s *Split) AvailEvent() uint16 { return load16(s.used, 4+UsedElemSize*s.size) }

// SetAvailEvent stores the avail index at which the device wants a kick.
func (s *Split) SetAvailEvent(v uint16) { store16(s.used, 4+UsedElemSize*s.size, v) }
