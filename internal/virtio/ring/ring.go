// Package ring describes the split virtqueue wire format shared by a driver
// and a device: the descriptor table, the available ring and the used ring.
//
// All multi-byte fields are little-endian. The three areas live in one
// contiguous allocation whose used ring is aligned to the transport's
// alignment (4096 for legacy MMIO, 4 or more for modern transports).
package ring

import (
	"errors"
	"fmt"
)

const (
	// DescFNext marks a descriptor as continuing via its Next field.
	DescFNext = 1
	// DescFWrite marks a descriptor as device-writable (inbound).
	DescFWrite = 2
	// DescFIndirect marks a descriptor as pointing at an indirect table.
	DescFIndirect = 4

	// AvailFNoInterrupt asks the device not to interrupt on consumption.
	AvailFNoInterrupt = 1
	// UsedFNoNotify asks the driver not to kick after adding buffers.
	UsedFNoNotify = 1

	// DescSize is the size of a descriptor table entry.
	DescSize = 16
	// UsedElemSize is the size of a used ring element.
	UsedElemSize = 8

	// MaxSize is the largest queue size allowed on the wire.
	MaxSize = 32768
)

var ErrInvalidSize = errors.New("invalid queue size")

// Descriptor is one entry of the descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// HasNext reports whether the chain continues after this descriptor.
func (d Descriptor) HasNext() bool { return d.Flags&DescFNext != 0 }

// Writable reports whether the device may write into this descriptor.
func (d Descriptor) Writable() bool { return d.Flags&DescFWrite != 0 }

// UsedElem is one entry of the used ring.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// CheckSize checks that size is a power of two within 1..=MaxSize.
func CheckSize(size int) error {
	if size <= 0 || size > MaxSize {
		return fmt.Errorf("%w: %d is out of range 1..%d", ErrInvalidSize, size, MaxSize)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of two", ErrInvalidSize, size)
	}
	return nil
}

// Layout locates the three ring areas inside one contiguous allocation.
type Layout struct {
	Size  int
	Align int

	DescOffset  int
	AvailOffset int
	UsedOffset  int

	// Total is the number of bytes the allocation must span. The used ring is
	// padded to a whole 32-bit word.
	Total int
}

// NewLayout computes the layout of a split ring with size entries whose used
// ring is aligned to align bytes.
func NewLayout(size, align int) (Layout, error) {
	if err := CheckSize(size); err != nil {
		return Layout{}, err
	}
	if align < 4 || align&(align-1) != 0 {
		return Layout{}, fmt.Errorf("ring alignment %d must be a power of two >= 4", align)
	}
	l := Layout{Size: size, Align: align}
	l.DescOffset = 0
	l.AvailOffset = DescSize * size
	// Keep room for used_event before aligning the used ring.
	l.UsedOffset = alignUp(l.AvailOffset+AvailSize(size), align)
	l.Total = l.UsedOffset + alignUp(UsedSize(size), 4)
	return l, nil
}

// DescTableSize returns the byte size of a descriptor table.
func DescTableSize(size int) int { return DescSize * size }

// AvailSize returns the byte size of an available ring including used_event.
func AvailSize(size int) int { return 4 + 2*size + 2 }

// UsedSize returns the byte size of a used ring including avail_event.
func UsedSize(size int) int { return 4 + UsedElemSize*size + 2 }

// NeedEvent reports whether moving an index from old to new crossed event.
// It is the event-index test used by both sides to suppress notifications.
func NeedEvent(event, new, old uint16) bool {
	return new-event-1 < new-old
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
