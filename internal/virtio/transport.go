package virtio

import (
	"fmt"

	"github.com/tinyrange/virtq/internal/dma"
	"github.com/tinyrange/virtq/internal/virtio/ring"
)

// Transport moves status, features, configuration and queue addresses
// between the driver and one device.
type Transport interface {
	Status() Status
	// SetStatus writes the whole status register. Zero resets the device.
	SetStatus(Status)

	DeviceFeatures() uint64
	SetDriverFeatures(features uint64) error

	ReadConfig(offset uint32, buf []byte) error
	WriteConfig(offset uint32, buf []byte) error
	// Generation changes whenever the device changes its configuration.
	Generation() uint32

	// InstallQueue allocates ring memory for queue index and programs its
	// addresses into the device. A size of zero selects the largest size
	// both sides allow.
	InstallQueue(index uint32, size uint32) (QueueMemory, error)
	// ReleaseQueue disables queue index and frees its ring memory.
	ReleaseQueue(index uint32) error
	// Notify rings the doorbell for queue index.
	Notify(index uint32)
}

// DataNotifier is implemented by transports that can pass the new available
// index along with the doorbell. NOTIFICATION_DATA is only accepted when the
// transport implements it.
type DataNotifier interface {
	NotifyData(index uint32, availIdx uint16)
}

// Translator maps a driver-owned buffer to the physical address the device
// uses for it.
type Translator interface {
	Translate(buf []byte) (uint64, error)
}

// QueueMemory is the ring memory of one installed queue.
type QueueMemory struct {
	Region *dma.Region
	Layout ring.Layout
	Ring   *ring.Split
	// MaxSize is the largest size the device reported for this queue.
	MaxSize uint32
}

// DescAddr returns the physical address of the descriptor table.
func (m QueueMemory) DescAddr() uint64 { return m.Region.Phys() + uint64(m.Layout.DescOffset) }

// AvailAddr returns the physical address of the available ring.
func (m QueueMemory) AvailAddr() uint64 { return m.Region.Phys() + uint64(m.Layout.AvailOffset) }

// UsedAddr returns the physical address of the used ring.
func (m QueueMemory) UsedAddr() uint64 { return m.Region.Phys() + uint64(m.Layout.UsedOffset) }

// Size returns the number of descriptors in the queue.
func (m QueueMemory) Size() uint32 { return uint32(m.Layout.Size) }

// AllocQueueMemory allocates zeroed ring memory for a queue of size entries
// whose used ring is aligned to align. Transports call it from InstallQueue.
func AllocQueueMemory(space *dma.Space, size, maxSize uint32, align int) (QueueMemory, error) {
	layout, err := ring.NewLayout(int(size), align)
	if err != nil {
		return QueueMemory{}, err
	}
	region, err := space.Alloc(layout.Total, align)
	if err != nil {
		return QueueMemory{}, fmt.Errorf("allocate ring memory: %w", err)
	}
	split, err := ring.NewSplit(region.Bytes(), layout)
	if err != nil {
		region.Free()
		return QueueMemory{}, err
	}
	return QueueMemory{
		Region:  region,
		Layout:  layout,
		Ring:    split,
		MaxSize: maxSize,
	}, nil
}

// ChooseQueueSize resolves a requested queue size against the device
// maximum and the engine cap. Zero requests the largest allowed size.
func ChooseQueueSize(requested, deviceMax uint32) (uint32, error) {
	if deviceMax == 0 {
		return 0, fmt.Errorf("%w: device reports no descriptors", ErrQueueUnavailable)
	}
	limit := min(deviceMax, MaxQueueCapacity)
	if requested == 0 {
		// Largest power of two not above the limit.
		size := uint32(1)
		for size*2 <= limit {
			size *= 2
		}
		return size, nil
	}
	if requested > deviceMax {
		return 0, fmt.Errorf("%w: requested %d, device maximum %d", ErrQueueTooLarge, requested, deviceMax)
	}
	if requested > MaxQueueCapacity {
		return 0, fmt.Errorf("%w: requested %d, engine maximum %d", ErrQueueTooLarge, requested, MaxQueueCapacity)
	}
	if err := ring.CheckSize(int(requested)); err != nil {
		return 0, err
	}
	return requested, nil
}
