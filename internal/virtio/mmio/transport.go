package mmio

import (
	"errors"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/virtq/internal/dma"
	"github.com/tinyrange/virtq/internal/virtio"
)

var (
	ErrBadMagic       = errors.New("virtio-mmio: bad magic value")
	ErrBadVersion     = errors.New("virtio-mmio: unsupported version")
	ErrNoDevice       = errors.New("virtio-mmio: no device behind window")
	ErrModernFeatures = errors.New("virtio-mmio: version 2 device requires VERSION_1")
)

// modernAlign is the used ring alignment for version 2 devices.
const modernAlign = 64

// Transport is a virtio.Transport over one virtio-mmio register window.
type Transport struct {
	regs    Registers
	base    uint64
	version uint32
	id      virtio.DeviceID
	space   *dma.Space
	log     *slog.Logger

	mu     sync.Mutex
	queues map[uint32]virtio.QueueMemory
}

var _ virtio.Transport = (*Transport)(nil)

// Probe identifies the device behind the window at base. Ring memory for its
// queues is allocated from space.
func Probe(regs Registers, base uint64, space *dma.Space, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		regs:   regs,
		base:   base,
		space:  space,
		log:    log.With("mmio", fmt.Sprintf("%#x", base)),
		queues: make(map[uint32]virtio.QueueMemory),
	}

	if magic := t.read32(VIRTIO_MMIO_MAGIC_VALUE); magic != MagicValue {
		return nil, fmt.Errorf("%w: %#x", ErrBadMagic, magic)
	}
	t.version = t.read32(VIRTIO_MMIO_VERSION)
	if t.version < 1 || t.version > 2 {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, t.version)
	}
	t.id = virtio.DeviceID{
		Device: t.read32(VIRTIO_MMIO_DEVICE_ID),
		Vendor: t.read32(VIRTIO_MMIO_VENDOR_ID),
	}
	if t.id.Device == 0 {
		return nil, ErrNoDevice
	}
	if t.version == 1 {
		t.write32(VIRTIO_MMIO_GUEST_PAGE_SIZE, LegacyPageSize)
	}
	t.log.Debug("virtio-mmio: probed", "version", t.version, "id", t.id)
	return t, nil
}

// ID returns the device and vendor IDs.
func (t *Transport) ID() virtio.DeviceID { return t.id }

// Version returns the register layout version (1 legacy, 2 modern).
func (t *Transport) Version() uint32 { return t.version }

func (t *Transport) Status() virtio.Status {
	return virtio.Status(t.read32(VIRTIO_MMIO_STATUS) & 0xff)
}

func (t *Transport) SetStatus(s virtio.Status) {
	t.write32(VIRTIO_MMIO_STATUS, uint32(s))
}

func (t *Transport) DeviceFeatures() uint64 {
	t.write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	features := uint64(t.read32(VIRTIO_MMIO_DEVICE_FEATURES)) << 32
	t.write32(VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	features |= uint64(t.read32(VIRTIO_MMIO_DEVICE_FEATURES))
	return features
}

func (t *Transport) SetDriverFeatures(features uint64) error {
	if t.version == 2 && !virtio.HasFeature(features, virtio.FeatureVersion1) {
		return ErrModernFeatures
	}
	t.write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	t.write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>32))
	t.write32(VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	t.write32(VIRTIO_MMIO_DRIVER_FEATURES, uint32(features))
	return nil
}

// ReadConfig reads device configuration. Legacy devices are read a byte at
// a time; modern ones in the widest naturally sized accesses that fit.
func (t *Transport) ReadConfig(offset uint32, buf []byte) error {
	for done := 0; done < len(buf); {
		width := t.configWidth(offset+uint32(done), len(buf)-done)
		addr := t.base + VIRTIO_MMIO_CONFIG + uint64(offset) + uint64(done)
		if err := t.regs.ReadMMIO(addr, buf[done:done+width]); err != nil {
			return fmt.Errorf("virtio-mmio: read config at %#x: %w", offset+uint32(done), err)
		}
		done += width
	}
	return nil
}

func (t *Transport) WriteConfig(offset uint32, buf []byte) error {
	for done := 0; done < len(buf); {
		width := t.configWidth(offset+uint32(done), len(buf)-done)
		addr := t.base + VIRTIO_MMIO_CONFIG + uint64(offset) + uint64(done)
		if err := t.regs.WriteMMIO(addr, buf[done:done+width]); err != nil {
			return fmt.Errorf("virtio-mmio: write config at %#x: %w", offset+uint32(done), err)
		}
		done += width
	}
	return nil
}

func (t *Transport) configWidth(offset uint32, remaining int) int {
	if t.version == 1 {
		return 1
	}
	for _, width := range []int{4, 2} {
		if remaining >= width && offset%uint32(width) == 0 {
			return width
		}
	}
	return 1
}

func (t *Transport) Generation() uint32 {
	if t.version == 1 {
		return 0
	}
	return t.read32(VIRTIO_MMIO_CONFIG_GENERATION)
}

func (t *Transport) InstallQueue(index uint32, size uint32) (virtio.QueueMemory, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.queues[index]; ok {
		return virtio.QueueMemory{}, fmt.Errorf("%w: queue %d already installed", virtio.ErrQueueUnavailable, index)
	}
	t.write32(VIRTIO_MMIO_QUEUE_SEL, index)
	if t.queueActive() {
		return virtio.QueueMemory{}, fmt.Errorf("%w: queue %d already in use by device", virtio.ErrQueueUnavailable, index)
	}
	max := t.read32(VIRTIO_MMIO_QUEUE_NUM_MAX)
	size, err := virtio.ChooseQueueSize(size, max)
	if err != nil {
		return virtio.QueueMemory{}, err
	}

	align := modernAlign
	if t.version == 1 {
		align = LegacyPageSize
	}
	mem, err := virtio.AllocQueueMemory(t.space, size, max, align)
	if err != nil {
		return virtio.QueueMemory{}, err
	}

	t.write32(VIRTIO_MMIO_QUEUE_NUM, size)
	if t.version == 1 {
		pfn := mem.DescAddr() / LegacyPageSize
		if pfn > 0xffffffff {
			mem.Region.Free()
			return virtio.QueueMemory{}, fmt.Errorf("virtio-mmio: ring at %#x beyond legacy PFN range", mem.DescAddr())
		}
		t.write32(VIRTIO_MMIO_QUEUE_ALIGN, uint32(align))
		t.write32(VIRTIO_MMIO_QUEUE_PFN, uint32(pfn))
	} else {
		t.write64(VIRTIO_MMIO_QUEUE_DESC_LOW, VIRTIO_MMIO_QUEUE_DESC_HIGH, mem.DescAddr())
		t.write64(VIRTIO_MMIO_QUEUE_AVAIL_LOW, VIRTIO_MMIO_QUEUE_AVAIL_HIGH, mem.AvailAddr())
		t.write64(VIRTIO_MMIO_QUEUE_USED_LOW, VIRTIO_MMIO_QUEUE_USED_HIGH, mem.UsedAddr())
		t.write32(VIRTIO_MMIO_QUEUE_READY, 1)
	}
	t.queues[index] = mem
	return mem, nil
}

func (t *Transport) ReleaseQueue(index uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mem, ok := t.queues[index]
	if !ok {
		return fmt.Errorf("virtio-mmio: queue %d not installed", index)
	}
	t.write32(VIRTIO_MMIO_QUEUE_SEL, index)
	if t.version == 1 {
		t.write32(VIRTIO_MMIO_QUEUE_PFN, 0)
	} else {
		t.write32(VIRTIO_MMIO_QUEUE_READY, 0)
		if t.read32(VIRTIO_MMIO_QUEUE_READY) != 0 {
			t.log.Warn("virtio-mmio: queue still ready after release", "queue", index)
		}
	}
	delete(t.queues, index)
	return mem.Region.Free()
}

// Notify writes the queue index to the doorbell register.
func (t *Transport) Notify(index uint32) {
	t.write32(VIRTIO_MMIO_QUEUE_NOTIFY, index)
}

// NotifyData rings the doorbell with the queue's next available index in
// the upper half, as NOTIFICATION_DATA requires for split rings.
func (t *Transport) NotifyData(index uint32, availIdx uint16) {
	t.write32(VIRTIO_MMIO_QUEUE_NOTIFY, index&0xffff|uint32(availIdx)<<16)
}

func (t *Transport) queueActive() bool {
	if t.version == 1 {
		return t.read32(VIRTIO_MMIO_QUEUE_PFN) != 0
	}
	return t.read32(VIRTIO_MMIO_QUEUE_READY) != 0
}

// HandleInterrupt acknowledges the device's pending interrupts and
// dispatches them to dev. It returns the status bits it handled.
func (t *Transport) HandleInterrupt(dev *virtio.Device) uint32 {
	status := t.read32(VIRTIO_MMIO_INTERRUPT_STATUS)
	if status == 0 {
		return 0
	}
	t.write32(VIRTIO_MMIO_INTERRUPT_ACK, status)
	if status&VIRTIO_MMIO_INT_CONFIG != 0 {
		dev.OnConfigChanged()
	}
	if status&VIRTIO_MMIO_INT_VRING != 0 {
		dev.HandleQueueInterrupt()
	}
	return status
}

// SharedMemoryRegion reads the location of shared memory region id. It
// reports false when the device has no such region.
func (t *Transport) SharedMemoryRegion(id uint8) (base, length uint64, ok bool) {
	if t.version == 1 {
		return 0, 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.write32(VIRTIO_MMIO_SHM_SEL, uint32(id))
	length = uint64(t.read32(VIRTIO_MMIO_SHM_LEN_LOW)) | uint64(t.read32(VIRTIO_MMIO_SHM_LEN_HIGH))<<32
	if length == ^uint64(0) {
		return 0, 0, false
	}
	base = uint64(t.read32(VIRTIO_MMIO_SHM_BASE_LOW)) | uint64(t.read32(VIRTIO_MMIO_SHM_BASE_HIGH))<<32
	return base, length, true
}

func (t *Transport) read32(offset uint64) uint32 {
	var buf [4]byte
	if err := t.regs.ReadMMIO(t.base+offset, buf[:]); err != nil {
		t.log.Error("virtio-mmio: register read failed", "offset", fmt.Sprintf("%#x", offset), "err", err)
		return 0
	}
	return LittleEndianValue(buf[:], 4)
}

func (t *Transport) write32(offset uint64, value uint32) {
	var buf [4]byte
	StoreLittleEndian(buf[:], 4, value)
	if err := t.regs.WriteMMIO(t.base+offset, buf[:]); err != nil {
		t.log.Error("virtio-mmio: register write failed", "offset", fmt.Sprintf("%#x", offset), "value", value, "err", err)
	}
}

func (t *Transport) write64(low, high uint64, value uint64) {
	t.write32(low, uint32(value))
	t.write32(high, uint32(value>>32))
}
