// Package vdev emulates virtio-mmio devices in process. The device side
// reads and writes ring memory directly through a dma.Space, which makes it
// usable as the other half of the driver in tests, benchmarks and the
// bring-up tool.
package vdev

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/virtq/internal/dma"
	"github.com/tinyrange/virtq/internal/virtio"
	"github.com/tinyrange/virtq/internal/virtio/mmio"
)

// Config describes an emulated device.
type Config struct {
	Base    uint64
	Version uint32
	Type    virtio.DeviceType
	Vendor  uint32
	// Features is the feature set offered to the driver.
	Features uint64
	// QueueSizes holds the maximum size of each queue.
	QueueSizes []uint16
	// ConfigSpace is the initial device configuration.
	ConfigSpace []byte
	// RejectFeatures makes the device refuse FEATURES_OK.
	RejectFeatures bool
	Handler        Handler
	Logger         *slog.Logger
}

// MMIODevice is an emulated virtio-mmio device.
//
// Register accesses and queue processing are serialised by an internal
// lock. Interrupts are delivered after that lock is released, so the
// interrupt handler may access registers.
type MMIODevice struct {
	cfg   Config
	space *dma.Space
	log   *slog.Logger

	mu sync.Mutex

	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64

	queueSel         uint32
	deviceStatus     uint32
	configGeneration uint32
	guestPageSize    uint32
	shmSel           uint32
	config           []byte
	// churn counts config reads that will each bump the generation.
	churn int

	queues []queue
	held   bool

	interruptStatus atomic.Uint32
	interrupts      atomic.Uint64
	onInterrupt     func()
	kick            chan struct{}
}

var _ mmio.Registers = (*MMIODevice)(nil)

// New returns an emulated device whose ring memory lives in space.
func New(space *dma.Space, cfg Config) (*MMIODevice, error) {
	if cfg.Version == 0 {
		cfg.Version = 2
	}
	if cfg.Version > 2 {
		return nil, fmt.Errorf("vdev: unsupported mmio version %d", cfg.Version)
	}
	if len(cfg.QueueSizes) == 0 {
		return nil, fmt.Errorf("vdev: device must expose at least one queue")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("vdev: device requires a handler")
	}
	if cfg.Version == 2 {
		cfg.Features |= virtio.Bit(virtio.FeatureVersion1)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &MMIODevice{
		cfg:    cfg,
		space:  space,
		log:    log.With("vdev", cfg.Type.String()),
		queues: make([]queue, len(cfg.QueueSizes)),
		kick:   make(chan struct{}, 1),
	}
	for i, size := range cfg.QueueSizes {
		if size == 0 {
			return nil, fmt.Errorf("vdev: queue %d has zero max size", i)
		}
		d.queues[i].maxSize = size
	}
	d.reset()
	return d, nil
}

// Base returns the address of the register window.
func (d *MMIODevice) Base() uint64 { return d.cfg.Base }

// SetInterruptHandler installs the function called when the device raises
// an interrupt. It runs without any device lock held.
func (d *MMIODevice) SetInterruptHandler(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onInterrupt = fn
}

// Interrupts returns the number of interrupts raised.
func (d *MMIODevice) Interrupts() uint64 { return d.interrupts.Load() }

// Status returns the device status as the device sees it.
func (d *MMIODevice) Status() virtio.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return virtio.Status(d.deviceStatus)
}

// DriverFeatures returns the features the driver accepted.
func (d *MMIODevice) DriverFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverFeatures
}

// SetConfig updates device configuration, bumps the generation and raises
// a configuration change interrupt.
func (d *MMIODevice) SetConfig(offset int, data []byte) {
	d.mu.Lock()
	if need := offset + len(data); need > len(d.config) {
		d.config = append(d.config, make([]byte, need-len(d.config))...)
	}
	copy(d.config[offset:], data)
	d.configGeneration++
	fire := d.raiseLocked(mmio.VIRTIO_MMIO_INT_CONFIG)
	d.mu.Unlock()
	d.deliver(fire)
}

// ChurnConfig makes each of the next n configuration reads change the
// generation, as a device updating its configuration concurrently would.
func (d *MMIODevice) ChurnConfig(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.churn = n
}

// Fail sets NEEDS_RESET and raises a configuration change interrupt.
func (d *MMIODevice) Fail() {
	d.mu.Lock()
	d.deviceStatus |= uint32(virtio.StatusNeedsReset)
	fire := d.raiseLocked(mmio.VIRTIO_MMIO_INT_CONFIG)
	d.mu.Unlock()
	d.deliver(fire)
}

// Hold stops the device from completing chains. Notifications are still
// counted. Releasing the hold does not process anything by itself.
func (d *MMIODevice) Hold(held bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held = held
}

// SuppressNotifications asks the driver not to notify for queue index.
func (d *MMIODevice) SuppressNotifications(index int, suppress bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= len(d.queues) {
		return
	}
	q := &d.queues[index]
	q.suppress = suppress
	q.publishNotifyState(d.eventIdx())
}

// Notifications returns how many times the driver notified queue index.
func (d *MMIODevice) Notifications(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= len(d.queues) {
		return 0
	}
	return d.queues[index].notifications
}

// NotifiedAvail returns the available index the driver passed with its last
// notification of queue index. It is only set with NOTIFICATION_DATA.
func (d *MMIODevice) NotifiedAvail(index int) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= len(d.queues) {
		return 0
	}
	return d.queues[index].notifiedAvail
}

// Completed returns the number of chains the device returned on queue
// index since it was last made ready.
func (d *MMIODevice) Completed(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index >= len(d.queues) {
		return 0
	}
	return int(d.queues[index].usedIdx)
}

// Poll processes every available chain on every ready queue and raises an
// interrupt if the driver asked for one. It returns the number of chains
// completed.
func (d *MMIODevice) Poll() (int, error) {
	d.mu.Lock()
	n, fire, err := d.processLocked()
	d.mu.Unlock()
	d.deliver(fire)
	return n, err
}

// Run processes queues whenever the driver notifies until ctx is done.
func (d *MMIODevice) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.kick:
		}
		if _, err := d.Poll(); err != nil {
			d.log.Error("vdev: queue processing failed", "err", err)
			return err
		}
	}
}

func (d *MMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if err := d.checkMMIOBounds(addr, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("vdev: unsupported MMIO write length %d", len(data))
	}
	offset := addr - d.cfg.Base
	if offset >= mmio.VIRTIO_MMIO_CONFIG {
		d.mu.Lock()
		fire := d.writeConfigLocked(int(offset-mmio.VIRTIO_MMIO_CONFIG), data)
		d.mu.Unlock()
		d.deliver(fire)
		return nil
	}
	value := mmio.LittleEndianValue(data, uint32(len(data)))

	d.mu.Lock()
	fire, err := d.writeRegister(offset, value)
	d.mu.Unlock()
	d.deliver(fire)
	return err
}

func (d *MMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if err := d.checkMMIOBounds(addr, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("vdev: unsupported MMIO read length %d", len(data))
	}
	offset := addr - d.cfg.Base

	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= mmio.VIRTIO_MMIO_CONFIG {
		d.readConfigLocked(int(offset-mmio.VIRTIO_MMIO_CONFIG), data)
		return nil
	}
	mmio.StoreLittleEndian(data, uint32(len(data)), d.readRegister(offset))
	return nil
}

func (d *MMIODevice) checkMMIOBounds(addr, length uint64) error {
	if addr < d.cfg.Base || addr+length > d.cfg.Base+mmio.RegionSize {
		return fmt.Errorf("vdev: mmio access outside region base=%#x addr=%#x length=%#x", d.cfg.Base, addr, length)
	}
	return nil
}

func (d *MMIODevice) writeRegister(offset uint64, value uint32) (bool, error) {
	switch offset {
	case mmio.VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		d.deviceFeatureSel = value
	case mmio.VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		d.driverFeatureSel = value
	case mmio.VIRTIO_MMIO_DRIVER_FEATURES:
		switch d.driverFeatureSel {
		case 0:
			d.driverFeatures = d.driverFeatures&^0xffffffff | uint64(value)
		case 1:
			d.driverFeatures = d.driverFeatures&0xffffffff | uint64(value)<<32
		}
	case mmio.VIRTIO_MMIO_GUEST_PAGE_SIZE:
		d.guestPageSize = value
	case mmio.VIRTIO_MMIO_QUEUE_SEL:
		d.queueSel = value
	case mmio.VIRTIO_MMIO_SHM_SEL:
		d.shmSel = value
	case mmio.VIRTIO_MMIO_QUEUE_NUM:
		if q := d.currentQueue(); q != nil {
			if value > uint32(q.maxSize) {
				return false, fmt.Errorf("vdev: queue size %d exceeds maximum %d", value, q.maxSize)
			}
			q.size = uint16(value)
		}
	case mmio.VIRTIO_MMIO_QUEUE_ALIGN:
		if q := d.currentQueue(); q != nil {
			q.align = value
		}
	case mmio.VIRTIO_MMIO_QUEUE_PFN:
		if q := d.currentQueue(); q != nil {
			if value == 0 {
				q.reset()
				return false, nil
			}
			return false, d.activateLegacy(q, value)
		}
	case mmio.VIRTIO_MMIO_QUEUE_READY:
		if q := d.currentQueue(); q != nil {
			if value&1 == 0 {
				q.reset()
				return false, nil
			}
			return false, d.activate(q)
		}
	case mmio.VIRTIO_MMIO_QUEUE_DESC_LOW:
		if q := d.currentQueue(); q != nil {
			q.descAddr = q.descAddr&^0xffffffff | uint64(value)
		}
	case mmio.VIRTIO_MMIO_QUEUE_DESC_HIGH:
		if q := d.currentQueue(); q != nil {
			q.descAddr = q.descAddr&0xffffffff | uint64(value)<<32
		}
	case mmio.VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		if q := d.currentQueue(); q != nil {
			q.availAddr = q.availAddr&^0xffffffff | uint64(value)
		}
	case mmio.VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		if q := d.currentQueue(); q != nil {
			q.availAddr = q.availAddr&0xffffffff | uint64(value)<<32
		}
	case mmio.VIRTIO_MMIO_QUEUE_USED_LOW:
		if q := d.currentQueue(); q != nil {
			q.usedAddr = q.usedAddr&^0xffffffff | uint64(value)
		}
	case mmio.VIRTIO_MMIO_QUEUE_USED_HIGH:
		if q := d.currentQueue(); q != nil {
			q.usedAddr = q.usedAddr&0xffffffff | uint64(value)<<32
		}
	case mmio.VIRTIO_MMIO_QUEUE_NOTIFY:
		index := value
		if virtio.HasFeature(d.driverFeatures, virtio.FeatureNotificationData) {
			index = value & 0xffff
		}
		if int(index) < len(d.queues) {
			d.queues[index].notifications++
			d.queues[index].notifiedAvail = uint16(value >> 16)
		}
		select {
		case d.kick <- struct{}{}:
		default:
		}
	case mmio.VIRTIO_MMIO_INTERRUPT_ACK:
		for {
			prev := d.interruptStatus.Load()
			if d.interruptStatus.CompareAndSwap(prev, prev&^value) {
				break
			}
		}
	case mmio.VIRTIO_MMIO_STATUS:
		d.writeStatus(virtio.Status(value))
	default:
		d.log.Debug("vdev: write to unknown register", "offset", fmt.Sprintf("%#x", offset), "value", value)
	}
	return false, nil
}

func (d *MMIODevice) writeStatus(status virtio.Status) {
	if status == 0 {
		d.reset()
		return
	}
	old := virtio.Status(d.deviceStatus)
	if status.Has(virtio.StatusFeaturesOK) && !old.Has(virtio.StatusFeaturesOK) {
		if d.cfg.RejectFeatures || d.driverFeatures&^d.cfg.Features != 0 {
			d.log.Debug("vdev: refusing FEATURES_OK", "features", virtio.FeatureString(d.driverFeatures))
			status &^= virtio.StatusFeaturesOK
		}
	}
	// NEEDS_RESET belongs to the device; the driver cannot clear it.
	status |= old & virtio.StatusNeedsReset
	d.deviceStatus = uint32(status)
}

func (d *MMIODevice) readRegister(offset uint64) uint32 {
	switch offset {
	case mmio.VIRTIO_MMIO_MAGIC_VALUE:
		return mmio.MagicValue
	case mmio.VIRTIO_MMIO_VERSION:
		return d.cfg.Version
	case mmio.VIRTIO_MMIO_DEVICE_ID:
		return uint32(d.cfg.Type)
	case mmio.VIRTIO_MMIO_VENDOR_ID:
		return d.cfg.Vendor
	case mmio.VIRTIO_MMIO_DEVICE_FEATURES:
		switch d.deviceFeatureSel {
		case 0:
			return uint32(d.cfg.Features)
		case 1:
			return uint32(d.cfg.Features >> 32)
		}
		return 0
	case mmio.VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		return d.deviceFeatureSel
	case mmio.VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		return d.driverFeatureSel
	case mmio.VIRTIO_MMIO_QUEUE_SEL:
		return d.queueSel
	case mmio.VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := d.currentQueue(); q != nil {
			return uint32(q.maxSize)
		}
		return 0
	case mmio.VIRTIO_MMIO_QUEUE_NUM:
		if q := d.currentQueue(); q != nil {
			return uint32(q.size)
		}
		return 0
	case mmio.VIRTIO_MMIO_QUEUE_PFN:
		if q := d.currentQueue(); q != nil {
			return q.pfn
		}
		return 0
	case mmio.VIRTIO_MMIO_QUEUE_READY:
		if q := d.currentQueue(); q != nil && q.ready {
			return 1
		}
		return 0
	case mmio.VIRTIO_MMIO_INTERRUPT_STATUS:
		return d.interruptStatus.Load()
	case mmio.VIRTIO_MMIO_STATUS:
		return d.deviceStatus
	case mmio.VIRTIO_MMIO_SHM_SEL:
		return d.shmSel
	case mmio.VIRTIO_MMIO_SHM_LEN_LOW, mmio.VIRTIO_MMIO_SHM_LEN_HIGH,
		mmio.VIRTIO_MMIO_SHM_BASE_LOW, mmio.VIRTIO_MMIO_SHM_BASE_HIGH:
		// ~0 length means no shared memory region.
		return 0xffffffff
	case mmio.VIRTIO_MMIO_CONFIG_GENERATION:
		if d.cfg.Version == 1 {
			return 0
		}
		return d.configGeneration
	}
	return 0
}

func (d *MMIODevice) readConfigLocked(off int, data []byte) {
	for i := range data {
		if off+i < len(d.config) {
			data[i] = d.config[off+i]
		} else {
			data[i] = 0
		}
	}
	if d.churn > 0 {
		d.churn--
		d.configGeneration++
	}
}

func (d *MMIODevice) writeConfigLocked(off int, data []byte) bool {
	if off+len(data) > len(d.config) {
		d.log.Debug("vdev: config write outside config space", "offset", off, "length", len(data))
		return false
	}
	copy(d.config[off:], data)
	d.configGeneration++
	return d.raiseLocked(mmio.VIRTIO_MMIO_INT_CONFIG)
}

func (d *MMIODevice) reset() {
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	d.deviceStatus = 0
	d.shmSel = 0
	d.interruptStatus.Store(0)
	d.configGeneration = 0
	d.config = append([]byte(nil), d.cfg.ConfigSpace...)
	for i := range d.queues {
		d.queues[i].reset()
	}
}

func (d *MMIODevice) currentQueue() *queue {
	if int(d.queueSel) >= len(d.queues) {
		return nil
	}
	return &d.queues[d.queueSel]
}

func (d *MMIODevice) eventIdx() bool {
	return virtio.HasFeature(d.driverFeatures, virtio.FeatureRingEventIdx)
}

// raiseLocked sets interrupt status bits and reports whether the handler
// must be called once the lock is dropped.
func (d *MMIODevice) raiseLocked(bits uint32) bool {
	for {
		prev := d.interruptStatus.Load()
		if d.interruptStatus.CompareAndSwap(prev, prev|bits) {
			break
		}
	}
	d.interrupts.Add(1)
	return d.onInterrupt != nil
}

func (d *MMIODevice) deliver(fire bool) {
	if !fire {
		return
	}
	d.mu.Lock()
	fn := d.onInterrupt
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}
