package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyrange/virtq/internal/trace"
)

// maxConfigRetries bounds ReadConfig's wait for a stable generation.
const maxConfigRetries = 64

// Option configures a Device.
type Option func(*Device)

// WithLocker replaces the device lock.
func WithLocker(l Locker) Option {
	return func(d *Device) { d.lock = l }
}

// WithLogger sets the logger. The device adds its own name attribute.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithTrace records ring activity to r.
func WithTrace(r *trace.Recorder) Option {
	return func(d *Device) { d.recorder = r }
}

// WithName overrides the name used in logs and traces.
func WithName(name string) Option {
	return func(d *Device) { d.name = name }
}

// WithID records the device and vendor IDs read by the transport.
func WithID(id DeviceID) Option {
	return func(d *Device) { d.id = id }
}

// WithDrainTimeout bounds how long releasing a queue waits for in-flight
// descriptors. Zero waits until the context is done.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(d *Device) { d.drainTimeout = timeout }
}

// WithConfigChanged sets the handler for configuration change interrupts.
func WithConfigChanged(fn func(*Device)) Option {
	return func(d *Device) { d.SetConfigChanged(fn) }
}

// Device runs the status handshake and owns the queues of one device.
//
// Lifecycle operations (Reset, Negotiate, InstallQueues, MarkReady,
// ReleaseQueues) run in thread context and are not reentrant. Interrupt
// dispatch may run concurrently; it takes the device lock.
type Device struct {
	id         DeviceID
	name       string
	transport  Transport
	translator Translator
	lock       Locker
	log        *slog.Logger
	recorder   *trace.Recorder
	trace      *trace.Source

	drainTimeout  time.Duration
	// configChanged is set by the bus while the interrupt path may read it.
	configChanged atomic.Pointer[func(*Device)]

	features   uint64
	negotiated bool
	driverOK   atomic.Bool
	broken     atomic.Bool

	queues []*Virtqueue
}

// NewDevice wraps a transport. Buffers handed to the device's queues are
// translated to physical addresses with tr.
func NewDevice(t Transport, tr Translator, opts ...Option) *Device {
	d := &Device{
		transport:  t,
		translator: tr,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.lock == nil {
		d.lock = defaultLocker()
	}
	if d.name == "" {
		d.name = "virtio-" + d.id.Type().String()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("device", d.name)
	if d.recorder != nil {
		d.trace = d.recorder.Source(d.name)
	}
	return d
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// ID returns the device and vendor IDs.
func (d *Device) ID() DeviceID { return d.id }

// Transport returns the underlying transport.
func (d *Device) Transport() Transport { return d.transport }

// Lock takes the device lock. Queue operations outside a Callback must be
// made with it held.
func (d *Device) Lock() { d.lock.Lock() }

// Unlock releases the device lock.
func (d *Device) Unlock() { d.lock.Unlock() }

// Status reads the status register.
func (d *Device) Status() Status { return d.transport.Status() }

// HasStatus reports whether every bit of s is set.
func (d *Device) HasStatus(s Status) bool { return d.transport.Status().Has(s) }

// Features returns the negotiated feature set.
func (d *Device) Features() uint64 { return d.features }

// HasFeature reports whether feature bit n was negotiated.
func (d *Device) HasFeature(n uint) bool { return HasFeature(d.features, n) }

// Queues returns the installed queues in index order.
func (d *Device) Queues() []*Virtqueue {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]*Virtqueue(nil), d.queues...)
}

// Queue returns the installed queue with the given index.
func (d *Device) Queue(index uint32) *Virtqueue {
	d.lock.Lock()
	defer d.lock.Unlock()
	if int(index) >= len(d.queues) {
		return nil
	}
	return d.queues[index]
}

// Reset writes zero to the status register and forgets everything
// negotiated. Installed queues are destroyed and their memory released.
// Reset is idempotent.
func (d *Device) Reset() {
	d.transport.SetStatus(0)
	d.trace.Record(trace.KindStatus, 0, 0, 0)

	d.lock.Lock()
	queues := d.queues
	d.queues = nil
	for _, q := range queues {
		q.state = QueueDestroyed
	}
	d.lock.Unlock()

	for _, q := range queues {
		if err := d.transport.ReleaseQueue(q.index); err != nil {
			d.log.Warn("virtio: release queue after reset", "queue", q.name, "err", err)
		}
	}

	d.features = 0
	d.negotiated = false
	d.driverOK.Store(false)
	d.broken.Store(false)
}

// AddStatus ORs s into the status register.
func (d *Device) AddStatus(s Status) {
	status := d.transport.Status() | s
	d.transport.SetStatus(status)
	d.trace.Record(trace.KindStatus, 0, uint64(status), 0)
	if s&StatusFailed != 0 {
		d.broken.Store(true)
	}
}

// Negotiate runs the feature handshake. The accepted set is the device's
// offer intersected with driverSupported, plus every transport-reserved bit
// the device offers. When VERSION_1 is accepted the device must confirm
// FEATURES_OK. Any rejection marks the device FAILED.
func (d *Device) Negotiate(driverSupported uint64) error {
	if status := d.transport.Status(); status.Broken() {
		return &NegotiationError{Status: status, Err: ErrDeviceFailed}
	}
	d.AddStatus(StatusAcknowledge)
	d.AddStatus(StatusDriver)

	offered := d.transport.DeviceFeatures()
	accepted := offered&driverSupported | transportFeatures(offered)
	accepted &^= Bit(FeatureRingPacked)
	if _, ok := d.transport.(DataNotifier); !ok {
		accepted &^= Bit(FeatureNotificationData)
	}
	d.trace.Record(trace.KindFeatures, 0, offered, accepted)

	fail := func(err error) error {
		d.AddStatus(StatusFailed)
		nerr := &NegotiationError{
			Offered:  offered,
			Accepted: accepted,
			Status:   d.transport.Status(),
			Err:      err,
		}
		d.log.Error("virtio: feature negotiation failed", "err", nerr)
		return nerr
	}

	if err := d.transport.SetDriverFeatures(accepted); err != nil {
		return fail(err)
	}
	if HasFeature(accepted, FeatureVersion1) {
		d.AddStatus(StatusFeaturesOK)
		if !d.transport.Status().Has(StatusFeaturesOK) {
			return fail(ErrFeaturesRejected)
		}
	}

	d.features = accepted
	d.negotiated = true
	d.log.Debug("virtio: features negotiated",
		"offered", FeatureString(offered),
		"accepted", FeatureString(accepted))
	return nil
}

// QueueSpec describes one queue to install.
type QueueSpec struct {
	Name string
	// Size is the requested number of descriptors; zero picks the largest
	// size allowed.
	Size uint32
	// Callback runs when the queue has completions. Queues without one start
	// with interrupts disabled.
	Callback Callback
}

// InstallQueues installs specs as queues 0..len(specs)-1. Either every
// queue is installed or none is.
func (d *Device) InstallQueues(specs []QueueSpec) ([]*Virtqueue, error) {
	if !d.negotiated {
		return nil, ErrNotNegotiated
	}
	if d.broken.Load() {
		return nil, ErrDeviceFailed
	}
	if HasFeature(d.features, FeatureRingPacked) {
		return nil, ErrPackedRing
	}
	d.lock.Lock()
	busy := len(d.queues) != 0
	d.lock.Unlock()
	if busy {
		return nil, fmt.Errorf("%w: queues already installed", ErrQueueUnavailable)
	}

	installed := make([]*Virtqueue, 0, len(specs))
	for i, spec := range specs {
		index := uint32(i)
		mem, err := d.transport.InstallQueue(index, spec.Size)
		if err != nil {
			for j := len(installed) - 1; j >= 0; j-- {
				q := installed[j]
				q.state = QueueDestroyed
				if rerr := d.transport.ReleaseQueue(q.index); rerr != nil {
					d.log.Warn("virtio: roll back queue", "queue", q.name, "err", rerr)
				}
			}
			ierr := &InstallError{Index: index, Name: spec.Name, Err: err}
			d.log.Error("virtio: install queues", "err", ierr)
			return nil, ierr
		}
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("vq%d", i)
		}
		installed = append(installed, newVirtqueue(d, index, name, mem, spec.Callback))
		d.log.Debug("virtio: queue installed", "queue", name, "size", mem.Size(), "max", mem.MaxSize)
	}

	d.lock.Lock()
	d.queues = installed
	d.lock.Unlock()
	return append([]*Virtqueue(nil), installed...), nil
}

// MarkReady sets DRIVER_OK. Doorbells held back before this point are rung
// now.
func (d *Device) MarkReady() {
	if d.transport.Status().Has(StatusDriverOK) {
		d.log.Warn("virtio: DRIVER_OK already set")
	} else {
		d.AddStatus(StatusDriverOK)
	}
	d.driverOK.Store(true)

	d.lock.Lock()
	defer d.lock.Unlock()
	for _, q := range d.queues {
		if q.ring.unnotified() {
			q.Notify()
		}
	}
}

// OnConfigChanged handles a configuration change interrupt. A device that
// raised NEEDS_RESET is marked failed before the handler runs.
func (d *Device) OnConfigChanged() {
	if d.transport.Status().Has(StatusNeedsReset) {
		d.broken.Store(true)
		d.log.Error("virtio: device needs reset")
	}
	if fn := d.configChanged.Load(); fn != nil && *fn != nil {
		(*fn)(d)
	}
}

// SetConfigChanged replaces the configuration change handler.
// It is safe to call while interrupts are being dispatched.
func (d *Device) SetConfigChanged(fn func(*Device)) { d.configChanged.Store(&fn) }

// HandleQueueInterrupt dispatches a used-buffer interrupt to every queue
// with completions. Callbacks run with the device locked.
func (d *Device) HandleQueueInterrupt() {
	d.trace.Record(trace.KindInterrupt, 0, 1, 0)
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, q := range d.queues {
		q.interrupt()
	}
}

// ReadConfig reads device configuration, retrying until the configuration
// generation is the same before and after the read.
func (d *Device) ReadConfig(offset uint32, buf []byte) error {
	for i := 0; i < maxConfigRetries; i++ {
		before := d.transport.Generation()
		if err := d.transport.ReadConfig(offset, buf); err != nil {
			return err
		}
		if d.transport.Generation() == before {
			return nil
		}
	}
	return ErrConfigUnstable
}

// WriteConfig writes device configuration.
func (d *Device) WriteConfig(offset uint32, buf []byte) error {
	return d.transport.WriteConfig(offset, buf)
}

// ReleaseQueues drains every queue, then disables it and frees its memory.
// All queues are released even if some fail to drain; the first error is
// returned.
func (d *Device) ReleaseQueues(ctx context.Context) error {
	d.lock.Lock()
	queues := append([]*Virtqueue(nil), d.queues...)
	d.lock.Unlock()

	var errs []error
	for _, q := range queues {
		if err := d.drain(ctx, q); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		// The device still owns descriptors; stop it before freeing the
		// memory they live in.
		d.log.Warn("virtio: resetting device with descriptors in flight")
		d.transport.SetStatus(0)
		d.driverOK.Store(false)
	}
	for _, q := range queues {
		d.lock.Lock()
		q.state = QueueDestroyed
		d.lock.Unlock()
		if err := d.transport.ReleaseQueue(q.index); err != nil {
			errs = append(errs, fmt.Errorf("virtio: release queue %s: %w", q.name, err))
		}
	}

	d.lock.Lock()
	d.queues = nil
	d.lock.Unlock()
	return errors.Join(errs...)
}

// Release drains and releases every queue and resets the device.
func (d *Device) Release(ctx context.Context) error {
	err := d.ReleaseQueues(ctx)
	d.Reset()
	return err
}
