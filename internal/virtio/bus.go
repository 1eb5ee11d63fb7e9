package virtio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/sync"
)

// Driver is a front-end for one or more device types.
type Driver struct {
	Name string
	// IDs lists the devices the driver binds to; AnyID is a wildcard.
	IDs []DeviceID
	// Features is the set of device-specific features the driver supports.
	Features uint64
	// Probe installs queues and prepares the device. If it returns without
	// calling MarkReady, the bus does.
	Probe func(dev *Device) error
	// Remove runs before the device's queues are released.
	Remove func(dev *Device)
	// ConfigChanged handles configuration change interrupts.
	ConfigChanged func(dev *Device)
}

func (drv *Driver) matches(id DeviceID) bool {
	for _, pattern := range drv.IDs {
		if id.Matches(pattern) {
			return true
		}
	}
	return false
}

// Bus binds devices to drivers.
type Bus struct {
	mu      sync.Mutex
	log     *slog.Logger
	drivers []*Driver
	devices []*Device
	bound   map[*Device]*Driver
}

// NewBus returns an empty bus logging to log (slog.Default if nil).
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:   log,
		bound: make(map[*Device]*Driver),
	}
}

// RegisterDriver adds drv and probes it against every unbound device.
func (b *Bus) RegisterDriver(drv *Driver) error {
	if drv.Probe == nil {
		return fmt.Errorf("virtio: driver %q has no probe function", drv.Name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.drivers = append(b.drivers, drv)
	var errs []error
	for _, dev := range b.devices {
		if _, ok := b.bound[dev]; ok || !drv.matches(dev.ID()) {
			continue
		}
		if err := b.probe(dev, drv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AddDevice resets dev, acknowledges it and binds the first matching
// driver. A device with no matching driver stays on the bus, acknowledged.
func (b *Bus) AddDevice(dev *Device) error {
	dev.Reset()
	dev.AddStatus(StatusAcknowledge)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = append(b.devices, dev)
	for _, drv := range b.drivers {
		if drv.matches(dev.ID()) {
			return b.probe(dev, drv)
		}
	}
	b.log.Debug("virtio: no driver for device", "device", dev.Name(), "id", dev.ID())
	return nil
}

// RemoveDevice unbinds dev, releases its queues and resets it.
func (b *Bus) RemoveDevice(ctx context.Context, dev *Device) error {
	b.mu.Lock()
	drv := b.bound[dev]
	delete(b.bound, dev)
	for i, d := range b.devices {
		if d == dev {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if drv != nil && drv.Remove != nil {
		drv.Remove(dev)
	}
	return dev.Release(ctx)
}

// DriverFor returns the driver bound to dev, if any.
func (b *Bus) DriverFor(dev *Device) *Driver {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bound[dev]
}

func (b *Bus) probe(dev *Device, drv *Driver) error {
	if err := dev.Negotiate(drv.Features); err != nil {
		return fmt.Errorf("virtio: probe %s with %s: %w", dev.Name(), drv.Name, err)
	}
	if drv.ConfigChanged != nil {
		dev.SetConfigChanged(drv.ConfigChanged)
	}
	if err := drv.Probe(dev); err != nil {
		// Stop the device and free whatever queues the probe installed,
		// then leave it marked failed.
		dev.Reset()
		dev.AddStatus(StatusFailed)
		b.log.Error("virtio: driver probe failed", "device", dev.Name(), "driver", drv.Name, "err", err)
		return fmt.Errorf("virtio: probe %s with %s: %w", dev.Name(), drv.Name, err)
	}
	if !dev.HasStatus(StatusDriverOK) {
		dev.MarkReady()
	}
	b.bound[dev] = drv
	b.log.Debug("virtio: device bound", "device", dev.Name(), "driver", drv.Name, "status", dev.Status())
	return nil
}
