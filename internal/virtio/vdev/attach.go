package vdev

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/virtq/internal/dma"
	"github.com/tinyrange/virtq/internal/virtio"
	"github.com/tinyrange/virtq/internal/virtio/mmio"
)

// Attach probes vd over the mmio transport and wraps it in a driver-side
// virtio.Device whose buffers are translated through space. Interrupts
// raised by vd are dispatched to the returned device.
func Attach(vd *MMIODevice, space *dma.Space, log *slog.Logger, opts ...virtio.Option) (*virtio.Device, *mmio.Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	t, err := mmio.Probe(vd, vd.Base(), space, log)
	if err != nil {
		return nil, nil, fmt.Errorf("attach %s: %w", vd.cfg.Type, err)
	}
	opts = append([]virtio.Option{virtio.WithID(t.ID()), virtio.WithLogger(log)}, opts...)
	dev := virtio.NewDevice(t, space, opts...)
	vd.SetInterruptHandler(func() { t.HandleInterrupt(dev) })
	return dev, t, nil
}
