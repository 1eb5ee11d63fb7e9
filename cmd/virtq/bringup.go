package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/virtq/internal/config"
	"github.com/tinyrange/virtq/internal/dma"
	"github.com/tinyrange/virtq/internal/trace"
	"github.com/tinyrange/virtq/internal/virtio"
	"github.com/tinyrange/virtq/internal/virtio/vdev"
)

// vendorBase tags each configured device with its own vendor ID so a driver
// can be bound to exactly one of them.
const vendorBase = 0x5154_0000

const exchangeTimeout = 5 * time.Second

type bringupCmd struct {
	configPath string
	debug      bool
}

func (*bringupCmd) Name() string { return "bringup" }

func (*bringupCmd) Synopsis() string {
	return "bring up the configured devices and exchange buffers with them"
}

func (*bringupCmd) Usage() string {
	return "bringup -config <file> [-debug]\n"
}

func (c *bringupCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "virtq.yaml", "device configuration file")
	f.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

func (c *bringupCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	log := newLogger(os.Stderr, slog.LevelInfo)
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return failure(log, "load config", err)
	}
	level, _ := cfg.Level()
	if c.debug {
		level = slog.LevelDebug
	}
	log = newLogger(os.Stderr, level)
	if err := bringup(ctx, log, cfg); err != nil {
		return failure(log, "bringup failed", err)
	}
	return subcommands.ExitSuccess
}

// unit is one configured device and its driver-side state.
type unit struct {
	cfg         config.Device
	vd          *vdev.MMIODevice
	dev         *virtio.Device
	log         *slog.Logger
	completions chan virtio.Completion
	bound       bool
}

func bringup(ctx context.Context, log *slog.Logger, cfg config.Config) error {
	var rec *trace.Recorder
	if cfg.TraceFile != "" {
		var err error
		if rec, err = trace.OpenFile(cfg.TraceFile); err != nil {
			return err
		}
		defer rec.Close()
	}

	space := dma.NewSpace(dma.DefaultBase)
	bus := virtio.NewBus(log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	var units []*unit
	for i, dc := range cfg.Devices {
		u, err := newUnit(space, log, rec, cfg, i)
		if err != nil {
			return err
		}
		units = append(units, u)
		g.Go(func() error {
			if err := u.vd.Run(gctx); !errors.Is(err, context.Canceled) {
				return fmt.Errorf("device %s: %w", dc.Name, err)
			}
			return nil
		})

		supported, _ := dc.SupportedFeatures()
		if err := bus.RegisterDriver(u.driver(supported, uint32(vendorBase+i))); err != nil {
			return err
		}
		if err := bus.AddDevice(u.dev); err != nil {
			log.Warn("device not bound", "device", dc.Name, "error", err)
			continue
		}
		u.bound = bus.DriverFor(u.dev) != nil
		log.Info("device ready",
			"device", dc.Name,
			"id", u.dev.ID(),
			"status", u.dev.Status(),
			"features", virtio.FeatureString(u.dev.Features()))
	}

	var errs []error
	for _, u := range units {
		if !u.bound {
			continue
		}
		if err := u.exercise(space, log); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", u.cfg.Name, err))
		}
	}

	for _, u := range units {
		if err := bus.RemoveDevice(ctx, u.dev); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", u.cfg.Name, err))
		}
	}
	cancel()
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func newUnit(space *dma.Space, log *slog.Logger, rec *trace.Recorder, cfg config.Config, i int) (*unit, error) {
	dc := cfg.Devices[i]
	offered, err := dc.OfferedFeatures()
	if err != nil {
		return nil, err
	}

	var (
		handler vdev.Handler
		typ     virtio.DeviceType
	)
	switch dc.Kind {
	case config.KindEntropy:
		handler, typ = vdev.Entropy(rand.Reader), virtio.DeviceEntropy
	default:
		handler, typ = vdev.Echo(), vdev.EchoDevice
	}

	sizes := make([]uint16, dc.Queues)
	for q := range sizes {
		sizes[q] = dc.QueueMax
	}
	vd, err := vdev.New(space, vdev.Config{
		Base:           cfg.Base(i),
		Version:        dc.MMIOVersion,
		Type:           typ,
		Vendor:         uint32(vendorBase + i),
		Features:       offered,
		QueueSizes:     sizes,
		RejectFeatures: dc.RejectFeatures,
		Handler:        handler,
		Logger:         log,
	})
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", dc.Name, err)
	}
	dev, _, err := vdev.Attach(vd, space, log,
		virtio.WithName(dc.Name),
		virtio.WithTrace(rec),
		virtio.WithDrainTimeout(cfg.DrainTimeout))
	if err != nil {
		return nil, err
	}
	return &unit{
		cfg:         dc,
		vd:          vd,
		dev:         dev,
		log:         log.With("device", dc.Name),
		completions: make(chan virtio.Completion, virtio.MaxQueueCapacity),
	}, nil
}

func (u *unit) driver(supported uint64, vendor uint32) *virtio.Driver {
	return &virtio.Driver{
		Name:     u.cfg.Kind + "-" + u.cfg.Name,
		IDs:      []virtio.DeviceID{{Device: u.dev.ID().Device, Vendor: vendor}},
		Features: supported,
		Probe: func(dev *virtio.Device) error {
			specs := make([]virtio.QueueSpec, u.cfg.Queues)
			for i := range specs {
				specs[i] = virtio.QueueSpec{
					Name:     fmt.Sprintf("%s.%d", u.cfg.Name, i),
					Size:     u.cfg.QueueSize,
					Callback: u.reap,
				}
			}
			_, err := dev.InstallQueues(specs)
			return err
		},
		ConfigChanged: func(dev *virtio.Device) {
			u.log.Info("configuration changed", "status", dev.Status())
		},
	}
}

// reap runs from the interrupt path with the device locked.
func (u *unit) reap(q *virtio.Virtqueue) {
	for {
		c, ok, err := q.Reap()
		if err != nil {
			u.log.Error("reap failed", "queue", q.Name(), "error", err)
			return
		}
		if !ok {
			return
		}
		select {
		case u.completions <- c:
		default:
			u.log.Warn("completion dropped", "queue", q.Name())
		}
	}
}

// exercise sends one request down every queue and checks the reply.
func (u *unit) exercise(space *dma.Space, log *slog.Logger) error {
	region, err := space.Alloc(4096, 64)
	if err != nil {
		return err
	}
	defer region.Free()

	for _, q := range u.dev.Queues() {
		var want []byte
		resp := region.Slice(2048, 64)
		u.dev.Lock()
		if u.cfg.Kind == config.KindEcho {
			want = []byte(fmt.Sprintf("hello from %s", q.Name()))
			req := region.Slice(0, len(want))
			copy(req, want)
			if _, err = q.Enqueue(req, virtio.Outbound); err == nil {
				_, err = q.Enqueue(resp[:len(want)], virtio.Inbound)
			}
		} else {
			_, err = q.Enqueue(resp[:32], virtio.Inbound)
		}
		if err == nil {
			q.Kick()
		}
		u.dev.Unlock()
		if err != nil {
			return fmt.Errorf("queue %s: %w", q.Name(), err)
		}

		select {
		case c := <-u.completions:
			got := c.Buffers[len(c.Buffers)-1][:c.Len]
			if want != nil && string(got) != string(want) {
				return fmt.Errorf("queue %s: echoed %q, want %q", q.Name(), got, want)
			}
			log.Info("exchange complete", "queue", q.Name(), "bytes", c.Len, "data", hex.EncodeToString(got))
		case <-time.After(exchangeTimeout):
			return fmt.Errorf("queue %s: no completion after %v", q.Name(), exchangeTimeout)
		}
	}
	return nil
}
