package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/subcommands"
	"github.com/pkg/profile"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/virtq/internal/dma"
	"github.com/tinyrange/virtq/internal/virtio"
	"github.com/tinyrange/virtq/internal/virtio/vdev"
)

type benchCmd struct {
	n          int
	size       int
	queueSize  uint
	version    uint
	eventIdx   bool
	profileDir string
	debug      bool
}

func (*benchCmd) Name() string     { return "bench" }
func (*benchCmd) Synopsis() string { return "measure echo round trips through one queue" }
func (*benchCmd) Usage() string {
	return "bench [-n requests] [-size bytes] [-queue-size n] [-version 1|2] [-event-idx] [-profile dir]\n"
}

func (c *benchCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.n, "n", 100000, "number of requests")
	f.IntVar(&c.size, "size", 512, "request size in bytes")
	f.UintVar(&c.queueSize, "queue-size", 256, "queue size")
	f.UintVar(&c.version, "version", 2, "virtio-mmio transport version")
	f.BoolVar(&c.eventIdx, "event-idx", true, "negotiate event index notifications")
	f.StringVar(&c.profileDir, "profile", "", "write a CPU profile to this directory")
	f.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

func (c *benchCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	level := slog.LevelWarn
	if c.debug {
		level = slog.LevelDebug
	}
	log := newLogger(os.Stderr, level)

	if c.n <= 0 || c.size <= 0 {
		return failure(log, "invalid flags", fmt.Errorf("-n and -size must be positive"))
	}
	if c.profileDir != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(c.profileDir), profile.Quiet).Stop()
	}

	elapsed, err := c.run(ctx, log)
	if err != nil {
		return failure(log, "benchmark failed", err)
	}
	bytes := float64(c.n) * float64(c.size)
	fmt.Printf("%d requests of %d bytes in %v: %.0f req/s, %.1f MiB/s\n",
		c.n, c.size, elapsed.Round(time.Millisecond),
		float64(c.n)/elapsed.Seconds(),
		bytes/elapsed.Seconds()/(1<<20))
	return subcommands.ExitSuccess
}

func (c *benchCmd) run(ctx context.Context, log *slog.Logger) (time.Duration, error) {
	space := dma.NewSpace(dma.DefaultBase)

	var features uint64
	if c.eventIdx {
		features |= virtio.Bit(virtio.FeatureRingEventIdx)
	}
	vd, err := vdev.New(space, vdev.Config{
		Base:       0x0a00_0000,
		Version:    uint32(c.version),
		Type:       vdev.EchoDevice,
		Features:   features,
		QueueSizes: []uint16{uint16(c.queueSize)},
		Handler:    vdev.Echo(),
		Logger:     log,
	})
	if err != nil {
		return 0, err
	}
	dev, _, err := vdev.Attach(vd, space, log, virtio.WithName("bench"))
	if err != nil {
		return 0, err
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.Default(int64(c.n))
		defer bar.Close()
	}

	done := make(chan struct{})
	completed := 0
	dev.Reset()
	if err := dev.Negotiate(features); err != nil {
		return 0, err
	}
	qs, err := dev.InstallQueues([]virtio.QueueSpec{{
		Name: "echo",
		Size: uint32(c.queueSize),
		Callback: func(q *virtio.Virtqueue) {
			for {
				_, ok, err := q.Reap()
				if err != nil {
					log.Error("reap failed", "error", err)
					return
				}
				if !ok {
					return
				}
				completed++
				if bar != nil {
					bar.Add(1)
				}
				if completed == c.n {
					close(done)
				}
			}
		},
	}})
	if err != nil {
		return 0, err
	}
	dev.MarkReady()
	q := qs[0]

	// Each chain is a request buffer followed by a response buffer.
	slots := q.Capacity() / 2
	stride := (c.size + 63) &^ 63
	buffers, err := space.Alloc(slots*2*stride, 64)
	if err != nil {
		return 0, err
	}
	defer buffers.Free()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return vd.Run(gctx) })

	start := time.Now()
	for i := 0; i < c.n; {
		slot := (i % slots) * 2 * stride
		dev.Lock()
		err := virtio.ErrQueueFull
		if q.Prepare(2) {
			if _, err = q.Enqueue(buffers.Slice(slot, c.size), virtio.Outbound); err == nil {
				if _, err = q.Enqueue(buffers.Slice(slot+stride, c.size), virtio.Inbound); err != nil {
					dev.Unlock()
					return 0, fmt.Errorf("response buffer: %w", err)
				}
				q.KickIfNeeded()
				i++
			}
		}
		dev.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, virtio.ErrQueueFull), errors.Is(err, virtio.ErrBufferInFlight):
			time.Sleep(10 * time.Microsecond)
		default:
			return 0, err
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	elapsed := time.Since(start)

	if err := dev.Release(ctx); err != nil {
		return 0, err
	}
	cancel()
	if err := g.Wait(); !errors.Is(err, context.Canceled) {
		return 0, err
	}
	return elapsed, nil
}
