package mmio_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/virtq/internal/dma"
	"github.com/tinyrange/virtq/internal/virtio"
	"github.com/tinyrange/virtq/internal/virtio/mmio"
	"github.com/tinyrange/virtq/internal/virtio/vdev"
)

const testBase = 0x0a00_0000

type emptyWindow struct{}

func (emptyWindow) ReadMMIO(addr uint64, data []byte) error {
	clear(data)
	return nil
}

func (emptyWindow) WriteMMIO(uint64, []byte) error { return nil }

func newEcho(t *testing.T, space *dma.Space, version uint32, features uint64) *vdev.MMIODevice {
	t.Helper()
	vd, err := vdev.New(space, vdev.Config{
		Base:        testBase,
		Version:     version,
		Type:        vdev.EchoDevice,
		Vendor:      0x554d4551,
		Features:    features,
		QueueSizes:  []uint16{64, 16},
		ConfigSpace: []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80},
		Handler:     vdev.Echo(),
	})
	if err != nil {
		t.Fatalf("vdev.New failed: %v", err)
	}
	return vd
}

func TestProbe(t *testing.T) {
	space := dma.NewSpace(dma.DefaultBase)

	t.Run("NoMagic", func(t *testing.T) {
		if _, err := mmio.Probe(emptyWindow{}, testBase, space, nil); !errors.Is(err, mmio.ErrBadMagic) {
			t.Fatalf("Probe = %v, want ErrBadMagic", err)
		}
	})

	for _, version := range []uint32{1, 2} {
		t.Run(fmt.Sprintf("Version%d", version), func(t *testing.T) {
			vd := newEcho(t, space, version, 0)
			tr, err := mmio.Probe(vd, testBase, space, nil)
			if err != nil {
				t.Fatalf("Probe failed: %v", err)
			}
			if tr.Version() != version {
				t.Fatalf("version = %d, want %d", tr.Version(), version)
			}
			want := virtio.DeviceID{Device: uint32(vdev.EchoDevice), Vendor: 0x554d4551}
			if diff := cmp.Diff(want, tr.ID()); diff != "" {
				t.Fatalf("ID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFeatureWindows(t *testing.T) {
	space := dma.NewSpace(dma.DefaultBase)
	features := virtio.Bit(0) | virtio.Bit(31) | virtio.Bit(virtio.FeatureRingEventIdx)
	vd := newEcho(t, space, 2, features)
	tr, err := mmio.Probe(vd, testBase, space, nil)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	want := features | virtio.Bit(virtio.FeatureVersion1)
	if got := tr.DeviceFeatures(); got != want {
		t.Fatalf("DeviceFeatures = %s, want %s", virtio.FeatureString(got), virtio.FeatureString(want))
	}
	if err := tr.SetDriverFeatures(virtio.Bit(0)); !errors.Is(err, mmio.ErrModernFeatures) {
		t.Fatalf("SetDriverFeatures = %v, want ErrModernFeatures", err)
	}
	accepted := virtio.Bit(31) | virtio.Bit(virtio.FeatureVersion1)
	if err := tr.SetDriverFeatures(accepted); err != nil {
		t.Fatalf("SetDriverFeatures failed: %v", err)
	}
	if got := vd.DriverFeatures(); got != accepted {
		t.Fatalf("device saw %s, want %s", virtio.FeatureString(got), virtio.FeatureString(accepted))
	}
}

func TestConfigAccess(t *testing.T) {
	for _, version := range []uint32{1, 2} {
		t.Run(fmt.Sprintf("Version%d", version), func(t *testing.T) {
			space := dma.NewSpace(dma.DefaultBase)
			vd := newEcho(t, space, version, 0)
			tr, err := mmio.Probe(vd, testBase, space, nil)
			if err != nil {
				t.Fatalf("Probe failed: %v", err)
			}

			buf := make([]byte, 7)
			if err := tr.ReadConfig(1, buf); err != nil {
				t.Fatalf("ReadConfig failed: %v", err)
			}
			if diff := cmp.Diff([]byte{0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80}, buf); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}

			before := tr.Generation()
			if err := tr.WriteConfig(2, []byte{0xaa, 0xbb}); err != nil {
				t.Fatalf("WriteConfig failed: %v", err)
			}
			if err := tr.ReadConfig(0, buf[:4]); err != nil {
				t.Fatalf("ReadConfig failed: %v", err)
			}
			if !bytes.Equal(buf[:4], []byte{0x10, 0x20, 0xaa, 0xbb}) {
				t.Fatalf("config after write = %x", buf[:4])
			}
			if version == 1 {
				if tr.Generation() != 0 {
					t.Fatalf("legacy device reported a generation")
				}
			} else if tr.Generation() == before {
				t.Fatalf("generation unchanged after config write")
			}
		})
	}
}

func TestInstallQueue(t *testing.T) {
	space := dma.NewSpace(dma.DefaultBase)
	vd := newEcho(t, space, 2, 0)
	tr, err := mmio.Probe(vd, testBase, space, nil)
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	mem, err := tr.InstallQueue(1, 0)
	if err != nil {
		t.Fatalf("InstallQueue failed: %v", err)
	}
	if mem.Size() != 16 || mem.MaxSize != 16 {
		t.Fatalf("size=%d max=%d, want 16/16", mem.Size(), mem.MaxSize)
	}
	if mem.UsedAddr()%64 != 0 {
		t.Fatalf("used ring at %#x not 64-byte aligned", mem.UsedAddr())
	}
	if _, err := tr.InstallQueue(1, 0); !errors.Is(err, virtio.ErrQueueUnavailable) {
		t.Fatalf("second InstallQueue = %v, want ErrQueueUnavailable", err)
	}
	if _, err := tr.InstallQueue(0, 128); !errors.Is(err, virtio.ErrQueueTooLarge) {
		t.Fatalf("InstallQueue = %v, want ErrQueueTooLarge", err)
	}
	if _, err := tr.InstallQueue(5, 0); !errors.Is(err, virtio.ErrQueueUnavailable) {
		t.Fatalf("InstallQueue of missing queue = %v, want ErrQueueUnavailable", err)
	}
	if err := tr.ReleaseQueue(1); err != nil {
		t.Fatalf("ReleaseQueue failed: %v", err)
	}
	if space.Regions() != 0 {
		t.Fatalf("%d regions left after release", space.Regions())
	}
	if _, _, ok := tr.SharedMemoryRegion(0); ok {
		t.Fatalf("device reported a shared memory region")
	}
}

func TestEchoRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		version  uint32
		features uint64
	}{
		{1, 0},
		{1, virtio.Bit(virtio.FeatureRingEventIdx)},
		{2, 0},
		{2, virtio.Bit(virtio.FeatureRingEventIdx)},
		{2, virtio.Bit(virtio.FeatureNotificationData)},
	} {
		t.Run(fmt.Sprintf("v%d_%s", tc.version, virtio.FeatureString(tc.features)), func(t *testing.T) {
			space := dma.NewSpace(dma.DefaultBase)
			vd := newEcho(t, space, tc.version, tc.features)
			dev, _, err := vdev.Attach(vd, space, nil)
			if err != nil {
				t.Fatalf("Attach failed: %v", err)
			}
			dev.Reset()
			if err := dev.Negotiate(0); err != nil {
				t.Fatalf("Negotiate failed: %v", err)
			}

			var got []virtio.Completion
			qs, err := dev.InstallQueues([]virtio.QueueSpec{{
				Name: "echo",
				Size: 8,
				Callback: func(q *virtio.Virtqueue) {
					for {
						c, ok, err := q.Reap()
						if err != nil {
							t.Errorf("Reap failed: %v", err)
							return
						}
						if !ok {
							return
						}
						got = append(got, c)
					}
				},
			}})
			if err != nil {
				t.Fatalf("InstallQueues failed: %v", err)
			}
			dev.MarkReady()

			region, err := space.Alloc(4096, 64)
			if err != nil {
				t.Fatalf("Alloc failed: %v", err)
			}
			for i := 0; i < 20; i++ {
				req := region.Slice(0, 16)
				resp := region.Slice(64, 16)
				copy(req, fmt.Sprintf("message %08d", i))

				dev.Lock()
				if _, err := qs[0].Enqueue(req, virtio.Outbound); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
				if _, err := qs[0].Enqueue(resp, virtio.Inbound); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
				qs[0].Kick()
				dev.Unlock()

				if n, err := vd.Poll(); err != nil || n != 1 {
					t.Fatalf("Poll = %d, %v", n, err)
				}
				if len(got) != i+1 {
					t.Fatalf("%d completions after %d requests", len(got), i+1)
				}
				c := got[i]
				if c.Len != 16 || string(c.Buffers[1]) != fmt.Sprintf("message %08d", i) {
					t.Fatalf("completion %d = %d bytes %q", i, c.Len, c.Buffers[1])
				}
			}
			if vd.Notifications(0) != 20 {
				t.Fatalf("device saw %d notifications, want 20", vd.Notifications(0))
			}
			if dev.HasFeature(virtio.FeatureNotificationData) {
				if got := vd.NotifiedAvail(0); got != 20 {
					t.Fatalf("last doorbell carried avail index %d, want 20", got)
				}
			}
			if err := region.Free(); err != nil {
				t.Fatalf("Free failed: %v", err)
			}
			if err := dev.Release(context.Background()); err != nil {
				t.Fatalf("Release failed: %v", err)
			}
			if vd.Status() != 0 {
				t.Fatalf("device status = %s after release", vd.Status())
			}
		})
	}
}
