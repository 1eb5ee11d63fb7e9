package vdev

import (
	"fmt"
	"io"

	"github.com/tinyrange/virtq/internal/virtio"
)

// EchoDevice is the device type reported by the echo device. It lies in
// the range virtio leaves unassigned.
const EchoDevice virtio.DeviceType = 0xfff0

// Handler consumes one chain and returns the number of bytes it wrote into
// the chain's writable buffers.
type Handler interface {
	Process(chain *Chain) (uint32, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(chain *Chain) (uint32, error)

func (f HandlerFunc) Process(chain *Chain) (uint32, error) { return f(chain) }

// Echo copies each chain's readable bytes into its writable buffers. A
// chain with nothing writable is consumed.
func Echo() Handler {
	return HandlerFunc(func(chain *Chain) (uint32, error) {
		return chain.Fill(chain.ReadAll()), nil
	})
}

// Entropy fills writable buffers from r, as an entropy device does.
func Entropy(r io.Reader) Handler {
	return HandlerFunc(func(chain *Chain) (uint32, error) {
		if len(chain.Readable) > 0 {
			return 0, fmt.Errorf("entropy request carries %d readable buffers", len(chain.Readable))
		}
		var written uint32
		for _, b := range chain.Writable {
			n, err := io.ReadFull(r, b)
			written += uint32(n)
			if err != nil {
				return written, fmt.Errorf("read entropy: %w", err)
			}
		}
		return written, nil
	})
}

// Sink consumes every chain without writing anything.
func Sink() Handler {
	return HandlerFunc(func(*Chain) (uint32, error) { return 0, nil })
}
