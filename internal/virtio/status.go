// Package virtio implements the driver half of the VirtIO split virtqueue
// protocol and the device status handshake.
//
// A Device wraps a Transport (how status, features, configuration and queue
// addresses reach the device) and owns the Virtqueues installed on it. The
// queue engine does no locking of its own: every Virtqueue operation must
// run with the owning Device locked, which the interrupt path already does
// when it invokes queue callbacks.
package virtio

import (
	"fmt"
	"strings"
)

// Status is the device status register.
type Status uint8

const (
	StatusAcknowledge Status = 1
	StatusDriver      Status = 2
	StatusDriverOK    Status = 4
	StatusFeaturesOK  Status = 8
	StatusNeedsReset  Status = 64
	StatusFailed      Status = 128
)

var statusNames = []struct {
	bit  Status
	name string
}{
	{StatusAcknowledge, "ACKNOWLEDGE"},
	{StatusDriver, "DRIVER"},
	{StatusFeaturesOK, "FEATURES_OK"},
	{StatusDriverOK, "DRIVER_OK"},
	{StatusNeedsReset, "NEEDS_RESET"},
	{StatusFailed, "FAILED"},
}

// Has reports whether every bit of bits is set.
func (s Status) Has(bits Status) bool { return s&bits == bits }

// Broken reports whether the device needs a reset before further use.
func (s Status) Broken() bool { return s&(StatusNeedsReset|StatusFailed) != 0 }

func (s Status) String() string {
	if s == 0 {
		return "RESET"
	}
	var parts []string
	rest := s
	for _, n := range statusNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}
