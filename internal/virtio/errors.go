package virtio

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull means no descriptor is available. Reap and retry.
	ErrQueueFull = errors.New("virtio: queue full")

	ErrZeroLength      = errors.New("virtio: zero-length buffer")
	ErrAddrTranslation = errors.New("virtio: buffer address translation failed")
	ErrBufferInFlight  = errors.New("virtio: buffer is still owned by the device")
	ErrQueueState      = errors.New("virtio: queue is not accepting requests")

	ErrFeaturesRejected = errors.New("virtio: device did not accept FEATURES_OK")
	ErrQueueTooLarge    = errors.New("virtio: requested queue depth exceeds device maximum")
	ErrQueueUnavailable = errors.New("virtio: queue unavailable")
	ErrNotNegotiated    = errors.New("virtio: features not negotiated")
	ErrPackedRing       = errors.New("virtio: packed ring layout not supported")
	ErrDeviceProtocol   = errors.New("virtio: device protocol violation")
	ErrConfigUnstable   = errors.New("virtio: configuration generation did not settle")

	// ErrDeviceFailed means the device reported NEEDS_RESET or the driver
	// marked it FAILED. Nothing but Reset is valid afterwards.
	ErrDeviceFailed = errors.New("virtio: device failed")

	ErrDrainTimeout = errors.New("virtio: timed out draining queue")
)

// NegotiationError describes a failed feature handshake.
type NegotiationError struct {
	Offered  uint64
	Accepted uint64
	Status   Status
	Err      error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("virtio: feature negotiation failed (offered %#x, accepted %#x, status %s): %v",
		e.Offered, e.Accepted, e.Status, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// InstallError describes the queue that stopped InstallQueues.
type InstallError struct {
	Index uint32
	Name  string
	Err   error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("virtio: install queue %d (%s): %v", e.Index, e.Name, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
