package virtio

import (
	"gvisor.dev/gvisor/pkg/sync"
)

// Locker serializes access to one device and its queues. Implementations
// may be interrupt-safe spinlocks; the default is a mutex.
type Locker = sync.Locker

func defaultLocker() Locker {
	return &sync.Mutex{}
}
