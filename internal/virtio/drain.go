package virtio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

var errStillDraining = errors.New("virtio: descriptors still in flight")

// drain moves q to Draining and waits, without holding the device lock,
// until the device has returned every descriptor. Chains enqueued but never
// submitted are published first so the device can complete them.
//
// Queues without a callback have nobody else to reap for them, so drain
// reaps and discards their completions itself.
func (d *Device) drain(ctx context.Context, q *Virtqueue) error {
	d.lock.Lock()
	if q.state != QueueInstalled && q.state != QueueDraining {
		d.lock.Unlock()
		return nil
	}
	q.state = QueueDraining
	if q.Pending() > 0 {
		q.Kick()
	}
	d.lock.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = d.drainTimeout
	b.Reset()

	attempts := 0
	err := backoff.Retry(func() error {
		d.lock.Lock()
		defer d.lock.Unlock()
		attempts++
		if q.callback == nil {
			for {
				_, ok, err := q.Reap()
				if err != nil {
					d.log.Warn("virtio: discarding bad completion while draining", "queue", q.name, "err", err)
				}
				if !ok {
					break
				}
			}
		}
		if q.FreeCount() == q.Capacity() {
			return nil
		}
		if d.broken.Load() {
			// A failed device will never complete anything.
			return &backoff.PermanentError{Err: ErrDeviceFailed}
		}
		return errStillDraining
	}, backoff.WithContext(b, ctx))

	if err == nil {
		d.log.Debug("virtio: queue drained", "queue", q.name, "attempts", attempts)
		return nil
	}
	d.lock.Lock()
	inFlight := q.InFlight()
	d.lock.Unlock()
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("virtio: drain queue %s with %d in flight: %w", q.name, inFlight, ctx.Err())
	case errors.Is(err, errStillDraining):
		return fmt.Errorf("%w %s after %v: %d descriptors in flight", ErrDrainTimeout, q.name, d.drainTimeout, inFlight)
	default:
		return fmt.Errorf("virtio: drain queue %s: %w", q.name, err)
	}
}
