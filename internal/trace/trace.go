package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Recorder is a thread-safe binary event log for virtqueue activity.
//
// Each record is laid out as:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes queue index
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - 8 bytes argument A
//   - 8 bytes argument B
//   - sourceLength bytes source
//
// Writers never block each other: every record claims its range by
// atomically advancing the file offset and then writes into it.
//
// A nil *Recorder discards everything, so callers never need to check.
type Recorder struct {
	w      Writer
	offset atomic.Uint64
}

const headerSize = 32

type Writer interface {
	io.WriterAt
	io.Closer
}

// Kind identifies what a record describes.
type Kind uint16

const (
	KindInvalid Kind = iota
	// KindEnqueue: A = descriptor index, B = buffer length.
	KindEnqueue
	// KindQueueFull: A = free descriptors, B = capacity.
	KindQueueFull
	// KindSubmit: A = chain head, B = new avail idx.
	KindSubmit
	// KindNotify: A = avail idx at the time of the doorbell.
	KindNotify
	// KindReap: A = used element id, B = used element length.
	KindReap
	// KindInterrupt: A = interrupt status bits.
	KindInterrupt
	// KindStatus: A = new device status.
	KindStatus
	// KindFeatures: A = offered features, B = accepted features.
	KindFeatures
)

func (k Kind) String() string {
	switch k {
	case KindEnqueue:
		return "enqueue"
	case KindQueueFull:
		return "queue-full"
	case KindSubmit:
		return "submit"
	case KindNotify:
		return "notify"
	case KindReap:
		return "reap"
	case KindInterrupt:
		return "interrupt"
	case KindStatus:
		return "status"
	case KindFeatures:
		return "features"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Record is one decoded trace entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Queue  uint32
	A      uint64
	B      uint64
}

// Open returns a recorder that appends to w starting at offset zero.
func Open(w Writer) *Recorder {
	return &Recorder{w: w}
}

// OpenFile truncates filename and returns a recorder writing to it.
func OpenFile(filename string) (*Recorder, error) {
	// Truncate so successive runs don't leave stale trailing records.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return Open(f), nil
}

// Close closes the underlying writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.w.Close()
}

// Record appends one event.
func (r *Recorder) Record(kind Kind, source string, queue uint32, a, b uint64) {
	if r == nil {
		return
	}
	buf := encode(kind, source, queue, a, b, time.Now())
	off := r.offset.Add(uint64(len(buf))) - uint64(len(buf))
	if _, err := r.w.WriteAt(buf, int64(off)); err != nil {
		panic(fmt.Sprintf("trace: write at %d: %v", off, err))
	}
}

// Source returns a handle that records events under a fixed source name.
func (r *Recorder) Source(source string) *Source {
	return &Source{r: r, name: source}
}

// Source records events for one device.
type Source struct {
	r    *Recorder
	name string
}

// Record appends one event for this source. A nil Source discards it.
func (s *Source) Record(kind Kind, queue uint32, a, b uint64) {
	if s == nil {
		return
	}
	s.r.Record(kind, s.name, queue, a, b)
}

func encode(kind Kind, source string, queue uint32, a, b uint64, ts time.Time) []byte {
	if len(source) > 0xffff {
		source = source[:0xffff]
	}
	buf := make([]byte, headerSize+len(source))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], queue)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ts.UnixNano()))
	binary.LittleEndian.PutUint64(buf[16:24], a)
	binary.LittleEndian.PutUint64(buf[24:32], b)
	copy(buf[headerSize:], source)
	return buf
}

func decodeHeader(h *[headerSize]byte) (rec Record, sourceLength int) {
	rec.Kind = Kind(binary.LittleEndian.Uint16(h[0:2]))
	sourceLength = int(binary.LittleEndian.Uint16(h[2:4]))
	rec.Queue = binary.LittleEndian.Uint32(h[4:8])
	rec.Time = time.Unix(0, int64(binary.LittleEndian.Uint64(h[8:16])))
	rec.A = binary.LittleEndian.Uint64(h[16:24])
	rec.B = binary.LittleEndian.Uint64(h[24:32])
	return rec, sourceLength
}

// Memory is an in-memory Writer. Records land at their claimed offsets, so
// concurrent writers may complete out of order.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory returns an empty in-memory trace buffer.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := int(off) + len(p)
	if end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns a copy of everything written so far.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
