// Package dma provides a simulated physical address space for rings and
// buffers shared with a virtio device.
//
// Memory is handed out in page-aligned regions, each with a stable physical
// base address. The driver translates buffers it owns into physical
// addresses with Translate, and a device reaches the same bytes through
// ReadAt, WriteAt and Slice using those addresses.
package dma

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/google/btree"
)

var (
	ErrNotMapped = errors.New("dma: address not mapped")
	ErrFreed     = errors.New("dma: region already freed")
)

// DefaultBase is the first physical address handed out by NewSpace(0).
const DefaultBase = 0x4000_0000

// Region is one contiguous allocation inside a Space.
type Region struct {
	space *Space
	phys  uint64
	host  uintptr
	mem   []byte
	freed bool
}

// Phys returns the physical base address of the region.
func (r *Region) Phys() uint64 { return r.phys }

// Len returns the size of the region in bytes.
func (r *Region) Len() int { return len(r.mem) }

// Bytes returns the region's memory.
func (r *Region) Bytes() []byte { return r.mem }

// Slice returns n bytes of the region starting at offset off.
func (r *Region) Slice(off, n int) []byte {
	return r.mem[off : off+n : off+n]
}

// Free returns the region to its space.
func (r *Region) Free() error { return r.space.Free(r) }

// Space is a simulated physical address space. It is safe for concurrent use.
type Space struct {
	mu     sync.RWMutex
	next   uint64
	byPhys *btree.BTreeG[*Region]
	byHost *btree.BTreeG[*Region]
}

// NewSpace returns an empty address space whose first region starts at base.
// A zero base selects DefaultBase.
func NewSpace(base uint64) *Space {
	if base == 0 {
		base = DefaultBase
	}
	return &Space{
		next: base,
		byPhys: btree.NewG(8, func(a, b *Region) bool {
			return a.phys < b.phys
		}),
		byHost: btree.NewG(8, func(a, b *Region) bool {
			return a.host < b.host
		}),
	}
}

// Alloc allocates a zeroed region of at least size bytes whose physical
// address is aligned to align (rounded up to the page size).
func (s *Space) Alloc(size, align int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid allocation size %d", size)
	}
	page := pageSize()
	if align < page {
		align = page
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("dma: alignment %d is not a power of two", align)
	}
	size = roundUp(size, page)

	mem, err := allocPages(size)
	if err != nil {
		return nil, fmt.Errorf("dma: allocate %d bytes: %w", size, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	phys := uint64(roundUp64(s.next, uint64(align)))
	if phys > math.MaxUint64-uint64(size) {
		freePages(mem)
		return nil, fmt.Errorf("dma: physical address space exhausted")
	}
	s.next = phys + uint64(size)

	r := &Region{
		space: s,
		phys:  phys,
		host:  uintptr(unsafe.Pointer(&mem[0])),
		mem:   mem,
	}
	s.byPhys.ReplaceOrInsert(r)
	s.byHost.ReplaceOrInsert(r)
	return r, nil
}

// Free releases a region. Buffers carved from it must no longer be in use.
func (s *Space) Free(r *Region) error {
	s.mu.Lock()
	if r.space != s {
		s.mu.Unlock()
		return fmt.Errorf("dma: region %#x does not belong to this space", r.phys)
	}
	if r.freed {
		s.mu.Unlock()
		return ErrFreed
	}
	r.freed = true
	s.byPhys.Delete(r)
	s.byHost.Delete(r)
	mem := r.mem
	r.mem = nil
	s.mu.Unlock()

	return freePages(mem)
}

// Translate returns the physical address of buf. The whole of buf must lie
// inside one live region.
func (s *Space) Translate(buf []byte) (uint64, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", ErrNotMapped)
	}
	host := uintptr(unsafe.Pointer(&buf[0]))

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Region
	s.byHost.DescendLessOrEqual(&Region{host: host}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil {
		return 0, fmt.Errorf("%w: host address %#x", ErrNotMapped, host)
	}
	off := host - found.host
	if off+uintptr(len(buf)) > uintptr(len(found.mem)) {
		return 0, fmt.Errorf("%w: host range %#x+%d", ErrNotMapped, host, len(buf))
	}
	return found.phys + uint64(off), nil
}

// Slice returns the n bytes at physical address addr. The range must lie
// inside one live region.
func (s *Space) Slice(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("dma: negative length %d", n)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Region
	s.byPhys.DescendLessOrEqual(&Region{phys: addr}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil {
		return nil, fmt.Errorf("%w: physical address %#x", ErrNotMapped, addr)
	}
	off := addr - found.phys
	if off > uint64(len(found.mem)) || uint64(n) > uint64(len(found.mem))-off {
		return nil, fmt.Errorf("%w: physical range %#x+%d", ErrNotMapped, addr, n)
	}
	return found.mem[off : off+uint64(n) : off+uint64(n)], nil
}

// ReadAt reads len(p) bytes starting at physical address off.
func (s *Space) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("dma: negative address %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	src, err := s.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt writes p starting at physical address off.
func (s *Space) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("dma: negative address %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	dst, err := s.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Regions returns the number of live regions.
func (s *Space) Regions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byPhys.Len()
}

func roundUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}

func roundUp64(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
