//go:build !unix

package dma

import "unsafe"

const fallbackPageSize = 4096

func pageSize() int { return fallbackPageSize }

// allocPages over-allocates a Go slice and trims it to a page boundary. The
// backing array is kept alive by the returned slice.
func allocPages(size int) ([]byte, error) {
	words := make([]uint64, (size+2*fallbackPageSize)/8)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	base := uintptr(unsafe.Pointer(&raw[0]))
	skip := int((fallbackPageSize - base%fallbackPageSize) % fallbackPageSize)
	return raw[skip : skip+size : skip+size], nil
}

func freePages([]byte) error { return nil }
