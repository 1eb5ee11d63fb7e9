//go:build unix

package dma

import "golang.org/x/sys/unix"

func pageSize() int { return unix.Getpagesize() }

// allocPages maps anonymous memory; the kernel hands it out zeroed and page
// aligned.
func allocPages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func freePages(mem []byte) error {
	return unix.Munmap(mem)
}
