package ring

import (
	"encoding/binary"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Ring indices and flags are 16 bits wide but shared with another party, so
// every access goes through the naturally aligned 32-bit word containing
// them. Loads have acquire and stores have release semantics, which is the
// ordering the publish/consume protocol needs on both sides.

func word(mem []byte, off int) *atomicbitops.Uint32 {
	return (*atomicbitops.Uint32)(unsafe.Pointer(&mem[off&^3]))
}

func load16(mem []byte, off int) uint16 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], word(mem, off).Load())
	return binary.LittleEndian.Uint16(b[off&3:])
}

func store16(mem []byte, off int, v uint16) {
	w := word(mem, off)
	for {
		old := w.Load()
		var b [4]byte
		binary.NativeEndian.PutUint32(b[:], old)
		binary.LittleEndian.PutUint16(b[off&3:], v)
		if w.CompareAndSwap(old, binary.NativeEndian.Uint32(b[:])) {
			return
		}
	}
}

func load32(mem []byte, off int) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], word(mem, off).Load())
	return binary.LittleEndian.Uint32(b[:])
}

func store32(mem []byte, off int, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	word(mem, off).Store(binary.NativeEndian.Uint32(b[:]))
}

func aligned4(mem []byte) bool {
	return len(mem) == 0 || uintptr(unsafe.Pointer(&mem[0]))&3 == 0
}
