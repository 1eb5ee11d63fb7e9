// Package mmio implements the virtio-mmio transport from the driver side.
//
// Both the legacy (version 1) register layout, where the ring is located by
// a page frame number, and the modern (version 2) layout, where the three
// ring areas are programmed separately, are supported.
package mmio

import (
	"encoding/binary"
	"fmt"
)

const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_GUEST_PAGE_SIZE     = 0x028 // legacy
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_ALIGN         = 0x03c // legacy
	VIRTIO_MMIO_QUEUE_PFN           = 0x040 // legacy
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	// Shared memory region registers (virtio-mmio v2)
	VIRTIO_MMIO_SHM_SEL       = 0x0ac
	VIRTIO_MMIO_SHM_LEN_LOW   = 0x0b0
	VIRTIO_MMIO_SHM_LEN_HIGH  = 0x0b4
	VIRTIO_MMIO_SHM_BASE_LOW  = 0x0b8
	VIRTIO_MMIO_SHM_BASE_HIGH = 0x0bc

	// Interrupt status bits
	VIRTIO_MMIO_INT_VRING  = 0x1 // Used buffer notification
	VIRTIO_MMIO_INT_CONFIG = 0x2 // Configuration change

	// MagicValue is "virt" in little-endian.
	MagicValue = 0x74726976

	// RegionSize is the size of one device's register window.
	RegionSize = 0x200

	// LegacyPageSize is the guest page size programmed into legacy devices.
	LegacyPageSize = 4096
)

// Registers is a device register window addressed by absolute MMIO address.
// Accesses are 1, 2 or 4 bytes wide and little-endian.
type Registers interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// LittleEndianValue decodes an MMIO access of the given width.
func LittleEndianValue(buf []byte, length uint32) uint32 {
	switch length {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	case 4:
		return binary.LittleEndian.Uint32(buf)
	case 8:
		return uint32(binary.LittleEndian.Uint64(buf))
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", length))
	}
}

// StoreLittleEndian encodes value into an MMIO access of the given width.
func StoreLittleEndian(buf []byte, length uint32, value uint32) {
	switch length {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, value)
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(value))
	default:
		panic(fmt.Sprintf("unsupported little-endian width %d", length))
	}
}
