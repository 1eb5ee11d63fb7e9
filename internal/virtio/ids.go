package virtio

import "fmt"

// AnyID matches every device or vendor ID.
const AnyID = 0xffffffff

// DeviceType is the virtio device ID.
type DeviceType uint32

const (
	DeviceNet     DeviceType = 1
	DeviceBlock   DeviceType = 2
	DeviceConsole DeviceType = 3
	DeviceEntropy DeviceType = 4
	DeviceBalloon DeviceType = 5
	DeviceSCSI    DeviceType = 8
	Device9P      DeviceType = 9
	DeviceGPU     DeviceType = 16
	DeviceInput   DeviceType = 18
	DeviceVsock   DeviceType = 19
	DeviceCrypto  DeviceType = 20
	DeviceIOMMU   DeviceType = 23
	DeviceMemory  DeviceType = 24
	DeviceSound   DeviceType = 25
	DeviceFS      DeviceType = 26
	DevicePMEM    DeviceType = 27
)

var deviceTypeNames = map[DeviceType]string{
	DeviceNet:     "net",
	DeviceBlock:   "blk",
	DeviceConsole: "console",
	DeviceEntropy: "rng",
	DeviceBalloon: "balloon",
	DeviceSCSI:    "scsi",
	Device9P:      "9p",
	DeviceGPU:     "gpu",
	DeviceInput:   "input",
	DeviceVsock:   "vsock",
	DeviceCrypto:  "crypto",
	DeviceIOMMU:   "iommu",
	DeviceMemory:  "mem",
	DeviceSound:   "sound",
	DeviceFS:      "fs",
	DevicePMEM:    "pmem",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("dev%d", uint32(t))
}

// DeviceID identifies a device by type and vendor.
type DeviceID struct {
	Device uint32
	Vendor uint32
}

// Type returns the device ID as a DeviceType.
func (id DeviceID) Type() DeviceType { return DeviceType(id.Device) }

// Matches reports whether pattern, which may use AnyID, matches id.
func (id DeviceID) Matches(pattern DeviceID) bool {
	return (pattern.Device == AnyID || pattern.Device == id.Device) &&
		(pattern.Vendor == AnyID || pattern.Vendor == id.Vendor)
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%s(vendor %#x)", id.Type(), id.Vendor)
}
