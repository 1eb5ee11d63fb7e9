package virtio

import (
	"fmt"
	"math/bits"
	"strings"
)

// Feature bit numbers defined independently of any device type.
const (
	FeatureNotifyOnEmpty    = 24
	FeatureAnyLayout        = 27
	FeatureRingIndirectDesc = 28
	FeatureRingEventIdx     = 29
	FeatureVersion1         = 32
	FeatureAccessPlatform   = 33
	FeatureRingPacked       = 34
	FeatureInOrder          = 35
	FeatureOrderPlatform    = 36
	FeatureSRIOV            = 37
	FeatureNotificationData = 38
	FeatureNotifConfigData  = 39
	FeatureRingReset        = 40

	// Bits in [TransportFeatureStart, TransportFeatureEnd] belong to the
	// transport and ring layer rather than to a device type.
	TransportFeatureStart = 28
	TransportFeatureEnd   = 40
)

var featureNames = map[uint]string{
	FeatureNotifyOnEmpty:    "notify_on_empty",
	FeatureAnyLayout:        "any_layout",
	FeatureRingIndirectDesc: "indirect_desc",
	FeatureRingEventIdx:     "event_idx",
	FeatureVersion1:         "version_1",
	FeatureAccessPlatform:   "access_platform",
	FeatureRingPacked:       "ring_packed",
	FeatureInOrder:          "in_order",
	FeatureOrderPlatform:    "order_platform",
	FeatureSRIOV:            "sr_iov",
	FeatureNotificationData: "notification_data",
	FeatureNotifConfigData:  "notif_config_data",
	FeatureRingReset:        "ring_reset",
}

// Bit returns the mask for feature bit n.
func Bit(n uint) uint64 { return 1 << n }

// HasFeature reports whether bit n is set in features.
func HasFeature(features uint64, n uint) bool { return features&Bit(n) != 0 }

// transportFeatures returns the transport-reserved bits from offered that the
// engine accepts regardless of what the front-end asked for. The packed ring
// is never accepted because only the split layout is implemented.
// NOTIFICATION_DATA is further limited by Negotiate to transports that
// implement DataNotifier.
func transportFeatures(offered uint64) uint64 {
	var accepted uint64
	for n := uint(TransportFeatureStart); n <= TransportFeatureEnd; n++ {
		if n == FeatureRingPacked {
			continue
		}
		if HasFeature(offered, n) {
			accepted |= Bit(n)
		}
	}
	return accepted
}

// FeatureName returns the name of bit n, or "bit<n>" for device-specific
// bits.
func FeatureName(n uint) string {
	if name, ok := featureNames[n]; ok {
		return name
	}
	return fmt.Sprintf("bit%d", n)
}

// FeatureString renders a feature mask as a list of names.
func FeatureString(features uint64) string {
	if features == 0 {
		return "none"
	}
	var names []string
	for features != 0 {
		n := uint(bits.TrailingZeros64(features))
		names = append(names, FeatureName(n))
		features &^= Bit(n)
	}
	return strings.Join(names, ",")
}

// ParseFeature resolves a feature name (as printed by FeatureName) to its
// bit number.
func ParseFeature(name string) (uint, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for n, known := range featureNames {
		if known == name {
			return n, nil
		}
	}
	var n uint
	if _, err := fmt.Sscanf(name, "bit%d", &n); err == nil && n < 64 {
		return n, nil
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}
