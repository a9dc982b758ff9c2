package mqtt

import (
	"strings"

	"github.com/srg/blelink/internal/device"
)

// Topic layout under a prefix:
//
//	<prefix>/status                         bridge online/offline, retained
//	<prefix>/<device>/found                 advertisement seen while scanning
//	<prefix>/<device>/disconnected          link closed
//	<prefix>/<device>/<service>/<char>      characteristic value
//
// Service and characteristic ids use the 4-digit form for Bluetooth SIG ids and the full form otherwise.

// StatusTopic is the retained online/offline topic.
func StatusTopic(prefix string) string {
	return join(prefix, "status")
}

// FoundTopic is the topic for scan results of one device.
func FoundTopic(prefix, deviceID string) string {
	return join(prefix, segment(deviceID), "found")
}

// DisconnectedTopic is the topic for link loss of one device.
func DisconnectedTopic(prefix, deviceID string) string {
	return join(prefix, segment(deviceID), "disconnected")
}

// ValueTopic is the topic for values of one characteristic.
func ValueTopic(prefix, deviceID string, ref device.AttributeRef) string {
	return join(prefix,
		segment(deviceID),
		attributeSegment(ref.Service),
		attributeSegment(ref.Characteristic))
}

// attributeSegment shortens SIG ids and keeps vendor ids whole
func attributeSegment(id string) string {
	if _, ok := device.ShortCode(id); ok {
		return device.ShortenUUID(id)
	}
	return segment(id)
}

func join(parts ...string) string {
	return strings.Join(parts, "/")
}

// segment keeps a single topic level free of separators and wildcards
func segment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
