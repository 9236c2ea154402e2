// Package identity derives the node's immutable identity from its radio
// hardware address.
package identity

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Identity names this node on the bus and the network.
type Identity struct {
	// DeviceID is "hsc-" followed by the twelve upper-case hex digits of
	// the hardware address. It is the MQTT client id and topic segment.
	DeviceID string
	// MAC is the hardware address in colon form.
	MAC string
	// Hostname is "hsc-" plus the last three address bytes.
	Hostname string
	// BootID changes on every process start so consumers of the
	// announcement can tell a reboot from a reconnect.
	BootID string
}

// FromHardwareAddr derives the identity for a 6-byte hardware address.
func FromHardwareAddr(hw net.HardwareAddr) (Identity, error) {
	if len(hw) != 6 {
		return Identity{}, fmt.Errorf("hardware address %q: want 6 bytes, got %d", hw, len(hw))
	}

	boot, err := uuid.NewV7()
	if err != nil {
		return Identity{}, fmt.Errorf("boot id: %w", err)
	}

	return Identity{
		DeviceID: "hsc-" + fmt.Sprintf("%X", []byte(hw)),
		MAC:      strings.ToUpper(hw.String()),
		Hostname: "hsc-" + fmt.Sprintf("%X", []byte(hw[3:])),
		BootID:   boot.String(),
	}, nil
}

// StatusTopic is the retained online/offline topic, also the will topic.
func (id Identity) StatusTopic(namespace string) string {
	return namespace + "/devices/" + id.DeviceID + "/status"
}

// InfoTopic carries the retained device-info document.
func (id Identity) InfoTopic(namespace string) string {
	return namespace + "/devices/" + id.DeviceID + "/info"
}

// ConfigTopic is subscribed for operator configuration messages.
func (id Identity) ConfigTopic(namespace string) string {
	return namespace + "/devices/" + id.DeviceID + "/config"
}

// AnnounceTopic is the shared, non-retained discovery topic.
func AnnounceTopic(namespace string) string {
	return namespace + "/devices/announce"
}

// TrackTopic is the retained occupancy topic for a zero-based channel.
func TrackTopic(namespace string, channel, boardID int) string {
	return fmt.Sprintf("%s/yard/track/%d/section/%d", namespace, channel+1, boardID)
}
