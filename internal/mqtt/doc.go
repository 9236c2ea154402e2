// Package mqtt runs the node's broker session.
//
// The session is driven by the device loop rather than a reconnecting
// connection manager: each Tick either services the live connection or,
// at most once per reconnect interval, dials the broker again. A fixed
// interval is used on purpose; a layout broker that is down comes back
// when someone notices, and nodes should reappear promptly when it does.
//
// On every successful CONNECT (which carries the retained "offline"
// will) the session publishes, in order: retained "online" status, the
// retained device info document, a non-retained boot announcement, and a
// subscription to the device's config topic. Track transitions are
// published retained so a new subscriber sees the current occupancy
// immediately.
//
// Topics, with the default "HSC" namespace:
//
//	HSC/devices/<id>/status                  online | offline (will)
//	HSC/devices/<id>/info                    device info JSON
//	HSC/devices/announce                     {"device_id","event":"boot","boot_id"}
//	HSC/devices/<id>/config                  subscribed
//	HSC/yard/track/<n>/section/<board_id>    OCCUPIED | FREE
package mqtt
