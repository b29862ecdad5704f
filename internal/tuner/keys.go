// Package tuner multiplexes physical tuner hardware: a pool of capacity-
// bounded driver instances, broadcast fan-out of each tuned stream, a
// hybrid exclusive/shared lock per instance and logical channel selection
// with fallback.
package tuner

import "fmt"

// ChannelKey identifies one physical tuning target: a driver plus its
// local space and channel numbers.
type ChannelKey struct {
	DriverPath string
	Space      uint32
	Channel    uint32
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s#%d:%d", k.DriverPath, k.Space, k.Channel)
}

// MuxKey identifies a multiplex as received by one driver: services
// with different sids but the same mux key ride the same tuner.
type MuxKey struct {
	DriverPath string
	NID        uint16
	TSID       uint16
}

func (k MuxKey) String() string {
	return fmt.Sprintf("%s#%04X/%04X", k.DriverPath, k.NID, k.TSID)
}

// ProtectedPriority marks a subscriber that must never be preempted.
const ProtectedPriority = 255
