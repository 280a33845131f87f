package jmux

import (
	"fmt"
)

// multiplexerAddress implements net.Addr for Multiplexer.
type multiplexerAddress struct {
	// carrierDescription identifies the multiplexer running over the
	// carrier; Multiplex sets it to the instance's UUID.
	carrierDescription string
}

func (a *multiplexerAddress) Network() string { return "jmux" }

func (a *multiplexerAddress) String() string {
	return fmt.Sprintf("jmux:%s", a.carrierDescription)
}

// channelAddress implements net.Addr for Channel, identifying it by the
// destination it was opened for (on the initiating side) or by its local and
// distant channel ids (on the accepting side, where no destination is
// necessarily known to the caller).
type channelAddress struct {
	local       LocalID
	distant     DistantID
	destination *DestinationURL
}

func (a *channelAddress) Network() string { return "jmux" }

func (a *channelAddress) String() string {
	if a.destination != nil {
		return a.destination.String()
	}
	return fmt.Sprintf("%s/%s", a.local, a.distant)
}
