package jmux

import (
	"fmt"
)

// LocalID identifies a channel in the id space assigned by this endpoint.
// LocalID and DistantID are distinct types specifically so that the
// compiler, not convention, prevents a value from one endpoint's id space
// from being mistaken for a value in the other's.
type LocalID uint32

// String renders a LocalID with the "l#N" sigil used throughout logging.
func (id LocalID) String() string {
	return fmt.Sprintf("l#%d", uint32(id))
}

// DistantID identifies a channel in the id space assigned by the peer. It is
// learned from an incoming OPEN (responder side) or OPEN_SUCCESS (initiator
// side) and is always used verbatim as the recipient_channel_id field of any
// frame we send for that channel.
type DistantID uint32

// String renders a DistantID with the "d#N" sigil used throughout logging.
func (id DistantID) String() string {
	return fmt.Sprintf("d#%d", uint32(id))
}
