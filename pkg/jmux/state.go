package jmux

import (
	"time"
)

// isClosed checks whether a signaling channel has been closed.
func isClosed(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// wasPopulatedWithTime checks whether a time signaling channel was populated
// and, if so, leaves it drained.
func wasPopulatedWithTime(c <-chan time.Time) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// ChannelState is a point-in-time snapshot of a channel's position in the
// state machine. It is derived from the channel's
// internal signaling channels rather than stored directly, so it is only a
// snapshot: the channel may have moved on by the time the caller inspects
// the returned value.
type ChannelState int

const (
	// StateOpening indicates a channel for which OPEN has been sent (or
	// received) but no OPEN_SUCCESS, OPEN_FAILURE, or CLOSE has yet been
	// processed.
	StateOpening ChannelState = iota
	// StateOpen indicates a fully established channel with neither end
	// half-closed.
	StateOpen
	// StateHalfClosedLocal indicates this endpoint has sent EOF but has not
	// received one.
	StateHalfClosedLocal
	// StateHalfClosedRemote indicates this endpoint has received EOF but has
	// not sent one.
	StateHalfClosedRemote
	// StateHalfClosedBoth indicates EOF has been both sent and received, but
	// CLOSE has not yet been sent or received.
	StateHalfClosedBoth
	// StateDead indicates the channel is fully closed: CLOSE has been sent,
	// received, or both.
	StateDead
)

func (s ChannelState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateHalfClosedBoth:
		return "half-closed-both"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}
