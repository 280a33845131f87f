package jmux

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Configuration encodes multiplexer configuration.
type Configuration struct {
	// InitialWindow is the number of bytes of send window each endpoint
	// grants the other, for each channel, at open time. The
	// default is 64 MiB, larger than most byte-stream multiplexers default
	// to, to keep a single high-bandwidth channel from starving on refill
	// round trips.
	InitialWindow uint32
	// MaxPacketSize is the largest DATA payload this endpoint accepts in a
	// single frame, advertised to the peer in OPEN/OPEN_SUCCESS. The peer
	// must not send a DATA frame whose payload exceeds the value advertised
	// to it; outbound DATA is chunked by the peer's advertised value instead.
	// The default is 32768 bytes.
	MaxPacketSize uint32
	// WindowRefillThreshold is expressed as a fraction of InitialWindow: once
	// the bytes a channel has read out of its receive buffer since its last
	// WINDOW_ADJUST reach this fraction, the multiplexer sends a
	// WINDOW_ADJUST granting those bytes back, rather than refilling on
	// every received byte. The default is 0.5.
	WindowRefillThreshold float64
	// WriteBufferCount is the number of frame buffers the multiplexer's
	// writer pool maintains. Each buffer holds up to one maximum-size frame
	// (65535 bytes). The default is 5.
	WriteBufferCount int
	// AcceptBacklog is normalized and stored but not enforced: every inbound
	// OPEN is handed to the Connector in its own goroutine, however many are
	// already pending, and none is refused for exceeding this value. The
	// default is 10.
	AcceptBacklog int
	// MaxChannels is the maximum number of simultaneously live channels this
	// endpoint will allocate local ids for. The default is 256.
	MaxChannels int
	// OpenTimeout bounds how long a local OpenChannel call waits for an
	// OPEN_SUCCESS or OPEN_FAILURE before failing with a timeout. A value of
	// zero disables the timeout. The default is 30 seconds.
	OpenTimeout time.Duration
}

// DefaultConfiguration returns the default multiplexer configuration.
func DefaultConfiguration() *Configuration {
	return &Configuration{
		InitialWindow:         64 << 20, // 64 MiB
		MaxPacketSize:         32768,
		WindowRefillThreshold: 0.5,
		WriteBufferCount:      5,
		AcceptBacklog:         10,
		MaxChannels:           256,
		OpenTimeout:           30 * time.Second,
	}
}

// normalize normalizes out-of-range configuration values in place.
func (c *Configuration) normalize() {
	if c.InitialWindow == 0 {
		c.InitialWindow = DefaultConfiguration().InitialWindow
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultConfiguration().MaxPacketSize
	}
	if c.MaxPacketSize > MaxDataPayload {
		c.MaxPacketSize = MaxDataPayload
	}
	if c.WindowRefillThreshold <= 0 || c.WindowRefillThreshold >= 1 {
		c.WindowRefillThreshold = 0.5
	}
	if c.WriteBufferCount <= 0 {
		c.WriteBufferCount = 1
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = 1
	}
	if c.MaxChannels <= 0 {
		c.MaxChannels = 1
	}
	if c.OpenTimeout < 0 {
		c.OpenTimeout = 0
	}
}

// refillThresholdBytes returns the number of bytes a channel must read since
// its last WINDOW_ADJUST before it sends a refilling WINDOW_ADJUST.
func (c *Configuration) refillThresholdBytes() uint32 {
	return uint32(float64(c.InitialWindow) * c.WindowRefillThreshold)
}

// ParseByteSize parses a human-readable byte size such as "64 MiB" or
// "65536" (github.com/dustin/go-humanize), as accepted by the jmux-server
// and jmux-client --initial-window and --max-packet-size flags.
func ParseByteSize(text string) (uint32, error) {
	value, err := humanize.ParseBytes(text)
	if err != nil {
		return 0, errors.Wrapf(err, "unable to parse byte size %q", text)
	}
	if value > uint64(^uint32(0)) {
		return 0, errors.Errorf("byte size %q overflows 32 bits", text)
	}
	return uint32(value), nil
}
