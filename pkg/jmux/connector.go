package jmux

import (
	"context"
	"net"
	"strconv"
)

// Connector resolves an inbound OPEN request to a live connection. A
// Multiplexer with no Connector configured refuses every inbound OPEN with
// ReasonConnectionNotAllowedByRuleset; this is the typical configuration for
// an endpoint that only ever initiates channels.
type Connector interface {
	// Connect dials destination and returns the resulting connection, or an
	// error to report back to the peer as an OPEN_FAILURE. ReasonCodeFromError
	// classifies common dial errors into the closest matching ReasonCode.
	Connect(ctx context.Context, destination DestinationURL) (net.Conn, error)
}

// ConnectorFunc adapts a function to a Connector.
type ConnectorFunc func(ctx context.Context, destination DestinationURL) (net.Conn, error)

// Connect implements Connector.Connect.
func (f ConnectorFunc) Connect(ctx context.Context, destination DestinationURL) (net.Conn, error) {
	return f(ctx, destination)
}

// NetDialConnector returns a Connector that dials destination.Scheme() as a
// network and "host:port" address using net.Dialer. The dial ends at the
// earlier of the context's deadline (which carries the multiplexer's
// OpenTimeout) and dialer.Timeout. This is the
// Connector used by cmd/jmux-server for plain TCP/UDP forwarding.
func NetDialConnector(dialer *net.Dialer) Connector {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return ConnectorFunc(func(ctx context.Context, destination DestinationURL) (net.Conn, error) {
		address := net.JoinHostPort(destination.Host(), strconv.Itoa(int(destination.Port())))
		return dialer.DialContext(ctx, destination.Scheme(), address)
	})
}
