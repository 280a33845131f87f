package jmux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// newCarrierPair returns two ends of an in-memory carrier connection, wired
// directly to each other with no real network involved.
func newCarrierPair() (Carrier, Carrier, func()) {
	a, b := net.Pipe()
	return NewCarrierFromStream(a), NewCarrierFromStream(b), func() {
		a.Close()
		b.Close()
	}
}

func TestOpenChannelSuccessAndDataTransfer(t *testing.T) {
	destinationListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer destinationListener.Close()

	peerAccepted := make(chan net.Conn, 1)
	go func() {
		conn, err := destinationListener.Accept()
		if err == nil {
			peerAccepted <- conn
		}
	}()

	clientCarrier, serverCarrier, closeCarriers := newCarrierPair()
	defer closeCarriers()

	serverMux := Multiplex(serverCarrier, NetDialConnector(nil), nil, nil)
	defer serverMux.Close()
	clientMux := Multiplex(clientCarrier, nil, nil, nil)
	defer clientMux.Close()

	destination, err := ParseDestinationURL("tcp://" + destinationListener.Addr().String())
	if err != nil {
		t.Fatalf("ParseDestinationURL: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel, err := clientMux.OpenChannel(ctx, destination)
	if err != nil {
		t.Fatalf("OpenChannel: %v", err)
	}
	defer channel.Close()

	peer := <-peerAccepted
	defer peer.Close()

	if _, err := channel.Write([]byte("hello")); err != nil {
		t.Fatalf("channel write: %v", err)
	}
	buf := make([]byte, 5)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(peer, buf); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("peer got %q, want %q", buf, "hello")
	}

	if _, err := peer.Write([]byte("world")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	buf2 := make([]byte, 5)
	channel.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(channel, buf2); err != nil {
		t.Fatalf("channel read: %v", err)
	}
	if !bytes.Equal(buf2, []byte("world")) {
		t.Fatalf("channel got %q, want %q", buf2, "world")
	}
}

func TestOpenChannelRejectedWithNoConnector(t *testing.T) {
	clientCarrier, serverCarrier, closeCarriers := newCarrierPair()
	defer closeCarriers()

	serverMux := Multiplex(serverCarrier, nil, nil, nil)
	defer serverMux.Close()
	clientMux := Multiplex(clientCarrier, nil, nil, nil)
	defer clientMux.Close()

	destination, err := ParseDestinationURL("tcp://127.0.0.1:1")
	if err != nil {
		t.Fatalf("ParseDestinationURL: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = clientMux.OpenChannel(ctx, destination)
	if !errors.Is(err, ErrChannelRejected) {
		t.Fatalf("got %v, want ErrChannelRejected", err)
	}
}

func TestOpenChannelFailsWhenDestinationUnreachable(t *testing.T) {
	// Bind and immediately close a listener to obtain a local address
	// nothing is listening on.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	unreachable := listener.Addr().String()
	listener.Close()

	clientCarrier, serverCarrier, closeCarriers := newCarrierPair()
	defer closeCarriers()

	serverMux := Multiplex(serverCarrier, NetDialConnector(nil), nil, nil)
	defer serverMux.Close()
	clientMux := Multiplex(clientCarrier, nil, nil, nil)
	defer clientMux.Close()

	destination, err := ParseDestinationURL("tcp://" + unreachable)
	if err != nil {
		t.Fatalf("ParseDestinationURL: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = clientMux.OpenChannel(ctx, destination)
	if !errors.Is(err, ErrChannelRejected) {
		t.Fatalf("got %v, want ErrChannelRejected", err)
	}
}

func TestMultiplexerCloseUnblocksPendingOpenChannel(t *testing.T) {
	clientCarrier, serverCarrier, closeCarriers := newCarrierPair()
	defer closeCarriers()

	// The server's connector blocks until its context ends, so the server
	// does not reply to OPEN and OpenChannel blocks until the client
	// multiplexer is closed out from under it.
	serverMux := Multiplex(serverCarrier, ConnectorFunc(func(ctx context.Context, destination DestinationURL) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), nil, nil)
	defer serverMux.Close()
	clientMux := Multiplex(clientCarrier, nil, nil, nil)

	destination, err := ParseDestinationURL("tcp://127.0.0.1:1")
	if err != nil {
		t.Fatalf("ParseDestinationURL: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := clientMux.OpenChannel(context.Background(), destination)
		done <- err
	}()

	// Give OpenChannel a chance to send OPEN and start waiting.
	time.Sleep(50 * time.Millisecond)
	clientMux.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrMultiplexerClosed) {
			t.Fatalf("got %v, want ErrMultiplexerClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OpenChannel did not unblock after Close")
	}
}
