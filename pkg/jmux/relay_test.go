package jmux

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPipe returns two ends of a real loopback TCP connection, since
// ForwardAndClose requires both its arguments to support CloseWrite.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("unable to dial: %v", err)
	}
	return client, <-accepted
}

func TestForwardAndCloseRelaysBothDirections(t *testing.T) {
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
	peer := <-peerAccepted

	// The responder side of this channel is already being forwarded by
	// acceptOpen against peer. Exercise the initiator side's own use of
	// ForwardAndClose by relaying the client channel against a fresh local
	// TCP connection.
	localClient, localServer := tcpPipe(t)
	relayDone := make(chan struct{})
	go func() {
		ForwardAndClose(context.Background(), channel, localServer, nil)
		close(relayDone)
	}()

	if _, err := localClient.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 4)
	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(peer, buf); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("peer got %q, want %q", buf, "ping")
	}

	if _, err := peer.Write([]byte("pong")); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	buf2 := make([]byte, 4)
	localClient.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(localClient, buf2); err != nil {
		t.Fatalf("local client read: %v", err)
	}
	if string(buf2) != "pong" {
		t.Fatalf("local client got %q, want %q", buf2, "pong")
	}

	// Closing both real endpoints lets both copy loops see a clean EOF, so
	// ForwardAndClose should return on its own.
	localClient.Close()
	peer.Close()

	select {
	case <-relayDone:
	case <-time.After(5 * time.Second):
		t.Fatal("ForwardAndClose did not complete after both ends closed")
	}
}

func TestForwardAndClosePanicsWithoutCloseWrite(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when external connection lacks CloseWrite")
		}
	}()

	clientCarrier, serverCarrier, closeCarriers := newCarrierPair()
	defer closeCarriers()
	clientMux := Multiplex(clientCarrier, nil, nil, nil)
	defer clientMux.Close()
	serverMux := Multiplex(serverCarrier, nil, nil, nil)
	defer serverMux.Close()

	channel := newChannel(clientMux, 1, clientMux.configuration.InitialWindow)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ForwardAndClose(context.Background(), channel, a, nil)
}
