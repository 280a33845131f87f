package jmux

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jmux-project/jmux/pkg/jmux/ring"
)

var (
	// ErrWriteClosed is returned from operations that fail because a channel
	// has been closed for writing (EOF sent). It is analogous to
	// net.ErrClosed but indicates only the write half is closed.
	ErrWriteClosed = errors.New("closed for writing")
	// ErrChannelRejected is returned from OpenChannel when the peer responds
	// with OPEN_FAILURE.
	ErrChannelRejected = errors.New("channel rejected")
	// errRemoteClosed wraps net.ErrClosed to indicate the remote end closed
	// the channel (CLOSE received) rather than this end.
	errRemoteClosed = fmt.Errorf("remote: %w", net.ErrClosed)
)

// windowAdjust is passed from a channel to the multiplexer's enqueue
// Goroutine to request transmission of a WINDOW_ADJUST frame.
type windowAdjust struct {
	channel LocalID
	amount  uint32
}

// Channel represents a single multiplexed channel. It implements net.Conn
// and additionally provides CloseWrite for half-closure, matching the
// EOF/CLOSE distinction between half and full closure.
type Channel struct {
	multiplexer *Multiplexer
	// local is the id this endpoint uses to refer to the channel.
	local LocalID
	// distant is the id the peer uses to refer to the channel. It is set
	// once known: immediately for channels accepted locally (known from the
	// inbound OPEN), or upon receipt of OPEN_SUCCESS for channels opened
	// locally.
	distant DistantID
	// destination is the URL this channel was opened for, if this endpoint
	// was the initiator. It is nil for accepted channels.
	destination *DestinationURL
	// opened records whether the channel ever became fully established
	// (OPEN_SUCCESS sent or received). It gates whether close sends a CLOSE
	// frame: a channel that was rejected, or whose OpenChannel call was
	// cancelled before a response arrived, was never live on the wire and
	// has nothing for the peer to close.
	opened bool

	// openResult is sent to exactly once: nil on OPEN_SUCCESS, an error
	// wrapping ErrChannelRejected on OPEN_FAILURE. It is
	// only consulted by OpenChannel; accepted channels are never pending on
	// it.
	openResult chan error

	// remoteClosedWrite is closed by the reader Goroutine upon receipt of
	// EOF from the peer.
	remoteClosedWrite chan struct{}
	// remoteClosed is closed by the reader Goroutine upon receipt of CLOSE
	// from the peer.
	remoteClosed chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	// readDeadline holds the timer regulating read deadlines; the timer
	// itself serializes Read calls, acting as a one-slot semaphore.
	readDeadline        chan *time.Timer
	readDeadlineSet      chan time.Time
	readDeadlineExpired bool

	receiveBufferLock  sync.Mutex
	receiveBuffer      *ring.Buffer
	receiveBufferReady chan struct{}
	// rxWindowConsumed is the number of bytes read from receiveBuffer since
	// the last WINDOW_ADJUST was sent. Once it reaches the configured
	// refill threshold, a WINDOW_ADJUST restoring it is enqueued, rather
	// than acknowledging every single read.
	rxWindowConsumed uint32

	closeWriteOnce sync.Once
	closedWrite    chan struct{}

	writeDeadline        chan *time.Timer
	writeDeadlineSet     chan time.Time
	writeDeadlineExpired bool

	sendWindowLock  sync.Mutex
	sendWindow      uint32
	sendWindowReady chan struct{}
	// peerMaxPacketSize bounds the size of any single DATA payload this
	// channel may send, as advertised by the peer in OPEN or OPEN_SUCCESS.
	peerMaxPacketSize uint32
}

func newStoppedTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func newChannel(multiplexer *Multiplexer, local LocalID, receiveWindow uint32) *Channel {
	channel := &Channel{
		multiplexer:        multiplexer,
		local:              local,
		openResult:         make(chan error, 1),
		remoteClosedWrite:  make(chan struct{}),
		remoteClosed:       make(chan struct{}),
		closed:             make(chan struct{}),
		readDeadline:       make(chan *time.Timer, 1),
		readDeadlineSet:    make(chan time.Time),
		receiveBuffer:      ring.NewBuffer(int(receiveWindow)),
		receiveBufferReady: make(chan struct{}, 1),
		closedWrite:        make(chan struct{}),
		writeDeadline:      make(chan *time.Timer, 1),
		writeDeadlineSet:   make(chan time.Time),
		sendWindowReady:    make(chan struct{}, 1),
	}
	channel.readDeadline <- newStoppedTimer()
	channel.writeDeadline <- newStoppedTimer()
	return channel
}

// State returns a snapshot of the channel's position in the state machine.
func (c *Channel) State() ChannelState {
	if isClosed(c.closed) || isClosed(c.remoteClosed) {
		return StateDead
	}
	if !c.opened {
		return StateOpening
	}
	localDone := isClosed(c.closedWrite)
	remoteDone := isClosed(c.remoteClosedWrite)
	switch {
	case localDone && remoteDone:
		return StateHalfClosedBoth
	case localDone:
		return StateHalfClosedLocal
	case remoteDone:
		return StateHalfClosedRemote
	default:
		return StateOpen
	}
}

// Read implements net.Conn.Read.
func (c *Channel) Read(buffer []byte) (int, error) {
	if isClosed(c.closed) {
		return 0, net.ErrClosed
	} else if isClosed(c.multiplexer.closed) {
		return 0, ErrMultiplexerClosed
	}

	var readDeadlineTimer *time.Timer
	select {
	case readDeadlineTimer = <-c.readDeadline:
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.multiplexer.closed:
		return 0, ErrMultiplexerClosed
	}
	defer func() {
		c.readDeadline <- readDeadlineTimer
	}()

	if c.readDeadlineExpired {
		return 0, os.ErrDeadlineExceeded
	} else if wasPopulatedWithTime(readDeadlineTimer.C) {
		c.readDeadlineExpired = true
		return 0, os.ErrDeadlineExceeded
	}

	var bufferReady bool
	for !bufferReady {
		select {
		case <-c.receiveBufferReady:
			bufferReady = true
		case <-c.remoteClosedWrite:
			select {
			case <-c.receiveBufferReady:
				bufferReady = true
			default:
				return 0, io.EOF
			}
		case <-c.remoteClosed:
			select {
			case <-c.receiveBufferReady:
				bufferReady = true
			default:
				return 0, io.EOF
			}
		case <-c.closed:
			return 0, net.ErrClosed
		case <-c.multiplexer.closed:
			return 0, ErrMultiplexerClosed
		case <-readDeadlineTimer.C:
			c.readDeadlineExpired = true
			return 0, os.ErrDeadlineExceeded
		case deadline := <-c.readDeadlineSet:
			setChannelDeadline(readDeadlineTimer, &c.readDeadlineExpired, deadline)
			if c.readDeadlineExpired {
				return 0, os.ErrDeadlineExceeded
			}
		}
	}

	c.receiveBufferLock.Lock()
	count, _ := c.receiveBuffer.Read(buffer)
	if c.receiveBuffer.Used() > 0 {
		c.receiveBufferReady <- struct{}{}
	}
	c.rxWindowConsumed += uint32(count)
	var adjustAmount uint32
	if c.rxWindowConsumed >= c.multiplexer.configuration.refillThresholdBytes() {
		adjustAmount = c.rxWindowConsumed
		c.rxWindowConsumed = 0
	}
	c.receiveBufferLock.Unlock()

	if adjustAmount > 0 {
		select {
		case c.multiplexer.enqueueWindowAdjust <- windowAdjust{c.local, adjustAmount}:
		case <-c.multiplexer.closed:
			return count, ErrMultiplexerClosed
		}
	}

	return count, nil
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Write implements net.Conn.Write.
func (c *Channel) Write(data []byte) (int, error) {
	if isClosed(c.closed) {
		return 0, net.ErrClosed
	} else if isClosed(c.closedWrite) {
		return 0, ErrWriteClosed
	} else if isClosed(c.multiplexer.closed) {
		return 0, ErrMultiplexerClosed
	} else if isClosed(c.remoteClosed) {
		return 0, errRemoteClosed
	}

	var writeDeadlineTimer *time.Timer
	select {
	case writeDeadlineTimer = <-c.writeDeadline:
	case <-c.closed:
		return 0, net.ErrClosed
	case <-c.closedWrite:
		return 0, ErrWriteClosed
	case <-c.multiplexer.closed:
		return 0, ErrMultiplexerClosed
	case <-c.remoteClosed:
		return 0, errRemoteClosed
	}
	defer func() {
		c.writeDeadline <- writeDeadlineTimer
	}()

	if c.writeDeadlineExpired {
		return 0, os.ErrDeadlineExceeded
	} else if wasPopulatedWithTime(writeDeadlineTimer.C) {
		c.writeDeadlineExpired = true
		return 0, os.ErrDeadlineExceeded
	}

	var count int
	for len(data) > 0 {
		var haveNonZeroSendWindow bool
		var writeBuffer *frameBuffer
		for writeBuffer == nil {
			writeBufferAvailable := c.multiplexer.writeBufferAvailable
			if !haveNonZeroSendWindow {
				writeBufferAvailable = nil
			}

			select {
			case <-c.sendWindowReady:
				haveNonZeroSendWindow = true
			case writeBuffer = <-writeBufferAvailable:
			case <-c.closed:
				return count, net.ErrClosed
			case <-c.closedWrite:
				return count, ErrWriteClosed
			case <-c.multiplexer.closed:
				return count, ErrMultiplexerClosed
			case <-c.remoteClosed:
				return count, errRemoteClosed
			case <-writeDeadlineTimer.C:
				if haveNonZeroSendWindow {
					c.sendWindowLock.Lock()
					c.sendWindowReady <- struct{}{}
					c.sendWindowLock.Unlock()
				}
				c.writeDeadlineExpired = true
				return count, os.ErrDeadlineExceeded
			case deadline := <-c.writeDeadlineSet:
				setChannelDeadline(writeDeadlineTimer, &c.writeDeadlineExpired, deadline)
				if c.writeDeadlineExpired {
					if haveNonZeroSendWindow {
						c.sendWindowLock.Lock()
						c.sendWindowReady <- struct{}{}
						c.sendWindowLock.Unlock()
					}
					return count, os.ErrDeadlineExceeded
				}
			}
		}

		c.sendWindowLock.Lock()
		maxChunk := minUint32(uint32(len(data)), MaxDataPayload)
		if c.peerMaxPacketSize > 0 {
			maxChunk = minUint32(maxChunk, c.peerMaxPacketSize)
		}
		window := minUint32(c.sendWindow, maxChunk)
		c.sendWindow -= window
		if c.sendWindow > 0 {
			c.sendWindowReady <- struct{}{}
		}
		c.sendWindowLock.Unlock()

		writeBuffer.encodeData(DataMessage{RecipientID: uint32(c.distant), Payload: data[:window]})
		c.multiplexer.enqueueData(c.local, writeBuffer)

		data = data[window:]
		count += int(window)
	}

	return count, nil
}

func (c *Channel) closeWrite(sendEOF bool) (err error) {
	c.closeWriteOnce.Do(func() {
		close(c.closedWrite)

		writeDeadlineTimer := <-c.writeDeadline
		writeDeadlineTimer.Stop()

		if sendEOF {
			select {
			case c.multiplexer.enqueueEOF <- c.local:
			case <-c.multiplexer.closed:
				err = ErrMultiplexerClosed
			}
		}
	})
	return
}

// CloseWrite performs half-closure of the channel: it sends EOF and
// unblocks any in-progress Write or SetWriteDeadline calls. Subsequent
// calls are no-ops and return nil.
func (c *Channel) CloseWrite() error {
	return c.closeWrite(true)
}

func (c *Channel) close(sendClose bool) (err error) {
	c.closeWrite(false)

	c.closeOnce.Do(func() {
		close(c.closed)

		readDeadlineTimer := <-c.readDeadline
		readDeadlineTimer.Stop()

		if sendClose && c.opened {
			select {
			case c.multiplexer.enqueueClose <- c.local:
			case <-c.multiplexer.closed:
				err = ErrMultiplexerClosed
			}
		}

		c.multiplexer.channelLock.Lock()
		delete(c.multiplexer.channels, c.local)
		c.multiplexer.channelLock.Unlock()
		c.multiplexer.releaseID(c.local)
	})
	return
}

// Close implements net.Conn.Close. Subsequent calls are no-ops and return
// nil.
func (c *Channel) Close() error {
	return c.close(true)
}

// LocalAddr implements net.Conn.LocalAddr.
func (c *Channel) LocalAddr() net.Addr {
	return &channelAddress{local: c.local, distant: c.distant, destination: c.destination}
}

// RemoteAddr implements net.Conn.RemoteAddr.
func (c *Channel) RemoteAddr() net.Addr {
	return &channelAddress{local: c.local, distant: c.distant, destination: c.destination}
}

// SetDeadline implements net.Conn.SetDeadline.
func (c *Channel) SetDeadline(deadline time.Time) error {
	if err := c.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("unable to set read deadline: %w", err)
	}
	if err := c.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("unable to set write deadline: %w", err)
	}
	return nil
}

func setChannelDeadline(timer *time.Timer, expired *bool, deadline time.Time) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}

	if deadline.IsZero() {
		*expired = false
	} else if duration := time.Until(deadline); duration <= 0 {
		*expired = true
	} else {
		timer.Reset(duration)
	}
}

// SetReadDeadline implements net.Conn.SetReadDeadline.
func (c *Channel) SetReadDeadline(deadline time.Time) error {
	select {
	case readDeadlineTimer := <-c.readDeadline:
		setChannelDeadline(readDeadlineTimer, &c.readDeadlineExpired, deadline)
		c.readDeadline <- readDeadlineTimer
		return nil
	case c.readDeadlineSet <- deadline:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline.
func (c *Channel) SetWriteDeadline(deadline time.Time) error {
	select {
	case writeDeadlineTimer := <-c.writeDeadline:
		setChannelDeadline(writeDeadlineTimer, &c.writeDeadlineExpired, deadline)
		c.writeDeadline <- writeDeadlineTimer
		return nil
	case c.writeDeadlineSet <- deadline:
		return nil
	case <-c.closedWrite:
		return ErrWriteClosed
	}
}
