package jmux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/jmux-project/jmux/pkg/logging"
	"github.com/jmux-project/jmux/pkg/must"
)

var (
	// ErrMultiplexerClosed is returned from operations that fail because the
	// multiplexer has been closed.
	ErrMultiplexerClosed = errors.New("multiplexer closed")
	// errChannelsExhausted is returned by OpenChannel when no local channel
	// id is available (see Configuration.MaxChannels).
	errChannelsExhausted = errors.New("maximum number of channels reached")
)

// Multiplexer runs the JMUX protocol over a single Carrier, presenting
// channels to local callers via OpenChannel and, for inbound OPEN requests,
// via an injected Connector. A Multiplexer is symmetric: either
// endpoint of a carrier may call OpenChannel, and either may accept inbound
// channels by configuring a Connector, independent of which process is
// conventionally thought of as "client" or "server".
type Multiplexer struct {
	configuration *Configuration
	connector     Connector
	logger        *logging.Logger
	instance      uuid.UUID
	addr          *multiplexerAddress

	closeOnce          sync.Once
	closer             io.Closer
	closed             chan struct{}
	internalErrorLock  sync.RWMutex
	internalError      error

	channelLock sync.Mutex
	nextID      LocalID
	freeIDs     []LocalID
	channels    map[LocalID]*Channel

	writeBufferAvailable chan *frameBuffer
	controlBufferPending chan *frameBuffer // control-class frames, given priority by the writer loop

	// dataLock guards dataQueues and dataOrder, the per-channel DATA-class
	// outbound queues. Channel.Write appends to these directly; the writer
	// goroutine drains them round-robin via nextDataFrame.
	dataLock   sync.Mutex
	dataQueues map[LocalID][]*frameBuffer
	dataOrder  []LocalID
	dataReady  chan struct{}

	enqueueWindowAdjust chan windowAdjust
	enqueueEOF          chan LocalID
	enqueueClose        chan LocalID
}

// Multiplex starts a Multiplexer on top of an existing carrier, which the
// Multiplexer takes ownership of: it must not be used directly afterward.
// If configuration is nil, DefaultConfiguration is used. If connector is
// nil, every inbound OPEN is refused with ReasonConnectionNotAllowedByRuleset.
// If logger is nil, logging is a no-op.
func Multiplex(carrier Carrier, connector Connector, configuration *Configuration, logger *logging.Logger) *Multiplexer {
	if configuration == nil {
		configuration = DefaultConfiguration()
	} else {
		configuration.normalize()
	}

	m := &Multiplexer{
		configuration:         configuration,
		connector:             connector,
		logger:                logger,
		instance:              uuid.New(),
		closer:                carrier,
		closed:                make(chan struct{}),
		channels:              make(map[LocalID]*Channel),
		writeBufferAvailable:  make(chan *frameBuffer, configuration.WriteBufferCount),
		controlBufferPending:  make(chan *frameBuffer, configuration.WriteBufferCount),
		dataQueues:            make(map[LocalID][]*frameBuffer),
		dataReady:             make(chan struct{}, 1),
		enqueueWindowAdjust:   make(chan windowAdjust),
		enqueueEOF:            make(chan LocalID),
		enqueueClose:          make(chan LocalID),
	}
	m.addr = &multiplexerAddress{carrierDescription: m.instance.String()}
	for i := 0; i < configuration.WriteBufferCount; i++ {
		m.writeBufferAvailable <- newFrameBuffer()
	}

	go m.run(carrier)

	return m
}

func (m *Multiplexer) run(carrier Carrier) {
	readErrors := make(chan error, 1)
	go func() {
		readErrors <- m.read(carrier)
	}()

	writeErrors := make(chan error, 1)
	go func() {
		writeErrors <- m.write(carrier)
	}()

	go m.enqueue()

	select {
	case err := <-readErrors:
		m.closeWithError(fmt.Errorf("read error: %w", err))
	case err := <-writeErrors:
		m.closeWithError(fmt.Errorf("write error: %w", err))
	case <-m.closed:
	}
}

// read is the entry point for the reader goroutine. Because every JMUX
// frame carries its own length in a fixed 4-byte header, the reader can
// always assemble one complete frame before calling Decode, rather than
// threading a resumable parser state through partial reads the way a
// variable-length-prefix wire format would require.
func (m *Multiplexer) read(carrier Carrier) error {
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(carrier, header[:]); err != nil {
			return fmt.Errorf("unable to read frame header: %w", err)
		}
		size := int(binary.BigEndian.Uint16(header[1:3]))
		if size < headerSize {
			return fmt.Errorf("invalid frame: msg_size %d smaller than header", size)
		}

		frame := make([]byte, size)
		copy(frame, header[:])
		if remaining := size - headerSize; remaining > 0 {
			if _, err := io.ReadFull(carrier, frame[headerSize:]); err != nil {
				return fmt.Errorf("unable to read frame body: %w", err)
			}
		}

		message, _, err := Decode(frame)
		if err != nil {
			return fmt.Errorf("invalid frame: %w", err)
		}
		if err := m.handleMessage(message); err != nil {
			return err
		}
	}
}

func (m *Multiplexer) handleMessage(message Message) error {
	switch msg := message.(type) {
	case OpenMessage:
		return m.handleOpen(msg)
	case OpenSuccessMessage:
		return m.handleOpenSuccess(msg)
	case OpenFailureMessage:
		return m.handleOpenFailure(msg)
	case WindowAdjustMessage:
		return m.handleWindowAdjust(msg)
	case DataMessage:
		return m.handleData(msg)
	case EOFMessage:
		return m.handleEOF(msg)
	case CloseMessage:
		return m.handleClose(msg)
	default:
		return fmt.Errorf("unhandled message type %T", message)
	}
}

func (m *Multiplexer) handleOpen(msg OpenMessage) error {
	distant := DistantID(msg.SenderID)
	if m.connector == nil {
		m.sendOpenFailure(distant, ReasonConnectionNotAllowedByRuleset, "no connector configured")
		return nil
	}
	go m.acceptOpen(distant, msg)
	return nil
}

// acceptOpen dials msg.Destination via the configured Connector and replies
// with OPEN_SUCCESS or OPEN_FAILURE. It runs in its own goroutine per
// request so that a slow dial never blocks the reader loop or other pending
// opens.
func (m *Multiplexer) acceptOpen(distant DistantID, msg OpenMessage) {
	ctx := context.Background()
	var cancel context.CancelFunc
	if m.configuration.OpenTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.configuration.OpenTimeout)
		defer cancel()
	}

	conn, err := m.connector.Connect(ctx, msg.Destination)
	if err != nil {
		m.sendOpenFailure(distant, ReasonCodeFromError(err), err.Error())
		return
	}

	local, err := m.allocateID()
	if err != nil {
		must.Close(conn, m.logger)
		m.sendOpenFailure(distant, ReasonGeneralFailure, err.Error())
		return
	}

	channel := newChannel(m, local, m.configuration.InitialWindow)
	channel.distant = distant
	channel.opened = true
	channel.peerMaxPacketSize = uint32(msg.MaxPacketSize)
	if msg.InitialWindow > 0 {
		channel.sendWindow = msg.InitialWindow
		channel.sendWindowReady <- struct{}{}
	}

	m.channelLock.Lock()
	m.channels[local] = channel
	m.channelLock.Unlock()

	m.sendOpenSuccess(OpenSuccessMessage{
		RecipientID:   uint32(distant),
		SenderID:      uint32(local),
		InitialWindow: m.configuration.InitialWindow,
		MaxPacketSize: uint16(m.configuration.MaxPacketSize),
	})

	ForwardAndClose(context.Background(), channel, conn, m.logger)
}

func (m *Multiplexer) handleOpenSuccess(msg OpenSuccessMessage) error {
	local := LocalID(msg.RecipientID)
	m.channelLock.Lock()
	channel := m.channels[local]
	m.channelLock.Unlock()
	if channel == nil {
		return nil
	}

	select {
	case channel.openResult <- nil:
	default:
		return errors.New("OPEN_SUCCESS received for an already-resolved channel")
	}

	channel.distant = DistantID(msg.SenderID)
	channel.opened = true
	channel.peerMaxPacketSize = uint32(msg.MaxPacketSize)
	channel.sendWindowLock.Lock()
	channel.sendWindow = msg.InitialWindow
	if msg.InitialWindow > 0 {
		channel.sendWindowReady <- struct{}{}
	}
	channel.sendWindowLock.Unlock()
	return nil
}

func (m *Multiplexer) handleOpenFailure(msg OpenFailureMessage) error {
	local := LocalID(msg.RecipientID)
	m.channelLock.Lock()
	channel := m.channels[local]
	m.channelLock.Unlock()
	if channel == nil {
		return nil
	}

	description := msg.Description
	if description == "" {
		description = msg.ReasonCode.String()
	}
	select {
	case channel.openResult <- fmt.Errorf("%w: %s", ErrChannelRejected, description):
	default:
		return errors.New("OPEN_FAILURE received for an already-resolved channel")
	}
	return nil
}

func (m *Multiplexer) handleWindowAdjust(msg WindowAdjustMessage) error {
	local := LocalID(msg.RecipientID)
	m.channelLock.Lock()
	channel := m.channels[local]
	m.channelLock.Unlock()
	if channel == nil {
		return fmt.Errorf("WINDOW_ADJUST received for unknown channel %s", local)
	}

	channel.sendWindowLock.Lock()
	defer channel.sendWindowLock.Unlock()
	if math.MaxUint32-channel.sendWindow < msg.Adjustment {
		return errors.New("window adjustment overflows maximum value")
	}
	wasZero := channel.sendWindow == 0
	channel.sendWindow += msg.Adjustment
	if wasZero && channel.sendWindow > 0 {
		channel.sendWindowReady <- struct{}{}
	}
	return nil
}

func (m *Multiplexer) handleData(msg DataMessage) error {
	local := LocalID(msg.RecipientID)
	m.channelLock.Lock()
	channel := m.channels[local]
	m.channelLock.Unlock()
	if channel == nil {
		return fmt.Errorf("DATA received for unknown channel %s", local)
	}

	if len(msg.Payload) > int(m.configuration.MaxPacketSize) {
		return fmt.Errorf("DATA payload of %d bytes exceeds advertised max packet size of %d", len(msg.Payload), m.configuration.MaxPacketSize)
	}

	if isClosed(channel.remoteClosedWrite) {
		return errors.New("DATA received for a channel already sent EOF")
	} else if isClosed(channel.remoteClosed) {
		return errors.New("DATA received for a closed channel")
	}

	channel.receiveBufferLock.Lock()
	_, err := channel.receiveBuffer.Write(msg.Payload)
	used := channel.receiveBuffer.Used()
	channel.receiveBufferLock.Unlock()
	if err != nil {
		return errors.New("peer violated channel receive window")
	}
	if used == len(msg.Payload) {
		channel.receiveBufferReady <- struct{}{}
	}
	return nil
}

func (m *Multiplexer) handleEOF(msg EOFMessage) error {
	local := LocalID(msg.RecipientID)
	m.channelLock.Lock()
	channel := m.channels[local]
	m.channelLock.Unlock()
	if channel == nil {
		// The channel may have already been closed and deregistered locally
		// while this EOF was in flight; that race is expected, not a
		// protocol violation (see DESIGN.md).
		return nil
	}
	if isClosed(channel.remoteClosed) {
		return errors.New("EOF received for a closed channel")
	} else if isClosed(channel.remoteClosedWrite) {
		return errors.New("EOF received twice for the same channel")
	}
	close(channel.remoteClosedWrite)
	return nil
}

func (m *Multiplexer) handleClose(msg CloseMessage) error {
	local := LocalID(msg.RecipientID)
	m.channelLock.Lock()
	channel := m.channels[local]
	m.channelLock.Unlock()
	if channel == nil {
		// Simultaneous close: both ends may send CLOSE independently, and
		// this end may have already deregistered the channel by the time
		// the peer's CLOSE arrives.
		return nil
	}
	if isClosed(channel.remoteClosed) {
		return errors.New("CLOSE received twice for the same channel")
	}
	close(channel.remoteClosed)
	return nil
}

// enqueueData appends a data-class frame to the given channel's outbound
// queue, registering it in the round-robin rotation if it wasn't already
// pending, and wakes the writer goroutine.
func (m *Multiplexer) enqueueData(id LocalID, wb *frameBuffer) {
	m.dataLock.Lock()
	queue, pending := m.dataQueues[id]
	m.dataQueues[id] = append(queue, wb)
	if !pending {
		m.dataOrder = append(m.dataOrder, id)
	}
	m.dataLock.Unlock()

	select {
	case m.dataReady <- struct{}{}:
	default:
	}
}

// nextDataFrame pops one frame from the channel at the front of the
// round-robin rotation and, if that channel still has frames queued behind
// it, moves it to the back of the rotation. This guarantees that no
// channel is served a second time before every other channel with pending
// data has had a turn, bounding how long any one channel can be starved by
// the rest.
func (m *Multiplexer) nextDataFrame() (*frameBuffer, bool) {
	m.dataLock.Lock()
	defer m.dataLock.Unlock()

	for len(m.dataOrder) > 0 {
		id := m.dataOrder[0]
		m.dataOrder = m.dataOrder[1:]

		queue := m.dataQueues[id]
		if len(queue) == 0 {
			delete(m.dataQueues, id)
			continue
		}

		wb := queue[0]
		queue = queue[1:]
		if len(queue) > 0 {
			m.dataQueues[id] = queue
			m.dataOrder = append(m.dataOrder, id)
		} else {
			delete(m.dataQueues, id)
		}
		return wb, true
	}
	return nil, false
}

// write is the entry point for the writer goroutine. It prefers control
// frames (OPEN, OPEN_SUCCESS, OPEN_FAILURE, WINDOW_ADJUST, EOF, CLOSE) over
// DATA frames whenever both are available, so that flow-control and
// lifecycle messages never queue up behind a data transfer, and serves
// DATA frames round-robin across channels via nextDataFrame so that one
// busy channel cannot starve the others.
func (m *Multiplexer) write(writer Carrier) error {
	for {
		select {
		case wb := <-m.controlBufferPending:
			if _, err := wb.WriteTo(writer); err != nil {
				return fmt.Errorf("unable to write control frame: %w", err)
			}
			m.writeBufferAvailable <- wb
			continue
		default:
		}

		if wb, ok := m.nextDataFrame(); ok {
			if _, err := wb.WriteTo(writer); err != nil {
				return fmt.Errorf("unable to write data frame: %w", err)
			}
			m.writeBufferAvailable <- wb
			continue
		}

		select {
		case wb := <-m.controlBufferPending:
			if _, err := wb.WriteTo(writer); err != nil {
				return fmt.Errorf("unable to write control frame: %w", err)
			}
			m.writeBufferAvailable <- wb
		case <-m.dataReady:
		case <-m.closed:
			return ErrMultiplexerClosed
		}
	}
}

// enqueue is the entry point for the goroutine that turns channel-local
// lifecycle and flow-control events into encoded control frames.
func (m *Multiplexer) enqueue() {
	for {
		select {
		case adjust := <-m.enqueueWindowAdjust:
			m.emitControl(func(fb *frameBuffer) {
				fb.encodeWindowAdjust(WindowAdjustMessage{RecipientID: uint32(adjust.channel), Adjustment: adjust.amount})
			})
		case local := <-m.enqueueEOF:
			m.emitControl(func(fb *frameBuffer) {
				fb.encodeEOF(EOFMessage{RecipientID: uint32(local)})
			})
		case local := <-m.enqueueClose:
			m.emitControl(func(fb *frameBuffer) {
				fb.encodeClose(CloseMessage{RecipientID: uint32(local)})
			})
		case <-m.closed:
			return
		}
	}
}

func (m *Multiplexer) sendOpenSuccess(msg OpenSuccessMessage) {
	m.emitControl(func(fb *frameBuffer) { fb.encodeOpenSuccess(msg) })
}

func (m *Multiplexer) sendOpenFailure(distant DistantID, reason ReasonCode, description string) {
	m.emitControl(func(fb *frameBuffer) {
		fb.encodeOpenFailure(OpenFailureMessage{RecipientID: uint32(distant), ReasonCode: reason, Description: description})
	})
}

// emitControl acquires a write buffer, encodes a single control frame into
// it, and hands it to the priority lane. It blocks until a buffer is
// available or the multiplexer closes.
func (m *Multiplexer) emitControl(encode func(*frameBuffer)) {
	select {
	case wb := <-m.writeBufferAvailable:
		encode(wb)
		select {
		case m.controlBufferPending <- wb:
		case <-m.closed:
		}
	case <-m.closed:
	}
}

func (m *Multiplexer) allocateID() (LocalID, error) {
	m.channelLock.Lock()
	defer m.channelLock.Unlock()
	if n := len(m.freeIDs); n > 0 {
		id := m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
		return id, nil
	}
	if int(m.nextID) >= m.configuration.MaxChannels {
		return 0, errChannelsExhausted
	}
	m.nextID++
	return m.nextID, nil
}

func (m *Multiplexer) releaseID(id LocalID) {
	m.channelLock.Lock()
	m.freeIDs = append(m.freeIDs, id)
	m.channelLock.Unlock()
}

// Addr returns the multiplexer's address, identifying the multiplexer
// instance by its UUID.
func (m *Multiplexer) Addr() net.Addr {
	return m.addr
}

// OpenChannel requests that the peer open a channel to destination,
// cancelling the request if ctx is done, Configuration.OpenTimeout elapses,
// an error occurs, or the multiplexer closes. ctx only regulates the open
// operation itself, not the lifetime of the resulting channel.
func (m *Multiplexer) OpenChannel(ctx context.Context, destination DestinationURL) (*Channel, error) {
	if m.configuration.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.configuration.OpenTimeout)
		defer cancel()
	}

	local, err := m.allocateID()
	if err != nil {
		return nil, err
	}

	channel := newChannel(m, local, m.configuration.InitialWindow)
	channel.destination = &destination

	m.channelLock.Lock()
	m.channels[local] = channel
	m.channelLock.Unlock()

	var sentOpen, resolved bool
	defer func() {
		if !resolved {
			channel.close(sentOpen)
		}
	}()

	select {
	case wb := <-m.writeBufferAvailable:
		wb.encodeOpen(OpenMessage{
			SenderID:      uint32(local),
			InitialWindow: m.configuration.InitialWindow,
			MaxPacketSize: uint16(m.configuration.MaxPacketSize),
			Destination:   destination,
		})
		select {
		case m.controlBufferPending <- wb:
			sentOpen = true
		case <-m.closed:
			return nil, ErrMultiplexerClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrMultiplexerClosed
	}

	select {
	case openErr := <-channel.openResult:
		if openErr != nil {
			return nil, openErr
		}
		resolved = true
		return channel, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrMultiplexerClosed
	}
}

// Closed returns a channel that is closed once the multiplexer closes, due
// either to an internal failure or a call to Close.
func (m *Multiplexer) Closed() <-chan struct{} {
	return m.closed
}

// InternalError returns the error that caused the multiplexer to close, if
// closure was not the result of a direct call to Close.
func (m *Multiplexer) InternalError() error {
	m.internalErrorLock.RLock()
	defer m.internalErrorLock.RUnlock()
	return m.internalError
}

func (m *Multiplexer) closeWithError(internalError error) (err error) {
	m.closeOnce.Do(func() {
		err = m.closer.Close()
		if internalError != nil {
			m.internalErrorLock.Lock()
			m.internalError = internalError
			m.internalErrorLock.Unlock()
			if m.logger != nil {
				m.logger.Warnf("multiplexer closing: %s", internalError.Error())
			}
		}
		close(m.closed)
	})
	return
}

// Close shuts down the multiplexer and its carrier. Subsequent calls are
// no-ops and return nil.
func (m *Multiplexer) Close() error {
	return m.closeWithError(nil)
}
