package jmux

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/jmux-project/jmux/pkg/jmux/ring"
)

// messageKind encodes a message kind on the wire.
type messageKind uint8

const (
	msgOpen         messageKind = 100
	msgOpenSuccess  messageKind = 101
	msgOpenFailure  messageKind = 102
	msgWindowAdjust messageKind = 103
	msgData         messageKind = 104
	msgEOF          messageKind = 105
	msgClose        messageKind = 106
)

func (k messageKind) String() string {
	switch k {
	case msgOpen:
		return "OPEN"
	case msgOpenSuccess:
		return "OPEN_SUCCESS"
	case msgOpenFailure:
		return "OPEN_FAILURE"
	case msgWindowAdjust:
		return "WINDOW_ADJUST"
	case msgData:
		return "DATA"
	case msgEOF:
		return "EOF"
	case msgClose:
		return "CLOSE"
	default:
		return fmt.Sprintf("0x%02x", uint8(k))
	}
}

const (
	// headerSize is the size of the fixed 4-byte frame header.
	headerSize = 4
	// maxFrameSize is the largest a single encoded frame may be; it is fixed
	// by the 16-bit msg_size field and cannot be exceeded on the wire.
	maxFrameSize = 1<<16 - 1

	openFixedSize         = 4 + 4 + 2 // sender_id, initial_window, max_packet_size
	openSuccessFixedSize  = 4 + 4 + 4 + 2
	openFailureFixedSize  = 4 + 4
	windowAdjustFixedSize = 4 + 4
	dataFixedSize         = 4
	eofFixedSize          = 4
	closeFixedSize        = 4

	// MaxDataPayload is the largest payload a single DATA frame can carry
	// given the fixed 4-byte header and 4-byte recipient id. The multiplexer
	// must also respect the peer-advertised max_packet_size, which may be
	// smaller.
	MaxDataPayload = maxFrameSize - headerSize - dataFixedSize
)

// Message is implemented by each of the seven JMUX wire message types.
type Message interface {
	messageKind() messageKind
}

// OpenMessage requests that the peer establish a new channel to Destination,
// announcing SenderID as the id the sender will use to refer to the new
// channel (i.e. the new channel's id in the sender's own local id space).
type OpenMessage struct {
	SenderID      uint32
	InitialWindow uint32
	MaxPacketSize uint16
	Destination   DestinationURL
}

func (OpenMessage) messageKind() messageKind { return msgOpen }

// OpenSuccessMessage confirms that the channel identified (from the
// recipient's perspective) by RecipientID was established, and announces
// SenderID as the responder's own id for that same channel.
type OpenSuccessMessage struct {
	RecipientID   uint32
	SenderID      uint32
	InitialWindow uint32
	MaxPacketSize uint16
}

func (OpenSuccessMessage) messageKind() messageKind { return msgOpenSuccess }

// OpenFailureMessage reports that the open request for RecipientID could not
// be satisfied.
type OpenFailureMessage struct {
	RecipientID uint32
	ReasonCode  ReasonCode
	Description string
}

func (OpenFailureMessage) messageKind() messageKind { return msgOpenFailure }

// WindowAdjustMessage grants the recipient Adjustment additional bytes of
// send window on the channel identified by RecipientID.
type WindowAdjustMessage struct {
	RecipientID uint32
	Adjustment  uint32
}

func (WindowAdjustMessage) messageKind() messageKind { return msgWindowAdjust }

// DataMessage carries Payload bytes for the channel identified by
// RecipientID.
type DataMessage struct {
	RecipientID uint32
	Payload     []byte
}

func (DataMessage) messageKind() messageKind { return msgData }

// EOFMessage signals that the sender will transmit no further DATA on the
// channel identified by RecipientID. This is a half-close, not a full close.
type EOFMessage struct {
	RecipientID uint32
}

func (EOFMessage) messageKind() messageKind { return msgEOF }

// CloseMessage signals unconditional closure of the channel identified by
// RecipientID.
type CloseMessage struct {
	RecipientID uint32
}

func (CloseMessage) messageKind() messageKind { return msgClose }

// Decode parses the single complete frame at the start of buf, returning the
// decoded message and the number of bytes it consumed. Per the decoder
// contract, three outcomes are possible:
//
//   - a complete message and its consumed byte count;
//   - *NotEnoughBytesError, indicating buf must be grown and decoding
//     retried — this is not a protocol error;
//   - any other error, which is a protocol error: the caller must treat the
//     carrier as unusable.
//
// No frame is ever partially consumed: on any non-NotEnoughBytesError
// failure, consumed is always 0.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < headerSize {
		return nil, 0, &NotEnoughBytesError{Name: "header", Received: len(buf), Expected: headerSize}
	}

	kind := messageKind(buf[0])
	size := int(binary.BigEndian.Uint16(buf[1:3]))
	// buf[3] is msg_flags: reserved, senders write 0, receivers ignore it.

	if size < headerSize {
		return nil, 0, &InvalidPacketError{Name: kind.String(), Field: "msgSize", Reason: "too small"}
	}
	if len(buf) < size {
		return nil, 0, &NotEnoughBytesError{Name: kind.String(), Received: len(buf), Expected: size}
	}
	body := buf[headerSize:size]

	switch kind {
	case msgOpen:
		return decodeOpen(body, size)
	case msgOpenSuccess:
		return decodeOpenSuccess(body, size)
	case msgOpenFailure:
		return decodeOpenFailure(body, size)
	case msgWindowAdjust:
		return decodeWindowAdjust(body, size)
	case msgData:
		return decodeData(body, size)
	case msgEOF:
		return decodeEOF(body, size)
	case msgClose:
		return decodeClose(body, size)
	default:
		return nil, 0, &InvalidPacketError{
			Name: "header", Field: "msgType",
			Reason: fmt.Sprintf("unknown message type %d", uint8(kind)),
		}
	}
}

func tooShortForFixedPart(body []byte, fixed int, kind messageKind) error {
	if len(body) < fixed {
		return &InvalidPacketError{Name: kind.String(), Field: "msgSize", Reason: "too small for fixed part"}
	}
	return nil
}

func decodeOpen(body []byte, size int) (Message, int, error) {
	if err := tooShortForFixedPart(body, openFixedSize, msgOpen); err != nil {
		return nil, 0, err
	}
	senderID := binary.BigEndian.Uint32(body[0:4])
	initialWindow := binary.BigEndian.Uint32(body[4:8])
	maxPacketSize := binary.BigEndian.Uint16(body[8:10])
	tail := body[openFixedSize:]
	if !utf8.Valid(tail) {
		return nil, 0, &InvalidPacketError{Name: msgOpen.String(), Field: "destinationUrl", Reason: "not valid UTF-8"}
	}
	destination, err := ParseDestinationURL(string(tail))
	if err != nil {
		return nil, 0, err
	}
	return OpenMessage{
		SenderID:      senderID,
		InitialWindow: initialWindow,
		MaxPacketSize: maxPacketSize,
		Destination:   destination,
	}, size, nil
}

func decodeOpenSuccess(body []byte, size int) (Message, int, error) {
	if len(body) != openSuccessFixedSize {
		return nil, 0, &InvalidPacketError{Name: msgOpenSuccess.String(), Field: "msgSize", Reason: "unexpected trailing bytes"}
	}
	return OpenSuccessMessage{
		RecipientID:   binary.BigEndian.Uint32(body[0:4]),
		SenderID:      binary.BigEndian.Uint32(body[4:8]),
		InitialWindow: binary.BigEndian.Uint32(body[8:12]),
		MaxPacketSize: binary.BigEndian.Uint16(body[12:14]),
	}, size, nil
}

func decodeOpenFailure(body []byte, size int) (Message, int, error) {
	if err := tooShortForFixedPart(body, openFailureFixedSize, msgOpenFailure); err != nil {
		return nil, 0, err
	}
	recipientID := binary.BigEndian.Uint32(body[0:4])
	reasonCode := ReasonCode(binary.BigEndian.Uint32(body[4:8]))
	tail := body[openFailureFixedSize:]
	if !utf8.Valid(tail) {
		return nil, 0, &InvalidPacketError{Name: msgOpenFailure.String(), Field: "description", Reason: "not valid UTF-8"}
	}
	return OpenFailureMessage{
		RecipientID: recipientID,
		ReasonCode:  reasonCode,
		Description: string(tail),
	}, size, nil
}

func decodeWindowAdjust(body []byte, size int) (Message, int, error) {
	if len(body) != windowAdjustFixedSize {
		return nil, 0, &InvalidPacketError{Name: msgWindowAdjust.String(), Field: "msgSize", Reason: "unexpected trailing bytes"}
	}
	return WindowAdjustMessage{
		RecipientID: binary.BigEndian.Uint32(body[0:4]),
		Adjustment:  binary.BigEndian.Uint32(body[4:8]),
	}, size, nil
}

func decodeData(body []byte, size int) (Message, int, error) {
	if err := tooShortForFixedPart(body, dataFixedSize, msgData); err != nil {
		return nil, 0, err
	}
	recipientID := binary.BigEndian.Uint32(body[0:4])
	payload := body[dataFixedSize:]
	return DataMessage{RecipientID: recipientID, Payload: payload}, size, nil
}

func decodeEOF(body []byte, size int) (Message, int, error) {
	if len(body) != eofFixedSize {
		return nil, 0, &InvalidPacketError{Name: msgEOF.String(), Field: "msgSize", Reason: "unexpected trailing bytes"}
	}
	return EOFMessage{RecipientID: binary.BigEndian.Uint32(body[0:4])}, size, nil
}

func decodeClose(body []byte, size int) (Message, int, error) {
	if len(body) != closeFixedSize {
		return nil, 0, &InvalidPacketError{Name: msgClose.String(), Field: "msgSize", Reason: "unexpected trailing bytes"}
	}
	return CloseMessage{RecipientID: binary.BigEndian.Uint32(body[0:4])}, size, nil
}

// frameBuffer is a reusable buffer for encoding and transmitting frames. It
// is guaranteed to have enough capacity to hold any single valid frame, so
// the multiplexer can pool a small, fixed number of them (configuration.go)
// rather than allocating per message.
type frameBuffer struct {
	ring    *ring.Buffer
	scratch [4]byte
}

func newFrameBuffer() *frameBuffer {
	return &frameBuffer{ring: ring.NewBuffer(maxFrameSize)}
}

// WriteTo implements io.WriterTo, draining the encoded frame to writer.
func (f *frameBuffer) WriteTo(writer io.Writer) (int64, error) {
	return f.ring.WriteTo(writer)
}

func (f *frameBuffer) reset() {
	f.ring.Reset()
}

func (f *frameBuffer) writeHeader(kind messageKind, size int) {
	f.ring.WriteByte(byte(kind))
	binary.BigEndian.PutUint16(f.scratch[:2], uint16(size))
	f.ring.Write(f.scratch[:2])
	f.ring.WriteByte(0) // msg_flags: reserved, must be 0
}

func (f *frameBuffer) writeUint32(v uint32) {
	binary.BigEndian.PutUint32(f.scratch[:4], v)
	f.ring.Write(f.scratch[:4])
}

func (f *frameBuffer) writeUint16(v uint16) {
	binary.BigEndian.PutUint16(f.scratch[:2], v)
	f.ring.Write(f.scratch[:2])
}

// encodeOpen encodes an OPEN frame. It panics if the encoded frame would
// exceed maxFrameSize: this is a programmer error, since
// the caller chose the destination string and had no reason to hand the
// codec one that doesn't fit.
func (f *frameBuffer) encodeOpen(m OpenMessage) {
	tail := []byte(m.Destination.String())
	size := headerSize + openFixedSize + len(tail)
	if size > maxFrameSize {
		panic(&PacketOversizedError{PacketSize: size, Max: maxFrameSize})
	}
	f.writeHeader(msgOpen, size)
	f.writeUint32(m.SenderID)
	f.writeUint32(m.InitialWindow)
	f.writeUint16(m.MaxPacketSize)
	f.ring.Write(tail)
}

func (f *frameBuffer) encodeOpenSuccess(m OpenSuccessMessage) {
	size := headerSize + openSuccessFixedSize
	f.writeHeader(msgOpenSuccess, size)
	f.writeUint32(m.RecipientID)
	f.writeUint32(m.SenderID)
	f.writeUint32(m.InitialWindow)
	f.writeUint16(m.MaxPacketSize)
}

func (f *frameBuffer) encodeOpenFailure(m OpenFailureMessage) {
	tail := []byte(m.Description)
	size := headerSize + openFailureFixedSize + len(tail)
	if size > maxFrameSize {
		panic(&PacketOversizedError{PacketSize: size, Max: maxFrameSize})
	}
	f.writeHeader(msgOpenFailure, size)
	f.writeUint32(m.RecipientID)
	f.writeUint32(uint32(m.ReasonCode))
	f.ring.Write(tail)
}

func (f *frameBuffer) encodeWindowAdjust(m WindowAdjustMessage) {
	size := headerSize + windowAdjustFixedSize
	f.writeHeader(msgWindowAdjust, size)
	f.writeUint32(m.RecipientID)
	f.writeUint32(m.Adjustment)
}

// encodeData encodes a DATA frame. It panics if len(m.Payload) exceeds
// MaxDataPayload; the multiplexer is responsible for chunking to at most
// min(peerMaxPacketSize, MaxDataPayload) before calling this.
func (f *frameBuffer) encodeData(m DataMessage) {
	if len(m.Payload) > MaxDataPayload {
		panic(&PacketOversizedError{PacketSize: headerSize + dataFixedSize + len(m.Payload), Max: maxFrameSize})
	}
	size := headerSize + dataFixedSize + len(m.Payload)
	f.writeHeader(msgData, size)
	f.writeUint32(m.RecipientID)
	f.ring.Write(m.Payload)
}

func (f *frameBuffer) encodeEOF(m EOFMessage) {
	size := headerSize + eofFixedSize
	f.writeHeader(msgEOF, size)
	f.writeUint32(m.RecipientID)
}

func (f *frameBuffer) encodeClose(m CloseMessage) {
	size := headerSize + closeFixedSize
	f.writeHeader(msgClose, size)
	f.writeUint32(m.RecipientID)
}
