package amqp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Frame types.
const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	frameEnd       = 0xCE

	frameHeaderSize = 7
	// header + frame-end octet
	frameOverhead = frameHeaderSize + 1
)

// package logger used for engine logs. Libraries should default to a no-op
// logger and let the embedding application configure logging. Use
// SetLogger to provide an application logger.
var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger used by the AMQP engine. Callers should
// pass a configured `zerolog.Logger` (for example one created with
// `zerolog.New(os.Stderr).With().Timestamp().Logger()`).
func SetLogger(l zerolog.Logger) { logger = l }

// limits and well-known classes/methods
const (
	MaxFrameSize = 1 << 20 // 1MB

	classConnection = 10
	classChannel    = 20
	classBasic      = 60
	classConfirm    = 85

	methodConnStart     = 10
	methodConnStartOk   = 11
	methodConnSecure    = 20
	methodConnSecureOk  = 21
	methodConnTune      = 30
	methodConnTuneOk    = 31
	methodConnOpen      = 40
	methodConnOpenOk    = 41
	methodConnClose     = 50
	methodConnCloseOk   = 51
	methodConnBlocked   = 60
	methodConnUnblocked = 61

	methodChannelOpen    = 10
	methodChannelOpenOk  = 11
	methodChannelFlow    = 20
	methodChannelFlowOk  = 21
	methodChannelClose   = 40
	methodChannelCloseOk = 41

	methodBasicPublish = 40
	methodBasicReturn  = 50
	methodBasicAck     = 80
	methodBasicNack    = 120

	methodConfirmSelect   = 10
	methodConfirmSelectOk = 11
)

// protocolHeader is the preamble a client sends before any frame.
var protocolHeader = []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// Frame represents a raw AMQP frame
type Frame struct {
	Type    uint8
	Channel uint16
	Payload []byte
}

// FrameError reports bytes that can never become a valid frame.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string { return "malformed frame: " + e.Reason }

// WriteProtocolHeader writes the AMQP 0-9-1 protocol header to w.
func WriteProtocolHeader(w io.Writer) (int, error) {
	return w.Write(protocolHeader)
}

// DecodeFrame decodes a single frame from the front of data without blocking.
// It returns ErrIncomplete when data holds only part of a frame and a
// *FrameError when the bytes are malformed. On success n is the number of
// bytes the frame occupied. The payload aliases data.
func DecodeFrame(data []byte) (f Frame, n int, err error) {
	if len(data) < frameHeaderSize {
		return Frame{}, 0, ErrIncomplete
	}
	size := binary.BigEndian.Uint32(data[3:7])
	if size > MaxFrameSize {
		return Frame{}, 0, &FrameError{Reason: fmt.Sprintf("frame size %d exceeds limit %d", size, MaxFrameSize)}
	}
	n = frameOverhead + int(size)
	if len(data) < n {
		return Frame{}, 0, ErrIncomplete
	}
	if data[n-1] != frameEnd {
		return Frame{}, 0, &FrameError{Reason: fmt.Sprintf("invalid frame end 0x%02x", data[n-1])}
	}
	f = Frame{
		Type:    data[0],
		Channel: binary.BigEndian.Uint16(data[1:3]),
		Payload: data[frameHeaderSize : n-1],
	}
	return f, n, nil
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f Frame) []byte {
	var hdr [frameHeaderSize]byte
	hdr[0] = f.Type
	binary.BigEndian.PutUint16(hdr[1:3], f.Channel)
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Payload...)
	return append(dst, frameEnd)
}

// ReadFrame reads a single frame from r, blocking until it is complete.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t := hdr[0]
	ch := binary.BigEndian.Uint16(hdr[1:3])
	size := binary.BigEndian.Uint32(hdr[3:7])
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("frame size %d exceeds limit %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	// read frame-end octet
	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return Frame{}, err
	}
	if end[0] != frameEnd {
		return Frame{}, errors.New("invalid frame end")
	}
	return Frame{Type: t, Channel: ch, Payload: payload}, nil
}

// WriteFrame writes a frame to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, frameOverhead+len(f.Payload)), f))
	return err
}

// ParseMethod parses a method frame payload and returns class, method and remaining args
func ParseMethod(payload []byte) (classID, methodID uint16, args []byte, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("method payload too short")
	}
	classID = binary.BigEndian.Uint16(payload[0:2])
	methodID = binary.BigEndian.Uint16(payload[2:4])
	args = payload[4:]
	return classID, methodID, args, nil
}

func frameTypeName(t uint8) string {
	switch t {
	case FrameMethod:
		return "method"
	case FrameHeader:
		return "header"
	case FrameBody:
		return "body"
	case FrameHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}
