package amqp

import (
	"errors"
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

const replySuccess = 200

var (
	// ErrInvalidState is returned when an operation is attempted outside the
	// state it is legal in. The connection (or channel) is moved to Error.
	ErrInvalidState = errors.New("amqp: invalid state")

	// ErrIncomplete signals that more input is needed before a frame can be
	// decoded. It is not a failure.
	ErrIncomplete = errors.New("amqp: incomplete frame")

	ErrBufferOverflow  = errors.New("amqp: fill exceeds buffer space")
	ErrBufferUnderflow = errors.New("amqp: consume exceeds buffered data")
	ErrBufferFull      = errors.New("amqp: buffer limit reached")

	// ErrMechanismNotOffered is returned during the handshake when the server
	// does not list the configured SASL mechanism.
	ErrMechanismNotOffered = errors.New("amqp: sasl mechanism not offered by server")
)

// DecodeError reports bytes received from the peer that could not be decoded.
// Channel is the channel the frame was addressed to, when known.
type DecodeError struct {
	Channel uint16
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("amqp: decode error on channel %d: %v", e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a method or content frame that could not be serialized.
type EncodeError struct {
	Method string
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("amqp: encoding %s: %v", e.Method, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// UnknownChannelError reports a frame addressed to a channel id that is not open.
type UnknownChannelError struct {
	Channel uint16
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("amqp: frame for unknown channel %d", e.Channel)
}

func invalidState(op string, state fmt.Stringer) error {
	return fmt.Errorf("%s in state %s: %w", op, state, ErrInvalidState)
}

// serverError converts a close method's reply into the error reported by
// CloseReason.
func serverError(code uint16, text string) *amqp091.Error {
	e := &amqp091.Error{Code: int(code), Reason: text, Server: true}
	switch code {
	case amqp091.ContentTooLarge, amqp091.NoRoute, amqp091.NoConsumers,
		amqp091.AccessRefused, amqp091.NotFound, amqp091.ResourceLocked, amqp091.PreconditionFailed:
		e.Recover = true
	}
	return e
}
