package amqp

import "fmt"

// Phase is the top-level connection state.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseClosing
	PhaseClosed
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectingState tracks handshake progress. The order of the constants is
// the order of the handshake; a connection never moves backwards.
type ConnectingState int

const (
	ConnectingInitial ConnectingState = iota
	SentProtocolHeader
	ReceivedStart
	SentStartOk
	ReceivedSecure
	SentSecure
	ReceivedSecondSecure
	ReceivedTune
	SentOpen
	ReceivedOpenOk
	ConnectingError
)

func (s ConnectingState) String() string {
	switch s {
	case ConnectingInitial:
		return "initial"
	case SentProtocolHeader:
		return "sent-protocol-header"
	case ReceivedStart:
		return "received-start"
	case SentStartOk:
		return "sent-start-ok"
	case ReceivedSecure:
		return "received-secure"
	case SentSecure:
		return "sent-secure"
	case ReceivedSecondSecure:
		return "received-second-secure"
	case ReceivedTune:
		return "received-tune"
	case SentOpen:
		return "sent-open"
	case ReceivedOpenOk:
		return "received-open-ok"
	case ConnectingError:
		return "error"
	default:
		return "unknown"
	}
}

// ClosingState tracks the close exchange.
type ClosingState int

const (
	ClosingInitial ClosingState = iota
	SentClose
	ReceivedClose
	SentCloseOk
	ReceivedCloseOk
	ClosingError
)

func (s ClosingState) String() string {
	switch s {
	case ClosingInitial:
		return "initial"
	case SentClose:
		return "sent-close"
	case ReceivedClose:
		return "received-close"
	case SentCloseOk:
		return "sent-close-ok"
	case ReceivedCloseOk:
		return "received-close-ok"
	case ClosingError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionState is a tagged value: Connecting is meaningful only in
// PhaseConnecting and Closing only in PhaseClosing. Values are comparable.
type ConnectionState struct {
	Phase      Phase
	Connecting ConnectingState
	Closing    ClosingState
}

var (
	StateInitial   = ConnectionState{Phase: PhaseInitial}
	StateConnected = ConnectionState{Phase: PhaseConnected}
	StateClosed    = ConnectionState{Phase: PhaseClosed}
	StateError     = ConnectionState{Phase: PhaseError}
)

// Connecting returns the connecting state with substate s.
func Connecting(s ConnectingState) ConnectionState {
	return ConnectionState{Phase: PhaseConnecting, Connecting: s}
}

// Closing returns the closing state with substate s.
func Closing(s ClosingState) ConnectionState {
	return ConnectionState{Phase: PhaseClosing, Closing: s}
}

func (s ConnectionState) String() string {
	switch s.Phase {
	case PhaseConnecting:
		return fmt.Sprintf("connecting(%s)", s.Connecting)
	case PhaseClosing:
		return fmt.Sprintf("closing(%s)", s.Closing)
	default:
		return s.Phase.String()
	}
}

// Terminal reports whether no further transition is possible.
func (s ConnectionState) Terminal() bool {
	return s.Phase == PhaseClosed || s.Phase == PhaseError
}

// ChannelState is the lifecycle of a single channel.
type ChannelState int

const (
	ChannelStateInitial ChannelState = iota
	ChannelStateOpening
	ChannelStateOpen
	ChannelStateClosing
	ChannelStateClosed
	ChannelStateError
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStateInitial:
		return "initial"
	case ChannelStateOpening:
		return "opening"
	case ChannelStateOpen:
		return "open"
	case ChannelStateClosing:
		return "closing"
	case ChannelStateClosed:
		return "closed"
	case ChannelStateError:
		return "error"
	default:
		return "unknown"
	}
}
