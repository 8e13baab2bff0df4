package amqp

import (
	"errors"
	"fmt"
	"io"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Tuning holds the limits agreed with the broker during connection.tune.
type Tuning struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// Connection is the client side protocol engine of one AMQP 0-9-1 connection.
//
// A Connection does no I/O of its own beyond the single Read or Write call it
// is asked to make: the caller supplies the transport to Connect, Read and
// Write and decides when to call them. It is not safe for concurrent use.
type Connection struct {
	cfg   Config
	state ConnectionState

	channels    map[uint16]*Channel
	lastChannel uint16

	sendBuffer    *Buffer
	receiveBuffer *Buffer

	auth             amqp091.Authentication
	tuning           Tuning
	serverProperties amqp091.Table
	closeReason      *amqp091.Error
	blocked          bool

	metrics *Metrics
}

// NewConnection returns a connection in the Initial state. cfg is completed
// with SetDefaults; credentials and virtual host are taken from cfg.URL
// unless set explicitly.
func NewConnection(cfg Config) (*Connection, error) {
	cfg.SetDefaults()
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	c := &Connection{
		cfg:           cfg,
		state:         StateInitial,
		channels:      map[uint16]*Channel{},
		sendBuffer:    NewBuffer(cfg.BufferSize, cfg.MaxBufferSize),
		receiveBuffer: NewBuffer(cfg.BufferSize, cfg.MaxBufferSize),
		metrics:       cfg.Metrics,
	}
	global := newChannel(0, c)
	global.state = ChannelStateOpen
	c.channels[0] = global
	return c, nil
}

// State returns the authoritative connection state.
func (c *Connection) State() ConnectionState { return c.state }

// Channel returns the channel with the given id.
func (c *Connection) Channel(id uint16) (*Channel, bool) {
	ch, ok := c.channels[id]
	return ch, ok
}

// ServerProperties returns the properties the broker sent in connection.start.
func (c *Connection) ServerProperties() amqp091.Table { return c.serverProperties }

// Tuning returns the negotiated limits. It is zero until connection.tune.
func (c *Connection) Tuning() Tuning { return c.tuning }

// CloseReason returns why the broker closed the connection, if it did.
func (c *Connection) CloseReason() *amqp091.Error { return c.closeReason }

// Blocked reports whether the broker has blocked publishing on this connection.
func (c *Connection) Blocked() bool { return c.blocked }

// PendingWrites returns the number of encoded bytes not yet accepted by the transport.
func (c *Connection) PendingWrites() int { return c.sendBuffer.Len() }

// Buffered returns the number of received bytes not yet processed.
func (c *Connection) Buffered() int { return c.receiveBuffer.Len() }

// Connect queues the protocol header and writes what the transport accepts.
// It is only valid in the Initial state; from any other state the connection
// moves to Error and w is not touched. The state advances to
// Connecting(SentProtocolHeader) only once the write succeeds, in full or in
// part. A transport error before any byte is accepted discards the header and
// leaves the connection Initial so Connect can be retried.
func (c *Connection) Connect(w io.Writer) (ConnectionState, error) {
	if c.state != StateInitial {
		prev := c.state
		c.fail()
		return c.state, invalidState("connect", prev)
	}
	if _, err := c.sendBuffer.Write(protocolHeader); err != nil {
		c.fail()
		return c.state, &EncodeError{Method: "protocol header", Err: err}
	}
	err := c.writeOut(w)
	if err != nil && c.sendBuffer.Len() == len(protocolHeader) {
		c.sendBuffer.Reset()
		return c.state, err
	}
	c.setState(Connecting(SentProtocolHeader))
	return c.state, err
}

// Write writes as much of the send buffer as w accepts and returns the
// current state. A short write is not an error; the rest stays queued for the
// next call. Transport errors are returned unchanged and do not affect the
// connection state.
func (c *Connection) Write(w io.Writer) (ConnectionState, error) {
	err := c.writeOut(w)
	return c.state, err
}

func (c *Connection) writeOut(w io.Writer) error {
	data := c.sendBuffer.Data()
	if len(data) == 0 {
		return nil
	}
	n, err := w.Write(data)
	if n > 0 {
		if cerr := c.sendBuffer.Consume(n); cerr != nil {
			return cerr
		}
		c.metrics.written(n)
	}
	return err
}

// Read reads what r has available into the receive buffer and processes at
// most one complete frame. An incomplete frame is not an error: the state is
// returned unchanged and the bytes stay buffered for the next call. Transport
// errors are returned unchanged after any bytes read alongside them are
// buffered. When the receive buffer is full at its limit and still holds no
// complete frame the connection moves to Error.
func (c *Connection) Read(r io.Reader) (ConnectionState, error) {
	if err := c.checkReadable("read"); err != nil {
		return c.state, err
	}
	space := c.receiveBuffer.Space()
	if len(space) == 0 {
		state, progressed, err := c.Advance()
		if err != nil || progressed {
			return state, err
		}
		c.fail()
		return c.state, fmt.Errorf("amqp: %d buffered bytes hold no complete frame: %w", c.receiveBuffer.Len(), ErrBufferFull)
	}
	n, err := r.Read(space)
	if n > 0 {
		if ferr := c.receiveBuffer.Fill(n); ferr != nil {
			return c.state, ferr
		}
		c.metrics.read(n)
	}
	if err != nil {
		return c.state, err
	}
	state, _, err := c.Advance()
	return state, err
}

// Advance processes one frame that is already buffered, without touching the
// transport. progressed is false when no complete frame is buffered.
func (c *Connection) Advance() (state ConnectionState, progressed bool, err error) {
	if err := c.checkReadable("advance"); err != nil {
		return c.state, false, err
	}
	f, n, err := DecodeFrame(c.receiveBuffer.Data())
	if errors.Is(err, ErrIncomplete) {
		return c.state, false, nil
	}
	if err != nil {
		c.fail()
		logger.Error().Err(err).Msg("malformed frame")
		return c.state, false, &DecodeError{Err: err}
	}
	// the payload aliases the buffer; nothing below writes into it
	if err := c.receiveBuffer.Consume(n); err != nil {
		return c.state, false, err
	}
	c.metrics.frameReceived(f.Type)
	err = c.route(f)
	return c.state, true, err
}

func (c *Connection) checkReadable(op string) error {
	if c.state.Phase == PhaseInitial || c.state.Phase == PhaseError {
		prev := c.state
		c.fail()
		return invalidState(op, prev)
	}
	return nil
}

func (c *Connection) route(f Frame) error {
	if f.Type == FrameHeartbeat {
		if f.Channel != 0 {
			c.fail()
			return &DecodeError{Channel: f.Channel, Err: &FrameError{Reason: "heartbeat on non-zero channel"}}
		}
		return nil
	}
	if f.Type != FrameMethod && f.Type != FrameHeader && f.Type != FrameBody {
		c.fail()
		return &DecodeError{Channel: f.Channel, Err: &FrameError{Reason: fmt.Sprintf("unknown frame type %d", f.Type)}}
	}

	ch, ok := c.channels[f.Channel]
	if !ok {
		if c.cfg.IgnoreUnknownChannels {
			logger.Debug().Uint16("channel", f.Channel).Str("type", frameTypeName(f.Type)).Msg("dropping frame for unknown channel")
			return nil
		}
		c.fail()
		return &UnknownChannelError{Channel: f.Channel}
	}

	switch f.Type {
	case FrameMethod:
		m, err := DecodeMethod(f.Payload)
		if err != nil {
			derr := &DecodeError{Channel: f.Channel, Err: err}
			if f.Channel == 0 {
				c.fail()
				logger.Error().Err(err).Msg("decoding connection method")
			} else {
				ch.fail(derr)
			}
			return derr
		}
		logger.Debug().Uint16("channel", f.Channel).Str("method", methodName(m)).Msg("received method")
		if f.Channel == 0 {
			return c.handleGlobalMethod(m)
		}
		return ch.ReceivedMethod(m)
	case FrameHeader:
		if f.Channel == 0 {
			c.fail()
			return &DecodeError{Err: &FrameError{Reason: "content header on channel 0"}}
		}
		return ch.receivedHeader(f.Payload)
	default:
		if f.Channel == 0 {
			c.fail()
			return &DecodeError{Err: &FrameError{Reason: "content body on channel 0"}}
		}
		return ch.receivedBody(f.Payload)
	}
}

// OpenChannel allocates a channel id and queues channel.open. The channel
// is usable once the broker answers with channel.open-ok.
func (c *Connection) OpenChannel() (*Channel, error) {
	if c.state != StateConnected {
		return nil, invalidState("channel.open", c.state)
	}
	id, ok := c.allocateChannelID()
	if !ok {
		return nil, fmt.Errorf("amqp: no free channel id below %d", c.channelMax())
	}
	ch := newChannel(id, c)
	if err := c.sendMethod(id, &ChannelOpen{}); err != nil {
		return nil, err
	}
	ch.setState(ChannelStateOpening)
	c.channels[id] = ch
	return ch, nil
}

// Close queues connection.close. The connection is Closed once the broker
// answers with close-ok.
func (c *Connection) Close(code uint16, text string) error {
	switch c.state.Phase {
	case PhaseClosing, PhaseClosed:
		return nil
	case PhaseConnected:
	default:
		return invalidState("connection.close", c.state)
	}
	if err := c.sendMethod(0, &ConnectionClose{ReplyCode: code, ReplyText: text}); err != nil {
		c.fail()
		return err
	}
	c.setState(Closing(SentClose))
	return nil
}

// SendHeartbeat queues a heartbeat frame.
func (c *Connection) SendHeartbeat() error {
	if c.state.Terminal() || c.state.Phase == PhaseInitial {
		return invalidState("heartbeat", c.state)
	}
	return c.enqueue(AppendFrame(nil, Frame{Type: FrameHeartbeat}), FrameHeartbeat)
}

func (c *Connection) channelMax() uint16 {
	if c.tuning.ChannelMax == 0 {
		return 1<<16 - 1
	}
	return c.tuning.ChannelMax
}

func (c *Connection) allocateChannelID() (uint16, bool) {
	limit := c.channelMax()
	id := c.lastChannel
	for i := 0; i < int(limit); i++ {
		id = id%limit + 1
		if _, used := c.channels[id]; !used {
			c.lastChannel = id
			return id, true
		}
	}
	return 0, false
}

func (c *Connection) removeChannel(id uint16) {
	if id != 0 {
		delete(c.channels, id)
	}
}

// bodyChunkSize is the largest body payload that fits the negotiated frame size.
func (c *Connection) bodyChunkSize() int {
	size := int(c.tuning.FrameMax)
	if size == 0 || size > MaxFrameSize {
		size = MaxFrameSize
	}
	return size - frameOverhead
}

func (c *Connection) enqueue(b []byte, types ...uint8) error {
	if _, err := c.sendBuffer.Write(b); err != nil {
		return err
	}
	for _, t := range types {
		c.metrics.frameSent(t)
	}
	return nil
}

func (c *Connection) sendMethod(channel uint16, m Method) error {
	b, err := EncodeMethod(channel, m)
	if err != nil {
		return err
	}
	if err := c.enqueue(b, FrameMethod); err != nil {
		return &EncodeError{Method: methodName(m), Err: err}
	}
	logger.Debug().Uint16("channel", channel).Str("method", methodName(m)).Msg("queued method")
	return nil
}

func (c *Connection) fail() { c.setState(StateError) }

func (c *Connection) setState(s ConnectionState) {
	if c.state == s {
		return
	}
	logger.Debug().Str("from", c.state.String()).Str("to", s.String()).Msg("connection state")
	c.state = s
	c.metrics.transition(s)
	if s.Terminal() {
		c.shutdownChannels(s)
	}
}

// shutdownChannels fails every open channel once the connection is gone.
func (c *Connection) shutdownChannels(s ConnectionState) {
	code, text := uint16(amqp091.ConnectionForced), "connection closed"
	if c.closeReason != nil {
		code, text = uint16(c.closeReason.Code), c.closeReason.Reason
	}
	final := ChannelStateClosed
	if s.Phase == PhaseError {
		final = ChannelStateError
		if c.closeReason == nil {
			text = "connection error"
		}
	}
	for id, ch := range c.channels {
		if id == 0 {
			continue
		}
		ch.abandon(code, text)
		ch.setState(final)
		delete(c.channels, id)
	}
}
