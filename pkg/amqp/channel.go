package amqp

import (
	"fmt"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Channel is one multiplexed session on a connection. Channels are created
// by Connection.OpenChannel and owned by the connection; like the connection
// they must be driven from a single goroutine. ReturnedMessages and the
// promises returned by Publish may be used from any goroutine.
type Channel struct {
	id    uint16
	state ChannelState
	conn  *Connection

	returned   *ReturnedMessages
	confirms   *confirmTracker
	confirming bool
	flow       bool

	// non-nil while a basic.return is followed by its content frames
	content *contentAssembly

	closeReason *amqp091.Error
}

type contentAssembly struct {
	expectHeader bool
	size         uint64
	received     uint64
}

func newChannel(id uint16, conn *Connection) *Channel {
	ch := &Channel{
		id:       id,
		conn:     conn,
		flow:     true,
		confirms: newConfirmTracker(),
		returned: NewReturnedMessages(conn.cfg.MaxDroppedConfirms, conn.metrics),
	}
	ch.returned.SetConfirmMode(false)
	return ch
}

// ID returns the channel number.
func (ch *Channel) ID() uint16 { return ch.id }

// State returns the current channel state.
func (ch *Channel) State() ChannelState { return ch.state }

// Confirming reports whether confirm.select has been sent on the channel.
func (ch *Channel) Confirming() bool { return ch.confirming }

// Flow reports whether the broker currently allows publishing.
func (ch *Channel) Flow() bool { return ch.flow }

// CloseReason returns the reason the broker gave for closing the channel, if any.
func (ch *Channel) CloseReason() *amqp091.Error { return ch.closeReason }

// PendingConfirms returns the number of publishes awaiting ack or nack.
func (ch *Channel) PendingConfirms() int { return ch.confirms.len() }

// Returns exposes the channel's return reconciler.
func (ch *Channel) Returns() *ReturnedMessages { return ch.returned }

// ReturnedMessages drains the messages returned by the broker that no
// confirmation claimed.
func (ch *Channel) ReturnedMessages() []BasicReturnMessage {
	return ch.returned.Drain()
}

// DropConfirm hands a confirmation the caller will not wait on back to the
// channel. If it turns out to be a Nack its message is reported by
// ReturnedMessages.
func (ch *Channel) DropConfirm(p *Promise[Confirmation]) {
	if p != nil {
		ch.returned.RegisterDroppedConfirm(p)
	}
}

// ConfirmSelect puts the channel in publisher confirm mode. Publishes made
// after this call return a promise.
func (ch *Channel) ConfirmSelect() error {
	if ch.state != ChannelStateOpen {
		return fmt.Errorf("channel %d: %w", ch.id, invalidState("confirm.select", ch.state))
	}
	if ch.confirming {
		return nil
	}
	if err := ch.conn.sendMethod(ch.id, &ConfirmSelect{}); err != nil {
		return err
	}
	ch.confirming = true
	ch.returned.SetConfirmMode(true)
	return nil
}

// Publish queues a message for sending. In confirm mode it returns a promise
// that resolves when the broker acks or nacks the message; a mandatory or
// immediate message the broker returns resolves as Nack carrying the
// returned message. Outside confirm mode the promise is nil.
func (ch *Channel) Publish(exchange, key string, mandatory, immediate bool, props BasicProperties, body []byte) (*Promise[Confirmation], error) {
	if ch.state != ChannelStateOpen {
		return nil, fmt.Errorf("channel %d: %w", ch.id, invalidState("basic.publish", ch.state))
	}
	method, err := EncodeMethod(ch.id, &BasicPublish{
		Exchange:   exchange,
		RoutingKey: key,
		Mandatory:  mandatory,
		Immediate:  immediate,
	})
	if err != nil {
		return nil, err
	}
	header, err := EncodeContentHeader(ContentHeader{
		ClassID:    classBasic,
		BodySize:   uint64(len(body)),
		Properties: props,
	})
	if err != nil {
		return nil, &EncodeError{Method: "content header", Err: err}
	}

	out := method
	types := []uint8{FrameMethod, FrameHeader}
	out = AppendFrame(out, Frame{Type: FrameHeader, Channel: ch.id, Payload: header})
	chunk := ch.conn.bodyChunkSize()
	for rest := body; len(rest) > 0; {
		n := min(chunk, len(rest))
		out = AppendFrame(out, Frame{Type: FrameBody, Channel: ch.id, Payload: rest[:n]})
		types = append(types, FrameBody)
		rest = rest[n:]
	}
	if err := ch.conn.enqueue(out, types...); err != nil {
		return nil, &EncodeError{Method: "basic.publish", Err: err}
	}

	if !ch.confirming {
		return nil, nil
	}
	return ch.confirms.add(mandatory || immediate, BasicReturnMessage{
		Delivery:   Delivery{Properties: props, Body: body},
		Exchange:   exchange,
		RoutingKey: key,
	}), nil
}

// Close starts a client initiated close of the channel.
func (ch *Channel) Close(code uint16, text string) error {
	if ch.state != ChannelStateOpen && ch.state != ChannelStateOpening {
		return fmt.Errorf("channel %d: %w", ch.id, invalidState("channel.close", ch.state))
	}
	if err := ch.conn.sendMethod(ch.id, &ChannelClose{ReplyCode: code, ReplyText: text}); err != nil {
		return err
	}
	ch.setState(ChannelStateClosing)
	return nil
}

// ReceivedMethod applies a method addressed to this channel.
func (ch *Channel) ReceivedMethod(m Method) error {
	switch ch.state {
	case ChannelStateOpening:
		switch m := m.(type) {
		case *ChannelOpenOk:
			ch.setState(ChannelStateOpen)
			return nil
		case *ChannelClose:
			return ch.onPeerClose(m)
		}
	case ChannelStateOpen:
		switch m := m.(type) {
		case *BasicReturn:
			return ch.onReturn(m)
		case *BasicAck:
			return ch.onConfirm(m.DeliveryTag, m.Multiple, true)
		case *BasicNack:
			return ch.onConfirm(m.DeliveryTag, m.Multiple, false)
		case *ConfirmSelectOk:
			if ch.confirming {
				return nil
			}
		case *ChannelFlow:
			ch.flow = m.Active
			logger.Info().Uint16("channel", ch.id).Bool("active", m.Active).Msg("channel flow")
			return ch.conn.sendMethod(ch.id, &ChannelFlowOk{Active: m.Active})
		case *ChannelClose:
			return ch.onPeerClose(m)
		}
	case ChannelStateClosing:
		switch m := m.(type) {
		case *ChannelCloseOk:
			ch.finish(ChannelStateClosed, replySuccess, "channel closed")
			return nil
		case *ChannelClose:
			// both sides closing; answer and keep waiting for our close-ok
			ch.recordClose(m)
			return ch.conn.sendMethod(ch.id, &ChannelCloseOk{})
		case *BasicReturn:
			return ch.onReturn(m)
		case *BasicAck:
			return ch.onConfirm(m.DeliveryTag, m.Multiple, true)
		case *BasicNack:
			return ch.onConfirm(m.DeliveryTag, m.Multiple, false)
		default:
			logger.Debug().Uint16("channel", ch.id).Str("method", methodName(m)).Msg("discarding method on closing channel")
			return nil
		}
	}
	return ch.fail(invalidState("received "+methodName(m), ch.state))
}

func (ch *Channel) onReturn(m *BasicReturn) error {
	if ch.content != nil {
		return ch.fail(fmt.Errorf("basic.return while previous content incomplete: %w", ErrInvalidState))
	}
	ch.returned.StartNewDelivery(BasicReturnMessage{
		ReplyCode:  m.ReplyCode,
		ReplyText:  m.ReplyText,
		Exchange:   m.Exchange,
		RoutingKey: m.RoutingKey,
	})
	ch.content = &contentAssembly{expectHeader: true}
	return nil
}

func (ch *Channel) receivedHeader(payload []byte) error {
	if ch.content == nil || !ch.content.expectHeader {
		return ch.fail(fmt.Errorf("unexpected content header: %w", ErrInvalidState))
	}
	h, err := DecodeContentHeader(payload)
	if err != nil {
		derr := &DecodeError{Channel: ch.id, Err: err}
		ch.fail(derr)
		return derr
	}
	ch.returned.SetDeliveryProperties(h.Properties)
	ch.content.expectHeader = false
	ch.content.size = h.BodySize
	if h.BodySize == 0 {
		ch.completeContent()
	}
	return nil
}

func (ch *Channel) receivedBody(payload []byte) error {
	if ch.content == nil || ch.content.expectHeader {
		return ch.fail(fmt.Errorf("unexpected content body: %w", ErrInvalidState))
	}
	ch.returned.ReceiveDeliveryContent(payload)
	ch.content.received += uint64(len(payload))
	if ch.content.received > ch.content.size {
		return ch.fail(fmt.Errorf("content body exceeds declared size %d", ch.content.size))
	}
	if ch.content.received == ch.content.size {
		ch.completeContent()
	}
	return nil
}

func (ch *Channel) completeContent() {
	ch.content = nil
	ch.returned.NewDeliveryComplete()
}

func (ch *Channel) onConfirm(tag uint64, multiple, ack bool) error {
	if !ch.confirming {
		return ch.fail(fmt.Errorf("confirmation for tag %d outside confirm mode: %w", tag, ErrInvalidState))
	}
	settled := ch.confirms.settle(tag, multiple)
	if len(settled) == 0 {
		logger.Debug().Uint16("channel", ch.id).Uint64("tag", tag).Msg("confirmation for unknown delivery tag")
	}
	for _, p := range settled {
		outcome := AckConfirmation()
		if !ack {
			msg := p.message
			msg.ReplyText = "nacked by broker"
			outcome = NackConfirmation(msg)
		}
		if p.returnable {
			ch.returned.Settle(p.broadcaster, outcome)
		} else {
			p.broadcaster.Resolve(outcome)
		}
	}
	return nil
}

func (ch *Channel) onPeerClose(m *ChannelClose) error {
	ch.recordClose(m)
	logger.Warn().Uint16("channel", ch.id).Uint16("reply_code", m.ReplyCode).Str("reply_text", m.ReplyText).
		Msg("server closed channel")
	err := ch.conn.sendMethod(ch.id, &ChannelCloseOk{})
	ch.finish(ChannelStateClosed, m.ReplyCode, m.ReplyText)
	return err
}

func (ch *Channel) recordClose(m *ChannelClose) {
	ch.closeReason = serverError(m.ReplyCode, m.ReplyText)
}

// finish moves the channel to a terminal state, fails outstanding
// confirmations and releases the channel id.
func (ch *Channel) finish(state ChannelState, code uint16, text string) {
	ch.abandon(code, text)
	ch.setState(state)
	ch.conn.removeChannel(ch.id)
}

func (ch *Channel) abandon(code uint16, text string) {
	for _, p := range ch.confirms.abandon() {
		msg := p.message
		msg.ReplyCode = code
		msg.ReplyText = text
		if p.returnable && ch.content == nil {
			ch.returned.Settle(p.broadcaster, NackConfirmation(msg))
		} else {
			p.broadcaster.Resolve(NackConfirmation(msg))
		}
	}
	ch.content = nil
}

func (ch *Channel) fail(err error) error {
	ch.abandon(amqp091.ChannelError, err.Error())
	ch.setState(ChannelStateError)
	return fmt.Errorf("channel %d: %w", ch.id, err)
}

func (ch *Channel) setState(s ChannelState) {
	if ch.state == s {
		return
	}
	logger.Debug().Uint16("channel", ch.id).Str("from", ch.state.String()).Str("to", s.String()).Msg("channel state")
	ch.state = s
}
