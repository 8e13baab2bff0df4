// Package amqptest provides a scripted in-process AMQP 0-9-1 broker for
// exercising the client engine end to end. It implements the server side of
// the handshake, channel lifecycle, publisher confirms and mandatory returns;
// there are no queues, messages are only recorded.
package amqptest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ericogr/amqp-engine/pkg/amqp"
)

// Publishing is a message received from a client.
type Publishing struct {
	Channel    uint16
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
	Properties amqp.BasicProperties
	Body       []byte
}

// Broker answers client connections. The zero value accepts any credentials
// and routes every message.
type Broker struct {
	// Mechanisms offered in connection.start. Defaults to "PLAIN AMQPLAIN".
	Mechanisms string
	// Challenges are sent as connection.secure before tuning, one per round.
	Challenges []string
	// Auth validates the start-ok response. A non-nil error closes the
	// connection with ACCESS_REFUSED.
	Auth func(mechanism, response string) error

	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16

	// Routable reports whether a publish reaches a queue. Unroutable
	// mandatory or immediate messages are returned with NO_ROUTE.
	Routable func(exchange, key string) bool
	// Nack reports whether a publish is negatively confirmed.
	Nack func(exchange, key string) bool

	Logger zerolog.Logger

	mu        sync.Mutex
	published []Publishing
	vhosts    []string
}

type channelState struct {
	confirming bool
	tag        uint64
}

// Published returns a copy of every message received so far.
func (b *Broker) Published() []Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Publishing(nil), b.published...)
}

// Vhosts returns the virtual hosts clients opened, in order.
func (b *Broker) Vhosts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.vhosts...)
}

// Serve accepts connections on ln until it is closed.
func (b *Broker) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			if err := b.ServeConn(conn); err != nil && !errors.Is(err, io.EOF) {
				b.Logger.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("[broker] connection error")
			}
		}()
	}
}

// ServeConn runs one connection to completion and closes conn. It returns
// nil when the client closes the connection cleanly.
func (b *Broker) ServeConn(conn net.Conn) error {
	defer conn.Close()
	s := &session{broker: b, conn: conn, channels: map[uint16]*channelState{}}
	if err := s.handshake(); err != nil {
		return err
	}
	return s.loop()
}

type session struct {
	broker   *Broker
	conn     net.Conn
	frameMax uint32
	channels map[uint16]*channelState
}

func (s *session) handshake() error {
	b := s.broker
	if err := s.conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(s.conn, hdr); err != nil {
		return err
	}
	if !bytes.Equal(hdr, []byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}) {
		return fmt.Errorf("invalid protocol header %q", hdr)
	}
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}

	mechanisms := b.Mechanisms
	if mechanisms == "" {
		mechanisms = "PLAIN AMQPLAIN"
	}
	err := amqp.WriteMethod(s.conn, 0, &amqp.ConnectionStart{
		VersionMajor: 0,
		VersionMinor: 9,
		ServerProperties: amqp091.Table{
			"product": "amqptest",
			"capabilities": amqp091.Table{
				"publisher_confirms": true,
				"basic.nack":         true,
				"connection.blocked": true,
			},
		},
		Mechanisms: mechanisms,
		Locales:    "en_US",
	})
	if err != nil {
		return err
	}

	startOk, err := expect[*amqp.ConnectionStartOk](s)
	if err != nil {
		return err
	}
	b.Logger.Debug().Str("mechanism", startOk.Mechanism).Msg("[broker] connection.start-ok")
	if b.Auth != nil {
		if err := b.Auth(startOk.Mechanism, startOk.Response); err != nil {
			return s.refuse(amqp091.AccessRefused, "ACCESS_REFUSED - "+err.Error())
		}
	}

	for _, challenge := range b.Challenges {
		if err := amqp.WriteMethod(s.conn, 0, &amqp.ConnectionSecure{Challenge: challenge}); err != nil {
			return err
		}
		if _, err := expect[*amqp.ConnectionSecureOk](s); err != nil {
			return err
		}
	}

	frameMax := b.FrameMax
	if frameMax == 0 {
		frameMax = 131072
	}
	err = amqp.WriteMethod(s.conn, 0, &amqp.ConnectionTune{
		ChannelMax: b.ChannelMax,
		FrameMax:   frameMax,
		Heartbeat:  b.Heartbeat,
	})
	if err != nil {
		return err
	}
	tuneOk, err := expect[*amqp.ConnectionTuneOk](s)
	if err != nil {
		return err
	}
	s.frameMax = tuneOk.FrameMax
	if s.frameMax == 0 {
		s.frameMax = frameMax
	}

	open, err := expect[*amqp.ConnectionOpen](s)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.vhosts = append(b.vhosts, open.VirtualHost)
	b.mu.Unlock()
	b.Logger.Debug().Str("vhost", open.VirtualHost).Msg("[broker] connection.open")
	return amqp.WriteMethod(s.conn, 0, &amqp.ConnectionOpenOk{})
}

// refuse closes the connection from the server side and waits for close-ok.
func (s *session) refuse(code uint16, text string) error {
	if err := amqp.WriteMethod(s.conn, 0, &amqp.ConnectionClose{ReplyCode: code, ReplyText: text}); err != nil {
		return err
	}
	if _, err := expect[*amqp.ConnectionCloseOk](s); err != nil {
		return err
	}
	return fmt.Errorf("connection refused: %s", text)
}

func (s *session) loop() error {
	for {
		ch, m, err := s.readMethod()
		if err != nil {
			return err
		}
		if ch == 0 {
			switch m.(type) {
			case *amqp.ConnectionClose:
				return amqp.WriteMethod(s.conn, 0, &amqp.ConnectionCloseOk{})
			default:
				return fmt.Errorf("unexpected %T on channel 0", m)
			}
		}
		if err := s.handleChannelMethod(ch, m); err != nil {
			return err
		}
	}
}

func (s *session) handleChannelMethod(ch uint16, m amqp.Method) error {
	if _, ok := m.(*amqp.ChannelOpen); ok {
		s.channels[ch] = &channelState{}
		return amqp.WriteMethod(s.conn, ch, &amqp.ChannelOpenOk{})
	}
	st, ok := s.channels[ch]
	if !ok {
		return fmt.Errorf("method %T on closed channel %d", m, ch)
	}
	switch m := m.(type) {
	case *amqp.ConfirmSelect:
		st.confirming = true
		if m.NoWait {
			return nil
		}
		return amqp.WriteMethod(s.conn, ch, &amqp.ConfirmSelectOk{})
	case *amqp.ChannelFlow:
		return amqp.WriteMethod(s.conn, ch, &amqp.ChannelFlowOk{Active: m.Active})
	case *amqp.ChannelClose:
		delete(s.channels, ch)
		return amqp.WriteMethod(s.conn, ch, &amqp.ChannelCloseOk{})
	case *amqp.BasicPublish:
		return s.publish(ch, st, m)
	default:
		return fmt.Errorf("unsupported method %T on channel %d", m, ch)
	}
}

func (s *session) publish(ch uint16, st *channelState, m *amqp.BasicPublish) error {
	b := s.broker
	p, err := s.readContent(ch)
	if err != nil {
		return err
	}
	p.Exchange, p.RoutingKey = m.Exchange, m.RoutingKey
	p.Mandatory, p.Immediate = m.Mandatory, m.Immediate
	b.mu.Lock()
	b.published = append(b.published, p)
	b.mu.Unlock()
	b.Logger.Debug().Str("exchange", m.Exchange).Str("routing_key", m.RoutingKey).Int("body", len(p.Body)).Msg("[broker] basic.publish")

	routed := b.Routable == nil || b.Routable(m.Exchange, m.RoutingKey)
	if !routed && (m.Mandatory || m.Immediate) {
		if err := s.sendReturn(ch, p); err != nil {
			return err
		}
	}
	if !st.confirming {
		return nil
	}
	st.tag++
	if b.Nack != nil && b.Nack(m.Exchange, m.RoutingKey) {
		return amqp.WriteMethod(s.conn, ch, &amqp.BasicNack{DeliveryTag: st.tag})
	}
	return amqp.WriteMethod(s.conn, ch, &amqp.BasicAck{DeliveryTag: st.tag})
}

// readContent reads the header and body frames that follow basic.publish.
func (s *session) readContent(ch uint16) (Publishing, error) {
	p := Publishing{Channel: ch}
	f, err := s.readFrame()
	if err != nil {
		return p, err
	}
	if f.Type != amqp.FrameHeader || f.Channel != ch {
		return p, fmt.Errorf("expected content header on channel %d, got frame type %d on %d", ch, f.Type, f.Channel)
	}
	h, err := amqp.DecodeContentHeader(f.Payload)
	if err != nil {
		return p, err
	}
	p.Properties = h.Properties
	for uint64(len(p.Body)) < h.BodySize {
		f, err := s.readFrame()
		if err != nil {
			return p, err
		}
		if f.Type != amqp.FrameBody || f.Channel != ch {
			return p, fmt.Errorf("expected content body on channel %d, got frame type %d on %d", ch, f.Type, f.Channel)
		}
		p.Body = append(p.Body, f.Payload...)
	}
	return p, nil
}

func (s *session) sendReturn(ch uint16, p Publishing) error {
	var out bytes.Buffer
	err := amqp.WriteMethod(&out, ch, &amqp.BasicReturn{
		ReplyCode:  amqp091.NoRoute,
		ReplyText:  "NO_ROUTE",
		Exchange:   p.Exchange,
		RoutingKey: p.RoutingKey,
	})
	if err != nil {
		return err
	}
	header, err := amqp.EncodeContentHeader(amqp.ContentHeader{BodySize: uint64(len(p.Body)), Properties: p.Properties})
	if err != nil {
		return err
	}
	if err := amqp.WriteFrame(&out, amqp.Frame{Type: amqp.FrameHeader, Channel: ch, Payload: header}); err != nil {
		return err
	}
	chunk := int(s.frameMax) - 8
	for rest := p.Body; len(rest) > 0; {
		n := min(chunk, len(rest))
		if err := amqp.WriteFrame(&out, amqp.Frame{Type: amqp.FrameBody, Channel: ch, Payload: rest[:n]}); err != nil {
			return err
		}
		rest = rest[n:]
	}
	_, err = s.conn.Write(out.Bytes())
	return err
}

// readFrame reads the next frame, skipping heartbeats.
func (s *session) readFrame() (amqp.Frame, error) {
	for {
		f, err := amqp.ReadFrame(s.conn)
		if err != nil {
			return f, err
		}
		if f.Type != amqp.FrameHeartbeat {
			return f, nil
		}
	}
}

func (s *session) readMethod() (uint16, amqp.Method, error) {
	f, err := s.readFrame()
	if err != nil {
		return 0, nil, err
	}
	if f.Type != amqp.FrameMethod {
		return 0, nil, fmt.Errorf("expected method frame, got type %d", f.Type)
	}
	m, err := amqp.DecodeMethod(f.Payload)
	if err != nil {
		return 0, nil, err
	}
	return f.Channel, m, nil
}

func expect[T amqp.Method](s *session) (T, error) {
	var zero T
	_, m, err := s.readMethod()
	if err != nil {
		return zero, err
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("expected %T, got %T", zero, m)
	}
	return t, nil
}
