package amqp

import (
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

const (
	clientProduct  = "amqp-engine"
	clientVersion  = "0.1.0"
	clientPlatform = "golang"
)

// handleGlobalMethod drives the connection state machine with a method
// received on channel 0.
func (c *Connection) handleGlobalMethod(m Method) error {
	switch c.state.Phase {
	case PhaseConnecting:
		return c.handleConnecting(m)
	case PhaseConnected:
		return c.handleConnected(m)
	case PhaseClosing:
		return c.handleClosing(m)
	default:
		return c.unexpected(m)
	}
}

func (c *Connection) handleConnecting(m Method) error {
	if cl, ok := m.(*ConnectionClose); ok && c.state.Connecting != SentProtocolHeader {
		return c.onServerClose(cl)
	}
	switch c.state.Connecting {
	case SentProtocolHeader:
		if start, ok := m.(*ConnectionStart); ok {
			return c.onStart(start)
		}
	case SentStartOk:
		switch m := m.(type) {
		case *ConnectionSecure:
			return c.onSecure(m, ReceivedSecure, SentSecure)
		case *ConnectionTune:
			return c.onTune(m)
		}
	case SentSecure:
		switch m := m.(type) {
		case *ConnectionSecure:
			return c.onSecure(m, ReceivedSecondSecure, ReceivedSecondSecure)
		case *ConnectionTune:
			return c.onTune(m)
		}
	case ReceivedSecondSecure:
		if tune, ok := m.(*ConnectionTune); ok {
			return c.onTune(tune)
		}
	case SentOpen:
		if _, ok := m.(*ConnectionOpenOk); ok {
			c.setState(Connecting(ReceivedOpenOk))
			c.setState(StateConnected)
			logger.Info().Str("vhost", c.cfg.Vhost).Uint16("channel_max", c.tuning.ChannelMax).
				Uint32("frame_max", c.tuning.FrameMax).Uint16("heartbeat", c.tuning.Heartbeat).Msg("connection open")
			return nil
		}
	}
	return c.unexpected(m)
}

func (c *Connection) handleConnected(m Method) error {
	switch m := m.(type) {
	case *ConnectionClose:
		return c.onServerClose(m)
	case *ConnectionBlocked:
		c.blocked = true
		logger.Warn().Str("reason", m.Reason).Msg("connection blocked")
		return nil
	case *ConnectionUnblocked:
		c.blocked = false
		logger.Info().Msg("connection unblocked")
		return nil
	}
	return c.unexpected(m)
}

func (c *Connection) handleClosing(m Method) error {
	switch m := m.(type) {
	case *ConnectionCloseOk:
		if c.state.Closing == SentClose || c.state.Closing == SentCloseOk {
			c.setState(Closing(ReceivedCloseOk))
			c.setState(StateClosed)
			return nil
		}
	case *ConnectionClose:
		if c.state.Closing == SentClose {
			// both peers closing at once: answer, then wait for our close-ok
			c.closeReason = serverError(m.ReplyCode, m.ReplyText)
			c.setState(Closing(ReceivedClose))
			if err := c.sendMethod(0, &ConnectionCloseOk{}); err != nil {
				c.fail()
				return err
			}
			c.setState(Closing(SentCloseOk))
			return nil
		}
	}
	logger.Debug().Str("method", methodName(m)).Str("state", c.state.String()).Msg("discarding method while closing")
	return nil
}

func (c *Connection) onStart(m *ConnectionStart) error {
	c.setState(Connecting(ReceivedStart))
	c.serverProperties = m.ServerProperties
	if m.VersionMajor != 0 || m.VersionMinor != 9 {
		c.fail()
		return fmt.Errorf("amqp: unsupported server protocol version %d-%d", m.VersionMajor, m.VersionMinor)
	}
	auth, ok := pickMechanism(c.cfg.SASL, m.Mechanisms)
	if !ok {
		c.fail()
		return fmt.Errorf("%w: server offers %q, client has %v", ErrMechanismNotOffered, m.Mechanisms, mechanismNames(c.cfg.SASL))
	}
	c.auth = auth
	err := c.sendMethod(0, &ConnectionStartOk{
		ClientProperties: c.clientProperties(),
		Mechanism:        auth.Mechanism(),
		Response:         auth.Response(),
		Locale:           c.cfg.Locale,
	})
	if err != nil {
		c.fail()
		return err
	}
	c.setState(Connecting(SentStartOk))
	return nil
}

// onSecure answers a SASL challenge. PLAIN and EXTERNAL carry their whole
// response up front, so the same response is repeated.
func (c *Connection) onSecure(m *ConnectionSecure, received, sent ConnectingState) error {
	c.setState(Connecting(received))
	logger.Debug().Int("challenge_len", len(m.Challenge)).Msg("sasl challenge")
	if err := c.sendMethod(0, &ConnectionSecureOk{Response: c.auth.Response()}); err != nil {
		c.fail()
		return err
	}
	c.setState(Connecting(sent))
	return nil
}

func (c *Connection) onTune(m *ConnectionTune) error {
	c.setState(Connecting(ReceivedTune))
	frameMax := pick(c.cfg.FrameMax, m.FrameMax)
	if frameMax == 0 || frameMax > MaxFrameSize {
		frameMax = MaxFrameSize
	}
	c.tuning = Tuning{
		ChannelMax: pick(c.cfg.ChannelMax, m.ChannelMax),
		FrameMax:   frameMax,
		Heartbeat:  pick(uint16(c.cfg.Heartbeat/time.Second), m.Heartbeat),
	}
	err := c.sendMethod(0, &ConnectionTuneOk{
		ChannelMax: c.tuning.ChannelMax,
		FrameMax:   c.tuning.FrameMax,
		Heartbeat:  c.tuning.Heartbeat,
	})
	if err == nil {
		err = c.sendMethod(0, &ConnectionOpen{VirtualHost: c.cfg.Vhost})
	}
	if err != nil {
		c.fail()
		return err
	}
	c.setState(Connecting(SentOpen))
	return nil
}

// onServerClose handles a broker initiated connection.close.
func (c *Connection) onServerClose(m *ConnectionClose) error {
	c.closeReason = serverError(m.ReplyCode, m.ReplyText)
	logger.Warn().Uint16("reply_code", m.ReplyCode).Str("reply_text", m.ReplyText).
		Uint16("class_id", m.ClassID).Uint16("method_id", m.MethodID).Msg("server closed connection")
	c.setState(Closing(ReceivedClose))
	if err := c.sendMethod(0, &ConnectionCloseOk{}); err != nil {
		c.fail()
		return err
	}
	c.setState(Closing(SentCloseOk))
	c.setState(StateClosed)
	return nil
}

func (c *Connection) unexpected(m Method) error {
	prev := c.state
	c.fail()
	logger.Error().Str("method", methodName(m)).Str("state", prev.String()).Msg("unexpected method on channel 0")
	return invalidState("received "+methodName(m), prev)
}

func (c *Connection) clientProperties() amqp091.Table {
	props := amqp091.Table{
		"product":  clientProduct,
		"version":  clientVersion,
		"platform": clientPlatform,
		"capabilities": amqp091.Table{
			"connection.blocked":           true,
			"basic.nack":                   true,
			"publisher_confirms":           true,
			"authentication_failure_close": true,
		},
	}
	for k, v := range c.cfg.ClientProperties {
		props[k] = v
	}
	return props
}

// pick negotiates a limit where zero means unlimited on either side.
func pick[T uint16 | uint32](client, server T) T {
	if client == 0 || server == 0 {
		return max(client, server)
	}
	return min(client, server)
}
