package amqp

import (
	"bytes"
	"fmt"
	"io"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Method is a decoded AMQP method. The set of implementations is closed: only
// the types in this file satisfy it.
type Method interface {
	// ID returns the class and method ids carried on the wire.
	ID() (classID, methodID uint16)
	write(buf *bytes.Buffer) error
	read(r *bytes.Reader) error
}

// ConnectionStart is sent by the server to begin the handshake.
type ConnectionStart struct {
	VersionMajor     byte
	VersionMinor     byte
	ServerProperties amqp091.Table
	Mechanisms       string
	Locales          string
}

// ConnectionStartOk selects a SASL mechanism and carries its initial response.
type ConnectionStartOk struct {
	ClientProperties amqp091.Table
	Mechanism        string
	Response         string
	Locale           string
}

type ConnectionSecure struct {
	Challenge string
}

type ConnectionSecureOk struct {
	Response string
}

type ConnectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

type ConnectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

type ConnectionOpen struct {
	VirtualHost string
}

type ConnectionOpenOk struct{}

// ConnectionClose is sent by either peer to shut the connection down.
type ConnectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

type ConnectionCloseOk struct{}

type ConnectionBlocked struct {
	Reason string
}

type ConnectionUnblocked struct{}

type ChannelOpen struct{}

type ChannelOpenOk struct{}

type ChannelFlow struct {
	Active bool
}

type ChannelFlowOk struct {
	Active bool
}

type ChannelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

type ChannelCloseOk struct{}

type BasicPublish struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

// BasicReturn tells a publisher that a message could not be routed. It is
// followed by a content header and zero or more body frames.
type BasicReturn struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

type BasicAck struct {
	DeliveryTag uint64
	Multiple    bool
}

type BasicNack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

type ConfirmSelect struct {
	NoWait bool
}

type ConfirmSelectOk struct{}

func (*ConnectionStart) ID() (uint16, uint16)     { return classConnection, methodConnStart }
func (*ConnectionStartOk) ID() (uint16, uint16)   { return classConnection, methodConnStartOk }
func (*ConnectionSecure) ID() (uint16, uint16)    { return classConnection, methodConnSecure }
func (*ConnectionSecureOk) ID() (uint16, uint16)  { return classConnection, methodConnSecureOk }
func (*ConnectionTune) ID() (uint16, uint16)      { return classConnection, methodConnTune }
func (*ConnectionTuneOk) ID() (uint16, uint16)    { return classConnection, methodConnTuneOk }
func (*ConnectionOpen) ID() (uint16, uint16)      { return classConnection, methodConnOpen }
func (*ConnectionOpenOk) ID() (uint16, uint16)    { return classConnection, methodConnOpenOk }
func (*ConnectionClose) ID() (uint16, uint16)     { return classConnection, methodConnClose }
func (*ConnectionCloseOk) ID() (uint16, uint16)   { return classConnection, methodConnCloseOk }
func (*ConnectionBlocked) ID() (uint16, uint16)   { return classConnection, methodConnBlocked }
func (*ConnectionUnblocked) ID() (uint16, uint16) { return classConnection, methodConnUnblocked }
func (*ChannelOpen) ID() (uint16, uint16)         { return classChannel, methodChannelOpen }
func (*ChannelOpenOk) ID() (uint16, uint16)       { return classChannel, methodChannelOpenOk }
func (*ChannelFlow) ID() (uint16, uint16)         { return classChannel, methodChannelFlow }
func (*ChannelFlowOk) ID() (uint16, uint16)       { return classChannel, methodChannelFlowOk }
func (*ChannelClose) ID() (uint16, uint16)        { return classChannel, methodChannelClose }
func (*ChannelCloseOk) ID() (uint16, uint16)      { return classChannel, methodChannelCloseOk }
func (*BasicPublish) ID() (uint16, uint16)        { return classBasic, methodBasicPublish }
func (*BasicReturn) ID() (uint16, uint16)         { return classBasic, methodBasicReturn }
func (*BasicAck) ID() (uint16, uint16)            { return classBasic, methodBasicAck }
func (*BasicNack) ID() (uint16, uint16)           { return classBasic, methodBasicNack }
func (*ConfirmSelect) ID() (uint16, uint16)       { return classConfirm, methodConfirmSelect }
func (*ConfirmSelectOk) ID() (uint16, uint16)     { return classConfirm, methodConfirmSelectOk }

func (m *ConnectionStart) write(buf *bytes.Buffer) error {
	buf.WriteByte(m.VersionMajor)
	buf.WriteByte(m.VersionMinor)
	if err := writeFieldTable(buf, m.ServerProperties); err != nil {
		return err
	}
	buf.Write(encodeLongStr(m.Mechanisms))
	buf.Write(encodeLongStr(m.Locales))
	return nil
}

func (m *ConnectionStart) read(r *bytes.Reader) (err error) {
	if m.VersionMajor, err = readOctet(r); err != nil {
		return err
	}
	if m.VersionMinor, err = readOctet(r); err != nil {
		return err
	}
	if m.ServerProperties, err = readFieldTable(r); err != nil {
		return err
	}
	if m.Mechanisms, err = readLongStr(r); err != nil {
		return err
	}
	m.Locales, err = readLongStr(r)
	return err
}

func (m *ConnectionStartOk) write(buf *bytes.Buffer) error {
	if err := writeFieldTable(buf, m.ClientProperties); err != nil {
		return err
	}
	if err := writeShortStr(buf, m.Mechanism); err != nil {
		return err
	}
	buf.Write(encodeLongStr(m.Response))
	return writeShortStr(buf, m.Locale)
}

func (m *ConnectionStartOk) read(r *bytes.Reader) (err error) {
	if m.ClientProperties, err = readFieldTable(r); err != nil {
		return err
	}
	if m.Mechanism, err = readShortStr(r); err != nil {
		return err
	}
	if m.Response, err = readLongStr(r); err != nil {
		return err
	}
	m.Locale, err = readShortStr(r)
	return err
}

func (m *ConnectionSecure) write(buf *bytes.Buffer) error {
	buf.Write(encodeLongStr(m.Challenge))
	return nil
}

func (m *ConnectionSecure) read(r *bytes.Reader) (err error) {
	m.Challenge, err = readLongStr(r)
	return err
}

func (m *ConnectionSecureOk) write(buf *bytes.Buffer) error {
	buf.Write(encodeLongStr(m.Response))
	return nil
}

func (m *ConnectionSecureOk) read(r *bytes.Reader) (err error) {
	m.Response, err = readLongStr(r)
	return err
}

func writeTune(buf *bytes.Buffer, channelMax uint16, frameMax uint32, heartbeat uint16) {
	buf.Write(encodeShort(channelMax))
	buf.Write(encodeLong(frameMax))
	buf.Write(encodeShort(heartbeat))
}

func readTune(r *bytes.Reader) (channelMax uint16, frameMax uint32, heartbeat uint16, err error) {
	if channelMax, err = readShort(r); err != nil {
		return
	}
	if frameMax, err = readLong(r); err != nil {
		return
	}
	heartbeat, err = readShort(r)
	return
}

func (m *ConnectionTune) write(buf *bytes.Buffer) error {
	writeTune(buf, m.ChannelMax, m.FrameMax, m.Heartbeat)
	return nil
}

func (m *ConnectionTune) read(r *bytes.Reader) (err error) {
	m.ChannelMax, m.FrameMax, m.Heartbeat, err = readTune(r)
	return err
}

func (m *ConnectionTuneOk) write(buf *bytes.Buffer) error {
	writeTune(buf, m.ChannelMax, m.FrameMax, m.Heartbeat)
	return nil
}

func (m *ConnectionTuneOk) read(r *bytes.Reader) (err error) {
	m.ChannelMax, m.FrameMax, m.Heartbeat, err = readTune(r)
	return err
}

// reserved-1 (shortstr) and reserved-2 (bit) follow the virtual host
func (m *ConnectionOpen) write(buf *bytes.Buffer) error {
	if err := writeShortStr(buf, m.VirtualHost); err != nil {
		return err
	}
	buf.WriteByte(0)
	buf.WriteByte(0)
	return nil
}

func (m *ConnectionOpen) read(r *bytes.Reader) (err error) {
	if m.VirtualHost, err = readShortStr(r); err != nil {
		return err
	}
	if _, err = readShortStr(r); err != nil {
		return err
	}
	_, err = readOctet(r)
	return err
}

func (m *ConnectionOpenOk) write(buf *bytes.Buffer) error {
	buf.WriteByte(0)
	return nil
}

func (m *ConnectionOpenOk) read(r *bytes.Reader) error {
	_, err := readShortStr(r)
	return err
}

func writeClose(buf *bytes.Buffer, code uint16, text string, classID, methodID uint16) error {
	buf.Write(encodeShort(code))
	if err := writeShortStr(buf, text); err != nil {
		return err
	}
	buf.Write(encodeShort(classID))
	buf.Write(encodeShort(methodID))
	return nil
}

func readClose(r *bytes.Reader) (code uint16, text string, classID, methodID uint16, err error) {
	if code, err = readShort(r); err != nil {
		return
	}
	if text, err = readShortStr(r); err != nil {
		return
	}
	if classID, err = readShort(r); err != nil {
		return
	}
	methodID, err = readShort(r)
	return
}

func (m *ConnectionClose) write(buf *bytes.Buffer) error {
	return writeClose(buf, m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID)
}

func (m *ConnectionClose) read(r *bytes.Reader) (err error) {
	m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID, err = readClose(r)
	return err
}

func (m *ConnectionCloseOk) write(*bytes.Buffer) error { return nil }
func (m *ConnectionCloseOk) read(*bytes.Reader) error  { return nil }

func (m *ConnectionBlocked) write(buf *bytes.Buffer) error {
	return writeShortStr(buf, m.Reason)
}

func (m *ConnectionBlocked) read(r *bytes.Reader) (err error) {
	m.Reason, err = readShortStr(r)
	return err
}

func (m *ConnectionUnblocked) write(*bytes.Buffer) error { return nil }
func (m *ConnectionUnblocked) read(*bytes.Reader) error  { return nil }

// channel.open carries a reserved shortstr
func (m *ChannelOpen) write(buf *bytes.Buffer) error {
	buf.WriteByte(0)
	return nil
}

func (m *ChannelOpen) read(r *bytes.Reader) error {
	_, err := readShortStr(r)
	return err
}

// channel.open-ok carries a reserved longstr
func (m *ChannelOpenOk) write(buf *bytes.Buffer) error {
	buf.Write(encodeLong(0))
	return nil
}

func (m *ChannelOpenOk) read(r *bytes.Reader) error {
	_, err := readLongStr(r)
	return err
}

func (m *ChannelFlow) write(buf *bytes.Buffer) error {
	writeBits(buf, m.Active)
	return nil
}

func (m *ChannelFlow) read(r *bytes.Reader) error {
	b, err := readOctet(r)
	m.Active = b&1 == 1
	return err
}

func (m *ChannelFlowOk) write(buf *bytes.Buffer) error {
	writeBits(buf, m.Active)
	return nil
}

func (m *ChannelFlowOk) read(r *bytes.Reader) error {
	b, err := readOctet(r)
	m.Active = b&1 == 1
	return err
}

func (m *ChannelClose) write(buf *bytes.Buffer) error {
	return writeClose(buf, m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID)
}

func (m *ChannelClose) read(r *bytes.Reader) (err error) {
	m.ReplyCode, m.ReplyText, m.ClassID, m.MethodID, err = readClose(r)
	return err
}

func (m *ChannelCloseOk) write(*bytes.Buffer) error { return nil }
func (m *ChannelCloseOk) read(*bytes.Reader) error  { return nil }

// basic.publish: reserved-1 (short), exchange, routing-key, mandatory/immediate bits
func (m *BasicPublish) write(buf *bytes.Buffer) error {
	buf.Write(encodeShort(0))
	if err := writeShortStr(buf, m.Exchange); err != nil {
		return err
	}
	if err := writeShortStr(buf, m.RoutingKey); err != nil {
		return err
	}
	writeBits(buf, m.Mandatory, m.Immediate)
	return nil
}

func (m *BasicPublish) read(r *bytes.Reader) (err error) {
	if _, err = readShort(r); err != nil {
		return err
	}
	if m.Exchange, err = readShortStr(r); err != nil {
		return err
	}
	if m.RoutingKey, err = readShortStr(r); err != nil {
		return err
	}
	flags, err := readOctet(r)
	m.Mandatory = flags&1 == 1
	m.Immediate = flags&2 == 2
	return err
}

func (m *BasicReturn) write(buf *bytes.Buffer) error {
	buf.Write(encodeShort(m.ReplyCode))
	if err := writeShortStr(buf, m.ReplyText); err != nil {
		return err
	}
	if err := writeShortStr(buf, m.Exchange); err != nil {
		return err
	}
	return writeShortStr(buf, m.RoutingKey)
}

func (m *BasicReturn) read(r *bytes.Reader) (err error) {
	if m.ReplyCode, err = readShort(r); err != nil {
		return err
	}
	if m.ReplyText, err = readShortStr(r); err != nil {
		return err
	}
	if m.Exchange, err = readShortStr(r); err != nil {
		return err
	}
	m.RoutingKey, err = readShortStr(r)
	return err
}

func (m *BasicAck) write(buf *bytes.Buffer) error {
	buf.Write(encodeLongLong(m.DeliveryTag))
	writeBits(buf, m.Multiple)
	return nil
}

func (m *BasicAck) read(r *bytes.Reader) (err error) {
	if m.DeliveryTag, err = readLongLong(r); err != nil {
		return err
	}
	flags, err := readOctet(r)
	m.Multiple = flags&1 == 1
	return err
}

func (m *BasicNack) write(buf *bytes.Buffer) error {
	buf.Write(encodeLongLong(m.DeliveryTag))
	writeBits(buf, m.Multiple, m.Requeue)
	return nil
}

func (m *BasicNack) read(r *bytes.Reader) (err error) {
	if m.DeliveryTag, err = readLongLong(r); err != nil {
		return err
	}
	flags, err := readOctet(r)
	m.Multiple = flags&1 == 1
	m.Requeue = flags&2 == 2
	return err
}

func (m *ConfirmSelect) write(buf *bytes.Buffer) error {
	writeBits(buf, m.NoWait)
	return nil
}

func (m *ConfirmSelect) read(r *bytes.Reader) error {
	b, err := readOctet(r)
	m.NoWait = b&1 == 1
	return err
}

func (m *ConfirmSelectOk) write(*bytes.Buffer) error { return nil }
func (m *ConfirmSelectOk) read(*bytes.Reader) error  { return nil }

func newMethod(classID, methodID uint16) Method {
	switch classID {
	case classConnection:
		switch methodID {
		case methodConnStart:
			return &ConnectionStart{}
		case methodConnStartOk:
			return &ConnectionStartOk{}
		case methodConnSecure:
			return &ConnectionSecure{}
		case methodConnSecureOk:
			return &ConnectionSecureOk{}
		case methodConnTune:
			return &ConnectionTune{}
		case methodConnTuneOk:
			return &ConnectionTuneOk{}
		case methodConnOpen:
			return &ConnectionOpen{}
		case methodConnOpenOk:
			return &ConnectionOpenOk{}
		case methodConnClose:
			return &ConnectionClose{}
		case methodConnCloseOk:
			return &ConnectionCloseOk{}
		case methodConnBlocked:
			return &ConnectionBlocked{}
		case methodConnUnblocked:
			return &ConnectionUnblocked{}
		}
	case classChannel:
		switch methodID {
		case methodChannelOpen:
			return &ChannelOpen{}
		case methodChannelOpenOk:
			return &ChannelOpenOk{}
		case methodChannelFlow:
			return &ChannelFlow{}
		case methodChannelFlowOk:
			return &ChannelFlowOk{}
		case methodChannelClose:
			return &ChannelClose{}
		case methodChannelCloseOk:
			return &ChannelCloseOk{}
		}
	case classBasic:
		switch methodID {
		case methodBasicPublish:
			return &BasicPublish{}
		case methodBasicReturn:
			return &BasicReturn{}
		case methodBasicAck:
			return &BasicAck{}
		case methodBasicNack:
			return &BasicNack{}
		}
	case classConfirm:
		switch methodID {
		case methodConfirmSelect:
			return &ConfirmSelect{}
		case methodConfirmSelectOk:
			return &ConfirmSelectOk{}
		}
	}
	return nil
}

// DecodeMethod decodes a method frame payload into a typed Method. Unknown
// methods, truncated arguments and trailing bytes are all errors.
func DecodeMethod(payload []byte) (Method, error) {
	classID, methodID, args, err := ParseMethod(payload)
	if err != nil {
		return nil, err
	}
	m := newMethod(classID, methodID)
	if m == nil {
		return nil, fmt.Errorf("unsupported method %d.%d", classID, methodID)
	}
	r := bytes.NewReader(args)
	if err := m.read(r); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("decoding %s: %w", methodName(m), err)
	}
	if r.Len() > 0 {
		return nil, fmt.Errorf("decoding %s: %d trailing bytes", methodName(m), r.Len())
	}
	return m, nil
}

// EncodeMethod returns the complete method frame for m on channel.
func EncodeMethod(channel uint16, m Method) ([]byte, error) {
	classID, methodID := m.ID()
	var payload bytes.Buffer
	payload.Write(encodeShort(classID))
	payload.Write(encodeShort(methodID))
	if err := m.write(&payload); err != nil {
		return nil, &EncodeError{Method: methodName(m), Err: err}
	}
	return AppendFrame(nil, Frame{Type: FrameMethod, Channel: channel, Payload: payload.Bytes()}), nil
}

// WriteMethod writes m as a method frame on channel.
func WriteMethod(w io.Writer, channel uint16, m Method) error {
	b, err := EncodeMethod(channel, m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func methodName(m Method) string {
	switch m.(type) {
	case *ConnectionStart:
		return "connection.start"
	case *ConnectionStartOk:
		return "connection.start-ok"
	case *ConnectionSecure:
		return "connection.secure"
	case *ConnectionSecureOk:
		return "connection.secure-ok"
	case *ConnectionTune:
		return "connection.tune"
	case *ConnectionTuneOk:
		return "connection.tune-ok"
	case *ConnectionOpen:
		return "connection.open"
	case *ConnectionOpenOk:
		return "connection.open-ok"
	case *ConnectionClose:
		return "connection.close"
	case *ConnectionCloseOk:
		return "connection.close-ok"
	case *ConnectionBlocked:
		return "connection.blocked"
	case *ConnectionUnblocked:
		return "connection.unblocked"
	case *ChannelOpen:
		return "channel.open"
	case *ChannelOpenOk:
		return "channel.open-ok"
	case *ChannelFlow:
		return "channel.flow"
	case *ChannelFlowOk:
		return "channel.flow-ok"
	case *ChannelClose:
		return "channel.close"
	case *ChannelCloseOk:
		return "channel.close-ok"
	case *BasicPublish:
		return "basic.publish"
	case *BasicReturn:
		return "basic.return"
	case *BasicAck:
		return "basic.ack"
	case *BasicNack:
		return "basic.nack"
	case *ConfirmSelect:
		return "confirm.select"
	case *ConfirmSelectOk:
		return "confirm.select-ok"
	}
	classID, methodID := m.ID()
	return fmt.Sprintf("%d.%d", classID, methodID)
}
