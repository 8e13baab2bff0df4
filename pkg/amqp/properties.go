package amqp

import (
	"bytes"
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// BasicProperties represents the content header properties of a basic-class message.
type BasicProperties struct {
	ContentType     string
	ContentEncoding string
	Headers         amqp091.Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
	ClusterId       string
}

// ContentHeader is the payload of a content header frame.
type ContentHeader struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties BasicProperties
}

// property flag bits, most significant first
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
	flagClusterId       = 0x0004
)

// DecodeContentHeader parses a content header frame payload.
func DecodeContentHeader(payload []byte) (ContentHeader, error) {
	var h ContentHeader
	r := bytes.NewReader(payload)
	var err error
	if h.ClassID, err = readShort(r); err != nil {
		return h, fmt.Errorf("content header class-id: %w", err)
	}
	if h.Weight, err = readShort(r); err != nil {
		return h, fmt.Errorf("content header weight: %w", err)
	}
	if h.BodySize, err = readLongLong(r); err != nil {
		return h, fmt.Errorf("content header body-size: %w", err)
	}
	flags, err := readShort(r)
	if err != nil {
		return h, fmt.Errorf("content header property-flags: %w", err)
	}
	// continuation words are not used by basic; skip them
	for cont := flags; cont&1 == 1; {
		if cont, err = readShort(r); err != nil {
			return h, fmt.Errorf("content header property-flags: %w", err)
		}
	}

	p := &h.Properties
	strs := []struct {
		flag uint16
		dst  *string
		name string
	}{
		{flagContentType, &p.ContentType, "content-type"},
		{flagContentEncoding, &p.ContentEncoding, "content-encoding"},
	}
	for _, s := range strs {
		if flags&s.flag != 0 {
			if *s.dst, err = readShortStr(r); err != nil {
				return h, fmt.Errorf("malformed %s: %w", s.name, err)
			}
		}
	}
	if flags&flagHeaders != 0 {
		if p.Headers, err = readFieldTable(r); err != nil {
			return h, fmt.Errorf("malformed headers: %w", err)
		}
	}
	if flags&flagDeliveryMode != 0 {
		if p.DeliveryMode, err = readOctet(r); err != nil {
			return h, fmt.Errorf("malformed delivery-mode: %w", err)
		}
	}
	if flags&flagPriority != 0 {
		if p.Priority, err = readOctet(r); err != nil {
			return h, fmt.Errorf("malformed priority: %w", err)
		}
	}
	strs = []struct {
		flag uint16
		dst  *string
		name string
	}{
		{flagCorrelationId, &p.CorrelationId, "correlation-id"},
		{flagReplyTo, &p.ReplyTo, "reply-to"},
		{flagExpiration, &p.Expiration, "expiration"},
		{flagMessageId, &p.MessageId, "message-id"},
	}
	for _, s := range strs {
		if flags&s.flag != 0 {
			if *s.dst, err = readShortStr(r); err != nil {
				return h, fmt.Errorf("malformed %s: %w", s.name, err)
			}
		}
	}
	if flags&flagTimestamp != 0 {
		ts, err := readLongLong(r)
		if err != nil {
			return h, fmt.Errorf("malformed timestamp: %w", err)
		}
		p.Timestamp = time.Unix(int64(ts), 0)
	}
	strs = []struct {
		flag uint16
		dst  *string
		name string
	}{
		{flagType, &p.Type, "type"},
		{flagUserId, &p.UserId, "user-id"},
		{flagAppId, &p.AppId, "app-id"},
		{flagClusterId, &p.ClusterId, "cluster-id"},
	}
	for _, s := range strs {
		if flags&s.flag != 0 {
			if *s.dst, err = readShortStr(r); err != nil {
				return h, fmt.Errorf("malformed %s: %w", s.name, err)
			}
		}
	}
	if r.Len() > 0 {
		return h, fmt.Errorf("content header has %d trailing bytes", r.Len())
	}
	return h, nil
}

// EncodeContentHeader builds a content header frame payload. Only properties
// with non-zero values are flagged as present. A zero ClassID means basic.
func EncodeContentHeader(h ContentHeader) ([]byte, error) {
	p := h.Properties
	var flags uint16
	var props bytes.Buffer

	shortStr := func(flag uint16, v string) error {
		if v == "" {
			return nil
		}
		flags |= flag
		return writeShortStr(&props, v)
	}

	if err := shortStr(flagContentType, p.ContentType); err != nil {
		return nil, err
	}
	if err := shortStr(flagContentEncoding, p.ContentEncoding); err != nil {
		return nil, err
	}
	if len(p.Headers) > 0 {
		flags |= flagHeaders
		if err := writeFieldTable(&props, p.Headers); err != nil {
			return nil, fmt.Errorf("headers: %w", err)
		}
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
		props.WriteByte(p.DeliveryMode)
	}
	if p.Priority != 0 {
		flags |= flagPriority
		props.WriteByte(p.Priority)
	}
	for _, s := range []struct {
		flag uint16
		v    string
	}{
		{flagCorrelationId, p.CorrelationId},
		{flagReplyTo, p.ReplyTo},
		{flagExpiration, p.Expiration},
		{flagMessageId, p.MessageId},
	} {
		if err := shortStr(s.flag, s.v); err != nil {
			return nil, err
		}
	}
	if !p.Timestamp.IsZero() {
		flags |= flagTimestamp
		props.Write(encodeLongLong(uint64(p.Timestamp.Unix())))
	}
	for _, s := range []struct {
		flag uint16
		v    string
	}{
		{flagType, p.Type},
		{flagUserId, p.UserId},
		{flagAppId, p.AppId},
		{flagClusterId, p.ClusterId},
	} {
		if err := shortStr(s.flag, s.v); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	classID := h.ClassID
	if classID == 0 {
		classID = classBasic
	}
	buf.Write(encodeShort(classID))
	buf.Write(encodeShort(h.Weight))
	buf.Write(encodeLongLong(h.BodySize))
	buf.Write(encodeShort(flags))
	buf.Write(props.Bytes())
	return buf.Bytes(), nil
}
