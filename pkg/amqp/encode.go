package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// encode helpers
func encodeShort(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
func encodeLong(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
func encodeLongLong(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
func encodeLongStr(s string) []byte {
	b := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(s)))
	copy(b[4:], []byte(s))
	return b
}

// shortstr: 1-byte length + bytes. Unlike a server, a client must not
// silently truncate what it was asked to send.
func writeShortStr(buf *bytes.Buffer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("short string of %d bytes exceeds 255", len(s))
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

func writeBits(buf *bytes.Buffer, bits ...bool) {
	var b byte
	for i, set := range bits {
		if set {
			b |= 1 << uint(i)
		}
	}
	buf.WriteByte(b)
}

// writeFieldTable writes a length-prefixed field table.
func writeFieldTable(buf *bytes.Buffer, tbl amqp091.Table) error {
	var payload bytes.Buffer
	for key, value := range tbl {
		if err := writeShortStr(&payload, key); err != nil {
			return fmt.Errorf("table key %q: %w", key, err)
		}
		if err := writeFieldValue(&payload, value); err != nil {
			return fmt.Errorf("table field %q: %w", key, err)
		}
	}
	buf.Write(encodeLong(uint32(payload.Len())))
	buf.Write(payload.Bytes())
	return nil
}

func writeFieldValue(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteByte('V')
	case bool:
		buf.WriteByte('t')
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int8:
		buf.WriteByte('b')
		buf.WriteByte(byte(v))
	case byte:
		buf.WriteByte('B')
		buf.WriteByte(v)
	case int16:
		buf.WriteByte('s')
		buf.Write(encodeShort(uint16(v)))
	case uint16:
		buf.WriteByte('u')
		buf.Write(encodeShort(v))
	case int32:
		buf.WriteByte('I')
		buf.Write(encodeLong(uint32(v)))
	case uint32:
		buf.WriteByte('i')
		buf.Write(encodeLong(v))
	case int:
		buf.WriteByte('l')
		buf.Write(encodeLongLong(uint64(v)))
	case int64:
		buf.WriteByte('l')
		buf.Write(encodeLongLong(uint64(v)))
	case float32:
		buf.WriteByte('f')
		_ = binary.Write(buf, binary.BigEndian, v)
	case float64:
		buf.WriteByte('d')
		_ = binary.Write(buf, binary.BigEndian, v)
	case amqp091.Decimal:
		buf.WriteByte('D')
		buf.WriteByte(v.Scale)
		buf.Write(encodeLong(uint32(v.Value)))
	case string:
		buf.WriteByte('S')
		buf.Write(encodeLongStr(v))
	case []byte:
		buf.WriteByte('x')
		buf.Write(encodeLong(uint32(len(v))))
		buf.Write(v)
	case time.Time:
		buf.WriteByte('T')
		buf.Write(encodeLongLong(uint64(v.Unix())))
	case []interface{}:
		var arr bytes.Buffer
		for _, item := range v {
			if err := writeFieldValue(&arr, item); err != nil {
				return fmt.Errorf("in array: %w", err)
			}
		}
		buf.WriteByte('A')
		buf.Write(encodeLong(uint32(arr.Len())))
		buf.Write(arr.Bytes())
	case amqp091.Table:
		buf.WriteByte('F')
		return writeFieldTable(buf, v)
	case map[string]interface{}:
		buf.WriteByte('F')
		return writeFieldTable(buf, amqp091.Table(v))
	default:
		return fmt.Errorf("value %T not supported", value)
	}
	return nil
}

// decode helpers

func readOctet(r *bytes.Reader) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("reading octet: %w", io.ErrUnexpectedEOF)
	}
	return b, nil
}

func readShort(r *bytes.Reader) (uint16, error) {
	var v uint16
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("reading short: %w", err)
	}
	return v, nil
}

func readLong(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("reading long: %w", err)
	}
	return v, nil
}

func readLongLong(r *bytes.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("reading long long: %w", err)
	}
	return v, nil
}

func readBytes(r *bytes.Reader, n int) ([]byte, error) {
	if n > r.Len() {
		return nil, fmt.Errorf("not enough data: expected %d, available %d", n, r.Len())
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func readShortStr(r *bytes.Reader) (string, error) {
	length, err := readOctet(r)
	if err != nil {
		return "", fmt.Errorf("reading short string length: %w", err)
	}
	data, err := readBytes(r, int(length))
	if err != nil {
		return "", fmt.Errorf("reading short string: %w", err)
	}
	return string(data), nil
}

func readLongStr(r *bytes.Reader) (string, error) {
	length, err := readLong(r)
	if err != nil {
		return "", fmt.Errorf("reading long string length: %w", err)
	}
	data, err := readBytes(r, int(length))
	if err != nil {
		return "", fmt.Errorf("reading long string: %w", err)
	}
	return string(data), nil
}

func readFieldTable(r *bytes.Reader) (amqp091.Table, error) {
	length, err := readLong(r)
	if err != nil {
		return nil, fmt.Errorf("reading table length: %w", err)
	}
	payload, err := readBytes(r, int(length))
	if err != nil {
		return nil, fmt.Errorf("reading table payload: %w", err)
	}
	tr := bytes.NewReader(payload)
	table := amqp091.Table{}
	for tr.Len() > 0 {
		key, err := readShortStr(tr)
		if err != nil {
			return nil, fmt.Errorf("malformed table key: %w", err)
		}
		value, err := readFieldValue(tr)
		if err != nil {
			return nil, fmt.Errorf("table field %q: %w", key, err)
		}
		table[key] = value
	}
	return table, nil
}

func readFieldValue(r *bytes.Reader) (interface{}, error) {
	kind, err := readOctet(r)
	if err != nil {
		return nil, fmt.Errorf("reading field type: %w", err)
	}
	switch kind {
	case 'V':
		return nil, nil
	case 't':
		b, err := readOctet(r)
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case 'b':
		b, err := readOctet(r)
		if err != nil {
			return nil, err
		}
		return int8(b), nil
	case 'B':
		return readOctet(r)
	case 's':
		v, err := readShort(r)
		return int16(v), err
	case 'u':
		return readShort(r)
	case 'I':
		v, err := readLong(r)
		return int32(v), err
	case 'i':
		return readLong(r)
	case 'l':
		v, err := readLongLong(r)
		return int64(v), err
	case 'f':
		var v float32
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, fmt.Errorf("reading float: %w", err)
		}
		return v, nil
	case 'd':
		var v float64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return nil, fmt.Errorf("reading double: %w", err)
		}
		return v, nil
	case 'D':
		scale, err := readOctet(r)
		if err != nil {
			return nil, err
		}
		v, err := readLong(r)
		if err != nil {
			return nil, err
		}
		return amqp091.Decimal{Scale: scale, Value: int32(v)}, nil
	case 'S':
		return readLongStr(r)
	case 'x':
		n, err := readLong(r)
		if err != nil {
			return nil, err
		}
		return readBytes(r, int(n))
	case 'T':
		v, err := readLongLong(r)
		if err != nil {
			return nil, err
		}
		return time.Unix(int64(v), 0), nil
	case 'A':
		n, err := readLong(r)
		if err != nil {
			return nil, err
		}
		payload, err := readBytes(r, int(n))
		if err != nil {
			return nil, fmt.Errorf("reading array payload: %w", err)
		}
		ar := bytes.NewReader(payload)
		arr := []interface{}{}
		for ar.Len() > 0 {
			v, err := readFieldValue(ar)
			if err != nil {
				return nil, fmt.Errorf("in array: %w", err)
			}
			arr = append(arr, v)
		}
		return arr, nil
	case 'F':
		return readFieldTable(r)
	default:
		return nil, fmt.Errorf("unsupported field value type %q", kind)
	}
}
