package amqp

import (
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHeaderAllProperties(t *testing.T) {
	props := BasicProperties{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		Headers:         amqp091.Table{"x-retry": int32(3)},
		DeliveryMode:    2,
		Priority:        9,
		CorrelationId:   "corr",
		ReplyTo:         "amq.rabbitmq.reply-to",
		Expiration:      "60000",
		MessageId:       "id-1",
		Timestamp:       time.Unix(1700000000, 0),
		Type:            "event",
		UserId:          "guest",
		AppId:           "app",
		ClusterId:       "cluster",
	}
	payload, err := EncodeContentHeader(ContentHeader{BodySize: 42, Properties: props})
	require.NoError(t, err)

	h, err := DecodeContentHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(classBasic), h.ClassID)
	assert.Equal(t, uint64(42), h.BodySize)
	assert.True(t, props.Timestamp.Equal(h.Properties.Timestamp))
	h.Properties.Timestamp = props.Timestamp
	assert.Equal(t, props, h.Properties)
}

func TestContentHeaderNoProperties(t *testing.T) {
	payload, err := EncodeContentHeader(ContentHeader{BodySize: 7})
	require.NoError(t, err)
	assert.Len(t, payload, 14, "class, weight, size and empty flags")

	h, err := DecodeContentHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, BasicProperties{}, h.Properties)
	assert.Equal(t, uint64(7), h.BodySize)
}

func TestContentHeaderSparseFlags(t *testing.T) {
	payload, err := EncodeContentHeader(ContentHeader{Properties: BasicProperties{Priority: 1, AppId: "a"}})
	require.NoError(t, err)
	h, err := DecodeContentHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, BasicProperties{Priority: 1, AppId: "a"}, h.Properties)
}

func TestContentHeaderTruncated(t *testing.T) {
	payload, err := EncodeContentHeader(ContentHeader{Properties: BasicProperties{MessageId: "abcdef"}})
	require.NoError(t, err)
	for _, n := range []int{0, 3, 11, len(payload) - 1} {
		_, err := DecodeContentHeader(payload[:n])
		assert.Error(t, err, "prefix %d", n)
	}
}

func TestContentHeaderTrailingBytes(t *testing.T) {
	payload, err := EncodeContentHeader(ContentHeader{})
	require.NoError(t, err)
	_, err = DecodeContentHeader(append(payload, 0))
	assert.ErrorContains(t, err, "trailing")
}
