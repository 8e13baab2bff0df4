package amqp

import (
	"bytes"
	"strings"
	"testing"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openChannel(t *testing.T, c *Connection) *Channel {
	t.Helper()
	ch, err := c.OpenChannel()
	require.NoError(t, err)
	sentFrames(t, c)
	feed(t, c, ch.ID(), &ChannelOpenOk{})
	require.Equal(t, ChannelStateOpen, ch.State())
	return ch
}

func confirmChannel(t *testing.T, c *Connection) *Channel {
	t.Helper()
	ch := openChannel(t, c)
	require.NoError(t, ch.ConfirmSelect())
	feed(t, c, ch.ID(), &ConfirmSelectOk{})
	sentFrames(t, c)
	return ch
}

// feedAll reads wire and processes every complete frame in it.
func feedAll(t *testing.T, c *Connection, wire []byte) ConnectionState {
	t.Helper()
	state, err := c.Read(bytes.NewReader(wire))
	require.NoError(t, err)
	for {
		var progressed bool
		state, progressed, err = c.Advance()
		require.NoError(t, err)
		if !progressed {
			return state
		}
	}
}

func returnFrames(t *testing.T, channel uint16, ret *BasicReturn, props BasicProperties, body []byte) []byte {
	t.Helper()
	wire := methodFrame(t, channel, ret)
	header, err := EncodeContentHeader(ContentHeader{BodySize: uint64(len(body)), Properties: props})
	require.NoError(t, err)
	wire = AppendFrame(wire, Frame{Type: FrameHeader, Channel: channel, Payload: header})
	if len(body) > 0 {
		wire = AppendFrame(wire, Frame{Type: FrameBody, Channel: channel, Payload: body})
	}
	return wire
}

func noRoute(key string) *BasicReturn {
	return &BasicReturn{ReplyCode: amqp091.NoRoute, ReplyText: "NO_ROUTE", Exchange: "ex", RoutingKey: key}
}

func TestOpenChannel(t *testing.T) {
	c := connected(t, Config{})
	ch, err := c.OpenChannel()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ch.ID())
	assert.Equal(t, ChannelStateOpening, ch.State())
	assert.Equal(t, []Method{&ChannelOpen{}}, sentMethods(t, c))

	_, err = ch.Publish("", "q", false, false, BasicProperties{}, nil)
	assert.ErrorIs(t, err, ErrInvalidState, "publish before open-ok")

	feed(t, c, ch.ID(), &ChannelOpenOk{})
	assert.Equal(t, ChannelStateOpen, ch.State())
	got, ok := c.Channel(1)
	require.True(t, ok)
	assert.Same(t, ch, got)
}

func TestOpenChannelRequiresConnected(t *testing.T) {
	c := newTestConnection(t, Config{})
	_, err := c.OpenChannel()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestChannelIDsRespectChannelMax(t *testing.T) {
	c := connected(t, Config{ChannelMax: 2})
	assert.Equal(t, uint16(2), c.Tuning().ChannelMax)

	a := openChannel(t, c)
	b := openChannel(t, c)
	assert.Equal(t, []uint16{1, 2}, []uint16{a.ID(), b.ID()})
	_, err := c.OpenChannel()
	assert.Error(t, err)

	require.NoError(t, a.Close(replySuccess, ""))
	feed(t, c, a.ID(), &ChannelCloseOk{})
	sentFrames(t, c)
	reused, err := c.OpenChannel()
	require.NoError(t, err)
	assert.Equal(t, uint16(1), reused.ID())
}

func TestPublishSplitsBody(t *testing.T) {
	c := connected(t, Config{FrameMax: 4096})
	require.Equal(t, uint32(4096), c.Tuning().FrameMax)
	ch := openChannel(t, c)

	body := []byte(strings.Repeat("x", 10000))
	props := BasicProperties{ContentType: "text/plain", DeliveryMode: 2, Headers: amqp091.Table{"k": "v"}}
	p, err := ch.Publish("ex", "key", true, false, props, body)
	require.NoError(t, err)
	assert.Nil(t, p, "no promise outside confirm mode")

	frames := sentFrames(t, c)
	require.Len(t, frames, 5)

	_, m := decodeWire(t, frames[0])
	assert.Equal(t, &BasicPublish{Exchange: "ex", RoutingKey: "key", Mandatory: true}, m)

	f, _, err := DecodeFrame(frames[1])
	require.NoError(t, err)
	require.Equal(t, uint8(FrameHeader), f.Type)
	h, err := DecodeContentHeader(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(classBasic), h.ClassID)
	assert.Equal(t, uint64(len(body)), h.BodySize)
	assert.Equal(t, props, h.Properties)

	var got []byte
	for _, raw := range frames[2:] {
		f, _, err := DecodeFrame(raw)
		require.NoError(t, err)
		assert.Equal(t, uint8(FrameBody), f.Type)
		assert.Equal(t, ch.ID(), f.Channel)
		assert.LessOrEqual(t, len(raw), 4096)
		got = append(got, f.Payload...)
	}
	assert.Equal(t, body, got)
}

func TestPublishEmptyBody(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	_, err := ch.Publish("", "q", false, false, BasicProperties{}, nil)
	require.NoError(t, err)
	assert.Len(t, sentFrames(t, c), 2)
}

func TestConfirmSelect(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	require.NoError(t, ch.ConfirmSelect())
	assert.True(t, ch.Confirming())
	assert.Equal(t, []Method{&ConfirmSelect{}}, sentMethods(t, c))

	require.NoError(t, ch.ConfirmSelect())
	assert.Empty(t, sentMethods(t, c), "second select is a no-op")
	feed(t, c, ch.ID(), &ConfirmSelectOk{})
	assert.Equal(t, ChannelStateOpen, ch.State())
}

func TestSelectOkWithoutSelectFailsChannel(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	_, err := c.Read(bytes.NewReader(methodFrame(t, ch.ID(), &ConfirmSelectOk{})))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, ChannelStateError, ch.State())
	assert.Equal(t, StateConnected, c.State())
}

func TestAckMultiple(t *testing.T) {
	c := connected(t, Config{})
	ch := confirmChannel(t, c)

	var promises []*Promise[Confirmation]
	for i := 0; i < 3; i++ {
		p, err := ch.Publish("", "q", false, false, BasicProperties{}, []byte{byte(i)})
		require.NoError(t, err)
		promises = append(promises, p)
	}
	assert.Equal(t, 3, ch.PendingConfirms())

	feed(t, c, ch.ID(), &BasicAck{DeliveryTag: 2, Multiple: true})
	for _, p := range promises[:2] {
		conf, ok := p.TryPoll()
		require.True(t, ok)
		assert.True(t, conf.Ack)
	}
	_, ok := promises[2].TryPoll()
	assert.False(t, ok)
	assert.Equal(t, 1, ch.PendingConfirms())

	feed(t, c, ch.ID(), &BasicNack{DeliveryTag: 3})
	conf, ok := promises[2].TryPoll()
	require.True(t, ok)
	assert.False(t, conf.Ack)
	require.NotNil(t, conf.Returned)
	assert.Equal(t, []byte{2}, conf.Returned.Body)
	assert.Equal(t, "q", conf.Returned.RoutingKey)
	assert.Zero(t, ch.PendingConfirms())
}

func TestAckForUnknownTagIgnored(t *testing.T) {
	c := connected(t, Config{})
	ch := confirmChannel(t, c)
	feed(t, c, ch.ID(), &BasicAck{DeliveryTag: 99})
	assert.Equal(t, ChannelStateOpen, ch.State())
}

func TestAckOutsideConfirmModeFailsChannel(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	_, err := c.Read(bytes.NewReader(methodFrame(t, ch.ID(), &BasicAck{DeliveryTag: 1})))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, ChannelStateError, ch.State())
}

func TestReturnThenAckResolvesNack(t *testing.T) {
	c := connected(t, Config{})
	ch := confirmChannel(t, c)
	p, err := ch.Publish("ex", "nowhere", true, false, BasicProperties{}, []byte("hello"))
	require.NoError(t, err)

	props := BasicProperties{MessageId: "m1"}
	feedAll(t, c, returnFrames(t, ch.ID(), noRoute("nowhere"), props, []byte("hello")))
	_, ok := p.TryPoll()
	assert.False(t, ok, "return alone does not settle the publish")

	feed(t, c, ch.ID(), &BasicAck{DeliveryTag: 1})
	conf, ok := p.TryPoll()
	require.True(t, ok)
	assert.False(t, conf.Ack)
	require.NotNil(t, conf.Returned)
	assert.Equal(t, uint16(amqp091.NoRoute), conf.Returned.ReplyCode)
	assert.Equal(t, "NO_ROUTE", conf.Returned.ReplyText)
	assert.Equal(t, []byte("hello"), conf.Returned.Body)
	assert.Equal(t, "m1", conf.Returned.Properties.MessageId)
	assert.Empty(t, ch.ReturnedMessages())
}

func TestAckDuringReturnAssembly(t *testing.T) {
	c := connected(t, Config{})
	ch := confirmChannel(t, c)
	p, err := ch.Publish("ex", "nowhere", true, false, BasicProperties{}, []byte("hello"))
	require.NoError(t, err)

	wire := returnFrames(t, ch.ID(), noRoute("nowhere"), BasicProperties{}, []byte("hello"))
	f, n, err := DecodeFrame(wire)
	require.NoError(t, err)
	require.Equal(t, uint8(FrameMethod), f.Type)
	_, hn, err := DecodeFrame(wire[n:])
	require.NoError(t, err)

	feedAll(t, c, wire[:n+hn])
	feed(t, c, ch.ID(), &BasicAck{DeliveryTag: 1})
	_, ok := p.TryPoll()
	assert.False(t, ok, "ack waits for the body in flight")
	_, pinkies, _ := ch.Returns().Pending()
	assert.Equal(t, 1, pinkies)

	feedAll(t, c, wire[n+hn:])
	conf, ok := p.TryPoll()
	require.True(t, ok)
	assert.False(t, conf.Ack)
	assert.Equal(t, []byte("hello"), conf.Returned.Body)
}

func TestMandatoryAckWithoutReturn(t *testing.T) {
	c := connected(t, Config{})
	ch := confirmChannel(t, c)
	p, err := ch.Publish("ex", "routed", true, false, BasicProperties{}, []byte("x"))
	require.NoError(t, err)
	feed(t, c, ch.ID(), &BasicAck{DeliveryTag: 1})
	conf, ok := p.TryPoll()
	require.True(t, ok)
	assert.True(t, conf.Ack)
	assert.Nil(t, conf.Returned)
}

func TestReturnsOutsideConfirmMode(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	for _, key := range []string{"a", "b", "c"} {
		_, err := ch.Publish("ex", key, true, false, BasicProperties{}, []byte(key))
		require.NoError(t, err)
		feedAll(t, c, returnFrames(t, ch.ID(), noRoute(key), BasicProperties{}, []byte(key)))
	}
	returned := ch.ReturnedMessages()
	require.Len(t, returned, 3)
	for i, key := range []string{"a", "b", "c"} {
		assert.Equal(t, key, returned[i].RoutingKey)
		assert.Equal(t, []byte(key), returned[i].Body)
	}
	assert.Empty(t, ch.ReturnedMessages())
}

func TestReturnWithEmptyBody(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	feedAll(t, c, returnFrames(t, ch.ID(), noRoute("k"), BasicProperties{}, nil))
	returned := ch.ReturnedMessages()
	require.Len(t, returned, 1)
	assert.Empty(t, returned[0].Body)
}

func TestReturnBodySplitAcrossFrames(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	wire := methodFrame(t, ch.ID(), noRoute("k"))
	header, err := EncodeContentHeader(ContentHeader{BodySize: 6})
	require.NoError(t, err)
	wire = AppendFrame(wire, Frame{Type: FrameHeader, Channel: ch.ID(), Payload: header})
	wire = AppendFrame(wire, Frame{Type: FrameBody, Channel: ch.ID(), Payload: []byte("abc")})
	wire = AppendFrame(wire, Frame{Type: FrameBody, Channel: ch.ID(), Payload: []byte("def")})
	feedAll(t, c, wire)

	returned := ch.ReturnedMessages()
	require.Len(t, returned, 1)
	assert.Equal(t, []byte("abcdef"), returned[0].Body)
}

func TestBodyLongerThanDeclaredFailsChannel(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	wire := methodFrame(t, ch.ID(), noRoute("k"))
	header, err := EncodeContentHeader(ContentHeader{BodySize: 2})
	require.NoError(t, err)
	wire = AppendFrame(wire, Frame{Type: FrameHeader, Channel: ch.ID(), Payload: header})
	feedAll(t, c, wire)

	_, err = c.Read(bytes.NewReader(AppendFrame(nil, Frame{Type: FrameBody, Channel: ch.ID(), Payload: []byte("abc")})))
	assert.Error(t, err)
	assert.Equal(t, ChannelStateError, ch.State())
	assert.Equal(t, StateConnected, c.State())
}

func TestContentWithoutReturnFailsChannel(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	_, err := c.Read(bytes.NewReader(AppendFrame(nil, Frame{Type: FrameBody, Channel: ch.ID(), Payload: []byte("x")})))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, ChannelStateError, ch.State())
}

func TestContentOnChannelZeroFailsConnection(t *testing.T) {
	c := connected(t, Config{})
	state, err := c.Read(bytes.NewReader(AppendFrame(nil, Frame{Type: FrameBody, Payload: []byte("x")})))
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
	assert.Equal(t, StateError, state)
}

func TestChannelFlow(t *testing.T) {
	c := connected(t, Config{})
	ch := openChannel(t, c)
	assert.True(t, ch.Flow())

	feed(t, c, ch.ID(), &ChannelFlow{Active: false})
	assert.False(t, ch.Flow())
	assert.Equal(t, []Method{&ChannelFlowOk{Active: false}}, sentMethods(t, c))

	feed(t, c, ch.ID(), &ChannelFlow{Active: true})
	assert.True(t, ch.Flow())
}

func TestPeerCloseFailsPendingConfirms(t *testing.T) {
	c := connected(t, Config{})
	ch := confirmChannel(t, c)
	plain, err := ch.Publish("ex", "a", false, false, BasicProperties{}, []byte("a"))
	require.NoError(t, err)
	mandatory, err := ch.Publish("ex", "b", true, false, BasicProperties{}, []byte("b"))
	require.NoError(t, err)
	sentFrames(t, c)

	feed(t, c, ch.ID(), &ChannelClose{ReplyCode: amqp091.NotFound, ReplyText: "NOT_FOUND - no exchange 'ex'", ClassID: 60, MethodID: 40})
	assert.Equal(t, ChannelStateClosed, ch.State())
	assert.Equal(t, []Method{&ChannelCloseOk{}}, sentMethods(t, c))
	require.NotNil(t, ch.CloseReason())
	assert.Equal(t, amqp091.NotFound, ch.CloseReason().Code)
	assert.True(t, ch.CloseReason().Recover)

	for _, p := range []*Promise[Confirmation]{plain, mandatory} {
		conf, ok := p.TryPoll()
		require.True(t, ok)
		assert.False(t, conf.Ack)
		assert.Equal(t, uint16(amqp091.NotFound), conf.Returned.ReplyCode)
	}
	_, ok := c.Channel(ch.ID())
	assert.False(t, ok)
	assert.Equal(t, StateConnected, c.State())
}

func TestClientChannelClose(t *testing.T) {
	c := connected(t, Config{})
	ch := confirmChannel(t, c)
	p, err := ch.Publish("", "q", false, false, BasicProperties{}, []byte("x"))
	require.NoError(t, err)
	sentFrames(t, c)

	require.NoError(t, ch.Close(replySuccess, "done"))
	assert.Equal(t, ChannelStateClosing, ch.State())
	assert.Equal(t, []Method{&ChannelClose{ReplyCode: replySuccess, ReplyText: "done"}}, sentMethods(t, c))

	_, err = ch.Publish("", "q", false, false, BasicProperties{}, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	// confirmations still arrive while closing
	feed(t, c, ch.ID(), &BasicAck{DeliveryTag: 1})
	conf, ok := p.TryPoll()
	require.True(t, ok)
	assert.True(t, conf.Ack)

	feed(t, c, ch.ID(), &ChannelFlow{Active: false})
	assert.Equal(t, ChannelStateClosing, ch.State())

	feed(t, c, ch.ID(), &ChannelCloseOk{})
	assert.Equal(t, ChannelStateClosed, ch.State())
	_, ok = c.Channel(ch.ID())
	assert.False(t, ok)
	assert.Error(t, ch.Close(replySuccess, ""))
}

func TestDropConfirmSurfacesReturn(t *testing.T) {
	c := connected(t, Config{})
	ch := confirmChannel(t, c)
	p, err := ch.Publish("ex", "nowhere", true, false, BasicProperties{}, []byte("lost"))
	require.NoError(t, err)
	ch.DropConfirm(p)
	assert.Empty(t, ch.ReturnedMessages())

	feedAll(t, c, returnFrames(t, ch.ID(), noRoute("nowhere"), BasicProperties{}, []byte("lost")))
	feed(t, c, ch.ID(), &BasicAck{DeliveryTag: 1})

	returned := ch.ReturnedMessages()
	require.Len(t, returned, 1)
	assert.Equal(t, []byte("lost"), returned[0].Body)
	_, _, dropped := ch.Returns().Pending()
	assert.Zero(t, dropped)
}
