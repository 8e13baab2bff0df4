package amqp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferFillConsume(t *testing.T) {
	b := NewBuffer(8, 0)
	n := copy(b.Space(), "hello")
	require.NoError(t, b.Fill(n))
	assert.Equal(t, []byte("hello"), b.Data())

	require.NoError(t, b.Consume(2))
	assert.Equal(t, []byte("llo"), b.Data())
	assert.Equal(t, 3, b.Len())

	assert.ErrorIs(t, b.Consume(4), ErrBufferUnderflow)
	assert.Equal(t, []byte("llo"), b.Data(), "failed consume changes nothing")

	require.NoError(t, b.Consume(3))
	assert.Zero(t, b.Len())
	assert.Len(t, b.Space(), 8, "empty buffer rewinds")
}

func TestBufferFillOverflow(t *testing.T) {
	b := NewBuffer(4, 0)
	assert.ErrorIs(t, b.Fill(5), ErrBufferOverflow)
	assert.ErrorIs(t, b.Fill(-1), ErrBufferOverflow)
	assert.Zero(t, b.Len())
}

func TestBufferSpaceCompactsThenGrows(t *testing.T) {
	b := NewBuffer(4, 0)
	require.NoError(t, b.Fill(copy(b.Space(), "abcd")))
	require.NoError(t, b.Consume(2))

	space := b.Space()
	assert.Len(t, space, 2, "consumed prefix reclaimed")
	assert.Equal(t, 4, b.Cap())
	assert.Equal(t, []byte("cd"), b.Data())

	require.NoError(t, b.Fill(copy(space, "ef")))
	space = b.Space()
	assert.Equal(t, 8, b.Cap(), "full buffer doubles")
	assert.Len(t, space, 4)
	assert.Equal(t, []byte("cdef"), b.Data())
}

func TestBufferLimit(t *testing.T) {
	b := NewBuffer(4, 6)
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 6, b.Cap())
	assert.Empty(t, b.Space())

	_, err = b.Write([]byte("g"))
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, []byte("abcdef"), b.Data())

	require.NoError(t, b.Consume(3))
	_, err = b.Write([]byte("ghi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("defghi"), b.Data())
}

func TestBufferCapacityClampedToLimit(t *testing.T) {
	b := NewBuffer(100, 10)
	assert.Equal(t, 10, b.Cap())
}

func TestBufferWriteGrows(t *testing.T) {
	b := NewBuffer(2, 0)
	payload := bytes.Repeat([]byte{'z'}, 100)
	_, err := b.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, b.Data())
	assert.GreaterOrEqual(t, b.Cap(), 100)

	b.Reset()
	assert.Zero(t, b.Len())
}

func TestBufferZeroCapacity(t *testing.T) {
	b := NewBuffer(0, 0)
	assert.NotEmpty(t, b.Space())
}
