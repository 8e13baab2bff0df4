package amqp

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	c := connected(t, Config{Metrics: m})
	ch := openChannel(t, c)
	_, err = ch.Publish("", "q", false, false, BasicProperties{}, []byte("x"))
	require.NoError(t, err)
	sentFrames(t, c)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.framesReceived.WithLabelValues("method")), "start, tune, open-ok, channel open-ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesSent.WithLabelValues("header")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesSent.WithLabelValues("body")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("connected")))
	assert.Positive(t, testutil.ToFloat64(m.bytesRead))
	assert.Positive(t, testutil.ToFloat64(m.bytesWritten))
}

func TestMetricsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.frameReceived(FrameMethod)
	m.written(10)
	m.transition(StateConnected)
	m.returned()
	m.droppedConfirms(1)

	c := connected(t, Config{})
	_, err := c.Read(bytes.NewReader(AppendFrame(nil, Frame{Type: FrameHeartbeat})))
	assert.NoError(t, err)
}
