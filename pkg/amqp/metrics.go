package amqp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors updated by a connection. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	bytesRead       prometheus.Counter
	bytesWritten    prometheus.Counter
	transitions     *prometheus.CounterVec
	returnedTotal   prometheus.Counter
	droppedRetained prometheus.Gauge
}

// NewMetrics creates the engine collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amqp_frames_received_total",
			Help: "Frames decoded from the transport",
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amqp_frames_sent_total",
			Help: "Frames encoded into the send buffer",
		}, []string{"type"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqp_bytes_read_total",
			Help: "Bytes read from the transport",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqp_bytes_written_total",
			Help: "Bytes accepted by the transport",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amqp_connection_transitions_total",
			Help: "Connection state transitions by target state",
		}, []string{"state"}),
		returnedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amqp_returned_messages_total",
			Help: "Messages returned by the broker",
		}),
		droppedRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amqp_dropped_confirms_retained",
			Help: "Dropped confirmations still awaiting resolution",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.framesReceived, m.framesSent, m.bytesRead, m.bytesWritten,
		m.transitions, m.returnedTotal, m.droppedRetained,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) frameReceived(t uint8) {
	if m != nil {
		m.framesReceived.WithLabelValues(frameTypeName(t)).Inc()
	}
}

func (m *Metrics) frameSent(t uint8) {
	if m != nil {
		m.framesSent.WithLabelValues(frameTypeName(t)).Inc()
	}
}

func (m *Metrics) read(n int) {
	if m != nil && n > 0 {
		m.bytesRead.Add(float64(n))
	}
}

func (m *Metrics) written(n int) {
	if m != nil && n > 0 {
		m.bytesWritten.Add(float64(n))
	}
}

func (m *Metrics) transition(s ConnectionState) {
	if m != nil {
		m.transitions.WithLabelValues(s.String()).Inc()
	}
}

func (m *Metrics) returned() {
	if m != nil {
		m.returnedTotal.Inc()
	}
}

func (m *Metrics) droppedConfirms(delta int) {
	if m != nil && delta != 0 {
		m.droppedRetained.Add(float64(delta))
	}
}
