package amqp

import "sync"

// ReturnedMessages pairs messages returned by the broker (basic.return) with
// the confirmation promises of the publishes they belong to.
//
// The broker may send the return before or after the matching ack, so both
// sides park in FIFO queues: returns without a claimant wait in waiting,
// confirmations that arrive while a return is being assembled wait in
// pinkies. Promises the application no longer watches are kept in dropped
// until they resolve so that returns they carry are not lost.
//
// All methods are safe for concurrent use. Each method is a single critical
// section and never blocks on anything but the internal mutex.
type ReturnedMessages struct {
	mu sync.Mutex

	current  *BasicReturnMessage
	waiting  []BasicReturnMessage
	messages []BasicReturnMessage
	dropped  []*Promise[Confirmation]
	pinkies  []*Broadcaster[Confirmation]

	// returns completed while direct is set have no confirmation to attach to
	// and go straight to messages
	direct     bool
	maxDropped int
	metrics    *Metrics
	// len(dropped) as last added to the shared gauge
	reported int
}

// NewReturnedMessages returns an empty reconciler. maxDropped bounds the number
// of retained dropped confirmations; zero means unbounded.
func NewReturnedMessages(maxDropped int, m *Metrics) *ReturnedMessages {
	return &ReturnedMessages{maxDropped: maxDropped, metrics: m}
}

// SetConfirmMode controls where completed returns go. With confirm mode off
// every completed return is appended to the drainable list; with it on (the
// default) returns are matched against confirmations.
func (r *ReturnedMessages) SetConfirmMode(on bool) {
	r.mu.Lock()
	r.direct = !on
	r.mu.Unlock()
}

// StartNewDelivery begins assembling msg. A message still in progress is
// replaced.
func (r *ReturnedMessages) StartNewDelivery(msg BasicReturnMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		logger.Warn().Str("exchange", r.current.Exchange).Str("routing_key", r.current.RoutingKey).
			Msg("discarding incomplete returned message")
	}
	r.current = &msg
}

// SetDeliveryProperties sets the properties of the message being assembled.
// It does nothing when no delivery is in progress.
func (r *ReturnedMessages) SetDeliveryProperties(props BasicProperties) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.Properties = props
	}
}

// ReceiveDeliveryContent appends a chunk of body to the message being
// assembled. It does nothing when no delivery is in progress.
func (r *ReturnedMessages) ReceiveDeliveryContent(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		r.current.Body = append(r.current.Body, data...)
	}
}

// NewDeliveryComplete finishes the message being assembled and hands it to
// the oldest waiting confirmation, or parks it until one arrives.
func (r *ReturnedMessages) NewDeliveryComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	msg := *r.current
	r.current = nil

	logger.Warn().Uint16("reply_code", msg.ReplyCode).Str("reply_text", msg.ReplyText).
		Str("exchange", msg.Exchange).Str("routing_key", msg.RoutingKey).
		Int("body_size", len(msg.Body)).Msg("server returned a message")
	r.metrics.returned()

	if r.direct {
		r.messages = append(r.messages, msg)
		return
	}
	for len(r.pinkies) > 0 {
		b := r.pinkies[0]
		r.pinkies = r.pinkies[1:]
		if b.Resolve(NackConfirmation(msg)) {
			return
		}
	}
	r.waiting = append(r.waiting, msg)
}

// RegisterPinky resolves b with the oldest parked return, or parks b until
// the next return completes.
func (r *ReturnedMessages) RegisterPinky(b *Broadcaster[Confirmation]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.waiting) > 0 {
		if b.Resolve(NackConfirmation(r.waiting[0])) {
			r.waiting = r.waiting[1:]
		}
		return
	}
	r.pinkies = append(r.pinkies, b)
}

// RegisterDroppedConfirm takes ownership of a confirmation the application
// will not observe. A resolved Nack surfaces its message through Drain; a
// resolved Ack is discarded; an unresolved promise is retained and polled on
// every Drain.
func (r *ReturnedMessages) RegisterDroppedConfirm(p *Promise[Confirmation]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := p.TryPoll(); ok {
		if !c.Ack && c.Returned != nil {
			r.messages = append(r.messages, *c.Returned)
		}
		return
	}
	r.dropped = append(r.dropped, p)
	if r.maxDropped > 0 && len(r.dropped) > r.maxDropped {
		evict := len(r.dropped) - r.maxDropped
		logger.Warn().Int("evicted", evict).Int("limit", r.maxDropped).Msg("dropped confirmation limit reached")
		r.dropped = append(r.dropped[:0], r.dropped[evict:]...)
	}
	r.reportDropped()
}

// Drain returns every message accumulated so far, followed by the returns of
// dropped confirmations that resolved to Nack since the last call.
func (r *ReturnedMessages) Drain() []BasicReturnMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.messages
	r.messages = nil

	retained := r.dropped[:0]
	for _, p := range r.dropped {
		c, ok := p.TryPoll()
		if !ok {
			retained = append(retained, p)
			continue
		}
		if !c.Ack && c.Returned != nil {
			out = append(out, *c.Returned)
		}
	}
	for i := len(retained); i < len(r.dropped); i++ {
		r.dropped[i] = nil
	}
	r.dropped = retained
	r.reportDropped()
	return out
}

// Settle resolves b for a publish the broker has confirmed. A parked return
// takes precedence and resolves b as Nack. While a return is still being
// assembled b is parked until it completes. Otherwise b resolves with
// fallback.
func (r *ReturnedMessages) Settle(b *Broadcaster[Confirmation], fallback Confirmation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.waiting) > 0 {
		if b.Resolve(NackConfirmation(r.waiting[0])) {
			r.waiting = r.waiting[1:]
		}
		return
	}
	if r.current != nil {
		r.pinkies = append(r.pinkies, b)
		return
	}
	b.Resolve(fallback)
}

// Pending reports the sizes of the internal queues: completed returns waiting
// for a confirmation, confirmations waiting for a return, and retained
// dropped confirmations.
func (r *ReturnedMessages) Pending() (waiting, pinkies, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting), len(r.pinkies), len(r.dropped)
}

// reportDropped moves the connection-wide gauge by this reconciler's change
// since the last report.
func (r *ReturnedMessages) reportDropped() {
	r.metrics.droppedConfirms(len(r.dropped) - r.reported)
	r.reported = len(r.dropped)
}
