package amqp

import "sort"

// Delivery is a message body together with its properties.
type Delivery struct {
	Properties BasicProperties
	Body       []byte
}

// BasicReturnMessage is a message the broker handed back to the publisher.
type BasicReturnMessage struct {
	Delivery
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

// Confirmation is the outcome of a publish in confirm mode: either an ack, or
// a nack carrying the message that was returned (or rejected) by the broker.
type Confirmation struct {
	Ack      bool
	Returned *BasicReturnMessage
}

// AckConfirmation returns a positive confirmation.
func AckConfirmation() Confirmation { return Confirmation{Ack: true} }

// NackConfirmation returns a negative confirmation carrying msg.
func NackConfirmation(msg BasicReturnMessage) Confirmation {
	return Confirmation{Returned: &msg}
}

type pendingPublish struct {
	tag         uint64
	broadcaster *Broadcaster[Confirmation]
	returnable  bool
	message     BasicReturnMessage
}

// confirmTracker maps publish sequence numbers to their unresolved
// confirmations. It is owned by a single channel and not safe for concurrent use.
type confirmTracker struct {
	seq     uint64
	pending map[uint64]*pendingPublish
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{pending: map[uint64]*pendingPublish{}}
}

// add registers the next publish and returns the promise for its confirmation.
func (t *confirmTracker) add(returnable bool, msg BasicReturnMessage) *Promise[Confirmation] {
	t.seq++
	p, b := NewPromise[Confirmation]()
	t.pending[t.seq] = &pendingPublish{tag: t.seq, broadcaster: b, returnable: returnable, message: msg}
	return p
}

// settle removes and returns the publishes covered by tag, oldest first.
func (t *confirmTracker) settle(tag uint64, multiple bool) []*pendingPublish {
	if !multiple {
		p, ok := t.pending[tag]
		if !ok {
			return nil
		}
		delete(t.pending, tag)
		return []*pendingPublish{p}
	}
	var out []*pendingPublish
	for k, p := range t.pending {
		if k <= tag {
			out = append(out, p)
			delete(t.pending, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tag < out[j].tag })
	return out
}

// abandon hands back every pending publish, oldest first.
func (t *confirmTracker) abandon() []*pendingPublish {
	if len(t.pending) == 0 {
		return nil
	}
	return t.settle(t.seq, true)
}

func (t *confirmTracker) len() int { return len(t.pending) }
