package amqp

import (
	"testing"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestPickMechanism(t *testing.T) {
	plain := &amqp091.PlainAuth{Username: "u", Password: "p"}
	amqplain := &amqp091.AMQPlainAuth{Username: "u", Password: "p"}
	client := []amqp091.Authentication{amqplain, plain}

	auth, ok := pickMechanism(client, "PLAIN AMQPLAIN")
	assert.True(t, ok)
	assert.Equal(t, "AMQPLAIN", auth.Mechanism(), "client preference wins")

	auth, ok = pickMechanism(client, "  PLAIN ")
	assert.True(t, ok)
	assert.Same(t, plain, auth)

	_, ok = pickMechanism(client, "EXTERNAL")
	assert.False(t, ok)
	_, ok = pickMechanism(nil, "PLAIN")
	assert.False(t, ok)

	assert.Equal(t, []string{"AMQPLAIN", "PLAIN"}, mechanismNames(client))
}
