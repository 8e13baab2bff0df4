package amqp

import (
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// pickMechanism returns the first client mechanism the server offers.
// offered is the space separated list from connection.start.
func pickMechanism(client []amqp091.Authentication, offered string) (amqp091.Authentication, bool) {
	server := strings.Fields(offered)
	for _, auth := range client {
		for _, m := range server {
			if auth.Mechanism() == m {
				return auth, true
			}
		}
	}
	return nil, false
}

func mechanismNames(client []amqp091.Authentication) []string {
	names := make([]string, 0, len(client))
	for _, a := range client {
		names = append(names, a.Mechanism())
	}
	return names
}
