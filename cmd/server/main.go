package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ericogr/amqp-engine/pkg/amqp"
	"github.com/ericogr/amqp-engine/pkg/amqp/amqptest"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5672", "listen address")
	routable := flag.String("routable", "", "comma separated routing keys that reach a queue (empty routes everything)")
	nack := flag.String("nack", "", "comma separated routing keys that are nacked")
	user := flag.String("user", "", "required PLAIN username (empty accepts anyone)")
	pass := flag.String("pass", "", "required PLAIN password")
	heartbeat := flag.Uint("heartbeat", 10, "heartbeat seconds offered in tune")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if !*debug {
		logger = logger.Level(zerolog.InfoLevel)
	}
	amqp.SetLogger(logger)

	b := &amqptest.Broker{
		Heartbeat: uint16(*heartbeat),
		Logger:    logger,
	}
	if keys := splitSet(*routable); keys != nil {
		b.Routable = func(_, key string) bool { return keys[key] }
	}
	if keys := splitSet(*nack); keys != nil {
		b.Nack = func(_, key string) bool { return keys[key] }
	}
	if *user != "" {
		want := "\x00" + *user + "\x00" + *pass
		b.Auth = func(mechanism, response string) error {
			if mechanism != "PLAIN" || response != want {
				return fmt.Errorf("login refused for mechanism %s", mechanism)
			}
			return nil
		}
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("listen")
	}
	logger.Info().Str("addr", ln.Addr().String()).Msg("broker listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		if err := b.Serve(ln); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("serve")
	}
	logger.Info().Int("published", len(b.Published())).Msg("broker stopped")
}

func splitSet(s string) map[string]bool {
	if s == "" {
		return nil
	}
	set := map[string]bool{}
	for _, k := range strings.Split(s, ",") {
		set[strings.TrimSpace(k)] = true
	}
	return set
}
