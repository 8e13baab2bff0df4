package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ericogr/amqp-engine/pkg/amqp"
)

func main() {
	configPath := flag.String("config", "", "yaml config file")
	url := flag.String("url", "", "AMQP URL (overrides config)")
	exchange := flag.String("exchange", "", "exchange name")
	key := flag.String("key", "test", "routing key")
	body := flag.String("body", "hello", "message body")
	count := flag.Int("count", 1, "number of messages to publish")
	mandatory := flag.Bool("mandatory", true, "publish as mandatory")
	confirm := flag.Bool("confirm", true, "put the channel in confirm mode")
	metricsAddr := flag.String("metrics-addr", "", "serve prometheus metrics on this address")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if !*debug {
		logger = logger.Level(zerolog.InfoLevel)
	}
	amqp.SetLogger(logger)

	var cfg amqp.Config
	if *configPath != "" {
		var err error
		if cfg, err = amqp.LoadConfig(*configPath); err != nil {
			logger.Fatal().Err(err).Msg("config")
		}
	}
	if *url != "" {
		cfg.URL = *url
	}
	cfg.SetDefaults()

	reg := prometheus.NewRegistry()
	metrics, err := amqp.NewMetrics(reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("metrics")
	}
	cfg.Metrics = metrics

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	sessionDone := make(chan struct{})

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			logger.Info().Str("addr", *metricsAddr).Msg("metrics server started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-sessionDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer close(sessionDone)
		return run(gctx, logger, cfg, options{
			exchange:  *exchange,
			key:       *key,
			body:      []byte(*body),
			count:     *count,
			mandatory: *mandatory,
			confirm:   *confirm,
		})
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("session")
	}
}

type options struct {
	exchange  string
	key       string
	body      []byte
	count     int
	mandatory bool
	confirm   bool
}

func dial(ctx context.Context, uri amqp091.URI) (net.Conn, error) {
	if uri.Scheme != "amqp" {
		return nil, fmt.Errorf("unsupported scheme %q: only plain amqp transports are supported", uri.Scheme)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)))
}

func run(ctx context.Context, logger zerolog.Logger, cfg amqp.Config, opts options) error {
	uri, err := amqp091.ParseURI(cfg.URL)
	if err != nil {
		return err
	}
	c, err := amqp.NewConnection(cfg)
	if err != nil {
		return err
	}

	conn, err := dial(ctx, uri)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := amqp.Handshake(ctx, conn, c); err != nil {
		return err
	}
	logger.Info().Interface("server", c.ServerProperties()["product"]).Msg("connected")

	ch, err := c.OpenChannel()
	if err != nil {
		return err
	}
	if err := amqp.Pump(ctx, conn, c, func() bool { return ch.State() != amqp.ChannelStateOpening }); err != nil {
		return err
	}
	if opts.confirm {
		if err := ch.ConfirmSelect(); err != nil {
			return err
		}
	}

	var promises []*amqp.Promise[amqp.Confirmation]
	for i := 0; i < opts.count; i++ {
		promise, err := ch.Publish(opts.exchange, opts.key, opts.mandatory, false, amqp.BasicProperties{
			ContentType:  "text/plain",
			DeliveryMode: 2,
			MessageId:    strconv.Itoa(i + 1),
			Timestamp:    time.Now(),
		}, opts.body)
		if err != nil {
			return err
		}
		if promise != nil {
			promises = append(promises, promise)
		}
	}
	logger.Info().Int("count", opts.count).Msg("publishing")

	err = amqp.Pump(ctx, conn, c, func() bool {
		for _, p := range promises {
			if _, ok := p.TryPoll(); !ok {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	var acked, rejected int
	for _, p := range promises {
		conf, _ := p.TryPoll()
		if conf.Ack {
			acked++
			continue
		}
		rejected++
		logger.Warn().Uint16("reply_code", conf.Returned.ReplyCode).Str("reply_text", conf.Returned.ReplyText).
			Str("message_id", conf.Returned.Properties.MessageId).Msg("publish rejected")
	}
	if opts.confirm {
		logger.Info().Int("acked", acked).Int("rejected", rejected).Msg("confirmations received")
	}

	if err := ch.Close(200, "done"); err != nil {
		return err
	}
	if err := amqp.Pump(ctx, conn, c, func() bool { return ch.State() == amqp.ChannelStateClosed }); err != nil {
		return err
	}
	// returns that arrived before close-ok and were not claimed by a confirmation
	for _, msg := range ch.ReturnedMessages() {
		logger.Warn().Uint16("reply_code", msg.ReplyCode).Str("routing_key", msg.RoutingKey).
			Int("body", len(msg.Body)).Msg("returned")
	}
	return amqp.Shutdown(ctx, conn, c)
}
