// hoprelay bridges the SCiMMA Hopskotch heartbeat topic onto a local Kafka
// broker: it derives the Avro schema, provisions the downstream topic, then
// relays messages one at a time until the process is signalled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lsst-ts/ts-hop-client/pkg/avroschema"
	"github.com/lsst-ts/ts-hop-client/pkg/hopstream"
	"github.com/lsst-ts/ts-hop-client/pkg/kafkaproducer"
	"github.com/lsst-ts/ts-hop-client/pkg/relay"
)

const shutdownTimeout = 15 * time.Second

// options carries the raw flag values; validate turns them into the
// per-package configs, rejecting bad input before any connection is made.
type options struct {
	broker            string
	registry          string
	username          string
	password          string
	scimmaHostname    string
	scimmaUsername    string
	scimmaPassword    string
	topic             string
	startAt           string
	echoTopic         string
	partitions        int32
	replicationFactor int16
	waitAck           string
	logLevel          string
}

// configs is the validated form of the flag set.
type configs struct {
	upstream  *hopstream.Config
	echo      *hopstream.Config // nil when --echo-topic is unset
	publisher *kafkaproducer.Config
}

func (o *options) validate() (*configs, error) {
	if o.broker == "" {
		return nil, fmt.Errorf("--broker is required")
	}
	if o.registry == "" {
		return nil, fmt.Errorf("--registry is required")
	}
	if o.scimmaHostname == "" {
		return nil, fmt.Errorf("--scimma-hostname is required")
	}
	if (o.scimmaUsername == "") != (o.scimmaPassword == "") {
		return nil, fmt.Errorf("--scimma-username and --scimma-password must be set together")
	}
	startAt, err := hopstream.ParseStartOffset(o.startAt)
	if err != nil {
		return nil, err
	}
	acks, err := kafkaproducer.ParseAckPolicy(o.waitAck)
	if err != nil {
		return nil, err
	}

	var auth *hopstream.Credentials
	if o.scimmaUsername != "" {
		auth = &hopstream.Credentials{Username: o.scimmaUsername, Password: o.scimmaPassword}
	}
	upstream := &hopstream.Config{
		HostPort: o.scimmaHostname,
		Topic:    o.topic,
		StartAt:  startAt,
		Auth:     auth,
	}
	if err := upstream.Validate(); err != nil {
		return nil, err
	}

	var echo *hopstream.Config
	if o.echoTopic != "" {
		echo = &hopstream.Config{
			HostPort: o.scimmaHostname,
			Topic:    o.echoTopic,
			Auth:     auth,
		}
		if err := echo.Validate(); err != nil {
			return nil, err
		}
	}

	publisher := &kafkaproducer.Config{
		Brokers:           []string{o.broker},
		RegistryURL:       o.registry,
		Username:          o.username,
		Password:          o.password,
		Partitions:        o.partitions,
		ReplicationFactor: o.replicationFactor,
		RequiredAcks:      acks,
	}
	if err := publisher.Validate(); err != nil {
		return nil, err
	}

	return &configs{upstream: upstream, echo: echo, publisher: publisher}, nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "hoprelay",
		Short: "Relay SCiMMA Hopskotch heartbeats to a local Kafka topic.",
		Long: `hoprelay subscribes to a Hopskotch topic (by default the SCiMMA system
heartbeat), provisions a schema-registry-backed Avro topic on a local Kafka
broker, and relays every received message as an acknowledged Avro record.

The relay reads strictly one message ahead of the downstream acknowledgments,
so a stalled broker pauses consumption instead of buffering. It runs until the
upstream stream ends or the process receives SIGINT/SIGTERM.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgs, err := opts.validate()
			if err != nil {
				return err
			}
			logger := newLogger(opts.logLevel)
			return runRelay(cmd.Context(), cfgs, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.broker, "broker", "", "Downstream Kafka bootstrap address, e.g. my.kafka:9092")
	flags.StringVar(&opts.registry, "registry", "", "Schema registry base URL, e.g. https://registry.my.kafka/")
	flags.StringVar(&opts.username, "username", "", "SASL PLAIN username for the downstream broker")
	flags.StringVar(&opts.password, "password", "", "SASL PLAIN password for the downstream broker")
	flags.StringVar(&opts.scimmaHostname, "scimma-hostname", "", "Hopskotch broker hostname, e.g. kafka.scimma.org")
	flags.StringVar(&opts.scimmaUsername, "scimma-username", "", "Hopskotch SCRAM username")
	flags.StringVar(&opts.scimmaPassword, "scimma-password", "", "Hopskotch SCRAM password")
	flags.StringVar(&opts.topic, "topic", "sys.heartbeat", "Hopskotch topic to relay")
	flags.StringVar(&opts.startAt, "start-at", "latest", "Initial stream position (earliest or latest)")
	flags.StringVar(&opts.echoTopic, "echo-topic", "", "Optional Hopskotch topic to echo each relayed message back to")
	flags.Int32Var(&opts.partitions, "partitions", 1, "Partition count for the provisioned downstream topic")
	flags.Int16Var(&opts.replicationFactor, "replication-factor", 3, "Replication factor for the provisioned downstream topic")
	flags.StringVar(&opts.waitAck, "wait-ack", "1", "Broker acknowledgment policy (0, 1 or all)")
	flags.StringVar(&opts.logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error)")
	return cmd
}

func newLogger(level string) zerolog.Logger {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		logger.Warn().Str("provided_level", level).Msg("Invalid log level provided. Defaulting to 'info'.")
		parsed = zerolog.InfoLevel
	}
	return logger.Level(parsed)
}

// runRelay wires the relay out of the validated configs, runs it until it
// reaches a terminal outcome, and maps that outcome to the process result:
// Completed and Cancelled are success, Failed returns the cause.
func runRelay(ctx context.Context, cfgs *configs, logger zerolog.Logger) error {
	publisher, err := kafkaproducer.NewPublisher(cfgs.publisher, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Error closing downstream producer.")
		}
	}()

	subscriber, err := hopstream.NewSubscriber(cfgs.upstream, logger)
	if err != nil {
		return err
	}

	relayCfg := relay.Config{
		Schema: avroschema.Heartbeat(),
		Open: func(ctx context.Context) (relay.MessageStream, error) {
			return subscriber.Open(ctx)
		},
		Provision: func(ctx context.Context, schema avroschema.Schema) (relay.Sender, error) {
			return publisher.ProvisionTopic(ctx, schema)
		},
	}

	if cfgs.echo != nil {
		writer, err := hopstream.NewWriter(cfgs.echo, logger)
		if err != nil {
			return err
		}
		if err := writer.Open(); err != nil {
			return err
		}
		defer func() {
			if closeErr := writer.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("Error closing echo writer.")
			}
		}()
		relayCfg.Echo = writer.Write
	}

	r, err := relay.New(relayCfg, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Start(signalCtx); err != nil {
		return err
	}
	logger.Info().Str("upstream", cfgs.upstream.URI()).
		Str("downstream", cfgs.publisher.Brokers[0]).Msg("Relay running.")

	// A signal cancels signalCtx; shut the relay down and let Done report
	// the outcome the loop actually reached.
	go func() {
		<-signalCtx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := r.Close(closeCtx); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Relay did not stop cleanly.")
		}
	}()

	outcome, cause := r.Done(context.Background())
	switch outcome {
	case relay.OutcomeCompleted, relay.OutcomeCancelled:
		logger.Info().Str("outcome", outcome.String()).Msg("Relay exited.")
		return nil
	default:
		if cause == nil {
			cause = errors.New("relay failed without a cause")
		}
		return fmt.Errorf("relay failed: %w", cause)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
