package hopstream

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/lsst-ts/ts-hop-client/pkg/avroschema"
)

// Writer is the secondary publish path: it opens a Hopskotch topic in write
// mode and sends JSON-encoded payloads back to the bus with an acknowledged
// publish. The relay uses it for the optional echo topic.
type Writer struct {
	cfg    *Config
	logger zerolog.Logger

	// newProducer is swapped for sarama's mock producer in tests.
	newProducer func(addrs []string, conf *sarama.Config) (sarama.SyncProducer, error)
	producer    sarama.SyncProducer
}

// NewWriter validates the config and returns a Writer. No connection is made
// until Open is called.
func NewWriter(cfg *Config, logger zerolog.Logger) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{
		cfg:         cfg,
		logger:      logger.With().Str("component", "Writer").Str("uri", cfg.URI()).Logger(),
		newProducer: sarama.NewSyncProducer,
	}, nil
}

// Open connects the writer to the bus.
func (w *Writer) Open() error {
	producer, err := w.newProducer([]string{w.cfg.brokerAddr()}, w.cfg.saramaConfig())
	if err != nil {
		return &UpstreamError{Op: "opening " + w.cfg.URI() + " for writing", Err: err}
	}
	w.producer = producer
	w.logger.Info().Msg("Hopskotch writer opened.")
	return nil
}

// Write publishes one payload to the configured topic and waits for the
// broker acknowledgment.
func (w *Writer) Write(ctx context.Context, payload avroschema.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &UpstreamError{Op: "encoding payload for " + w.cfg.Topic, Err: err}
	}
	partition, offset, err := w.producer.SendMessage(&sarama.ProducerMessage{
		Topic: w.cfg.Topic,
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return &UpstreamError{Op: "writing to " + w.cfg.Topic, Err: err}
	}
	w.logger.Debug().Int32("partition", partition).Int64("offset", offset).
		Msg("Echoed payload to Hopskotch topic.")
	return nil
}

// Close releases the writer's connection.
func (w *Writer) Close() error {
	if w.producer == nil {
		return nil
	}
	return w.producer.Close()
}
