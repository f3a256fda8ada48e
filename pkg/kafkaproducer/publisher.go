// Package kafkaproducer publishes schema-registry-backed Avro records to the
// local Kafka broker. It owns topic provisioning, schema registration and
// acknowledged sends; everything upstream of the record map is someone
// else's concern.
package kafkaproducer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/linkedin/goavro/v2"
	"github.com/riferrei/srclient"
	"github.com/rs/zerolog"

	"github.com/lsst-ts/ts-hop-client/pkg/avroschema"
)

// PublishError wraps a downstream failure: serialization mismatch against
// the provisioned schema, broker rejection, or acknowledgment timeout.
type PublishError struct {
	Topic string
	Op    string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("kafkaproducer: %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ParseAckPolicy maps the CLI acknowledgment policy onto sarama's ack levels:
// "0" waits for no broker, "1" for the partition leader, "all" for every
// in-sync replica.
func ParseAckPolicy(s string) (sarama.RequiredAcks, error) {
	switch s {
	case "0":
		return sarama.NoResponse, nil
	case "1":
		return sarama.WaitForLocal, nil
	case "all":
		return sarama.WaitForAll, nil
	}
	return 0, fmt.Errorf(`invalid ack policy %q (want "0", "1" or "all")`, s)
}

// Config holds the downstream broker and registry parameters. Set once at
// construction; never mutated.
type Config struct {
	// Brokers lists Kafka bootstrap addresses, e.g. "my.kafka:9092".
	Brokers []string
	// RegistryURL is the schema registry base URL, including the transport.
	RegistryURL string
	// Username and Password enable SASL PLAIN against the broker. Both must
	// be set together or not at all.
	Username string
	Password string
	// Partitions is the partition count for a newly provisioned topic.
	Partitions int32
	// ReplicationFactor is the replica count for each partition.
	ReplicationFactor int16
	// RequiredAcks is the acknowledgment policy for every send.
	RequiredAcks sarama.RequiredAcks
	// ClientIDPrefix prefixes the Kafka client ID; a unique suffix is added.
	ClientIDPrefix string
	// SendTimeout bounds how long the broker may take to satisfy the ack
	// policy for one message.
	SendTimeout time.Duration
}

// Validate checks the config and fills defaults. Violations here are
// configuration errors: the caller reports them and exits before any
// connection is attempted.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafkaproducer: at least one broker address is required")
	}
	if c.RegistryURL == "" {
		return fmt.Errorf("kafkaproducer: schema registry URL is required")
	}
	if c.Partitions <= 0 {
		return fmt.Errorf("kafkaproducer: partitions must be positive, got %d", c.Partitions)
	}
	if c.ReplicationFactor <= 0 {
		return fmt.Errorf("kafkaproducer: replication factor must be positive, got %d", c.ReplicationFactor)
	}
	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("kafkaproducer: username and password must be set together")
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "hoprelay-"
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return nil
}

func (c *Config) saramaConfig() *sarama.Config {
	conf := sarama.NewConfig()
	conf.ClientID = fmt.Sprintf("%s%s", c.ClientIDPrefix, uuid.NewString()[:8])
	conf.Producer.RequiredAcks = c.RequiredAcks
	conf.Producer.Return.Successes = true
	conf.Producer.Timeout = c.SendTimeout
	if c.Username != "" {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		conf.Net.SASL.User = c.Username
		conf.Net.SASL.Password = c.Password
	}
	return conf
}

// Publisher provisions the downstream topic and hands out a send handle.
// ProvisionTopic may be called at most once per Publisher; the relay's state
// machine guarantees it only happens after start.
type Publisher struct {
	cfg      *Config
	logger   zerolog.Logger
	registry srclient.ISchemaRegistryClient

	// Factory seams for sarama's mocks.
	newAdmin    func(addrs []string, conf *sarama.Config) (sarama.ClusterAdmin, error)
	newProducer func(addrs []string, conf *sarama.Config) (sarama.SyncProducer, error)

	producer    sarama.SyncProducer
	provisioned bool
}

// NewPublisher validates the config and returns a Publisher. No connection
// is made until ProvisionTopic is called.
func NewPublisher(cfg *Config, logger zerolog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{
		cfg:         cfg,
		logger:      logger.With().Str("component", "Publisher").Logger(),
		registry:    srclient.NewSchemaRegistryClient(cfg.RegistryURL),
		newAdmin:    sarama.NewClusterAdmin,
		newProducer: sarama.NewSyncProducer,
	}, nil
}

// ProvisionTopic ensures a topic named after the schema exists with the
// configured partition count and replication factor, registers the schema
// under the <topic>-value subject, and binds the producer. It returns a
// handle whose Send publishes records conforming to the schema.
func (p *Publisher) ProvisionTopic(ctx context.Context, schema avroschema.Schema) (*TopicHandle, error) {
	if p.provisioned {
		return nil, fmt.Errorf("kafkaproducer: topic %s already provisioned", schema.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	schemaJSON, err := schema.JSON()
	if err != nil {
		return nil, err
	}

	if err := p.createTopic(schema.Name); err != nil {
		return nil, err
	}

	subject := schema.Name + "-value"
	registered, err := p.registry.CreateSchema(subject, schemaJSON, srclient.Avro)
	if err != nil {
		return nil, fmt.Errorf("registering schema for subject %s: %w", subject, err)
	}

	codec, err := goavro.NewCodec(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("building Avro codec for %s: %w", schema.Name, err)
	}

	producer, err := p.newProducer(p.cfg.Brokers, p.cfg.saramaConfig())
	if err != nil {
		return nil, fmt.Errorf("connecting producer to %v: %w", p.cfg.Brokers, err)
	}
	p.producer = producer
	p.provisioned = true

	p.logger.Info().Str("topic", schema.Name).Int("schema_id", registered.ID()).
		Int32("partitions", p.cfg.Partitions).Msg("Downstream topic provisioned.")
	return &TopicHandle{
		publisher: p,
		topic:     schema.Name,
		schema:    schema,
		schemaID:  registered.ID(),
		codec:     codec,
		logger:    p.logger.With().Str("topic", schema.Name).Logger(),
	}, nil
}

// createTopic creates the topic, treating "already exists" as success.
func (p *Publisher) createTopic(topic string) error {
	admin, err := p.newAdmin(p.cfg.Brokers, p.cfg.saramaConfig())
	if err != nil {
		return fmt.Errorf("connecting admin client to %v: %w", p.cfg.Brokers, err)
	}
	defer func() {
		if closeErr := admin.Close(); closeErr != nil {
			p.logger.Warn().Err(closeErr).Msg("Error closing admin client.")
		}
	}()

	detail := &sarama.TopicDetail{
		NumPartitions:     p.cfg.Partitions,
		ReplicationFactor: p.cfg.ReplicationFactor,
	}
	err = admin.CreateTopic(topic, detail, false)
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		p.logger.Debug().Str("topic", topic).Msg("Topic already exists, reusing it.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating topic %s: %w", topic, err)
	}
	return nil
}

// Close releases the producer connection. Safe to call before provisioning.
func (p *Publisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}

// TopicHandle sends records to one provisioned topic. It may be shared
// read-only; the relay guarantees at most one send is in flight at a time.
type TopicHandle struct {
	publisher *Publisher
	topic     string
	schema    avroschema.Schema
	schemaID  int
	codec     *goavro.Codec
	logger    zerolog.Logger
}

// Topic returns the provisioned topic name.
func (h *TopicHandle) Topic() string { return h.topic }

// Send Avro-encodes the record in Confluent wire framing and publishes it,
// blocking until the configured acknowledgment policy is satisfied. All
// failures come back as *PublishError.
func (h *TopicHandle) Send(ctx context.Context, record map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for name := range record {
		if _, ok := h.schema.Field(name); !ok {
			return &PublishError{
				Topic: h.topic,
				Op:    "serializing record for",
				Err:   fmt.Errorf("field %q is not in the provisioned schema", name),
			}
		}
	}
	avroBytes, err := h.codec.BinaryFromNative(nil, record)
	if err != nil {
		return &PublishError{Topic: h.topic, Op: "serializing record for", Err: err}
	}

	// Confluent wire format: magic byte 0, big-endian schema ID, Avro body.
	value := make([]byte, 0, len(avroBytes)+5)
	value = append(value, 0)
	value = binary.BigEndian.AppendUint32(value, uint32(h.schemaID))
	value = append(value, avroBytes...)

	partition, offset, err := h.publisher.producer.SendMessage(&sarama.ProducerMessage{
		Topic: h.topic,
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return &PublishError{Topic: h.topic, Op: "publishing to", Err: err}
	}
	h.logger.Debug().Int32("partition", partition).Int64("offset", offset).Msg("Record published.")
	return nil
}
