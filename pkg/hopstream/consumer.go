package hopstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/lsst-ts/ts-hop-client/pkg/avroschema"
)

// ErrStreamClosed is the cancellation-class error returned by Next once the
// stream has been closed. Callers tearing a stream down on purpose should
// treat it as normal shutdown, not a failure.
var ErrStreamClosed = errors.New("hopstream: stream closed")

// UpstreamError wraps a connection, authentication or mid-stream transport
// failure from the Hopskotch side. No reconnect is attempted here; retry
// policy belongs to whoever owns the process.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("hopstream: %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Subscriber opens read streams on one Hopskotch topic. A Subscriber can be
// reused: each Open returns a fresh Stream, which is the unit that gets
// consumed and closed.
type Subscriber struct {
	cfg    *Config
	logger zerolog.Logger

	// newConsumer is swapped for sarama's mock consumer in tests.
	newConsumer func(addrs []string, conf *sarama.Config) (sarama.Consumer, error)
}

// NewSubscriber validates the config and returns a Subscriber. No connection
// is made until Open is called.
func NewSubscriber(cfg *Config, logger zerolog.Logger) (*Subscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Subscriber{
		cfg:         cfg,
		logger:      logger.With().Str("component", "Subscriber").Str("uri", cfg.URI()).Logger(),
		newConsumer: sarama.NewConsumer,
	}, nil
}

// Open connects to the bus and starts streaming the configured topic from
// the configured start offset. The returned Stream is infinite and not
// restartable: once closed, a fresh Open is required.
func (s *Subscriber) Open(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	consumer, err := s.newConsumer([]string{s.cfg.brokerAddr()}, s.cfg.saramaConfig())
	if err != nil {
		return nil, &UpstreamError{Op: "connecting to " + s.cfg.URI(), Err: err}
	}

	partitions, err := consumer.Partitions(s.cfg.Topic)
	if err != nil {
		_ = consumer.Close()
		return nil, &UpstreamError{Op: "listing partitions of " + s.cfg.Topic, Err: err}
	}

	stream := &Stream{
		topic:    s.cfg.Topic,
		logger:   s.logger,
		consumer: consumer,
		msgChan:  make(chan *sarama.ConsumerMessage),
		errChan:  make(chan *sarama.ConsumerError, 1),
		closed:   make(chan struct{}),
	}

	offset := s.cfg.StartAt.saramaOffset()
	for _, partition := range partitions {
		pc, err := consumer.ConsumePartition(s.cfg.Topic, partition, offset)
		if err != nil {
			_ = stream.Close()
			return nil, &UpstreamError{
				Op:  fmt.Sprintf("opening partition %d of %s", partition, s.cfg.Topic),
				Err: err,
			}
		}
		stream.partitions = append(stream.partitions, pc)
		stream.wg.Add(1)
		go stream.forward(pc)
	}

	s.logger.Info().Int("partitions", len(partitions)).Str("start_at", string(s.cfg.StartAt)).
		Msg("Hopskotch stream opened.")
	return stream, nil
}

// Stream is one open read stream over a Hopskotch topic. It fans every
// partition into a single unbuffered channel so Next hands out messages in
// arrival order without read-ahead.
//
// The stream is owned by the goroutine calling Next; Close is the only
// operation that may be invoked concurrently with a blocked Next.
type Stream struct {
	topic      string
	logger     zerolog.Logger
	consumer   sarama.Consumer
	partitions []sarama.PartitionConsumer
	msgChan    chan *sarama.ConsumerMessage
	errChan    chan *sarama.ConsumerError
	closed     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// forward pumps one partition's messages into the shared channel.
func (st *Stream) forward(pc sarama.PartitionConsumer) {
	defer st.wg.Done()
	for {
		select {
		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			select {
			case st.msgChan <- msg:
			case <-st.closed:
				return
			}
		case consumeErr, ok := <-pc.Errors():
			if !ok {
				return
			}
			select {
			case st.errChan <- consumeErr:
			default:
				// An earlier error is already pending; the stream is dying
				// anyway, so drop this one.
			}
		case <-st.closed:
			// AsyncClose is in flight; keep draining so the partition
			// consumer can shut down without blocking.
			go func() {
				for range pc.Messages() {
				}
			}()
			for range pc.Errors() {
			}
			return
		}
	}
}

// Next blocks until a message arrives, then decodes its JSON content into an
// ordered payload. It returns ErrStreamClosed after Close, ctx.Err when the
// context ends first, and *UpstreamError on transport failures. Decode
// failures surface avroschema's errors unchanged.
func (st *Stream) Next(ctx context.Context) (avroschema.Payload, error) {
	select {
	case <-st.closed:
		return nil, ErrStreamClosed
	default:
	}
	select {
	case msg := <-st.msgChan:
		payload, err := avroschema.DecodePayload(msg.Value)
		if err != nil {
			return nil, fmt.Errorf("decoding message at offset %d of %s: %w", msg.Offset, st.topic, err)
		}
		st.logger.Debug().Int64("offset", msg.Offset).Int32("partition", msg.Partition).
			Msg("Received upstream message.")
		return payload, nil
	case consumeErr := <-st.errChan:
		return nil, &UpstreamError{Op: "reading " + st.topic, Err: consumeErr.Err}
	case <-st.closed:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the connection. It is idempotent, safe to call while
// another goroutine is blocked in Next, and guarantees that any such blocked
// call returns ErrStreamClosed instead of hanging.
func (st *Stream) Close() error {
	st.closeOnce.Do(func() {
		st.logger.Info().Msg("Closing Hopskotch stream.")
		st.teardown()
	})
	return nil
}

func (st *Stream) teardown() {
	close(st.closed)
	for _, pc := range st.partitions {
		pc.AsyncClose()
	}
	st.wg.Wait()
	if err := st.consumer.Close(); err != nil {
		st.logger.Warn().Err(err).Msg("Error closing upstream consumer.")
	}
}
