package hopstream

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-ts/ts-hop-client/pkg/avroschema"
)

// newTestStream wires a Subscriber to sarama's mock consumer and opens a
// stream on a single-partition topic.
func newTestStream(t *testing.T, cfg *Config) (*Stream, *mocks.PartitionConsumer) {
	t.Helper()

	sub, err := NewSubscriber(cfg, zerolog.Nop())
	require.NoError(t, err)

	mockConsumer := mocks.NewConsumer(t, cfg.saramaConfig())
	mockConsumer.SetTopicMetadata(map[string][]int32{cfg.Topic: {0}})
	partition := mockConsumer.ExpectConsumePartition(cfg.Topic, 0, cfg.StartAt.saramaOffset())

	sub.newConsumer = func(_ []string, _ *sarama.Config) (sarama.Consumer, error) {
		return mockConsumer, nil
	}

	stream, err := sub.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = stream.Close()
	})
	return stream, partition
}

func testConfig() *Config {
	return &Config{HostPort: "kafka.scimma.org", Topic: "sys.heartbeat", StartAt: StartLatest}
}

func TestStream_NextDecodesPayloadInOrder(t *testing.T) {
	stream, partition := newTestStream(t, testConfig())
	partition.YieldMessage(&sarama.ConsumerMessage{
		Value: []byte(`{"timestamp": 5, "count": 2, "beat": "listen"}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := stream.Next(ctx)
	require.NoError(t, err)

	require.Len(t, payload, 3)
	assert.Equal(t, "timestamp", payload[0].Name)
	assert.Equal(t, avroschema.Long(5), payload[0].Value)
	assert.Equal(t, "count", payload[1].Name)
	assert.Equal(t, "beat", payload[2].Name)
	assert.Equal(t, avroschema.String("listen"), payload[2].Value)
}

func TestStream_NextRejectsUnmappableField(t *testing.T) {
	stream, partition := newTestStream(t, testConfig())
	partition.YieldMessage(&sarama.ConsumerMessage{
		Value: []byte(`{"beat": {"nested": true}}`),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := stream.Next(ctx)
	require.ErrorIs(t, err, avroschema.ErrUnsupportedFieldType)
}

func TestStream_TransportErrorSurfacesAsUpstreamError(t *testing.T) {
	stream, partition := newTestStream(t, testConfig())
	partition.YieldError(sarama.ErrOutOfBrokers)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := stream.Next(ctx)

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

func TestStream_CloseUnblocksPendingNext(t *testing.T) {
	stream, _ := newTestStream(t, testConfig())

	errChan := make(chan error, 1)
	go func() {
		_, err := stream.Next(context.Background())
		errChan <- err
	}()

	// Give Next a moment to block on the empty stream, then close.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, stream.Close())

	select {
	case err := <-errChan:
		require.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock after Close")
	}
}

func TestStream_NextAfterCloseReturnsStreamClosed(t *testing.T) {
	stream, _ := newTestStream(t, testConfig())
	require.NoError(t, stream.Close())
	// Close is idempotent.
	require.NoError(t, stream.Close())

	_, err := stream.Next(context.Background())
	require.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_NextHonoursContext(t *testing.T) {
	stream, _ := newTestStream(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := stream.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriber_OpenConnectionFailure(t *testing.T) {
	sub, err := NewSubscriber(testConfig(), zerolog.Nop())
	require.NoError(t, err)
	sub.newConsumer = func(_ []string, _ *sarama.Config) (sarama.Consumer, error) {
		return nil, sarama.ErrOutOfBrokers
	}

	_, err = sub.Open(context.Background())
	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
}
