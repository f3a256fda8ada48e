package hopstream

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-ts/ts-hop-client/pkg/avroschema"
)

func newTestWriter(t *testing.T) (*Writer, *mocks.SyncProducer) {
	t.Helper()

	cfg := &Config{HostPort: "kafka.scimma.org", Topic: "rubin.testing-schema"}
	writer, err := NewWriter(cfg, zerolog.Nop())
	require.NoError(t, err)

	mockProducer := mocks.NewSyncProducer(t, cfg.saramaConfig())
	writer.newProducer = func(_ []string, _ *sarama.Config) (sarama.SyncProducer, error) {
		return mockProducer, nil
	}
	require.NoError(t, writer.Open())
	t.Cleanup(func() {
		_ = writer.Close()
	})
	return writer, mockProducer
}

func TestWriter_WritePublishesOrderedJSON(t *testing.T) {
	writer, mockProducer := newTestWriter(t)

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		if string(value) != `{"timestamp":5,"count":2,"beat":"listen"}` {
			return errors.New("unexpected message body: " + string(value))
		}
		if !json.Valid(value) {
			return errors.New("message body is not valid JSON")
		}
		return nil
	})

	payload := avroschema.Payload{
		{Name: "timestamp", Value: avroschema.Long(5)},
		{Name: "count", Value: avroschema.Long(2)},
		{Name: "beat", Value: avroschema.String("listen")},
	}
	require.NoError(t, writer.Write(context.Background(), payload))
}

func TestWriter_WriteFailureWrapsUpstreamError(t *testing.T) {
	writer, mockProducer := newTestWriter(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	err := writer.Write(context.Background(), avroschema.Payload{
		{Name: "beat", Value: avroschema.String("listen")},
	})

	var upstreamErr *UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
}

func TestWriter_WriteCancelledContext(t *testing.T) {
	writer, _ := newTestWriter(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := writer.Write(ctx, avroschema.Payload{})
	assert.ErrorIs(t, err, context.Canceled)
}
