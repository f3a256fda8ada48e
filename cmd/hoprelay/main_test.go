package main

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-ts/ts-hop-client/pkg/hopstream"
)

func validOptions() *options {
	return &options{
		broker:            "my.kafka:9092",
		registry:          "https://registry.my.kafka/",
		scimmaHostname:    "kafka.scimma.org",
		scimmaUsername:    "rubin",
		scimmaPassword:    "secret",
		topic:             "sys.heartbeat",
		startAt:           "latest",
		partitions:        1,
		replicationFactor: 3,
		waitAck:           "1",
	}
}

func TestOptionsValidate_BuildsConfigs(t *testing.T) {
	opts := validOptions()
	opts.waitAck = "all"
	opts.startAt = "earliest"

	cfgs, err := opts.validate()
	require.NoError(t, err)

	assert.Equal(t, "kafka://kafka.scimma.org/sys.heartbeat", cfgs.upstream.URI())
	assert.Equal(t, hopstream.StartEarliest, cfgs.upstream.StartAt)
	require.NotNil(t, cfgs.upstream.Auth)
	assert.Equal(t, "rubin", cfgs.upstream.Auth.Username)

	assert.Nil(t, cfgs.echo)

	assert.Equal(t, []string{"my.kafka:9092"}, cfgs.publisher.Brokers)
	assert.Equal(t, sarama.WaitForAll, cfgs.publisher.RequiredAcks)
	assert.Equal(t, int32(1), cfgs.publisher.Partitions)
	assert.Equal(t, int16(3), cfgs.publisher.ReplicationFactor)
}

func TestOptionsValidate_EchoTopicSharesCredentials(t *testing.T) {
	opts := validOptions()
	opts.echoTopic = "rubin.heartbeat-echo"

	cfgs, err := opts.validate()
	require.NoError(t, err)

	require.NotNil(t, cfgs.echo)
	assert.Equal(t, "kafka://kafka.scimma.org/rubin.heartbeat-echo", cfgs.echo.URI())
	require.NotNil(t, cfgs.echo.Auth)
	assert.Equal(t, "rubin", cfgs.echo.Auth.Username)
}

func TestOptionsValidate_AnonymousUpstream(t *testing.T) {
	opts := validOptions()
	opts.scimmaUsername = ""
	opts.scimmaPassword = ""

	cfgs, err := opts.validate()
	require.NoError(t, err)
	assert.Nil(t, cfgs.upstream.Auth)
}

func TestOptionsValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*options)
	}{
		{"missing broker", func(o *options) { o.broker = "" }},
		{"missing registry", func(o *options) { o.registry = "" }},
		{"missing scimma hostname", func(o *options) { o.scimmaHostname = "" }},
		{"scimma username without password", func(o *options) { o.scimmaPassword = "" }},
		{"scimma password without username", func(o *options) { o.scimmaUsername = "" }},
		{"downstream username without password", func(o *options) { o.username = "svc" }},
		{"bad start offset", func(o *options) { o.startAt = "beginning" }},
		{"bad ack policy", func(o *options) { o.waitAck = "2" }},
		{"zero partitions", func(o *options) { o.partitions = 0 }},
		{"zero replication", func(o *options) { o.replicationFactor = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := validOptions()
			tc.mutate(opts)
			_, err := opts.validate()
			require.Error(t, err)
		})
	}
}

func TestRootCmd_FlagDefaults(t *testing.T) {
	cmd := newRootCmd()

	topic, err := cmd.Flags().GetString("topic")
	require.NoError(t, err)
	assert.Equal(t, "sys.heartbeat", topic)

	startAt, err := cmd.Flags().GetString("start-at")
	require.NoError(t, err)
	assert.Equal(t, "latest", startAt)

	waitAck, err := cmd.Flags().GetString("wait-ack")
	require.NoError(t, err)
	assert.Equal(t, "1", waitAck)

	partitions, err := cmd.Flags().GetInt32("partitions")
	require.NoError(t, err)
	assert.Equal(t, int32(1), partitions)
}
