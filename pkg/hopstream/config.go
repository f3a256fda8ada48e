// Package hopstream wraps the SCiMMA Hopskotch bus behind small read and
// write adapters. Hopskotch speaks the Kafka protocol, so both adapters are
// built on sarama; topics are addressed as kafka://<hostname>/<topic>.
package hopstream

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/xdg-go/scram"
)

// DefaultPort is the Hopskotch broker port assumed when the hostname does
// not carry one.
const DefaultPort = "9092"

// StartOffset selects where in the upstream topic a fresh stream begins.
type StartOffset string

const (
	// StartEarliest replays every retained message before streaming new ones.
	StartEarliest StartOffset = "earliest"
	// StartLatest streams only messages published after the stream opens.
	StartLatest StartOffset = "latest"
)

// ParseStartOffset converts a flag value into a StartOffset.
func ParseStartOffset(s string) (StartOffset, error) {
	switch StartOffset(strings.ToLower(s)) {
	case StartEarliest:
		return StartEarliest, nil
	case StartLatest:
		return StartLatest, nil
	}
	return "", fmt.Errorf("invalid start offset %q (want %q or %q)", s, StartEarliest, StartLatest)
}

func (s StartOffset) saramaOffset() int64 {
	if s == StartEarliest {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}

// Credentials authenticate against the Hopskotch bus with SASL SCRAM-SHA-512
// over TLS, the mechanism the hosted service requires.
type Credentials struct {
	Username string
	Password string
}

// Config holds the connection parameters for one Hopskotch topic. Set once
// at construction; never mutated afterwards.
type Config struct {
	// HostPort is the broker address, e.g. "kafka.scimma.org" or
	// "dev.hop.scimma.org:9092". DefaultPort is appended when missing.
	HostPort string
	// Topic is the Hopskotch topic name, e.g. "sys.heartbeat".
	Topic string
	// StartAt selects the initial stream position. Defaults to StartLatest.
	StartAt StartOffset
	// Auth holds the SCRAM credentials. A nil Auth means explicitly
	// unauthenticated: plaintext TCP, no SASL. That is only useful against
	// local test brokers.
	Auth *Credentials
	// ClientIDPrefix prefixes the Kafka client ID; a unique suffix is added.
	ClientIDPrefix string
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
}

// Validate checks the config and fills defaults.
func (c *Config) Validate() error {
	if c.HostPort == "" {
		return fmt.Errorf("hopstream: hostname is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("hopstream: topic is required")
	}
	if c.StartAt == "" {
		c.StartAt = StartLatest
	}
	if _, err := ParseStartOffset(string(c.StartAt)); err != nil {
		return fmt.Errorf("hopstream: %w", err)
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "hoprelay-"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	return nil
}

// URI renders the topic address in hop's kafka://host/topic form.
func (c *Config) URI() string {
	return fmt.Sprintf("kafka://%s/%s", c.HostPort, c.Topic)
}

// ParseURI splits a kafka://host/topic address into its host and topic
// parts, the inverse of Config.URI.
func ParseURI(uri string) (hostPort, topic string, err error) {
	rest, ok := strings.CutPrefix(uri, "kafka://")
	if !ok {
		return "", "", fmt.Errorf("hopstream: URI %q does not start with kafka://", uri)
	}
	hostPort, topic, ok = strings.Cut(rest, "/")
	if !ok || hostPort == "" || topic == "" {
		return "", "", fmt.Errorf("hopstream: URI %q is not of the form kafka://host/topic", uri)
	}
	return hostPort, topic, nil
}

// brokerAddr returns the host:port to dial, appending DefaultPort if needed.
func (c *Config) brokerAddr() string {
	if _, _, err := net.SplitHostPort(c.HostPort); err == nil {
		return c.HostPort
	}
	return net.JoinHostPort(c.HostPort, DefaultPort)
}

// saramaConfig assembles the sarama client configuration from the Config.
func (c *Config) saramaConfig() *sarama.Config {
	conf := sarama.NewConfig()
	conf.ClientID = fmt.Sprintf("%s%s", c.ClientIDPrefix, uuid.NewString()[:8])
	conf.Net.DialTimeout = c.DialTimeout
	conf.Consumer.Return.Errors = true
	conf.Consumer.Offsets.Initial = c.StartAt.saramaOffset()
	conf.Producer.Return.Successes = true
	conf.Producer.RequiredAcks = sarama.WaitForLocal

	if c.Auth != nil {
		conf.Net.TLS.Enable = true
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.Auth.Username
		conf.Net.SASL.Password = c.Auth.Password
		conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
			return &scramClient{HashGeneratorFcn: scram.SHA512}
		}
	}
	return conf
}

// scramClient adapts xdg-go/scram to sarama's SCRAMClient interface.
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.Client = client
	c.ClientConversation = c.Client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.ClientConversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.ClientConversation.Done()
}
