// Package relay contains the lifecycle controller at the heart of the hop
// producer: one background consumption loop bridging the blocking upstream
// read to the acknowledged downstream publish, with a single one-shot
// completion signal observable from the foreground.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lsst-ts/ts-hop-client/pkg/avroschema"
)

// ErrAlreadyStarted is returned when Start is invoked more than once on the
// same Relay. It is fatal to the call, not to an already-running loop.
var ErrAlreadyStarted = errors.New("relay: already started")

// State is the relay's lifecycle position. Owned exclusively by the Relay;
// observers read it through State().
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Outcome is the single terminal value the completion signal carries.
type Outcome int

const (
	// OutcomeUnknown means the relay has not reached a terminal state.
	OutcomeUnknown Outcome = iota
	// OutcomeCompleted means the upstream stream ended cleanly and every
	// message was published and acknowledged.
	OutcomeCompleted
	// OutcomeCancelled means Close interrupted the loop; normal shutdown.
	OutcomeCancelled
	// OutcomeFailed means the loop stopped on an error; Done returns the cause.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnknown:
		return "unknown"
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MessageStream is one open upstream read stream. Next blocks until a
// message arrives; it returns io.EOF when the stream ends cleanly and a
// cancellation-class error once Close has been called. Close must unblock a
// concurrently blocked Next and must be safe to call from another goroutine.
type MessageStream interface {
	Next(ctx context.Context) (avroschema.Payload, error)
	Close() error
}

// Sender publishes one record and blocks until the downstream broker
// acknowledges it. At most one Send is ever in flight.
type Sender interface {
	Send(ctx context.Context, record map[string]interface{}) error
}

// OpenStreamFunc opens the upstream stream (hopstream.Subscriber.Open).
type OpenStreamFunc func(ctx context.Context) (MessageStream, error)

// ProvisionFunc provisions the downstream topic for the schema and returns
// the send handle (kafkaproducer.Publisher.ProvisionTopic).
type ProvisionFunc func(ctx context.Context, schema avroschema.Schema) (Sender, error)

// EncodeFunc converts one payload into a schema-conformant record.
type EncodeFunc func(payload avroschema.Payload, schema avroschema.Schema, now time.Time) map[string]interface{}

// EchoFunc, when set, relays each payload back to a secondary hop topic
// after its downstream publish is acknowledged.
type EchoFunc func(ctx context.Context, payload avroschema.Payload) error

// Config wires a Relay. Open and Provision are required; the rest default.
type Config struct {
	// Schema is the downstream record schema. Defaults to the static
	// heartbeat schema.
	Schema avroschema.Schema
	// Open opens the upstream message stream.
	Open OpenStreamFunc
	// Provision provisions the downstream topic and returns the send handle.
	Provision ProvisionFunc
	// Encode converts payloads to records. Defaults to avroschema.EncodeRecord.
	Encode EncodeFunc
	// Echo, if non-nil, enables the secondary relay-back path.
	Echo EchoFunc
	// Clock supplies the local receipt timestamp. Defaults to time.Now.
	Clock func() time.Time
}

// Relay runs the consumption loop: read one upstream message, encode it,
// publish it, wait for the acknowledgment, repeat. The strict read-then-send
// sequencing is deliberate: the relay never reads faster than the downstream
// acknowledges, so it cannot buffer unboundedly when the broker stalls.
//
// The foreground drives Start, Close and Done; the loop runs on its own
// goroutine with its own cancellable context, detached from the context
// passed to Start. The two sides communicate only through the one-shot
// completion signal and the cancellation delivered on Close.
type Relay struct {
	schema    avroschema.Schema
	open      OpenStreamFunc
	provision ProvisionFunc
	encode    EncodeFunc
	echo      EchoFunc
	clock     func() time.Time
	logger    zerolog.Logger

	mu         sync.Mutex
	state      State
	stream     MessageStream
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	streamClose  sync.Once
	completeOnce sync.Once
	done         chan struct{}
	outcome      Outcome
	cause        error
}

// New validates the config and returns an idle Relay.
func New(cfg Config, logger zerolog.Logger) (*Relay, error) {
	if cfg.Open == nil {
		return nil, fmt.Errorf("relay: open function cannot be nil")
	}
	if cfg.Provision == nil {
		return nil, fmt.Errorf("relay: provision function cannot be nil")
	}
	if len(cfg.Schema.Fields) == 0 {
		cfg.Schema = avroschema.Heartbeat()
	}
	if cfg.Encode == nil {
		cfg.Encode = avroschema.EncodeRecord
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Relay{
		schema:    cfg.Schema,
		open:      cfg.Open,
		provision: cfg.Provision,
		encode:    cfg.Encode,
		echo:      cfg.Echo,
		clock:     cfg.Clock,
		logger:    logger.With().Str("component", "Relay").Logger(),
		done:      make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start provisions the downstream topic, opens the upstream stream and
// launches the consumption loop, then returns without waiting for messages.
// A second call fails with ErrAlreadyStarted. If provisioning or the
// upstream open fails, the error is returned and the completion signal
// resolves to Failed with the same cause.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return ErrAlreadyStarted
	}
	r.state = StateStarting

	sender, err := r.provision(ctx, r.schema)
	if err != nil {
		err = fmt.Errorf("provisioning downstream topic: %w", err)
		r.state = StateDone
		r.complete(OutcomeFailed, err)
		return err
	}
	r.logger.Info().Str("topic", r.schema.Name).Msg("Downstream topic ready.")

	stream, err := r.open(ctx)
	if err != nil {
		err = fmt.Errorf("opening upstream stream: %w", err)
		r.state = StateDone
		r.complete(OutcomeFailed, err)
		return err
	}
	r.stream = stream

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancelLoop = cancel
	r.loopDone = make(chan struct{})
	r.state = StateRunning
	go r.run(loopCtx, stream, sender)

	r.logger.Info().Msg("Relay loop started.")
	return nil
}

// run hosts the background loop and funnels its terminal outcome into the
// completion signal. Errors never cross the goroutine boundary directly.
func (r *Relay) run(ctx context.Context, stream MessageStream, sender Sender) {
	defer close(r.loopDone)
	outcome, cause := r.consume(ctx, stream, sender)
	r.closeStream()
	r.mu.Lock()
	r.state = StateDone
	r.mu.Unlock()
	r.complete(outcome, cause)
}

// consume is the loop body: strictly read, encode, publish, await ack.
func (r *Relay) consume(ctx context.Context, stream MessageStream, sender Sender) (Outcome, error) {
	var relayed int64
	for {
		payload, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeCancelled, nil
			}
			if errors.Is(err, io.EOF) {
				r.logger.Info().Int64("relayed", relayed).Msg("Upstream stream ended, relay complete.")
				return OutcomeCompleted, nil
			}
			return OutcomeFailed, fmt.Errorf("reading upstream message: %w", err)
		}

		record := r.encode(payload, r.schema, r.clock())
		if err := sender.Send(ctx, record); err != nil {
			if ctx.Err() != nil {
				return OutcomeCancelled, nil
			}
			return OutcomeFailed, fmt.Errorf("publishing record: %w", err)
		}

		if r.echo != nil {
			if err := r.echo(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return OutcomeCancelled, nil
				}
				return OutcomeFailed, fmt.Errorf("echoing payload: %w", err)
			}
		}

		relayed++
		r.logger.Debug().Int64("relayed", relayed).Msg("Message relayed.")
	}
}

// Close requests cancellation of the background loop, actively closes the
// upstream stream so a blocked read unblocks, and waits for the loop to
// terminate. Whatever happens, the completion signal ends up set: Cancelled
// is the fallback if the loop never resolved it. Close never re-raises
// cancellation errors; best-effort shutdown always returns.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateIdle:
		r.state = StateDone
		r.mu.Unlock()
		r.complete(OutcomeCancelled, nil)
		return nil
	case StateDone:
		r.mu.Unlock()
		// The loop normally resolves the signal itself; this is the
		// defensive fallback for a Done state with no value.
		r.complete(OutcomeCancelled, nil)
		return nil
	default:
		r.state = StateStopping
	}
	cancelLoop := r.cancelLoop
	loopDone := r.loopDone
	r.mu.Unlock()

	r.logger.Info().Msg("Stopping relay loop.")
	cancelLoop()
	r.closeStream()

	select {
	case <-loopDone:
	case <-ctx.Done():
		r.complete(OutcomeCancelled, nil)
		return fmt.Errorf("waiting for relay loop to stop: %w", ctx.Err())
	}

	r.mu.Lock()
	r.state = StateDone
	r.mu.Unlock()
	r.complete(OutcomeCancelled, nil)
	return nil
}

// closeStream closes the upstream stream exactly once, swallowing errors:
// this runs during shutdown, where failures are logged, never propagated.
func (r *Relay) closeStream() {
	r.streamClose.Do(func() {
		if err := r.stream.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Unexpected error closing upstream stream. Ignoring.")
		}
	})
}

// Done blocks until the relay reaches a terminal outcome and returns it,
// together with the failure cause when the outcome is Failed. It is an
// idempotent read: every call after resolution returns the same values. The
// context only bounds the wait; its expiry does not affect the relay.
func (r *Relay) Done(ctx context.Context) (Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, r.cause
	case <-ctx.Done():
		return OutcomeUnknown, ctx.Err()
	}
}

// complete resolves the one-shot completion signal. The relay loop is the
// single writer during normal operation; Close only wins the race when the
// loop never got to set a value.
func (r *Relay) complete(outcome Outcome, cause error) {
	r.completeOnce.Do(func() {
		r.outcome = outcome
		r.cause = cause
		close(r.done)
		event := r.logger.Info()
		if outcome == OutcomeFailed {
			event = r.logger.Error().Err(cause)
		}
		event.Str("outcome", outcome.String()).Msg("Relay finished.")
	})
}
