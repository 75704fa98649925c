package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpVault/internal/core"
	"PerpVault/internal/event"
)

// Broadcaster receives every published message, e.g. a websocket hub.
type Broadcaster interface {
	Broadcast(msg OutboundMessage)
}

// OutboundMessage is the wire form of a committed event.
type OutboundMessage struct {
	Sequence  int64           `json:"sequence"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	ProductID *uint64         `json:"product_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	StateHash string          `json:"state_hash"`
	Payload   json.RawMessage `json:"payload"`
}

// NewOutboundMessage converts a core output to its wire form.
func NewOutboundMessage(o core.Output) OutboundMessage {
	env := o.Envelope
	return OutboundMessage{
		Sequence:  env.Sequence,
		EventID:   env.EventID.String(),
		EventType: env.EventType.String(),
		ProductID: env.ProductID,
		RequestID: env.RequestID,
		Timestamp: env.Timestamp,
		StateHash: hex.EncodeToString(env.StateHash[:]),
		Payload:   json.RawMessage(env.Payload),
	}
}

// OutboundSubject returns perp.exchange.events.{event_type}[.{product_id}].
func OutboundSubject(env *event.EventEnvelope) string {
	subject := "perp.exchange.events." + env.EventType.Subject()
	if env.ProductID != nil {
		subject += "." + strconv.FormatUint(*env.ProductID, 10)
	}
	return subject
}

// OutboundPublisher publishes committed events to NATS and fans them out to
// local broadcasters.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.Output
	sinks     []Broadcaster
	logger    zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.Output, logger zerolog.Logger, sinks ...Broadcaster) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		sinks:     sinks,
		logger:    logger,
	}
}

// Run starts the publisher loop. A nil JetStream context publishes only to
// local sinks.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			msg := NewOutboundMessage(out)
			for _, s := range op.sinks {
				s.Broadcast(msg)
			}
			if op.js == nil {
				continue
			}
			if err := op.publish(ctx, OutboundSubject(out.Envelope), msg); err != nil {
				// Non-fatal: consumers can read the event log directly.
				op.logger.Warn().Err(err).Int64("sequence", msg.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, subject string, msg OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The event ID doubles as the JetStream dedup key.
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.EventID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "PERP_EXCHANGE_EVENTS",
		Subjects:   []string{"perp.exchange.events.>", "perp.rewards.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "PERP_EXCHANGE_EVENTS").Msg("ensured outbound stream")
	return nil
}
