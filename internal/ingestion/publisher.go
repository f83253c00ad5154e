package ingestion

import (
	"PerpEngine/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes committed receipts to NATS for downstream
// consumers. Receipts are published after persistence is confirmed.
// Subjects follow the pattern: perp.engine.receipts.{command_type}
// with the market id appended for market-scoped commands.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableReceipt
}

// PublishableReceipt is a committed receipt ready for outbound publishing.
type PublishableReceipt struct {
	Sequence       int64             `json:"sequence"`
	CommandType    string            `json:"command_type"`
	IdempotencyKey string            `json:"idempotency_key"`
	MarketID       *string           `json:"market_id,omitempty"`
	Trader         string            `json:"trader,omitempty"`
	Attributes     []event.Attribute `json:"attributes,omitempty"`
	StateHash      []byte            `json:"state_hash"`
	PrevHash       []byte            `json:"prev_hash"`
	Timestamp      time.Time         `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableReceipt) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rcpt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, rcpt); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", rcpt.Sequence, err)
				// Non-fatal: downstream consumers can query the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, rcpt PublishableReceipt) error {
	data, err := json.Marshal(rcpt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	// Build subject: perp.engine.receipts.{command_type}.{market_id}
	subject := fmt.Sprintf("perp.engine.receipts.%s", rcpt.CommandType)
	if rcpt.MarketID != nil {
		subject = fmt.Sprintf("%s.%s", subject, *rcpt.MarketID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound receipts stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_ENGINE_RECEIPTS",
		Subjects:  []string{"perp.engine.receipts.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream PERP_ENGINE_RECEIPTS")
	return nil
}
