// Package events publishes outcome transitions for downstream collaborators
// (notification delivery, court export invalidation). Publishing is
// fail-open: verification must never block on the broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"handoff/internal/exchange/models"
)

// OutcomeEvent describes one persisted outcome transition.
type OutcomeEvent struct {
	InstanceID uuid.UUID      `json:"instance_id"`
	ExchangeID uuid.UUID      `json:"exchange_id"`
	CaseID     uuid.UUID      `json:"case_id"`
	Outcome    models.Outcome `json:"handoff_outcome"`
	QRMissing  bool           `json:"qr_missing,omitempty"`
	AutoClosed bool           `json:"auto_closed"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher emits outcome events. Implementations must not block the caller
// beyond a local enqueue.
type Publisher interface {
	OutcomeChanged(ctx context.Context, ev OutcomeEvent)
}

// NopPublisher discards events; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) OutcomeChanged(context.Context, OutcomeEvent) {}

// KafkaPublisher produces outcome events to a Kafka topic.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewKafka connects a Kafka publisher to the given seed brokers.
func NewKafka(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}, nil
}

// OutcomeChanged produces the event asynchronously, keyed by instance ID so
// per-instance ordering is preserved. Failures are logged, never returned:
// the stored slots remain the source of truth and the next transition will
// publish again.
func (p *KafkaPublisher) OutcomeChanged(ctx context.Context, ev OutcomeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal outcome event", "error", err, "instance_id", ev.InstanceID)
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.InstanceID.String()),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("produce outcome event",
				"error", err,
				"instance_id", ev.InstanceID,
				"outcome", ev.Outcome,
			)
		}
	})
}

// Close flushes buffered records and closes the underlying client.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush kafka producer: %w", err)
	}
	p.client.Close()
	return nil
}
