package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"ledgerpos/backend/internal/domain"
)

// Publisher delivers claimed events to the external analytics sink.
// A *PublishError reports a partial failure; any other error fails the whole batch.
type Publisher interface {
	Publish(ctx context.Context, events []domain.QueuedEvent) error
	Close() error
}

type PublishError struct {
	Failed map[string]error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%d event(s) not delivered", len(e.Failed))
}

// envelope is the wire format shared by every publisher.
type envelope struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	EventType  string          `json:"event_type"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

func toEnvelope(e domain.QueuedEvent) envelope {
	return envelope{
		ID:         e.ID,
		TenantID:   e.TenantID,
		EventType:  e.EventType,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Payload:    e.Payload,
		CreatedAt:  e.CreatedAt,
	}
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		RequiredAcks: kafka.RequireAll,
	}
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []domain.QueuedEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(toEnvelope(e))
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{
			// Keyed by entity so one receipt's events stay ordered within a partition.
			Key:   []byte(e.TenantID + ":" + e.EntityType + ":" + e.EntityID),
			Value: value,
			Time:  e.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.EventType)},
				{Key: "tenant_id", Value: []byte(e.TenantID)},
				{Key: "event_id", Value: []byte(e.ID)},
			},
		})
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		failed := make(map[string]error)
		for i, werr := range writeErrs {
			if werr != nil && i < len(events) {
				failed[events[i].ID] = werr
			}
		}
		if len(failed) == 0 {
			return nil
		}
		return &PublishError{Failed: failed}
	}
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: logger.With().Str("component", "outbox-log-publisher").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, events []domain.QueuedEvent) error {
	for _, e := range events {
		p.log.Info().
			Str("event_id", e.ID).
			Str("tenant_id", e.TenantID).
			Str("event_type", e.EventType).
			Str("entity_id", e.EntityID).
			RawJSON("payload", e.Payload).
			Msg("event delivered")
	}
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
