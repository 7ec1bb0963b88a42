// Package events publishes referral lifecycle events. Kafka is used when
// brokers are configured; otherwise events are only logged.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type Type string

const (
	ReferralUploaded      Type = "referral.uploaded"
	ReferralTextExtracted Type = "referral.text_extracted"
	ReferralFailed        Type = "referral.failed"
	ExtractionCompleted   Type = "referral.extraction_completed"
	ExtractionFailed      Type = "referral.extraction_failed"
	ReferralApplied       Type = "referral.applied"
)

// Event never carries extracted clinical values, only identifiers and
// statuses.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       Type              `json:"type"`
	PracticeID string            `json:"practice_id"`
	DocumentID uuid.UUID         `json:"document_id"`
	ActorID    string            `json:"actor_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func New(t Type, practiceID string, documentID uuid.UUID, actorID string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		PracticeID: practiceID,
		DocumentID: documentID,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
		Attributes: attrs,
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// KafkaPublisher writes events keyed by document so one document's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.DocumentID.String()),
		Value: value,
		Time:  evt.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
			{Key: "practice_id", Value: []byte(evt.PracticeID)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// LogPublisher logs events at debug level.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (l *LogPublisher) Publish(ctx context.Context, evt Event) error {
	l.logger.Debug().
		Str("event", string(evt.Type)).
		Str("practice_id", evt.PracticeID).
		Str("document_id", evt.DocumentID.String()).
		Msg("referral event")
	return nil
}

// Emit publishes evt and logs a failure instead of returning it. Events are
// notifications; a broker outage must not fail the operation that raised them.
func Emit(ctx context.Context, p Publisher, logger zerolog.Logger, evt Event) {
	if p == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := p.Publish(pubCtx, evt); err != nil {
		logger.Warn().Err(err).
			Str("event", string(evt.Type)).
			Str("document_id", evt.DocumentID.String()).
			Msg("failed to publish referral event")
	}
}

// EmitAsync runs Emit on its own goroutine for callers with a latency
// budget. Delivery order between calls is not kept.
func EmitAsync(ctx context.Context, p Publisher, logger zerolog.Logger, evt Event) {
	if p == nil {
		return
	}
	go Emit(context.WithoutCancel(ctx), p, logger, evt)
}
