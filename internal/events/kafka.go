// Package events publishes action-log records to a Kafka topic for
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"civicpulse/api/internal/store"
)

// ActionLogEvent is the wire form of an action-log record.
type ActionLogEvent struct {
	ID         string               `json:"id"`
	Kind       string               `json:"kind"`
	Action     string               `json:"action"`
	ActorID    string               `json:"actorId"`
	PetitionID string               `json:"petitionId,omitempty"`
	PollID     string               `json:"pollId,omitempty"`
	Metadata   store.ActionMetadata `json:"metadata"`
	CreatedAt  time.Time            `json:"createdAt"`
}

// Encode returns the message key and value for entry. Records are keyed by
// their resource so one resource's history lands on one partition in order.
func Encode(entry store.ActionLog) ([]byte, []byte, error) {
	event := ActionLogEvent{
		ID:        entry.ID,
		Kind:      string(entry.Kind),
		Action:    entry.Action,
		ActorID:   entry.ActorID,
		Metadata:  entry.Metadata,
		CreatedAt: entry.CreatedAt.UTC(),
	}
	key := entry.ID
	if entry.PollID != nil {
		event.PollID = *entry.PollID
		key = "poll:" + *entry.PollID
	}
	if entry.PetitionID != nil {
		event.PetitionID = *entry.PetitionID
		key = "petition:" + *entry.PetitionID
	}

	value, err := json.Marshal(event)
	if err != nil {
		return nil, nil, fmt.Errorf("encode action log event: %w", err)
	}
	return []byte(key), value, nil
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (p *KafkaPublisher) PublishActionLog(ctx context.Context, entry store.ActionLog) error {
	if p == nil || p.writer == nil {
		return nil
	}
	key, value, err := Encode(entry)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: entry.CreatedAt}); err != nil {
		return fmt.Errorf("publish action log %s: %w", entry.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Discard is used when no brokers are configured.
type Discard struct{}

func (Discard) PublishActionLog(_ context.Context, entry store.ActionLog) error {
	slog.Debug("action log publish skipped", "log_id", entry.ID)
	return nil
}

func (Discard) Close() error { return nil }
