package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events to a single topic keyed by Event.Key.
type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		timeout: 10 * time.Second,
	}
}

func (k *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs, err := encode(events)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d kafka messages: %w", len(msgs), err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

func encode(events []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		value, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Key),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
			},
		})
	}
	return msgs, nil
}
