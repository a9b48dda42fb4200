package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// Kafka publishes ledger events to a single topic, keyed by tenant so a
// tenant's events stay ordered within a partition.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(brokers []string, topic string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (k *Kafka) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.TenantID),
		Value: value,
	})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
