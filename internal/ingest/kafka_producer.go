package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver presence heartbeats for the consumer to
// fold into the redis index. Messages are keyed by driver so one driver's
// updates stay ordered within a partition.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishPresence(ctx context.Context, d models.DriverPresence) error {
	if d.DriverID == "" {
		return fmt.Errorf("%w: presence without driver", models.ErrInvalidInput)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode presence %s: %w", d.DriverID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.DriverID), Value: b}); err != nil {
		return fmt.Errorf("publish presence %s: %w", d.DriverID, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
