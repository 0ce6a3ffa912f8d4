package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink queues notifications on a topic keyed by user id, so every
// user's notifications land on one partition in publish order.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireOne}
	return &KafkaSink{writer: w}
}

type queuedNotification struct {
	UserID string    `json:"user_id"`
	Event  Event     `json:"event"`
	At     time.Time `json:"at"`
}

func (k *KafkaSink) Deliver(ctx context.Context, userID string, ev Event) error {
	b, err := json.Marshal(queuedNotification{UserID: userID, Event: ev, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(userID), Value: b})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
