package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/instapool/internal/models"
)

// LocationUpdate is the wire shape published for each user location change
// and consumed by the geo-index consumer.
type LocationUpdate struct {
	UserID   string       `json:"user_id"`
	Location models.Point `json:"location"`
	At       time.Time    `json:"at"`
}

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(userID string, p models.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(LocationUpdate{UserID: userID, Location: p, At: time.Now()})
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(userID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
