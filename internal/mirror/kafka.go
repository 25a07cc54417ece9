package mirror

import (
	"context"
	"fmt"

	"modledger/internal/model"

	"github.com/IBM/sarama"
)

// KafkaPublisher appends receipts to a Kafka topic keyed by transaction id.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Network() string { return "kafka" }

// Publish returns topic/partition/offset of the written message.
func (p *KafkaPublisher) Publish(_ context.Context, t *model.Transaction) (string, error) {
	payload, err := NewReceipt(t).Encode()
	if err != nil {
		return "", err
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(t.ID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", p.topic, err)
	}
	return fmt.Sprintf("%s/%d/%d", p.topic, partition, offset), nil
}
