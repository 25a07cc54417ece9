package mq

import (
	"fmt"

	"modledger/internal/config"

	"github.com/IBM/sarama"
)

// NewProducer creates a synchronous producer that waits for every in-sync
// replica, so a returned offset is durable.
func NewProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return producer, nil
}

func ProducerConfig() *sarama.Config {
	c := sarama.NewConfig()
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Retry.Max = 3
	c.Producer.Return.Successes = true
	c.Producer.Idempotent = true
	c.Net.MaxOpenRequests = 1
	c.Version = sarama.V2_1_0_0
	return c
}
