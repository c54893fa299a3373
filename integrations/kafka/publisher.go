// Package kafka publishes lease outbox events to Kafka topics.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher writes lease events keyed by lease id so that every event of a
// lease lands on the same partition and keeps its order.
type Publisher struct {
	writer       *kafka.Writer
	topicPrefix  string
	topicByEvent map[string]string
}

// Config describes the brokers and topic routing.
type Config struct {
	Brokers      []string
	TopicPrefix  string
	TopicByEvent map[string]string
	WriteTimeout time.Duration
}

// NewPublisher constructs a synchronous writer requiring acknowledgement from
// all in-sync replicas.
func NewPublisher(cfg Config) (*Publisher, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, broker := range cfg.Brokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			WriteTimeout: timeout,
		},
		topicPrefix:  cfg.TopicPrefix,
		topicByEvent: cfg.TopicByEvent,
	}, nil
}

// Topic resolves the topic an event type is written to.
func (p *Publisher) Topic(eventType string) string {
	if mapped, ok := p.topicByEvent[eventType]; ok && mapped != "" {
		return mapped
	}
	return p.topicPrefix + eventType
}

// Publish implements lease.Publisher.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(eventType),
		Key:   []byte(partitionKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(eventType)},
		},
		Time: time.Now().UTC(),
	})
}

// Close flushes pending writes and releases connections.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
