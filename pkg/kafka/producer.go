package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer publishes ledger and notification events to Kafka.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, clientID string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}

func (p *Producer) produce(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   k,
			Value: []byte(v),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

// PublishLedgerEvent publishes a transaction lifecycle event, keyed by
// transaction reference so events for one transaction stay ordered.
func (p *Producer) PublishLedgerEvent(ctx context.Context, event *LedgerEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"event_type": event.EventType,
		"user_id":    event.UserID,
	}

	if err := p.produce(ctx, TopicLedgerEvents, event.Reference, value, headers); err != nil {
		p.logger.WithFields(logrus.Fields{
			"reference":  event.Reference,
			"event_type": event.EventType,
			"error":      err.Error(),
		}).Error("Failed to publish ledger event")
		return err
	}
	return nil
}

// PublishNotificationEvent publishes a user-facing notification request,
// keyed by user ID.
func (p *Producer) PublishNotificationEvent(ctx context.Context, event *NotificationEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"event_type": event.EventType,
	}

	if err := p.produce(ctx, TopicNotifications, event.UserID, value, headers); err != nil {
		p.logger.WithFields(logrus.Fields{
			"user_id":    event.UserID,
			"event_type": event.EventType,
			"error":      err.Error(),
		}).Error("Failed to publish notification event")
		return err
	}
	return nil
}
