package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"settlement-service/internal/models"
)

// PayoutEvent is emitted once per completed vendor or affiliate leg.
type PayoutEvent struct {
	PayoutID              uint            `json:"payout_id"`
	TransactionID         uint            `json:"transaction_id"`
	TransactionReference  string          `json:"transaction_reference"`
	LegID                 uint            `json:"leg_id"`
	Role                  models.Role     `json:"role"`
	RecipientID           uint            `json:"recipient_id"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	PaidAt                time.Time       `json:"paid_at"`
}

type PayoutPublisher interface {
	PublishPayout(ctx context.Context, event PayoutEvent) error
}

// KafkaPayoutPublisher writes payout events to a Kafka topic, keyed by
// transaction reference so a transaction's payouts stay ordered.
type KafkaPayoutPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPayoutPublisher(brokers []string, topic string) (*KafkaPayoutPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPayoutPublisherWithProducer(producer, topic), nil
}

func NewKafkaPayoutPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPayoutPublisher {
	return &KafkaPayoutPublisher{producer: producer, topic: topic}
}

func (p *KafkaPayoutPublisher) PublishPayout(ctx context.Context, event PayoutEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.TransactionReference),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish payout %d: %w", event.PayoutID, err)
	}
	return nil
}

func (p *KafkaPayoutPublisher) Close() error {
	return p.producer.Close()
}

// LogPayoutPublisher is used when no broker is configured.
type LogPayoutPublisher struct {
	log *logrus.Entry
}

func NewLogPayoutPublisher(logger *logrus.Logger) *LogPayoutPublisher {
	return &LogPayoutPublisher{log: logger.WithField("component", "payouts")}
}

func (p *LogPayoutPublisher) PublishPayout(ctx context.Context, event PayoutEvent) error {
	p.log.WithFields(logrus.Fields{
		"payout_id":      event.PayoutID,
		"transaction_id": event.TransactionID,
		"role":           event.Role,
		"amount":         event.Amount.String(),
	}).Info("payout completed")
	return nil
}
