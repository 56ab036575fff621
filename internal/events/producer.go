package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PaymentCompleted is published once per payment, by whichever trigger path
// won the completion.
type PaymentCompleted struct {
	EventType        string          `json:"event_type"`
	PaymentID        string          `json:"payment_id"`
	Reference        string          `json:"reference"`
	GatewayReference string          `json:"gateway_reference,omitempty"`
	AppointmentID    string          `json:"appointment_id,omitempty"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Source           string          `json:"source"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// Publisher emits domain events.
type Publisher interface {
	PublishPaymentCompleted(ctx context.Context, event PaymentCompleted) error
	Close() error
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishPaymentCompleted(context.Context, PaymentCompleted) error { return nil }
func (NopPublisher) Close() error                                                  { return nil }

// Producer publishes events to Kafka with a synchronous producer.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

// NewProducer connects to the brokers, retrying a few times while Kafka
// starts up.
func NewProducer(brokers []string, topic string, logger *logrus.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3

	var producer sarama.SyncProducer
	var err error
	for i := 1; i <= 5; i++ {
		producer, err = sarama.NewSyncProducer(brokers, config)
		if err == nil {
			logger.WithField("topic", topic).Info("kafka producer initialized")
			return NewProducerFrom(producer, topic, logger), nil
		}
		logger.WithError(err).Warnf("waiting for kafka (%d/5)", i)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("start kafka producer: %w", err)
}

// NewProducerFrom wraps an existing sarama producer.
func NewProducerFrom(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *Producer {
	return &Producer{producer: producer, topic: topic, logger: logger}
}

// PublishPaymentCompleted sends the event keyed by payment reference so all
// events of a payment land on the same partition.
func (p *Producer) PublishPaymentCompleted(ctx context.Context, event PaymentCompleted) error {
	if event.EventType == "" {
		event.EventType = "payment.completed"
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment.completed: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Reference),
		Value: sarama.ByteEncoder(data),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send payment.completed: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"reference": event.Reference,
		"partition": partition,
		"offset":    offset,
	}).Debug("published payment.completed")
	return nil
}

// Close shuts the producer down.
func (p *Producer) Close() error {
	return p.producer.Close()
}
