/**
 * @description
 * This package provides a simple producer for publishing compensation events to
 * RabbitMQ. It encapsulates the logic for connecting to RabbitMQ and publishing
 * a message to a specific exchange and routing key.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// CompensationExchange is the durable topic exchange all compensation events go through.
const CompensationExchange = "compensation_events"

// ReferralDistributedEvent is published after an activation's referral credits settle.
type ReferralDistributedEvent struct {
	SourceAccountID  uuid.UUID `json:"source_account_id"`
	ActivationAmount int64     `json:"activation_amount"`
	DirectAmount     int64     `json:"direct_amount"`
	LevelCount       int       `json:"level_count"`
	TotalAmount      int64     `json:"total_amount"`
	Timestamp        time.Time `json:"timestamp"`
}

// CapReachedEvent is published when a credit takes an account to its cycle cap.
type CapReachedEvent struct {
	AccountID     uuid.UUID `json:"account_id"`
	CycleNumber   int       `json:"cycle_number"`
	EarningsTotal int64     `json:"earnings_total"`
	CapAmount     int64     `json:"cap_amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// CycleRenewedEvent is published after a successful renewal.
type CycleRenewedEvent struct {
	AccountID  uuid.UUID `json:"account_id"`
	FromCycle  int       `json:"from_cycle"`
	ToCycle    int       `json:"to_cycle"`
	AmountPaid int64     `json:"amount_paid"`
	PayerRole  string    `json:"payer_role"`
	Timestamp  time.Time `json:"timestamp"`
}

// BatchCompletedEvent is published when a scheduled batch finishes.
type BatchCompletedEvent struct {
	Batch          string    `json:"batch"`
	ProcessedCount int       `json:"processed_count"`
	TotalAmount    int64     `json:"total_amount"`
	SkippedCount   int       `json:"skipped_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishReferralDistributed(ctx context.Context, event ReferralDistributedEvent) error
	PublishCapReached(ctx context.Context, event CapReachedEvent) error
	PublishCycleRenewed(ctx context.Context, event CycleRenewedEvent) error
	PublishBatchCompleted(ctx context.Context, event BatchCompletedEvent) error
	Close()
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is unavailable at startup.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishReferralDistributed(ctx context.Context, event ReferralDistributedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"referral distributed event skipped\" source_account_id=%s", event.SourceAccountID)
	return nil
}

func (p *EventProducerFallback) PublishCapReached(ctx context.Context, event CapReachedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"cap reached event skipped\" account_id=%s", event.AccountID)
	return nil
}

func (p *EventProducerFallback) PublishCycleRenewed(ctx context.Context, event CycleRenewedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"cycle renewed event skipped\" account_id=%s", event.AccountID)
	return nil
}

func (p *EventProducerFallback) PublishBatchCompleted(ctx context.Context, event BatchCompletedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"batch completed event skipped\" batch=%s", event.Batch)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		// Attempt simple channel reopen once
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
					return err2
				}
			} else {
				return chErr
			}
		} else {
			return err
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	err = p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        jsonBody,
		},
	)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				// re-declare exchange and retry
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
						ContentType: "application/json",
						Timestamp:   time.Now(),
						Body:        jsonBody,
					})
					if err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishReferralDistributed publishes a referral distribution summary event.
func (p *EventProducer) PublishReferralDistributed(ctx context.Context, event ReferralDistributedEvent) error {
	return p.Publish(ctx, CompensationExchange, "referral.distributed", event)
}

// PublishCapReached publishes a cap reached event.
func (p *EventProducer) PublishCapReached(ctx context.Context, event CapReachedEvent) error {
	return p.Publish(ctx, CompensationExchange, "cap.reached", event)
}

// PublishCycleRenewed publishes a cycle renewal event.
func (p *EventProducer) PublishCycleRenewed(ctx context.Context, event CycleRenewedEvent) error {
	return p.Publish(ctx, CompensationExchange, "cycle.renewed", event)
}

// PublishBatchCompleted publishes a batch completion event.
func (p *EventProducer) PublishBatchCompleted(ctx context.Context, event BatchCompletedEvent) error {
	return p.Publish(ctx, CompensationExchange, "batch.completed", event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
