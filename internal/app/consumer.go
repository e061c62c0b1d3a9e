package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/veloracapital/compensation-service/internal/domain"
)

// AccountActivatedEvent is the message shape published by the onboarding
// service when an account's activation payment settles.
type AccountActivatedEvent struct {
	AccountID uuid.UUID `json:"account_id"`
	Amount    int64     `json:"amount"`
	PaidAt    time.Time `json:"paid_at"`
}

// ActivationConsumer handles account activation events arriving over RabbitMQ
// and drives them through the same activation path as the HTTP intake.
type ActivationConsumer struct {
	service *Service
}

func NewActivationConsumer(service *Service) *ActivationConsumer {
	return &ActivationConsumer{service: service}
}

// HandleMessage processes one delivery. Malformed payloads are acked and
// dropped; transient failures are nacked for redelivery.
func (c *ActivationConsumer) HandleMessage(body []byte) bool {
	var event AccountActivatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("activation-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	if event.AccountID == uuid.Nil || event.Amount <= 0 {
		log.Printf("activation-consumer: invalid event %+v; dropping", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := c.service.ActivatePosition(ctx, event.AccountID, event.Amount, false)
	if err != nil {
		switch err {
		case ErrAccountNotActivatable, ErrAccountBlocked:
			// Possibly a redelivery of an activation we already handled.
			log.Printf("activation-consumer: account %s not activatable (%v); acknowledging", event.AccountID, err)
			return true
		default:
			log.Printf("activation-consumer: processing error for account %s: %v", event.AccountID, err)
			return false
		}
	}

	if result.Distribution != nil && !result.Distribution.Processed && result.Distribution.Reason != domain.SkipNone {
		log.Printf("activation-consumer: account %s activated, distribution skipped reason=%s", event.AccountID, result.Distribution.Reason)
	}
	return true
}
