/**
 * @description
 * This file contains the consumer for disbursement status events published by
 * the payment gateway bridge. A completed disbursement settles the payout; a
 * failed one releases the hold. Both paths are idempotent, so redelivered
 * messages are harmless.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/store"
)

// DisbursementStatusEvent is the gateway bridge's report on a payout
// disbursement attempt.
type DisbursementStatusEvent struct {
	PayoutRequestID      string `json:"payout_request_id"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
	Status               string `json:"status"`
	Reason               string `json:"reason,omitempty"`
}

type DisbursementStatusConsumer struct {
	payouts *PayoutProcessor
}

func NewDisbursementStatusConsumer(payouts *PayoutProcessor) *DisbursementStatusConsumer {
	return &DisbursementStatusConsumer{payouts: payouts}
}

// HandleMessage processes one delivery. Returning false re-queues the message.
func (c *DisbursementStatusConsumer) HandleMessage(body []byte) bool {
	var event DisbursementStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("disbursement-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	requestID, err := uuid.Parse(strings.TrimSpace(event.PayoutRequestID))
	if err != nil {
		log.Printf("disbursement-consumer: invalid payout request id %q; acknowledging to drop", event.PayoutRequestID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, requestID, event); err != nil {
		log.Printf("disbursement-consumer: processing error for payout %s: %v", requestID, err)
		return false
	}

	return true
}

func (c *DisbursementStatusConsumer) processEvent(ctx context.Context, requestID uuid.UUID, event DisbursementStatusEvent) error {
	switch normalizeDisbursementStatus(event.Status) {
	case "completed":
		if _, err := c.payouts.Settle(ctx, requestID); err != nil {
			if errors.Is(err, store.ErrPayoutNotFound) {
				log.Printf("disbursement-consumer: unknown payout %s; acknowledging", requestID)
				return nil
			}
			if errors.Is(err, ErrInvalidStateTransition) {
				// The gateway reported completion for a request that never
				// reached PROCESSING. Requeueing cannot fix that; leave it to
				// the operator.
				log.Printf("disbursement-consumer: payout %s not in a settleable state: %v", requestID, err)
				return nil
			}
			return fmt.Errorf("settle payout: %w", err)
		}
		return nil
	case "failed":
		if _, err := c.payouts.Fail(ctx, requestID, event.Reason); err != nil {
			if errors.Is(err, store.ErrPayoutNotFound) {
				log.Printf("disbursement-consumer: unknown payout %s; acknowledging", requestID)
				return nil
			}
			if errors.Is(err, ErrInvalidStateTransition) {
				// Redelivery after the request already reached a terminal
				// state. Nothing left to do.
				return nil
			}
			return fmt.Errorf("fail payout: %w", err)
		}
		return nil
	default:
		// Intermediate gateway statuses carry no wallet-side action.
		return nil
	}
}

func normalizeDisbursementStatus(status string) string {
	status = strings.TrimSpace(strings.ToLower(status))
	switch status {
	case "successful", "success", "completed", "settled":
		return "completed"
	case "failed", "failure", "rejected":
		return "failed"
	default:
		return status
	}
}
