/**
 * @description
 * This file contains the payout lifecycle logic. A provider withdrawal moves
 * through REQUESTED -> APPROVED -> PROCESSING -> {COMPLETED, FAILED}, or is
 * cut short at REQUESTED -> REJECTED. Requesting a payout takes a PENDING
 * PAYOUT_HOLD ledger entry that reserves the funds without moving the raw
 * balance; terminal states resolve the hold, and COMPLETED commits the actual
 * PAYOUT_SETTLE debit before the hold is released.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For request id generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq, pkg/userclient: For events and provider verification.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/domain"
	"github.com/sewago/wallet-service/internal/metrics"
	"github.com/sewago/wallet-service/internal/store"
	"github.com/sewago/wallet-service/pkg/rabbitmq"
	"github.com/sewago/wallet-service/pkg/userclient"
)

var (
	ErrNotAProvider             = errors.New("only providers can request payouts")
	ErrBelowMinimumPayout       = errors.New("payout amount is below the minimum")
	ErrMissingPayoutDestination = errors.New("payout requires bank or digital wallet details")
	ErrInvalidStateTransition   = errors.New("payout request is not in a state that allows this transition")
)

// ProviderDirectory is the slice of the user-service the payout flow needs.
// *userclient.Client satisfies it.
type ProviderDirectory interface {
	GetUser(ctx context.Context, userID string) (*userclient.User, error)
}

// PayoutProcessor drives the payout request state machine.
type PayoutProcessor struct {
	repo      store.Repository
	processor *Processor
	users     ProviderDirectory
	producer  rabbitmq.Publisher
	minAmount int64
	currency  string
}

// NewPayoutProcessor creates a payout processor. minAmount is the smallest
// allowed payout, in paisa.
func NewPayoutProcessor(repo store.Repository, processor *Processor, users ProviderDirectory, producer rabbitmq.Publisher, minAmount int64, currency string) *PayoutProcessor {
	return &PayoutProcessor{
		repo:      repo,
		processor: processor,
		users:     users,
		producer:  producer,
		minAmount: minAmount,
		currency:  currency,
	}
}

// RequestPayout validates the provider and destination, reserves the funds
// with a PENDING hold entry, and records the payout request.
func (p *PayoutProcessor) RequestPayout(ctx context.Context, providerID uuid.UUID, payload domain.PayoutRequestPayload) (*domain.PayoutRequest, error) {
	// 1. Only active providers may withdraw.
	user, err := p.users.GetUser(ctx, providerID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to verify provider: %w", err)
	}
	if !user.IsProvider() || !user.IsActive {
		return nil, ErrNotAProvider
	}

	// 2. Validate the request itself.
	if payload.Amount < p.minAmount {
		return nil, ErrBelowMinimumPayout
	}
	if payload.BankDetails == nil && payload.DigitalWalletDetails == nil {
		return nil, ErrMissingPayoutDestination
	}

	requestID := uuid.New()

	// 3. Reserve the funds. The hold's availability check runs inside the
	// transaction processor, so a concurrent debit cannot slip past it.
	holdEntry, _, err := p.processor.Submit(ctx, SubmitParams{
		UserID:          providerID,
		TransactionType: domain.TxTypePayoutHold,
		Amount:          payload.Amount,
		IdempotencyKey:  "payout-hold-" + requestID.String(),
		Description:     "Payout reservation",
		PaymentMethod:   payload.PaymentMethod,
		Metadata:        map[string]interface{}{"payout_request_id": requestID.String()},
	})
	if err != nil {
		return nil, err
	}

	request := &domain.PayoutRequest{
		RequestID:            requestID,
		ProviderID:           providerID,
		Amount:               payload.Amount,
		Currency:             p.currency,
		PaymentMethod:        payload.PaymentMethod,
		BankDetails:          payload.BankDetails,
		DigitalWalletDetails: payload.DigitalWalletDetails,
		Status:               domain.PayoutStatusRequested,
		HoldEntryID:          holdEntry.EntryID,
	}
	if err := p.repo.CreatePayoutRequest(ctx, request); err != nil {
		// The reservation must not outlive a request that was never recorded.
		if releaseErr := p.releaseHold(ctx, providerID, requestID, holdEntry.EntryID, payload.Amount, "Payout request creation failed"); releaseErr != nil {
			log.Printf("level=error component=payouts msg=\"failed to release hold after create failure\" request_id=%s err=%v", requestID, releaseErr)
		}
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}

	p.publishStatus(ctx, rabbitmq.RoutingKeyPayoutRequested, request, "")
	return request, nil
}

// Approve moves a payout from REQUESTED to APPROVED. The hold stays PENDING;
// funds remain reserved until disbursement settles or fails.
func (p *PayoutProcessor) Approve(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error) {
	request, err := p.transition(ctx, requestID, domain.PayoutStatusRequested, domain.PayoutStatusApproved, nil)
	if err != nil {
		return nil, err
	}
	p.publishStatus(ctx, rabbitmq.RoutingKeyPayoutApproved, request, "")
	return request, nil
}

// Reject moves a payout from REQUESTED to REJECTED and releases the hold so
// the reserved funds become spendable again.
func (p *PayoutProcessor) Reject(ctx context.Context, requestID uuid.UUID, reason string) (*domain.PayoutRequest, error) {
	request, err := p.transition(ctx, requestID, domain.PayoutStatusRequested, domain.PayoutStatusRejected, &reason)
	if err != nil {
		return nil, err
	}
	if err := p.releaseHold(ctx, request.ProviderID, requestID, request.HoldEntryID, request.Amount, "Payout rejected: "+reason); err != nil {
		log.Printf("level=error component=payouts msg=\"failed to release hold for rejected payout\" request_id=%s err=%v", requestID, err)
	}
	p.publishStatus(ctx, rabbitmq.RoutingKeyPayoutRejected, request, reason)
	return request, nil
}

// MarkProcessing moves an APPROVED payout to PROCESSING once disbursement has
// been handed to the gateway, recording the gateway's transaction reference.
func (p *PayoutProcessor) MarkProcessing(ctx context.Context, requestID uuid.UUID, gatewayTransactionID string) (*domain.PayoutRequest, error) {
	request, err := p.transition(ctx, requestID, domain.PayoutStatusApproved, domain.PayoutStatusProcessing, nil)
	if err != nil {
		return nil, err
	}
	if gatewayTransactionID != "" {
		if err := p.repo.SetPayoutGatewayTransaction(ctx, requestID, gatewayTransactionID); err != nil {
			return nil, fmt.Errorf("failed to record gateway transaction: %w", err)
		}
		request.GatewayTransactionID = &gatewayTransactionID
	}
	return request, nil
}

// Settle completes a PROCESSING payout: the settlement entry commits the
// actual balance decrement, then the hold resolves to COMPLETED. Calling
// Settle twice is safe; the second call finds the request already COMPLETED.
func (p *PayoutProcessor) Settle(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error) {
	request, err := p.repo.FindPayoutRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status == domain.PayoutStatusCompleted {
		return request, nil
	}
	if request.Status != domain.PayoutStatusProcessing {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, request.Status, domain.PayoutStatusCompleted)
	}

	// 1. Commit the settlement debit first. Its coverage check runs against
	// the raw balance rather than the reservation-adjusted one, so the
	// still-pending hold never blocks its own settlement. If the debit fails
	// the hold stays PENDING and the funds stay reserved for a retry.
	if _, _, err := p.processor.Submit(ctx, SubmitParams{
		UserID:          request.ProviderID,
		TransactionType: domain.TxTypePayoutSettle,
		Amount:          request.Amount,
		IdempotencyKey:  "payout-settle-" + requestID.String(),
		Description:     "Payout disbursement",
		PaymentMethod:   request.PaymentMethod,
		Metadata:        map[string]interface{}{"payout_request_id": requestID.String()},
	}); err != nil {
		return nil, fmt.Errorf("failed to settle payout: %w", err)
	}

	// 2. Resolve the hold now that the money has moved. The status-guarded
	// update admits exactly one resolver; a concurrent settle losing here is
	// fine because the settlement entry above is idempotent on its reference
	// id. Until the hold resolves the reservation over-counts, which only
	// errs on the side of refusing spends.
	if err := p.repo.ResolveHold(ctx, request.HoldEntryID, domain.EntryStatusCompleted); err != nil && !errors.Is(err, store.ErrEntryNotPending) {
		return nil, fmt.Errorf("failed to resolve payout hold: %w", err)
	}

	// 3. Mark the request terminal.
	request, err = p.transition(ctx, requestID, domain.PayoutStatusProcessing, domain.PayoutStatusCompleted, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			// A concurrent settle won the final transition; the money moved
			// exactly once either way.
			return p.repo.FindPayoutRequest(ctx, requestID)
		}
		return nil, err
	}
	p.publishStatus(ctx, rabbitmq.RoutingKeyPayoutCompleted, request, "")
	return request, nil
}

// Fail marks a PROCESSING payout FAILED after the gateway reported the
// disbursement could not go through, releasing the reserved funds.
func (p *PayoutProcessor) Fail(ctx context.Context, requestID uuid.UUID, reason string) (*domain.PayoutRequest, error) {
	request, err := p.transition(ctx, requestID, domain.PayoutStatusProcessing, domain.PayoutStatusFailed, &reason)
	if err != nil {
		return nil, err
	}
	if err := p.releaseHold(ctx, request.ProviderID, requestID, request.HoldEntryID, request.Amount, "Payout failed: "+reason); err != nil {
		log.Printf("level=error component=payouts msg=\"failed to release hold for failed payout\" request_id=%s err=%v", requestID, err)
	}
	p.publishStatus(ctx, rabbitmq.RoutingKeyPayoutFailed, request, reason)
	return request, nil
}

// GetPayout retrieves a single payout request.
func (p *PayoutProcessor) GetPayout(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error) {
	return p.repo.FindPayoutRequest(ctx, requestID)
}

// ListPayouts retrieves a provider's payout requests, newest first.
func (p *PayoutProcessor) ListPayouts(ctx context.Context, providerID uuid.UUID, status string, page domain.Page) ([]domain.PayoutRequest, error) {
	return p.repo.ListPayoutRequests(ctx, providerID, status, page)
}

// ActiveTotal returns the sum still tied up in the provider's non-terminal
// payout requests.
func (p *PayoutProcessor) ActiveTotal(ctx context.Context, providerID uuid.UUID) (int64, error) {
	return p.repo.SumActivePayoutAmount(ctx, providerID)
}

// transition wraps the store's guarded status move, translating staleness
// into ErrInvalidStateTransition for callers.
func (p *PayoutProcessor) transition(ctx context.Context, requestID uuid.UUID, from, to string, reason *string) (*domain.PayoutRequest, error) {
	request, err := p.repo.TransitionPayoutStatus(ctx, requestID, from, to, reason)
	if err != nil {
		if errors.Is(err, store.ErrPayoutStatusStale) {
			return nil, fmt.Errorf("%w: expected %s", ErrInvalidStateTransition, from)
		}
		return nil, err
	}
	metrics.PayoutTransitions.WithLabelValues(to).Inc()
	return request, nil
}

// releaseHold reverses a PENDING hold entry and records a zero-amount
// PAYOUT_RELEASE entry documenting why the reservation went away.
func (p *PayoutProcessor) releaseHold(ctx context.Context, providerID, requestID, holdEntryID uuid.UUID, amount int64, description string) error {
	if err := p.repo.ResolveHold(ctx, holdEntryID, domain.EntryStatusReversed); err != nil {
		if errors.Is(err, store.ErrEntryNotPending) {
			return nil
		}
		return err
	}
	_, _, err := p.processor.Submit(ctx, SubmitParams{
		UserID:          providerID,
		TransactionType: domain.TxTypePayoutRelease,
		Amount:          amount,
		IdempotencyKey:  "payout-release-" + requestID.String(),
		Description:     description,
		Metadata:        map[string]interface{}{"payout_request_id": requestID.String()},
	})
	return err
}

func (p *PayoutProcessor) publishStatus(ctx context.Context, routingKey string, request *domain.PayoutRequest, reason string) {
	if p.producer == nil {
		return
	}
	event := rabbitmq.PayoutStatusEvent{
		RequestID:  request.RequestID,
		ProviderID: request.ProviderID,
		Amount:     request.Amount,
		Status:     request.Status,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	if err := p.producer.Publish(ctx, rabbitmq.WalletEventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=payouts msg=\"failed to publish payout event\" request_id=%s routing_key=%s err=%v", request.RequestID, routingKey, err)
	}
}
