package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/domain"
	"github.com/sewago/wallet-service/internal/store"
	"github.com/sewago/wallet-service/pkg/rabbitmq"
	"github.com/sewago/wallet-service/pkg/userclient"
)

type stubDirectory struct {
	users map[string]*userclient.User
}

func (d *stubDirectory) GetUser(ctx context.Context, userID string) (*userclient.User, error) {
	user, ok := d.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	cp := *user
	return &cp, nil
}

type recordingPublisher struct {
	mu          sync.Mutex
	routingKeys []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published(routingKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range p.routingKeys {
		if key == routingKey {
			return true
		}
	}
	return false
}

type payoutFixture struct {
	ms         *memStore
	processor  *Processor
	payouts    *PayoutProcessor
	publisher  *recordingPublisher
	providerID uuid.UUID
}

const testMinPayout = 10000

// newPayoutFixture funds an active provider's wallet through the transaction
// path, so the balance always agrees with the completed-entry ledger sum.
func newPayoutFixture(t *testing.T, balance int64) *payoutFixture {
	t.Helper()
	ms := newMemStore()
	processor := NewProcessor(ms, ms, ms, "NPR", 5, time.Millisecond)
	providerID := uuid.New()
	if balance > 0 {
		if _, _, err := processor.Submit(context.Background(), SubmitParams{
			UserID:          providerID,
			TransactionType: domain.TxTypeTopUp,
			Amount:          balance,
			IdempotencyKey:  "provider-earnings-" + providerID.String(),
			Description:     "Provider earnings",
		}); err != nil {
			t.Fatalf("failed to fund provider wallet: %v", err)
		}
	}

	directory := &stubDirectory{users: map[string]*userclient.User{
		providerID.String(): {ID: providerID.String(), Role: "provider", IsActive: true},
	}}
	publisher := &recordingPublisher{}
	payouts := NewPayoutProcessor(ms, processor, directory, publisher, testMinPayout, "NPR")

	return &payoutFixture{
		ms:         ms,
		processor:  processor,
		payouts:    payouts,
		publisher:  publisher,
		providerID: providerID,
	}
}

func bankPayload(amount int64) domain.PayoutRequestPayload {
	return domain.PayoutRequestPayload{
		Amount:        amount,
		PaymentMethod: "bank_transfer",
		BankDetails: &domain.BankDetails{
			BankName:          "Nepal Investment Bank",
			AccountNumber:     "0123456789",
			AccountHolderName: "Ram Bahadur",
		},
	}
}

func TestRequestPayoutReservesFunds(t *testing.T) {
	f := newPayoutFixture(t, 50000)

	request, err := f.payouts.RequestPayout(context.Background(), f.providerID, bankPayload(30000))
	if err != nil {
		t.Fatalf("RequestPayout failed: %v", err)
	}
	if request.Status != domain.PayoutStatusRequested {
		t.Errorf("expected status REQUESTED, got %s", request.Status)
	}

	hold, err := f.ms.FindByEntryID(context.Background(), request.HoldEntryID)
	if err != nil {
		t.Fatalf("failed to load hold entry: %v", err)
	}
	if hold.Status != domain.EntryStatusPending {
		t.Errorf("expected hold status PENDING, got %s", hold.Status)
	}
	if hold.HoldAmount != 30000 || hold.Amount != 0 {
		t.Errorf("expected hold_amount=30000 amount=0, got hold_amount=%d amount=%d", hold.HoldAmount, hold.Amount)
	}

	wallet, _ := f.ms.FindByUserID(context.Background(), f.providerID)
	if wallet.Balance != 50000 {
		t.Errorf("a reservation must not move the raw balance; got %d", wallet.Balance)
	}
	available, err := f.processor.AvailableBalance(context.Background(), wallet)
	if err != nil {
		t.Fatalf("AvailableBalance failed: %v", err)
	}
	if available != 20000 {
		t.Errorf("expected available balance 20000, got %d", available)
	}
	if !f.publisher.published(rabbitmq.RoutingKeyPayoutRequested) {
		t.Error("expected a payout requested event")
	}
}

func TestRequestPayoutValidation(t *testing.T) {
	testCases := []struct {
		name    string
		role    string
		active  bool
		payload domain.PayoutRequestPayload
		wantErr error
	}{
		{
			name:    "customer cannot request",
			role:    "customer",
			active:  true,
			payload: bankPayload(30000),
			wantErr: ErrNotAProvider,
		},
		{
			name:    "inactive provider cannot request",
			role:    "provider",
			active:  false,
			payload: bankPayload(30000),
			wantErr: ErrNotAProvider,
		},
		{
			name:    "below minimum amount",
			role:    "provider",
			active:  true,
			payload: bankPayload(testMinPayout - 1),
			wantErr: ErrBelowMinimumPayout,
		},
		{
			name:    "missing destination",
			role:    "provider",
			active:  true,
			payload: domain.PayoutRequestPayload{Amount: 30000, PaymentMethod: "bank_transfer"},
			wantErr: ErrMissingPayoutDestination,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newPayoutFixture(t, 100000)
			f.payouts.users = &stubDirectory{users: map[string]*userclient.User{
				f.providerID.String(): {ID: f.providerID.String(), Role: tc.role, IsActive: tc.active},
			}}

			_, err := f.payouts.RequestPayout(context.Background(), f.providerID, tc.payload)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRequestPayoutInsufficientBalance(t *testing.T) {
	f := newPayoutFixture(t, 5000)

	_, err := f.payouts.RequestPayout(context.Background(), f.providerID, bankPayload(30000))
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPayoutSettleLifecycle(t *testing.T) {
	f := newPayoutFixture(t, 30000)
	ctx := context.Background()

	request, err := f.payouts.RequestPayout(ctx, f.providerID, bankPayload(30000))
	if err != nil {
		t.Fatalf("RequestPayout failed: %v", err)
	}

	// Fully held funds cannot be spent while the payout is in flight.
	if _, _, err := f.processor.Submit(ctx, SubmitParams{
		UserID:          f.providerID,
		TransactionType: domain.TxTypeDebit,
		Amount:          1000,
		IdempotencyKey:  "debit-during-hold",
	}); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance while funds are held, got %v", err)
	}

	if _, err := f.payouts.Approve(ctx, request.RequestID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := f.payouts.MarkProcessing(ctx, request.RequestID, "gw-txn-123"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	settled, err := f.payouts.Settle(ctx, request.RequestID)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if settled.Status != domain.PayoutStatusCompleted {
		t.Errorf("expected status COMPLETED, got %s", settled.Status)
	}

	wallet, _ := f.ms.FindByUserID(ctx, f.providerID)
	if wallet.Balance != 0 {
		t.Errorf("expected balance 0 after settlement, got %d", wallet.Balance)
	}

	hold, _ := f.ms.FindByEntryID(ctx, request.HoldEntryID)
	if hold.Status != domain.EntryStatusCompleted {
		t.Errorf("expected hold resolved to COMPLETED, got %s", hold.Status)
	}

	// The ledger's completed sum must agree with the balance after the money
	// moved out.
	sum, _ := f.ms.SumCompletedAmount(ctx, wallet.ID)
	if sum != wallet.Balance {
		t.Errorf("ledger sum %d does not match balance %d", sum, wallet.Balance)
	}

	settleEntry, err := f.ms.FindByReference(ctx, "payout-settle-"+request.RequestID.String())
	if err != nil {
		t.Fatalf("settlement entry missing: %v", err)
	}
	if settleEntry.Amount != -30000 {
		t.Errorf("expected settlement amount -30000, got %d", settleEntry.Amount)
	}
	if !f.publisher.published(rabbitmq.RoutingKeyPayoutCompleted) {
		t.Error("expected a payout completed event")
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newPayoutFixture(t, 30000)
	ctx := context.Background()

	request, err := f.payouts.RequestPayout(ctx, f.providerID, bankPayload(30000))
	if err != nil {
		t.Fatalf("RequestPayout failed: %v", err)
	}
	if _, err := f.payouts.Approve(ctx, request.RequestID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := f.payouts.MarkProcessing(ctx, request.RequestID, "gw-txn-456"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	if _, err := f.payouts.Settle(ctx, request.RequestID); err != nil {
		t.Fatalf("first Settle failed: %v", err)
	}
	again, err := f.payouts.Settle(ctx, request.RequestID)
	if err != nil {
		t.Fatalf("second Settle must be a no-op, got %v", err)
	}
	if again.Status != domain.PayoutStatusCompleted {
		t.Errorf("expected status COMPLETED, got %s", again.Status)
	}

	wallet, _ := f.ms.FindByUserID(ctx, f.providerID)
	if wallet.Balance != 0 {
		t.Errorf("a repeated settle must not move money twice; balance=%d", wallet.Balance)
	}
	n, _ := f.ms.CountByWallet(ctx, wallet.ID, domain.LedgerFilter{TransactionType: domain.TxTypePayoutSettle})
	if n != 1 {
		t.Errorf("expected exactly one settlement entry, got %d", n)
	}
}

func TestSettleFailureKeepsFundsReserved(t *testing.T) {
	f := newPayoutFixture(t, 30000)
	ctx := context.Background()

	request, err := f.payouts.RequestPayout(ctx, f.providerID, bankPayload(30000))
	if err != nil {
		t.Fatalf("RequestPayout failed: %v", err)
	}
	if _, err := f.payouts.Approve(ctx, request.RequestID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := f.payouts.MarkProcessing(ctx, request.RequestID, "gw-txn-contended"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	// Starve the settlement debit of version-race wins so it cannot commit.
	f.ms.mu.Lock()
	f.ms.conflictNext = 5
	f.ms.mu.Unlock()

	if _, err := f.payouts.Settle(ctx, request.RequestID); !errors.Is(err, ErrConcurrencyExhausted) {
		t.Fatalf("expected ErrConcurrencyExhausted, got %v", err)
	}

	// The hold must outlive the failed settle so the funds stay reserved.
	hold, err := f.ms.FindByEntryID(ctx, request.HoldEntryID)
	if err != nil {
		t.Fatalf("failed to load hold entry: %v", err)
	}
	if hold.Status != domain.EntryStatusPending {
		t.Fatalf("expected the hold to stay PENDING after a failed settle, got %s", hold.Status)
	}
	if _, _, err := f.processor.Submit(ctx, SubmitParams{
		UserID:          f.providerID,
		TransactionType: domain.TxTypeDebit,
		Amount:          30000,
		IdempotencyKey:  "spend-after-failed-settle",
	}); !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("reserved funds must not be spendable after a failed settle, got %v", err)
	}

	stuck, err := f.payouts.GetPayout(ctx, request.RequestID)
	if err != nil {
		t.Fatalf("GetPayout failed: %v", err)
	}
	if stuck.Status != domain.PayoutStatusProcessing {
		t.Fatalf("expected the payout to stay PROCESSING, got %s", stuck.Status)
	}

	// Once the contention clears, the retried settle drains the reservation.
	settled, err := f.payouts.Settle(ctx, request.RequestID)
	if err != nil {
		t.Fatalf("retried Settle failed: %v", err)
	}
	if settled.Status != domain.PayoutStatusCompleted {
		t.Errorf("expected status COMPLETED after retry, got %s", settled.Status)
	}
	wallet, _ := f.ms.FindByUserID(ctx, f.providerID)
	if wallet.Balance != 0 {
		t.Errorf("expected balance 0 after the retried settle, got %d", wallet.Balance)
	}
	n, _ := f.ms.CountByWallet(ctx, wallet.ID, domain.LedgerFilter{TransactionType: domain.TxTypePayoutSettle})
	if n != 1 {
		t.Errorf("expected exactly one settlement entry, got %d", n)
	}
}

func TestRejectReleasesHold(t *testing.T) {
	f := newPayoutFixture(t, 30000)
	ctx := context.Background()

	request, err := f.payouts.RequestPayout(ctx, f.providerID, bankPayload(30000))
	if err != nil {
		t.Fatalf("RequestPayout failed: %v", err)
	}

	rejected, err := f.payouts.Reject(ctx, request.RequestID, "kyc incomplete")
	if err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	if rejected.Status != domain.PayoutStatusRejected {
		t.Errorf("expected status REJECTED, got %s", rejected.Status)
	}
	if rejected.StatusReason == nil || *rejected.StatusReason != "kyc incomplete" {
		t.Error("expected the rejection reason to be recorded")
	}

	hold, _ := f.ms.FindByEntryID(ctx, request.HoldEntryID)
	if hold.Status != domain.EntryStatusReversed {
		t.Errorf("expected hold resolved to REVERSED, got %s", hold.Status)
	}

	// The released funds are spendable again.
	if _, _, err := f.processor.Submit(ctx, SubmitParams{
		UserID:          f.providerID,
		TransactionType: domain.TxTypeDebit,
		Amount:          30000,
		IdempotencyKey:  "debit-after-release",
	}); err != nil {
		t.Fatalf("debit after release failed: %v", err)
	}

	if _, err := f.ms.FindByReference(ctx, "payout-release-"+request.RequestID.String()); err != nil {
		t.Errorf("expected a release entry documenting the reversal: %v", err)
	}
	if !f.publisher.published(rabbitmq.RoutingKeyPayoutRejected) {
		t.Error("expected a payout rejected event")
	}
}

func TestFailReleasesHold(t *testing.T) {
	f := newPayoutFixture(t, 30000)
	ctx := context.Background()

	request, err := f.payouts.RequestPayout(ctx, f.providerID, bankPayload(30000))
	if err != nil {
		t.Fatalf("RequestPayout failed: %v", err)
	}
	if _, err := f.payouts.Approve(ctx, request.RequestID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := f.payouts.MarkProcessing(ctx, request.RequestID, "gw-txn-789"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	failed, err := f.payouts.Fail(ctx, request.RequestID, "bank account closed")
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != domain.PayoutStatusFailed {
		t.Errorf("expected status FAILED, got %s", failed.Status)
	}

	hold, _ := f.ms.FindByEntryID(ctx, request.HoldEntryID)
	if hold.Status != domain.EntryStatusReversed {
		t.Errorf("expected hold resolved to REVERSED, got %s", hold.Status)
	}

	wallet, _ := f.ms.FindByUserID(ctx, f.providerID)
	available, _ := f.processor.AvailableBalance(ctx, wallet)
	if available != 30000 {
		t.Errorf("expected the full balance available after failure, got %d", available)
	}
	if !f.publisher.published(rabbitmq.RoutingKeyPayoutFailed) {
		t.Error("expected a payout failed event")
	}
}

func TestActiveTotalTracksOpenRequests(t *testing.T) {
	f := newPayoutFixture(t, 100000)
	ctx := context.Background()

	request, err := f.payouts.RequestPayout(ctx, f.providerID, bankPayload(30000))
	if err != nil {
		t.Fatalf("RequestPayout failed: %v", err)
	}

	total, err := f.payouts.ActiveTotal(ctx, f.providerID)
	if err != nil {
		t.Fatalf("ActiveTotal failed: %v", err)
	}
	if total != 30000 {
		t.Errorf("expected active total 30000, got %d", total)
	}

	if _, err := f.payouts.Reject(ctx, request.RequestID, "destination mismatch"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}
	total, err = f.payouts.ActiveTotal(ctx, f.providerID)
	if err != nil {
		t.Fatalf("ActiveTotal failed: %v", err)
	}
	if total != 0 {
		t.Errorf("a terminal request must drop out of the active total; got %d", total)
	}
}

func TestInvalidPayoutTransitions(t *testing.T) {
	testCases := []struct {
		name string
		run  func(f *payoutFixture, requestID uuid.UUID) error
	}{
		{
			name: "approve twice",
			run: func(f *payoutFixture, requestID uuid.UUID) error {
				if _, err := f.payouts.Approve(context.Background(), requestID); err != nil {
					return err
				}
				_, err := f.payouts.Approve(context.Background(), requestID)
				return err
			},
		},
		{
			name: "settle before processing",
			run: func(f *payoutFixture, requestID uuid.UUID) error {
				_, err := f.payouts.Settle(context.Background(), requestID)
				return err
			},
		},
		{
			name: "reject after approval",
			run: func(f *payoutFixture, requestID uuid.UUID) error {
				if _, err := f.payouts.Approve(context.Background(), requestID); err != nil {
					return err
				}
				_, err := f.payouts.Reject(context.Background(), requestID, "too late")
				return err
			},
		},
		{
			name: "processing before approval",
			run: func(f *payoutFixture, requestID uuid.UUID) error {
				_, err := f.payouts.MarkProcessing(context.Background(), requestID, "gw-txn")
				return err
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newPayoutFixture(t, 50000)
			request, err := f.payouts.RequestPayout(context.Background(), f.providerID, bankPayload(30000))
			if err != nil {
				t.Fatalf("RequestPayout failed: %v", err)
			}
			if err := tc.run(f, request.RequestID); !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
			}
		})
	}
}

func TestDisbursementConsumer(t *testing.T) {
	f := newPayoutFixture(t, 30000)
	ctx := context.Background()
	consumer := NewDisbursementStatusConsumer(f.payouts)

	request, err := f.payouts.RequestPayout(ctx, f.providerID, bankPayload(30000))
	if err != nil {
		t.Fatalf("RequestPayout failed: %v", err)
	}
	if _, err := f.payouts.Approve(ctx, request.RequestID); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := f.payouts.MarkProcessing(ctx, request.RequestID, "gw-txn-evt"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	body, _ := json.Marshal(DisbursementStatusEvent{
		PayoutRequestID:      request.RequestID.String(),
		GatewayTransactionID: "gw-txn-evt",
		Status:               "successful",
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected the completed event to be acknowledged")
	}

	settled, _ := f.payouts.GetPayout(ctx, request.RequestID)
	if settled.Status != domain.PayoutStatusCompleted {
		t.Errorf("expected status COMPLETED after the gateway event, got %s", settled.Status)
	}

	// Redelivery of the same event is harmless.
	if !consumer.HandleMessage(body) {
		t.Error("a redelivered completed event must still be acknowledged")
	}

	// Events for unknown payouts are dropped rather than requeued forever.
	unknown, _ := json.Marshal(DisbursementStatusEvent{
		PayoutRequestID: uuid.NewString(),
		Status:          "failed",
		Reason:          "no such disbursement",
	})
	if !consumer.HandleMessage(unknown) {
		t.Error("expected an unknown payout event to be acknowledged")
	}

	// Malformed payloads are dropped too.
	if !consumer.HandleMessage([]byte("not-json")) {
		t.Error("expected a malformed payload to be acknowledged")
	}
}
