/**
 * @description
 * This file contains the wallet service facade used by the API layer. It
 * coordinates gateway verification for top-ups, booking-status checks for
 * refunds, and wallet configuration changes, delegating every balance
 * mutation to the transaction processor.
 *
 * Key features:
 * - Top-ups are verified against the payment gateway server-side; the caller's
 *   claimed amount is never trusted.
 * - Refunds are gated on the booking still being in a pre-completion status.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/bookingclient, pkg/gatewayclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/domain"
	"github.com/sewago/wallet-service/internal/store"
	"github.com/sewago/wallet-service/pkg/bookingclient"
	"github.com/sewago/wallet-service/pkg/gatewayclient"
	"github.com/sewago/wallet-service/pkg/rabbitmq"
)

var (
	ErrGatewayVerificationFailed = errors.New("payment gateway could not verify the transaction")
	ErrGatewayAmountMismatch     = errors.New("gateway amount does not match the requested top-up")
	ErrBookingNotRefundable      = errors.New("booking status does not allow a refund")
	ErrBookingNotOwned           = errors.New("booking does not belong to this user")
	ErrInvalidBNPLConfig         = errors.New("invalid bnpl configuration")
	ErrInvalidAutoRecharge       = errors.New("invalid auto-recharge configuration")
)

const gatewayVerifyTimeout = 10 * time.Second

// GatewayVerifier is the slice of the payment gateway the top-up flow needs.
// *gatewayclient.Client satisfies it.
type GatewayVerifier interface {
	VerifyTransaction(ctx context.Context, transactionID, paymentMethod string) (*gatewayclient.Verification, error)
}

// BookingDirectory is the slice of the booking-service the refund flow needs.
// *bookingclient.Client satisfies it.
type BookingDirectory interface {
	GetBooking(ctx context.Context, bookingID string) (*bookingclient.Booking, error)
}

// Service provides the core business logic for wallet operations.
type Service struct {
	repo      store.Repository
	processor *Processor
	gateway   GatewayVerifier
	bookings  BookingDirectory
	producer  rabbitmq.Publisher
	currency  string
}

// NewService creates a new wallet service instance.
func NewService(repo store.Repository, processor *Processor, gateway GatewayVerifier, bookings BookingDirectory, producer rabbitmq.Publisher, currency string) *Service {
	return &Service{
		repo:      repo,
		processor: processor,
		gateway:   gateway,
		bookings:  bookings,
		producer:  producer,
		currency:  currency,
	}
}

// WalletView is a wallet plus its reservation-aware available balance.
type WalletView struct {
	Wallet           *domain.Wallet `json:"wallet"`
	AvailableBalance int64          `json:"available_balance"`
}

// GetWallet returns the user's wallet, creating it on first access.
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*WalletView, error) {
	wallet, err := s.repo.GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	available, err := s.processor.AvailableBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return &WalletView{Wallet: wallet, AvailableBalance: available}, nil
}

// TopUp credits a wallet after verifying the gateway transaction. The
// verification call is bounded so a slow gateway cannot hold the request
// open indefinitely.
func (s *Service) TopUp(ctx context.Context, userID uuid.UUID, req domain.TopUpRequest) (*domain.TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(req.PaymentMethod) == "" || strings.TrimSpace(req.GatewayTransactionID) == "" {
		return nil, fmt.Errorf("payment method and gateway transaction id are required")
	}

	// 1. Verify the payment with the gateway before touching the wallet.
	verifyCtx, cancel := context.WithTimeout(ctx, gatewayVerifyTimeout)
	defer cancel()
	verification, err := s.gateway.VerifyTransaction(verifyCtx, req.GatewayTransactionID, req.PaymentMethod)
	if err != nil {
		return nil, fmt.Errorf("gateway verification failed: %w", err)
	}
	if !verification.Verified {
		return nil, ErrGatewayVerificationFailed
	}
	if verification.Amount != req.Amount {
		log.Printf("level=warn component=service msg=\"top-up amount mismatch\" user_id=%s requested=%d verified=%d", userID, req.Amount, verification.Amount)
		return nil, ErrGatewayAmountMismatch
	}

	// 2. Commit the credit through the transaction processor.
	gatewayTxID := req.GatewayTransactionID
	entry, isDuplicate, err := s.processor.Submit(ctx, SubmitParams{
		UserID:               userID,
		TransactionType:      domain.TxTypeTopUp,
		Amount:               req.Amount,
		IdempotencyKey:       req.IdempotencyKey,
		Description:          fmt.Sprintf("Wallet top-up via %s", req.PaymentMethod),
		PaymentMethod:        req.PaymentMethod,
		GatewayTransactionID: &gatewayTxID,
	})
	if err != nil {
		return nil, err
	}

	// 3. Events fire only for the request that actually moved money.
	if !isDuplicate && s.producer != nil {
		publishErr := s.producer.Publish(ctx, rabbitmq.WalletEventsExchange, rabbitmq.RoutingKeyTopUpCompleted, rabbitmq.TopUpCompletedEvent{
			UserID:        userID,
			WalletID:      entry.WalletID,
			Amount:        entry.Amount,
			PaymentMethod: req.PaymentMethod,
			NewBalance:    entry.BalanceAfter,
			Timestamp:     time.Now().UTC(),
		})
		if publishErr != nil {
			log.Printf("level=warn component=service msg=\"failed to publish top-up event\" user_id=%s entry_id=%s err=%v", userID, entry.EntryID, publishErr)
		}
		s.publishLedgerAppended(ctx, entry)
	}

	return &domain.TransactionResult{NewBalance: entry.BalanceAfter, Transaction: entry, IsDuplicate: isDuplicate}, nil
}

// Use debits a wallet for a service payment. The idempotency key is mandatory;
// the processor rejects a missing one before any side effect.
func (s *Service) Use(ctx context.Context, userID uuid.UUID, req domain.DebitRequest) (*domain.TransactionResult, error) {
	transactionType := domain.TxTypeDebit
	if req.BookingID != nil {
		transactionType = domain.TxTypeBookingPay
	}

	entry, isDuplicate, err := s.processor.Submit(ctx, SubmitParams{
		UserID:          userID,
		TransactionType: transactionType,
		Amount:          req.Amount,
		IdempotencyKey:  req.IdempotencyKey,
		Description:     req.Description,
		BookingID:       req.BookingID,
	})
	if err != nil {
		return nil, err
	}
	if !isDuplicate {
		s.publishLedgerAppended(ctx, entry)
	}
	return &domain.TransactionResult{NewBalance: entry.BalanceAfter, Transaction: entry, IsDuplicate: isDuplicate}, nil
}

// Refund credits a booking payment back to the wallet, but only while the
// booking has not progressed past the point of no return.
func (s *Service) Refund(ctx context.Context, userID uuid.UUID, req domain.RefundRequest) (*domain.TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// 1. The booking-service is the source of truth for refund eligibility.
	booking, err := s.bookings.GetBooking(ctx, req.BookingID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}

	// 2. A refund can only go back to the wallet that paid for the booking.
	if booking.UserID != userID.String() {
		return nil, ErrBookingNotOwned
	}
	if !booking.Refundable() {
		return nil, ErrBookingNotRefundable
	}

	description := req.Reason
	if description == "" {
		description = "Booking refund"
	}
	bookingID := req.BookingID
	entry, isDuplicate, err := s.processor.Submit(ctx, SubmitParams{
		UserID:          userID,
		TransactionType: domain.TxTypeBookingRefund,
		Amount:          req.Amount,
		IdempotencyKey:  req.IdempotencyKey,
		Description:     description,
		BookingID:       &bookingID,
	})
	if err != nil {
		return nil, err
	}
	if !isDuplicate {
		s.publishLedgerAppended(ctx, entry)
	}
	return &domain.TransactionResult{NewBalance: entry.BalanceAfter, Transaction: entry, IsDuplicate: isDuplicate}, nil
}

// SetBNPL enables or disables buy-now-pay-later for a wallet. Disabling is
// refused while credit is still drawn.
func (s *Service) SetBNPL(ctx context.Context, userID uuid.UUID, enabled bool, creditLimit int64) (*domain.Wallet, error) {
	if enabled && creditLimit <= 0 {
		return nil, ErrInvalidBNPLConfig
	}
	return s.updateWalletConfig(ctx, userID, func(wallet *domain.Wallet) error {
		if !enabled && wallet.UsedCredit > 0 {
			return fmt.Errorf("%w: cannot disable bnpl with %d paisa of credit outstanding", ErrInvalidBNPLConfig, wallet.UsedCredit)
		}
		if enabled && creditLimit < wallet.UsedCredit {
			return fmt.Errorf("%w: credit limit below outstanding credit", ErrInvalidBNPLConfig)
		}
		return s.repo.SetBNPLConfig(ctx, wallet.ID, wallet.Version, enabled, creditLimit)
	})
}

// SetAutoRecharge stores the wallet's automatic top-up configuration.
func (s *Service) SetAutoRecharge(ctx context.Context, userID uuid.UUID, cfg domain.AutoRechargeConfig) (*domain.Wallet, error) {
	if cfg.Enabled {
		if cfg.Threshold <= 0 || cfg.TopUpAmount <= 0 || strings.TrimSpace(cfg.PaymentMethod) == "" {
			return nil, ErrInvalidAutoRecharge
		}
	}
	return s.updateWalletConfig(ctx, userID, func(wallet *domain.Wallet) error {
		return s.repo.SetAutoRecharge(ctx, wallet.ID, wallet.Version, cfg)
	})
}

// updateWalletConfig applies a version-guarded configuration write, retrying
// against fresh state when a concurrent balance update wins the version race.
func (s *Service) updateWalletConfig(ctx context.Context, userID uuid.UUID, apply func(*domain.Wallet) error) (*domain.Wallet, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		wallet, err := s.repo.GetOrCreate(ctx, userID, s.currency)
		if err != nil {
			return nil, fmt.Errorf("failed to load wallet: %w", err)
		}
		err = apply(wallet)
		if err == nil {
			return s.repo.FindByID(ctx, wallet.ID)
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		log.Printf("level=warn component=service msg=\"wallet config version conflict; retrying\" user_id=%s attempt=%d", userID, attempt)
	}
	return nil, ErrConcurrencyExhausted
}

func (s *Service) publishLedgerAppended(ctx context.Context, entry *domain.LedgerEntry) {
	if s.producer == nil {
		return
	}
	err := s.producer.Publish(ctx, rabbitmq.WalletEventsExchange, rabbitmq.RoutingKeyLedgerAppended, rabbitmq.LedgerAppendedEvent{
		EntryID:         entry.EntryID,
		WalletID:        entry.WalletID,
		UserID:          entry.UserID,
		TransactionType: entry.TransactionType,
		Amount:          entry.Amount,
		BalanceAfter:    entry.BalanceAfter,
		Timestamp:       time.Now().UTC(),
	})
	if err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish ledger event\" entry_id=%s err=%v", entry.EntryID, err)
	}
}
