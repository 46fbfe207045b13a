/**
 * @description
 * This file contains the transaction processor, the single mutation path for
 * wallet money movement. Every top-up, debit, refund, hold and settlement
 * flows through Submit, which enforces idempotency, validates available
 * balance, and commits {ledger entry, new wallet balance} as one atomic
 * storage operation with optimistic-concurrency retry.
 *
 * Key properties:
 * - Exactly one ledger entry is created per unique idempotency key; retries
 *   return the original entry unchanged.
 * - Idempotency check and balance mutation are never two independently
 *   committed steps: the reference_id uniqueness constraint is enforced
 *   inside the same database transaction as the balance compare-and-swap.
 * - A lost compare-and-swap retries the whole operation against fresh state,
 *   bounded with backoff, rather than proceeding with stale data.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For entry id generation.
 * - internal/domain, internal/store: For domain models and data access.
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
	"github.com/sewago/wallet-service/internal/metrics"
	"github.com/sewago/wallet-service/internal/store"
)

var (
	ErrInvalidAmount         = errors.New("amount must be a positive integer")
	ErrMissingIdempotencyKey = errors.New("idempotency key is required")
	ErrConcurrencyExhausted  = errors.New("transaction retries exhausted; safe to retry")
)

const (
	defaultCASMaxAttempts = 5
	defaultCASBackoff     = 25 * time.Millisecond
)

// debitTypes are the transaction types that consume available balance and
// therefore require the balance check in Submit. PAYOUT_HOLD is included:
// the reservation must be covered at the moment it is taken.
var debitTypes = map[string]bool{
	domain.TxTypeDebit:        true,
	domain.TxTypeBookingPay:   true,
	domain.TxTypePayoutHold:   true,
	domain.TxTypePayoutSettle: true,
}

// creditTypes grow the wallet balance.
var creditTypes = map[string]bool{
	domain.TxTypeTopUp:         true,
	domain.TxTypeBookingRefund: true,
}

// SubmitParams describes a single money-movement request. Amount is always
// positive; the transaction type determines the sign recorded in the ledger.
type SubmitParams struct {
	UserID               uuid.UUID
	TransactionType      string
	Amount               int64
	IdempotencyKey       string
	Description          string
	PaymentMethod        string
	BookingID            *uuid.UUID
	GatewayTransactionID *string
	Metadata             map[string]interface{}
}

// Processor orchestrates single money-movement operations against the wallet
// and ledger stores.
type Processor struct {
	wallets  store.WalletStore
	ledger   store.LedgerStore
	atomic   store.AtomicStore
	currency string

	maxAttempts int
	backoff     time.Duration
}

// NewProcessor creates a transaction processor. maxAttempts bounds the
// optimistic-concurrency retry loop; backoff is the base delay between
// attempts, doubled each retry.
func NewProcessor(wallets store.WalletStore, ledger store.LedgerStore, atomic store.AtomicStore, currency string, maxAttempts int, backoff time.Duration) *Processor {
	if maxAttempts <= 0 {
		maxAttempts = defaultCASMaxAttempts
	}
	if backoff <= 0 {
		backoff = defaultCASBackoff
	}
	return &Processor{
		wallets:     wallets,
		ledger:      ledger,
		atomic:      atomic,
		currency:    currency,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Submit executes one money-movement operation. On success it returns the
// committed ledger entry; when the idempotency key was already processed it
// returns the original entry with isDuplicate=true and performs no side
// effects.
func (p *Processor) Submit(ctx context.Context, params SubmitParams) (*domain.LedgerEntry, bool, error) {
	if params.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if strings.TrimSpace(params.IdempotencyKey) == "" {
		return nil, false, ErrMissingIdempotencyKey
	}
	if !debitTypes[params.TransactionType] && !creditTypes[params.TransactionType] && params.TransactionType != domain.TxTypePayoutRelease {
		return nil, false, fmt.Errorf("unknown transaction type %q", params.TransactionType)
	}

	// 1. Idempotency: a previously processed key short-circuits before any
	// side effect, so callers may retry freely after network failures.
	if existing, err := p.ledger.FindByReference(ctx, params.IdempotencyKey); err == nil {
		metrics.DuplicateSubmissions.Inc()
		return existing, true, nil
	} else if !errors.Is(err, store.ErrLedgerEntryNotFound) {
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}

	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		entry, err := p.attempt(ctx, params)
		switch {
		case err == nil:
			metrics.TransactionsTotal.WithLabelValues(params.TransactionType).Inc()
			return entry, false, nil
		case errors.Is(err, store.ErrDuplicateReference):
			// A concurrent request with the same key won the race inside the
			// atomic apply. Resolve it into a duplicate response.
			existing, findErr := p.ledger.FindByReference(ctx, params.IdempotencyKey)
			if findErr != nil {
				return nil, false, fmt.Errorf("failed to load duplicate entry for reference %s: %w", params.IdempotencyKey, findErr)
			}
			metrics.DuplicateSubmissions.Inc()
			return existing, true, nil
		case errors.Is(err, store.ErrVersionConflict):
			// Another operation mutated the wallet between our read and the
			// apply. Retry the whole operation against fresh state.
			lastErr = err
			log.Printf("level=warn component=processor msg=\"wallet version conflict; retrying\" user_id=%s type=%s attempt=%d", params.UserID, params.TransactionType, attempt)
			select {
			case <-ctx.Done():
				return nil, false, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		default:
			metrics.TransactionsFailed.Inc()
			return nil, false, err
		}
	}

	metrics.TransactionsFailed.Inc()
	log.Printf("level=error component=processor msg=\"cas retries exhausted\" user_id=%s type=%s attempts=%d err=%v", params.UserID, params.TransactionType, p.maxAttempts, lastErr)
	return nil, false, ErrConcurrencyExhausted
}

// attempt performs one read-validate-apply cycle.
func (p *Processor) attempt(ctx context.Context, params SubmitParams) (*domain.LedgerEntry, error) {
	wallet, err := p.wallets.GetOrCreate(ctx, params.UserID, p.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if wallet.IsLocked {
		return nil, store.ErrWalletLocked
	}

	// 2. Validation and balance computation. Debit-type operations must be
	// covered by the available balance: raw balance, plus unused BNPL credit,
	// minus funds already reserved by pending payout holds. Every entry
	// satisfies balanceAfter = balanceBefore + amount, so hold and release
	// entries carry a zero signed amount (a hold reserves without moving the
	// raw balance; the reservation lives in HoldAmount until settlement).
	signedAmount := int64(0)
	holdAmount := int64(0)
	creditDelta := int64(0)
	newBalance := wallet.Balance
	newUsedCredit := wallet.UsedCredit
	balanceBefore := wallet.Balance

	switch {
	case params.TransactionType == domain.TxTypePayoutHold:
		available, err := p.availableBalance(ctx, wallet)
		if err != nil {
			return nil, err
		}
		if available < params.Amount {
			return nil, store.ErrInsufficientBalance
		}
		holdAmount = params.Amount
	case params.TransactionType == domain.TxTypePayoutSettle:
		// The hold covered the availability check when the reservation was
		// taken, and it is still PENDING while the settlement commits, so
		// the check here runs against the raw balance. Subtracting pending
		// holds would let the reservation block its own settlement.
		if wallet.Balance+wallet.AvailableCredit() < params.Amount {
			return nil, store.ErrInsufficientBalance
		}
		signedAmount, creditDelta = splitDebit(wallet.Balance, params.Amount)
		newBalance = wallet.Balance + signedAmount
		newUsedCredit = wallet.UsedCredit + creditDelta
	case debitTypes[params.TransactionType]:
		available, err := p.availableBalance(ctx, wallet)
		if err != nil {
			return nil, err
		}
		if available < params.Amount {
			return nil, store.ErrInsufficientBalance
		}
		// Cash is consumed first; any remainder draws down BNPL credit.
		signedAmount, creditDelta = splitDebit(wallet.Balance, params.Amount)
		newBalance = wallet.Balance + signedAmount
		newUsedCredit = wallet.UsedCredit + creditDelta
	case creditTypes[params.TransactionType]:
		// Incoming funds repay drawn credit before growing the cash balance.
		repaid := wallet.UsedCredit
		if repaid > params.Amount {
			repaid = params.Amount
		}
		signedAmount = params.Amount - repaid
		creditDelta = -repaid
		newBalance = wallet.Balance + signedAmount
		newUsedCredit = wallet.UsedCredit - repaid
	}

	entry := &domain.LedgerEntry{
		EntryID:              uuid.New(),
		ReferenceID:          params.IdempotencyKey,
		WalletID:             wallet.ID,
		UserID:               wallet.UserID,
		TransactionType:      params.TransactionType,
		Amount:               signedAmount,
		HoldAmount:           holdAmount,
		CreditDelta:          creditDelta,
		Currency:             wallet.Currency,
		DebitAccount:         debitAccountFor(params),
		CreditAccount:        creditAccountFor(params),
		BalanceBefore:        balanceBefore,
		BalanceAfter:         newBalance,
		Status:               entryStatusFor(params.TransactionType),
		Description:          params.Description,
		BookingID:            params.BookingID,
		GatewayTransactionID: params.GatewayTransactionID,
		Metadata:             params.Metadata,
	}

	// 3. Atomic apply: ledger append plus balance compare-and-swap in one
	// storage transaction.
	if err := p.atomic.ApplyTransaction(ctx, entry, wallet.Version, newBalance, newUsedCredit); err != nil {
		return nil, err
	}
	entry.CreatedAt = time.Now().UTC()
	return entry, nil
}

// splitDebit splits a debit amount into the cash-balance delta and the BNPL
// credit drawn. The cash delta is what the ledger records as the entry
// amount, keeping balanceAfter = balanceBefore + amount exact.
func splitDebit(balance, amount int64) (cashDelta, creditDrawn int64) {
	if balance >= amount {
		return -amount, 0
	}
	if balance < 0 {
		balance = 0
	}
	return -balance, amount - balance
}

// availableBalance computes what a debit may draw on: raw balance, plus
// unused BNPL credit, minus pending payout reservations.
func (p *Processor) availableBalance(ctx context.Context, wallet *domain.Wallet) (int64, error) {
	held, err := p.ledger.SumPendingHolds(ctx, wallet.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending holds: %w", err)
	}
	return wallet.Balance + wallet.AvailableCredit() - held, nil
}

// AvailableBalance exposes the reservation-aware balance for API responses.
func (p *Processor) AvailableBalance(ctx context.Context, wallet *domain.Wallet) (int64, error) {
	return p.availableBalance(ctx, wallet)
}

func entryStatusFor(transactionType string) string {
	if transactionType == domain.TxTypePayoutHold {
		return domain.EntryStatusPending
	}
	return domain.EntryStatusCompleted
}

// debitAccountFor and creditAccountFor assign the double-entry labels. Money
// flowing into the wallet debits WALLET_CASH; money flowing out credits it.
func debitAccountFor(params SubmitParams) string {
	switch params.TransactionType {
	case domain.TxTypeTopUp:
		return domain.AccountWalletCash
	case domain.TxTypeBookingRefund:
		return domain.AccountWalletCash
	case domain.TxTypeDebit, domain.TxTypeBookingPay:
		return domain.AccountBookingEscrow
	case domain.TxTypePayoutHold, domain.TxTypePayoutSettle, domain.TxTypePayoutRelease:
		return domain.AccountPayoutClearing
	}
	return domain.AccountWalletCash
}

func creditAccountFor(params SubmitParams) string {
	switch params.TransactionType {
	case domain.TxTypeTopUp:
		return domain.GatewayAccount(params.PaymentMethod)
	case domain.TxTypeBookingRefund:
		return domain.AccountBookingEscrow
	case domain.TxTypeDebit, domain.TxTypeBookingPay:
		return domain.AccountWalletCash
	case domain.TxTypePayoutHold, domain.TxTypePayoutSettle, domain.TxTypePayoutRelease:
		return domain.AccountWalletCash
	}
	return domain.AccountWalletCash
}
