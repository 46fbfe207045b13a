/**
 * @description
 * This file defines the core domain models for the wallet-service: the Wallet
 * aggregate, the append-only WalletLedger entry, and the supporting DTOs used
 * by the business logic, database, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (paisa), which
 *   avoids floating-point inaccuracies with financial data.
 * - LedgerEntry is immutable once written; the only permitted in-place change
 *   is the PENDING -> COMPLETED/REVERSED status transition for hold entries.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transaction types recorded in the ledger.
const (
	TxTypeTopUp         = "TOPUP"
	TxTypeBookingPay    = "BOOKING_PAYMENT"
	TxTypeBookingRefund = "BOOKING_REFUND"
	TxTypeDebit         = "DEBIT"
	TxTypePayoutHold    = "PAYOUT_HOLD"
	TxTypePayoutSettle  = "PAYOUT_SETTLE"
	TxTypePayoutRelease = "PAYOUT_RELEASE"
)

// Ledger entry statuses.
const (
	EntryStatusPending    = "PENDING"
	EntryStatusCompleted  = "COMPLETED"
	EntryStatusReconciled = "RECONCILED"
	EntryStatusReversed   = "REVERSED"
)

// Double-entry account labels. The wallet cash account is always one side;
// the other side names where the funds came from or went to.
const (
	AccountWalletCash     = "WALLET_CASH"
	AccountBookingEscrow  = "BOOKING_ESCROW"
	AccountPayoutClearing = "PAYOUT_CLEARING"
	AccountBNPLCredit     = "BNPL_CREDIT"
)

// GatewayAccount returns the double-entry label for an external payment
// gateway, e.g. "GATEWAY_KHALTI" for method "khalti".
func GatewayAccount(paymentMethod string) string {
	return "GATEWAY_" + strings.ToUpper(strings.TrimSpace(paymentMethod))
}

// AutoRechargeConfig holds a wallet's automatic top-up settings. It is pure
// configuration; the auto-recharge sweep reads it and funds the wallet through
// the normal transaction path.
type AutoRechargeConfig struct {
	Enabled       bool   `json:"enabled"`
	Threshold     int64  `json:"threshold"`       // trigger when balance drops below, in paisa
	TopUpAmount   int64  `json:"top_up_amount"`   // in paisa
	PaymentMethod string `json:"payment_method"`
}

// Wallet is the per-user balance aggregate. It is created lazily on first
// access and mutated exclusively through the transaction processor. Version
// is the optimistic-concurrency token: every balance or config write must
// compare-and-swap against it.
type Wallet struct {
	ID             uuid.UUID          `json:"id"`
	UserID         uuid.UUID          `json:"user_id"`
	Balance        int64              `json:"balance"` // in paisa
	Currency       string             `json:"currency"`
	BNPLEnabled    bool               `json:"bnpl_enabled"`
	CreditLimit    int64              `json:"credit_limit"`
	UsedCredit     int64              `json:"used_credit"`
	AutoRecharge   AutoRechargeConfig `json:"auto_recharge"`
	IsLocked       bool               `json:"is_locked"`
	LockReason     *string            `json:"lock_reason,omitempty"`
	Version        int64              `json:"-"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// AvailableCredit returns the unused BNPL credit, zero when BNPL is disabled.
func (w *Wallet) AvailableCredit() int64 {
	if !w.BNPLEnabled {
		return 0
	}
	credit := w.CreditLimit - w.UsedCredit
	if credit < 0 {
		return 0
	}
	return credit
}

// LedgerEntry is one immutable money-movement record. ReferenceID is the
// caller-supplied idempotency key and is globally unique across the store;
// the database uniqueness constraint on it is the synchronization primitive
// for duplicate suppression.
type LedgerEntry struct {
	EntryID              uuid.UUID              `json:"entry_id"`
	ReferenceID          string                 `json:"reference_id"`
	WalletID             uuid.UUID              `json:"wallet_id"`
	UserID               uuid.UUID              `json:"user_id"`
	TransactionType      string                 `json:"transaction_type"`
	Amount               int64                  `json:"amount"` // signed cash delta, in paisa
	HoldAmount           int64                  `json:"hold_amount,omitempty"`  // reservation carried by PAYOUT_HOLD entries
	CreditDelta          int64                  `json:"credit_delta,omitempty"` // BNPL credit drawn (+) or repaid (-)
	Currency             string                 `json:"currency"`
	DebitAccount         string                 `json:"debit_account"`
	CreditAccount        string                 `json:"credit_account"`
	BalanceBefore        int64                  `json:"balance_before"`
	BalanceAfter         int64                  `json:"balance_after"`
	Status               string                 `json:"status"`
	Description          string                 `json:"description"`
	BookingID            *uuid.UUID             `json:"booking_id,omitempty"`
	GatewayTransactionID *string                `json:"gateway_transaction_id,omitempty"`
	Metadata             map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
}

// LedgerFilter narrows ledger queries for history and export.
type LedgerFilter struct {
	TransactionType string
	Status          string
	From            *time.Time
	To              *time.Time
}

// Page controls pagination for ledger and payout listings.
type Page struct {
	Limit  int
	Offset int
}

// Payout request statuses. REQUESTED, APPROVED and PROCESSING requests always
// carry exactly one PENDING PAYOUT_HOLD ledger entry; terminal states resolve
// it to COMPLETED or REVERSED.
const (
	PayoutStatusRequested  = "REQUESTED"
	PayoutStatusApproved   = "APPROVED"
	PayoutStatusRejected   = "REJECTED"
	PayoutStatusProcessing = "PROCESSING"
	PayoutStatusCompleted  = "COMPLETED"
	PayoutStatusFailed     = "FAILED"
)

// BankDetails identifies a provider's bank account for disbursement.
type BankDetails struct {
	BankName          string `json:"bank_name"`
	AccountNumber     string `json:"account_number"`
	AccountHolderName string `json:"account_holder_name"`
	BranchCode        string `json:"branch_code,omitempty"`
}

// DigitalWalletDetails identifies an eSewa/Khalti account for disbursement.
type DigitalWalletDetails struct {
	WalletType string `json:"wallet_type"`
	WalletID   string `json:"wallet_id"`
}

// PayoutRequest is one provider withdrawal attempt, driven through the
// REQUESTED -> APPROVED -> PROCESSING -> {COMPLETED, FAILED} state machine
// (or REQUESTED -> REJECTED).
type PayoutRequest struct {
	RequestID            uuid.UUID             `json:"request_id"`
	ProviderID           uuid.UUID             `json:"provider_id"`
	Amount               int64                 `json:"amount"` // in paisa
	Currency             string                `json:"currency"`
	PaymentMethod        string                `json:"payment_method"`
	BankDetails          *BankDetails          `json:"bank_details,omitempty"`
	DigitalWalletDetails *DigitalWalletDetails `json:"digital_wallet_details,omitempty"`
	Status               string                `json:"status"`
	HoldEntryID          uuid.UUID             `json:"hold_entry_id"`
	GatewayTransactionID *string               `json:"gateway_transaction_id,omitempty"`
	StatusReason         *string               `json:"status_reason,omitempty"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
}

// Terminal reports whether the payout request can no longer transition.
func (p *PayoutRequest) Terminal() bool {
	switch p.Status {
	case PayoutStatusCompleted, PayoutStatusRejected, PayoutStatusFailed:
		return true
	}
	return false
}

// TopUpRequest is the DTO for wallet top-up API requests.
type TopUpRequest struct {
	Amount               int64  `json:"amount"` // in paisa
	PaymentMethod        string `json:"payment_method"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
	IdempotencyKey       string `json:"idempotency_key"`
}

// RefundRequest is the DTO for booking refund API requests.
type RefundRequest struct {
	Amount         int64     `json:"amount"`
	BookingID      uuid.UUID `json:"booking_id"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// DebitRequest is the DTO for wallet payment (debit) API requests. The
// idempotency key is mandatory for every money-moving operation.
type DebitRequest struct {
	Amount         int64      `json:"amount"`
	BookingID      *uuid.UUID `json:"booking_id,omitempty"`
	Description    string     `json:"description"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// PayoutRequestPayload is the DTO for provider payout API requests.
type PayoutRequestPayload struct {
	Amount               int64                 `json:"amount"`
	PaymentMethod        string                `json:"payment_method"`
	BankDetails          *BankDetails          `json:"bank_details,omitempty"`
	DigitalWalletDetails *DigitalWalletDetails `json:"digital_wallet_details,omitempty"`
}

// TransactionResult is returned by every money-moving operation. IsDuplicate
// reports that the idempotency key had already been processed and the entry is
// the original one, unchanged.
type TransactionResult struct {
	NewBalance  int64        `json:"new_balance"`
	Transaction *LedgerEntry `json:"transaction"`
	IsDuplicate bool         `json:"is_duplicate"`
}

// WalletStatistics summarizes a wallet's completed ledger activity.
type WalletStatistics struct {
	TotalIn    int64 `json:"total_in"`
	TotalOut   int64 `json:"total_out"`
	EntryCount int64 `json:"entry_count"`
}
