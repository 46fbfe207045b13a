/**
 * @description
 * This file defines the storage contracts for the wallet-service. The stores
 * are split along the subsystem boundaries: WalletStore owns the mutable
 * balance document, LedgerStore owns the append-only transaction records, and
 * PayoutStore owns payout request state. A single Postgres implementation
 * backs all three, which is what makes the atomic apply step possible.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/domain"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletLocked        = errors.New("wallet is locked")
	ErrDuplicateReference  = errors.New("duplicate reference id")
	ErrVersionConflict     = errors.New("wallet version conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")
	ErrEntryNotPending     = errors.New("ledger entry is not pending")
	ErrPayoutNotFound      = errors.New("payout request not found")
	ErrPayoutStatusStale   = errors.New("payout request status changed concurrently")
)

// WalletStore holds each account's current balance and credit configuration.
// All balance mutations go through ApplyTransaction on the combined store;
// CompareAndUpdateBalance exists for callers that only need the CAS primitive.
type WalletStore interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error)
	FindByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error)
	FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error)

	// CompareAndUpdateBalance is the balance mutation primitive. It returns
	// ErrVersionConflict when another operation mutated the wallet since
	// expectedVersion was read; it never partially applies.
	CompareAndUpdateBalance(ctx context.Context, walletID uuid.UUID, expectedVersion int64, newBalance, newUsedCredit int64) error

	// Configuration writes. Not part of the money-movement hot path, but they
	// still CAS against the wallet version so they cannot clobber a
	// concurrent balance update.
	SetBNPLConfig(ctx context.Context, walletID uuid.UUID, expectedVersion int64, enabled bool, creditLimit int64) error
	SetAutoRecharge(ctx context.Context, walletID uuid.UUID, expectedVersion int64, cfg domain.AutoRechargeConfig) error

	// ListBelowAutoRechargeThreshold returns wallets whose auto-recharge is
	// enabled and whose balance is below their configured threshold.
	ListBelowAutoRechargeThreshold(ctx context.Context, limit int) ([]domain.Wallet, error)

	// ListWalletIDs pages over all wallets in creation order, returning ids
	// and their created_at cursors. The reconciliation sweep walks the whole
	// table with it.
	ListWalletIDs(ctx context.Context, afterCreated time.Time, limit int) ([]uuid.UUID, []time.Time, error)
}

// LedgerStore is the append-only source of truth for all money movement.
type LedgerStore interface {
	// Append writes a new ledger entry. It fails with ErrDuplicateReference
	// when the reference id already exists; this failure is the mechanism the
	// transaction processor uses to detect races, not merely a courtesy check.
	Append(ctx context.Context, entry *domain.LedgerEntry) error

	FindByReference(ctx context.Context, referenceID string) (*domain.LedgerEntry, error)
	FindByEntryID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error)

	// QueryByWallet returns entries for a wallet ordered by created_at
	// descending, restartable via limit/offset pagination.
	QueryByWallet(ctx context.Context, walletID uuid.UUID, filter domain.LedgerFilter, page domain.Page) ([]domain.LedgerEntry, error)
	CountByWallet(ctx context.Context, walletID uuid.UUID, filter domain.LedgerFilter) (int64, error)

	// SumCompletedAmount returns the signed sum over COMPLETED entries for a
	// wallet. Reconciliation verifies wallet.balance against it.
	SumCompletedAmount(ctx context.Context, walletID uuid.UUID) (int64, error)

	// SumPendingHolds returns the total amount reserved by PENDING
	// PAYOUT_HOLD entries for a wallet. Reservations reduce available
	// balance without touching the raw balance field.
	SumPendingHolds(ctx context.Context, walletID uuid.UUID) (int64, error)

	// ResolveHold transitions a PENDING hold entry to COMPLETED or REVERSED.
	// This is the only in-place ledger update the subsystem permits.
	ResolveHold(ctx context.Context, entryID uuid.UUID, status string) error

	WalletStatistics(ctx context.Context, walletID uuid.UUID) (*domain.WalletStatistics, error)
}

// PayoutStore persists payout requests and their status transitions.
type PayoutStore interface {
	CreatePayoutRequest(ctx context.Context, req *domain.PayoutRequest) error
	FindPayoutRequest(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error)

	// TransitionPayoutStatus moves a request from one status to another,
	// guarded in SQL so a concurrent transition loses with
	// ErrPayoutStatusStale instead of silently overwriting.
	TransitionPayoutStatus(ctx context.Context, requestID uuid.UUID, fromStatus, toStatus string, reason *string) (*domain.PayoutRequest, error)

	SetPayoutGatewayTransaction(ctx context.Context, requestID uuid.UUID, gatewayTransactionID string) error
	ListPayoutRequests(ctx context.Context, providerID uuid.UUID, status string, page domain.Page) ([]domain.PayoutRequest, error)
	SumActivePayoutAmount(ctx context.Context, providerID uuid.UUID) (int64, error)
}

// AtomicStore is the single atomic storage operation the transaction
// processor relies on: one database transaction that both appends the ledger
// entry (letting the reference_id uniqueness constraint reject a concurrent
// duplicate) and compare-and-swaps the wallet balance. Either both commit or
// neither does; no intermediate state is observable.
type AtomicStore interface {
	ApplyTransaction(ctx context.Context, entry *domain.LedgerEntry, expectedVersion int64, newBalance, newUsedCredit int64) error
}

// Repository is the full storage surface implemented by PostgresStore.
type Repository interface {
	WalletStore
	LedgerStore
	PayoutStore
	AtomicStore
}
