/**
 * @description
 * This file provides the PostgreSQL implementation of the wallet and ledger
 * storage contracts. It contains all the SQL for the wallets and wallet_ledger
 * tables, including the single atomic apply operation that the transaction
 * processor depends on for correctness.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sewago/wallet-service/internal/domain"
)

// PostgresStore is the concrete implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new instance of PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const walletColumns = `
	id, user_id, balance, currency, bnpl_enabled, credit_limit, used_credit,
	auto_recharge_enabled, auto_recharge_threshold, auto_recharge_amount, auto_recharge_payment_method,
	is_locked, lock_reason, version, last_activity_at, created_at, updated_at
`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(
		&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.BNPLEnabled, &w.CreditLimit, &w.UsedCredit,
		&w.AutoRecharge.Enabled, &w.AutoRecharge.Threshold, &w.AutoRecharge.TopUpAmount, &w.AutoRecharge.PaymentMethod,
		&w.IsLocked, &w.LockReason, &w.Version, &w.LastActivityAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

// GetOrCreate returns the user's wallet, creating it with a zero balance on
// first access. The insert races safely: a concurrent creator wins via the
// user_id uniqueness constraint and we re-read.
func (s *PostgresStore) GetOrCreate(ctx context.Context, userID uuid.UUID, currency string) (*domain.Wallet, error) {
	wallet, err := s.FindByUserID(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	query := `
		INSERT INTO wallets (id, user_id, balance, currency, version, last_activity_at)
		VALUES ($1, $2, 0, $3, 1, NOW())
	`
	if _, err := s.db.Exec(ctx, query, uuid.New(), userID, currency); err != nil {
		if isUniqueViolation(err) {
			return s.FindByUserID(ctx, userID)
		}
		return nil, err
	}
	return s.FindByUserID(ctx, userID)
}

// FindByID retrieves a wallet by its id.
func (s *PostgresStore) FindByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	return scanWallet(s.db.QueryRow(ctx, query, walletID))
}

// FindByUserID retrieves a wallet by its owning user.
func (s *PostgresStore) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE user_id = $1`
	return scanWallet(s.db.QueryRow(ctx, query, userID))
}

// CompareAndUpdateBalance updates balance and used credit only when the
// wallet version still matches. Zero rows affected means a concurrent writer
// got there first.
func (s *PostgresStore) CompareAndUpdateBalance(ctx context.Context, walletID uuid.UUID, expectedVersion int64, newBalance, newUsedCredit int64) error {
	query := `
		UPDATE wallets
		SET balance = $1, used_credit = $2, version = version + 1, last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND version = $4
	`
	result, err := s.db.Exec(ctx, query, newBalance, newUsedCredit, walletID, expectedVersion)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return s.classifyCASFailure(ctx, walletID)
	}
	return nil
}

// classifyCASFailure distinguishes a missing wallet from a stale version.
func (s *PostgresStore) classifyCASFailure(ctx context.Context, walletID uuid.UUID) error {
	var exists bool
	if err := s.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)", walletID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrWalletNotFound
	}
	return ErrVersionConflict
}

// SetBNPLConfig writes the buy-now-pay-later configuration. Disabling BNPL
// clears the limit and used credit, matching wallet provisioning rules.
func (s *PostgresStore) SetBNPLConfig(ctx context.Context, walletID uuid.UUID, expectedVersion int64, enabled bool, creditLimit int64) error {
	query := `
		UPDATE wallets
		SET bnpl_enabled = $1,
		    credit_limit = CASE WHEN $1 THEN $2 ELSE 0 END,
		    used_credit = CASE WHEN $1 THEN used_credit ELSE 0 END,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $3 AND version = $4
	`
	result, err := s.db.Exec(ctx, query, enabled, creditLimit, walletID, expectedVersion)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return s.classifyCASFailure(ctx, walletID)
	}
	return nil
}

// SetAutoRecharge writes the auto-recharge configuration.
func (s *PostgresStore) SetAutoRecharge(ctx context.Context, walletID uuid.UUID, expectedVersion int64, cfg domain.AutoRechargeConfig) error {
	query := `
		UPDATE wallets
		SET auto_recharge_enabled = $1,
		    auto_recharge_threshold = $2,
		    auto_recharge_amount = $3,
		    auto_recharge_payment_method = $4,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $5 AND version = $6
	`
	result, err := s.db.Exec(ctx, query, cfg.Enabled, cfg.Threshold, cfg.TopUpAmount, cfg.PaymentMethod, walletID, expectedVersion)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return s.classifyCASFailure(ctx, walletID)
	}
	return nil
}

// ListBelowAutoRechargeThreshold returns candidate wallets for the
// auto-recharge sweep, oldest activity first so a stuck wallet cannot starve
// the rest of the batch.
func (s *PostgresStore) ListBelowAutoRechargeThreshold(ctx context.Context, limit int) ([]domain.Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + walletColumns + `
		FROM wallets
		WHERE auto_recharge_enabled = TRUE
		  AND is_locked = FALSE
		  AND balance < auto_recharge_threshold
		ORDER BY last_activity_at ASC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

const ledgerColumns = `
	entry_id, reference_id, wallet_id, user_id, transaction_type, amount, hold_amount, credit_delta, currency,
	debit_account, credit_account, balance_before, balance_after, status, description,
	booking_id, gateway_transaction_id, metadata, created_at
`

func scanLedgerEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var metadata []byte
	err := row.Scan(
		&e.EntryID, &e.ReferenceID, &e.WalletID, &e.UserID, &e.TransactionType, &e.Amount, &e.HoldAmount, &e.CreditDelta, &e.Currency,
		&e.DebitAccount, &e.CreditAccount, &e.BalanceBefore, &e.BalanceAfter, &e.Status, &e.Description,
		&e.BookingID, &e.GatewayTransactionID, &metadata, &e.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLedgerEntryNotFound
		}
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry metadata: %w", err)
		}
	}
	return &e, nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, entry *domain.LedgerEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry metadata: %w", err)
	}
	query := `
		INSERT INTO wallet_ledger (
			entry_id, reference_id, wallet_id, user_id, transaction_type, amount, hold_amount, credit_delta, currency,
			debit_account, credit_account, balance_before, balance_after, status, description,
			booking_id, gateway_transaction_id, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = tx.Exec(ctx, query,
		entry.EntryID,
		entry.ReferenceID,
		entry.WalletID,
		entry.UserID,
		entry.TransactionType,
		entry.Amount,
		entry.HoldAmount,
		entry.CreditDelta,
		entry.Currency,
		entry.DebitAccount,
		entry.CreditAccount,
		entry.BalanceBefore,
		entry.BalanceAfter,
		entry.Status,
		entry.Description,
		entry.BookingID,
		entry.GatewayTransactionID,
		metadata,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateReference
	}
	return err
}

// Append writes a single ledger entry outside of a wallet mutation. Hold
// resolutions and reservation entries use this path; balance-affecting
// entries go through ApplyTransaction instead.
func (s *PostgresStore) Append(ctx context.Context, entry *domain.LedgerEntry) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ApplyTransaction commits the ledger append and the wallet balance CAS as
// one database transaction. A duplicate reference id surfaces as
// ErrDuplicateReference; a stale wallet version surfaces as
// ErrVersionConflict. In both cases nothing is persisted.
func (s *PostgresStore) ApplyTransaction(ctx context.Context, entry *domain.LedgerEntry, expectedVersion int64, newBalance, newUsedCredit int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertLedgerEntry(ctx, tx, entry); err != nil {
		return err
	}

	result, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance = $1, used_credit = $2, version = version + 1, last_activity_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND version = $4
	`, newBalance, newUsedCredit, entry.WalletID, expectedVersion)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	return tx.Commit(ctx)
}

// FindByReference retrieves a ledger entry by its idempotency key.
func (s *PostgresStore) FindByReference(ctx context.Context, referenceID string) (*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM wallet_ledger WHERE reference_id = $1`
	return scanLedgerEntry(s.db.QueryRow(ctx, query, referenceID))
}

// FindByEntryID retrieves a ledger entry by its entry id.
func (s *PostgresStore) FindByEntryID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM wallet_ledger WHERE entry_id = $1`
	return scanLedgerEntry(s.db.QueryRow(ctx, query, entryID))
}

// buildLedgerFilter renders the optional filter clauses shared by the query
// and count paths. Argument numbering continues from the provided offset.
func buildLedgerFilter(filter domain.LedgerFilter, argOffset int) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	arg := argOffset

	if filter.TransactionType != "" {
		arg++
		clauses = append(clauses, fmt.Sprintf("transaction_type = $%d", arg))
		args = append(args, filter.TransactionType)
	}
	if filter.Status != "" {
		arg++
		clauses = append(clauses, fmt.Sprintf("status = $%d", arg))
		args = append(args, filter.Status)
	}
	if filter.From != nil {
		arg++
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", arg))
		args = append(args, *filter.From)
	}
	if filter.To != nil {
		arg++
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", arg))
		args = append(args, *filter.To)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// QueryByWallet retrieves ledger entries for a wallet, newest first.
func (s *PostgresStore) QueryByWallet(ctx context.Context, walletID uuid.UUID, filter domain.LedgerFilter, page domain.Page) ([]domain.LedgerEntry, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}

	filterSQL, filterArgs := buildLedgerFilter(filter, 1)
	query := `SELECT ` + ledgerColumns + ` FROM wallet_ledger WHERE wallet_id = $1` + filterSQL +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	args := append([]interface{}{walletID}, filterArgs...)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// CountByWallet returns the number of entries matching the filter.
func (s *PostgresStore) CountByWallet(ctx context.Context, walletID uuid.UUID, filter domain.LedgerFilter) (int64, error) {
	filterSQL, filterArgs := buildLedgerFilter(filter, 1)
	query := `SELECT COUNT(*) FROM wallet_ledger WHERE wallet_id = $1` + filterSQL

	args := append([]interface{}{walletID}, filterArgs...)
	var count int64
	if err := s.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SumCompletedAmount returns the signed amount sum over COMPLETED entries.
func (s *PostgresStore) SumCompletedAmount(ctx context.Context, walletID uuid.UUID) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_ledger
		WHERE wallet_id = $1 AND status = 'COMPLETED'
	`
	var sum int64
	if err := s.db.QueryRow(ctx, query, walletID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// SumPendingHolds returns the total reserved by PENDING payout holds. Hold
// entries keep amount at zero and record the reservation in hold_amount, so
// the positive sum of that column is the wallet's reserved total.
func (s *PostgresStore) SumPendingHolds(ctx context.Context, walletID uuid.UUID) (int64, error) {
	query := `
		SELECT COALESCE(SUM(hold_amount), 0)
		FROM wallet_ledger
		WHERE wallet_id = $1 AND transaction_type = 'PAYOUT_HOLD' AND status = 'PENDING'
	`
	var sum int64
	if err := s.db.QueryRow(ctx, query, walletID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// ResolveHold finalizes a PENDING hold entry. The status guard in the WHERE
// clause makes resolution idempotent under concurrent settle/release races:
// exactly one caller wins, the rest get ErrEntryNotPending.
func (s *PostgresStore) ResolveHold(ctx context.Context, entryID uuid.UUID, status string) error {
	if status != domain.EntryStatusCompleted && status != domain.EntryStatusReversed {
		return fmt.Errorf("invalid hold resolution status %q", status)
	}
	query := `
		UPDATE wallet_ledger
		SET status = $1
		WHERE entry_id = $2 AND status = 'PENDING'
	`
	result, err := s.db.Exec(ctx, query, status, entryID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		if _, findErr := s.FindByEntryID(ctx, entryID); errors.Is(findErr, ErrLedgerEntryNotFound) {
			return ErrLedgerEntryNotFound
		}
		return ErrEntryNotPending
	}
	return nil
}

// WalletStatistics aggregates completed inflow/outflow for a wallet.
func (s *PostgresStore) WalletStatistics(ctx context.Context, walletID uuid.UUID) (*domain.WalletStatistics, error) {
	query := `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE amount > 0), 0) AS total_in,
			COALESCE(-SUM(amount) FILTER (WHERE amount < 0), 0) AS total_out,
			COUNT(*) AS entry_count
		FROM wallet_ledger
		WHERE wallet_id = $1 AND status = 'COMPLETED'
	`
	var stats domain.WalletStatistics
	if err := s.db.QueryRow(ctx, query, walletID).Scan(&stats.TotalIn, &stats.TotalOut, &stats.EntryCount); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ListWalletIDs pages over wallet ids for the reconciliation sweep.
func (s *PostgresStore) ListWalletIDs(ctx context.Context, afterCreated time.Time, limit int) ([]uuid.UUID, []time.Time, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id, created_at
		FROM wallets
		WHERE created_at > $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, afterCreated, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	var createds []time.Time
	for rows.Next() {
		var id uuid.UUID
		var created time.Time
		if err := rows.Scan(&id, &created); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		createds = append(createds, created)
	}
	return ids, createds, rows.Err()
}
