/**
 * @description
 * PostgreSQL implementation of the PayoutStore contract. Payout status
 * transitions are guarded in SQL: an UPDATE only matches when the row is
 * still in the expected source status, so two admins racing on the same
 * request cannot both win.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sewago/wallet-service/internal/domain"
)

const payoutColumns = `
	request_id, provider_id, amount, currency, payment_method, bank_details,
	digital_wallet_details, status, hold_entry_id, gateway_transaction_id,
	status_reason, created_at, updated_at
`

func scanPayoutRequest(row pgx.Row) (*domain.PayoutRequest, error) {
	var p domain.PayoutRequest
	var bankDetails, walletDetails []byte
	err := row.Scan(
		&p.RequestID, &p.ProviderID, &p.Amount, &p.Currency, &p.PaymentMethod, &bankDetails,
		&walletDetails, &p.Status, &p.HoldEntryID, &p.GatewayTransactionID,
		&p.StatusReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	if len(bankDetails) > 0 {
		p.BankDetails = &domain.BankDetails{}
		if err := json.Unmarshal(bankDetails, p.BankDetails); err != nil {
			return nil, fmt.Errorf("failed to decode payout bank details: %w", err)
		}
	}
	if len(walletDetails) > 0 {
		p.DigitalWalletDetails = &domain.DigitalWalletDetails{}
		if err := json.Unmarshal(walletDetails, p.DigitalWalletDetails); err != nil {
			return nil, fmt.Errorf("failed to decode payout wallet details: %w", err)
		}
	}
	return &p, nil
}

// CreatePayoutRequest inserts a new payout request row.
func (s *PostgresStore) CreatePayoutRequest(ctx context.Context, req *domain.PayoutRequest) error {
	var bankDetails, walletDetails []byte
	var err error
	if req.BankDetails != nil {
		if bankDetails, err = json.Marshal(req.BankDetails); err != nil {
			return fmt.Errorf("failed to encode payout bank details: %w", err)
		}
	}
	if req.DigitalWalletDetails != nil {
		if walletDetails, err = json.Marshal(req.DigitalWalletDetails); err != nil {
			return fmt.Errorf("failed to encode payout wallet details: %w", err)
		}
	}

	query := `
		INSERT INTO payout_requests (
			request_id, provider_id, amount, currency, payment_method, bank_details,
			digital_wallet_details, status, hold_entry_id, status_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = s.db.Exec(ctx, query,
		req.RequestID,
		req.ProviderID,
		req.Amount,
		req.Currency,
		req.PaymentMethod,
		bankDetails,
		walletDetails,
		req.Status,
		req.HoldEntryID,
		req.StatusReason,
	)
	return err
}

// FindPayoutRequest retrieves a payout request by its id.
func (s *PostgresStore) FindPayoutRequest(ctx context.Context, requestID uuid.UUID) (*domain.PayoutRequest, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_requests WHERE request_id = $1`
	return scanPayoutRequest(s.db.QueryRow(ctx, query, requestID))
}

// TransitionPayoutStatus performs a guarded status move. When the row is no
// longer in fromStatus the update matches nothing and the caller receives
// ErrPayoutStatusStale (or ErrPayoutNotFound when the id is unknown).
func (s *PostgresStore) TransitionPayoutStatus(ctx context.Context, requestID uuid.UUID, fromStatus, toStatus string, reason *string) (*domain.PayoutRequest, error) {
	query := `
		UPDATE payout_requests
		SET status = $1, status_reason = COALESCE($2, status_reason), updated_at = NOW()
		WHERE request_id = $3 AND status = $4
		RETURNING ` + payoutColumns
	req, err := scanPayoutRequest(s.db.QueryRow(ctx, query, toStatus, reason, requestID, fromStatus))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, ErrPayoutNotFound) {
		return nil, err
	}
	if _, findErr := s.FindPayoutRequest(ctx, requestID); errors.Is(findErr, ErrPayoutNotFound) {
		return nil, ErrPayoutNotFound
	}
	return nil, ErrPayoutStatusStale
}

// SetPayoutGatewayTransaction records the external disbursement reference.
func (s *PostgresStore) SetPayoutGatewayTransaction(ctx context.Context, requestID uuid.UUID, gatewayTransactionID string) error {
	query := `
		UPDATE payout_requests
		SET gateway_transaction_id = $1, updated_at = NOW()
		WHERE request_id = $2
	`
	result, err := s.db.Exec(ctx, query, gatewayTransactionID, requestID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

// ListPayoutRequests retrieves a provider's payout requests, newest first.
func (s *PostgresStore) ListPayoutRequests(ctx context.Context, providerID uuid.UUID, status string, page domain.Page) ([]domain.PayoutRequest, error) {
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

	query := `SELECT ` + payoutColumns + ` FROM payout_requests WHERE provider_id = $1`
	args := []interface{}{providerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.PayoutRequest
	for rows.Next() {
		req, err := scanPayoutRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// SumActivePayoutAmount totals the amounts of a provider's non-terminal
// payout requests.
func (s *PostgresStore) SumActivePayoutAmount(ctx context.Context, providerID uuid.UUID) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM payout_requests
		WHERE provider_id = $1 AND status IN ('REQUESTED', 'APPROVED', 'PROCESSING')
	`
	var sum int64
	if err := s.db.QueryRow(ctx, query, providerID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}
