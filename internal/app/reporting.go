/**
 * @description
 * This file contains the read-side of the wallet service: paginated ledger
 * history, CSV statement export, and per-wallet statistics. All reads come
 * straight from the ledger; nothing here mutates state.
 *
 * @dependencies
 * - context, encoding/csv, fmt, io, strconv, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For domain models.
 */

package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/domain"
)

// csvHeader is the fixed statement column layout consumed by the mobile app
// and support tooling. Changing it breaks downstream parsers.
var csvHeader = []string{"Date", "Type", "Amount", "Currency", "Description", "Balance", "Reference"}

// exportPageSize must not exceed the QueryByWallet limit cap, or the export
// loop would mistake a clamped page for the final one.
const exportPageSize = 100

// HistoryPage is one page of ledger history plus the total match count.
type HistoryPage struct {
	Entries []domain.LedgerEntry `json:"entries"`
	Total   int64                `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// History returns a page of the user's ledger, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, filter domain.LedgerFilter, page domain.Page) (*HistoryPage, error) {
	wallet, err := s.repo.GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	entries, err := s.repo.QueryByWallet(ctx, wallet.ID, filter, page)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	total, err := s.repo.CountByWallet(ctx, wallet.ID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	return &HistoryPage{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

// ExportCSV streams the user's ledger as a CSV statement, newest entries
// first, walking the ledger in fixed-size pages so a large wallet never
// loads fully into memory.
func (s *Service) ExportCSV(ctx context.Context, userID uuid.UUID, filter domain.LedgerFilter, w io.Writer) error {
	wallet, err := s.repo.GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		return fmt.Errorf("failed to load wallet: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	offset := 0
	for {
		entries, err := s.repo.QueryByWallet(ctx, wallet.ID, filter, domain.Page{Limit: exportPageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("failed to query ledger: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		for _, entry := range entries {
			record := []string{
				entry.CreatedAt.UTC().Format(time.RFC3339),
				entry.TransactionType,
				formatAmount(entry.Amount),
				entry.Currency,
				entry.Description,
				formatAmount(entry.BalanceAfter),
				entry.ReferenceID,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("failed to write csv row: %w", err)
			}
		}
		if len(entries) < exportPageSize {
			break
		}
		offset += exportPageSize
	}

	writer.Flush()
	return writer.Error()
}

// Statistics summarizes the user's completed ledger activity.
func (s *Service) Statistics(ctx context.Context, userID uuid.UUID) (*domain.WalletStatistics, error) {
	wallet, err := s.repo.GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return s.repo.WalletStatistics(ctx, wallet.ID)
}

// formatAmount renders paisa as a decimal rupee string, e.g. 12550 -> "125.50".
func formatAmount(paisa int64) string {
	sign := ""
	if paisa < 0 {
		sign = "-"
		paisa = -paisa
	}
	return sign + strconv.FormatInt(paisa/100, 10) + "." + fmt.Sprintf("%02d", paisa%100)
}
