/**
 * @description
 * This file contains the ledger reconciliation sweep. The wallet balance is a
 * materialization of the ledger; the sweep re-derives each balance from the
 * COMPLETED entries and reports any wallet that drifted. It never mutates
 * state; drift is an operator problem, not something to paper over.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/metrics"
	"github.com/sewago/wallet-service/internal/store"
)

const (
	defaultReconcilePageSize = 500
	maxReportedMismatches    = 100
)

// BalanceMismatch records one wallet whose balance disagrees with its ledger.
type BalanceMismatch struct {
	WalletID  uuid.UUID `json:"wallet_id"`
	Balance   int64     `json:"balance"`
	LedgerSum int64     `json:"ledger_sum"`
	Drift     int64     `json:"drift"`
}

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	Checked    int               `json:"checked"`
	Mismatched int               `json:"mismatched"`
	Mismatches []BalanceMismatch `json:"mismatches,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

// Reconciler walks every wallet and verifies balance == sum of COMPLETED
// ledger amounts.
type Reconciler struct {
	repo     store.Repository
	pageSize int
}

// NewReconciler creates a reconciliation sweep over the given repository.
func NewReconciler(repo store.Repository, pageSize int) *Reconciler {
	if pageSize <= 0 {
		pageSize = defaultReconcilePageSize
	}
	return &Reconciler{repo: repo, pageSize: pageSize}
}

// Run sweeps the whole wallet table once. It pages by created_at cursor so a
// table of any size can be walked without OFFSET degradation.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{StartedAt: time.Now().UTC()}
	cursor := time.Time{}

	for {
		ids, createds, err := r.repo.ListWalletIDs(ctx, cursor, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list wallets: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		for i, walletID := range ids {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			mismatch, err := r.checkWallet(ctx, walletID)
			if err != nil {
				log.Printf("level=warn component=reconciler msg=\"wallet check failed\" wallet_id=%s err=%v", walletID, err)
				continue
			}
			report.Checked++
			if mismatch != nil {
				report.Mismatched++
				metrics.ReconcileDriftDetected.Inc()
				if len(report.Mismatches) < maxReportedMismatches {
					report.Mismatches = append(report.Mismatches, *mismatch)
				}
				log.Printf("level=error component=reconciler msg=\"balance drift detected\" wallet_id=%s balance=%d ledger_sum=%d drift=%d", walletID, mismatch.Balance, mismatch.LedgerSum, mismatch.Drift)
			}
			cursor = createds[i]
		}

		if len(ids) < r.pageSize {
			break
		}
	}

	report.FinishedAt = time.Now().UTC()
	log.Printf("level=info component=reconciler msg=\"sweep finished\" checked=%d mismatched=%d duration=%s", report.Checked, report.Mismatched, report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

// CheckWallet verifies a single wallet on demand, for the admin endpoint.
func (r *Reconciler) CheckWallet(ctx context.Context, walletID uuid.UUID) (*BalanceMismatch, error) {
	return r.checkWallet(ctx, walletID)
}

func (r *Reconciler) checkWallet(ctx context.Context, walletID uuid.UUID) (*BalanceMismatch, error) {
	wallet, err := r.repo.FindByID(ctx, walletID)
	if err != nil {
		return nil, err
	}
	ledgerSum, err := r.repo.SumCompletedAmount(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance == ledgerSum {
		return nil, nil
	}
	return &BalanceMismatch{
		WalletID:  walletID,
		Balance:   wallet.Balance,
		LedgerSum: ledgerSum,
		Drift:     wallet.Balance - ledgerSum,
	}, nil
}
