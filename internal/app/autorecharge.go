/**
 * @description
 * This file contains the auto-recharge sweep. Wallets with auto-recharge
 * enabled and a balance below their configured threshold get their stored
 * payment method charged through the gateway, and the resulting funds are
 * credited through the normal top-up transaction path.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sewago/wallet-service/internal/domain"
	"github.com/sewago/wallet-service/internal/store"
	"github.com/sewago/wallet-service/pkg/gatewayclient"
)

const autoRechargeBatchSize = 200

// GatewayCharger is the slice of the gateway the auto-recharge sweep needs.
// *gatewayclient.Client satisfies it.
type GatewayCharger interface {
	ChargeStoredMethod(ctx context.Context, req gatewayclient.ChargeRequest) (*gatewayclient.Charge, error)
}

// AutoRechargeReport summarizes one auto-recharge sweep.
type AutoRechargeReport struct {
	Scanned   int `json:"scanned"`
	Recharged int `json:"recharged"`
	Failed    int `json:"failed"`
}

// AutoRecharger funds wallets that dropped below their configured threshold.
type AutoRecharger struct {
	repo      store.Repository
	processor *Processor
	gateway   GatewayCharger
	currency  string
}

// NewAutoRecharger creates the auto-recharge sweep.
func NewAutoRecharger(repo store.Repository, processor *Processor, gateway GatewayCharger, currency string) *AutoRecharger {
	return &AutoRecharger{repo: repo, processor: processor, gateway: gateway, currency: currency}
}

// Run performs one sweep over eligible wallets. The idempotency key carries
// the sweep date, so a wallet is funded at most once per day no matter how
// many instances run the sweep.
func (a *AutoRecharger) Run(ctx context.Context) (*AutoRechargeReport, error) {
	report := &AutoRechargeReport{}

	wallets, err := a.repo.ListBelowAutoRechargeThreshold(ctx, autoRechargeBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-recharge candidates: %w", err)
	}
	report.Scanned = len(wallets)

	day := time.Now().UTC().Format("2006-01-02")
	for i := range wallets {
		wallet := &wallets[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := a.rechargeWallet(ctx, wallet, day); err != nil {
			report.Failed++
			log.Printf("level=warn component=autorecharge msg=\"recharge failed\" wallet_id=%s user_id=%s err=%v", wallet.ID, wallet.UserID, err)
			continue
		}
		report.Recharged++
	}

	if report.Scanned > 0 {
		log.Printf("level=info component=autorecharge msg=\"sweep finished\" scanned=%d recharged=%d failed=%d", report.Scanned, report.Recharged, report.Failed)
	}
	return report, nil
}

func (a *AutoRecharger) rechargeWallet(ctx context.Context, wallet *domain.Wallet, day string) error {
	cfg := wallet.AutoRecharge
	idempotencyKey := fmt.Sprintf("auto-recharge-%s-%s", wallet.ID, day)

	// A prior run today already funded this wallet; charging again would
	// double-bill the stored method.
	if _, err := a.repo.FindByReference(ctx, idempotencyKey); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrLedgerEntryNotFound) {
		return fmt.Errorf("idempotency lookup failed: %w", err)
	}

	charge, err := a.gateway.ChargeStoredMethod(ctx, gatewayclient.ChargeRequest{
		UserID:        wallet.UserID.String(),
		PaymentMethod: cfg.PaymentMethod,
		Amount:        cfg.TopUpAmount,
		Currency:      a.currency,
		Description:   "Automatic wallet recharge",
		Reference:     idempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("gateway charge failed: %w", err)
	}

	gatewayTxID := charge.TransactionID
	_, _, err = a.processor.Submit(ctx, SubmitParams{
		UserID:               wallet.UserID,
		TransactionType:      domain.TxTypeTopUp,
		Amount:               charge.Amount,
		IdempotencyKey:       idempotencyKey,
		Description:          fmt.Sprintf("Automatic top-up via %s", cfg.PaymentMethod),
		PaymentMethod:        cfg.PaymentMethod,
		GatewayTransactionID: &gatewayTxID,
	})
	if err != nil {
		// The charge went through but the credit did not commit. The next
		// sweep re-charges with the same reference, which the gateway
		// deduplicates, and then retries the credit.
		return fmt.Errorf("failed to credit recharge: %w", err)
	}
	return nil
}
