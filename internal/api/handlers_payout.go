/**
 * @description
 * This file contains the HTTP handlers for the payout endpoints: the
 * provider-facing request/list/get routes and the internal admin routes that
 * drive the payout state machine.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sewago/wallet-service/internal/app"
	"github.com/sewago/wallet-service/internal/domain"
	"github.com/sewago/wallet-service/internal/store"
)

// RequestPayoutHandler creates a payout request and reserves the funds.
func (h *WalletHandlers) RequestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var payload domain.PayoutRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	request, err := h.payouts.RequestPayout(r.Context(), userID, payload)
	if err != nil {
		h.writePayoutError(w, "request_payout", userID.String(), err)
		return
	}
	h.writeJSON(w, http.StatusCreated, request)
}

// ListPayoutsHandler lists the provider's payout requests, newest first.
// Filters: ?status=, ?limit=, ?offset=.
func (h *WalletHandlers) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	_, page, err := parseLedgerQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	requests, err := h.payouts.ListPayouts(r.Context(), userID, r.URL.Query().Get("status"), page)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_payouts user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list payout requests")
		return
	}
	if requests == nil {
		requests = []domain.PayoutRequest{}
	}
	activeTotal, err := h.payouts.ActiveTotal(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_payouts user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list payout requests")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests":     requests,
		"active_total": activeTotal,
	})
}

// GetPayoutHandler returns one payout request. Providers can only see their
// own requests.
func (h *WalletHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout request ID")
		return
	}

	request, err := h.payouts.GetPayout(r.Context(), requestID)
	if err != nil {
		h.writePayoutError(w, "get_payout", userID.String(), err)
		return
	}
	if request.ProviderID != userID {
		h.writeError(w, http.StatusNotFound, "Payout request not found")
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

type payoutActionRequest struct {
	Reason               string `json:"reason"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
}

// PayoutActionHandler drives the admin-side payout transitions. The action is
// part of the URL: approve, reject, processing, settle or fail.
func (h *WalletHandlers) PayoutActionHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout request ID")
		return
	}

	var body payoutActionRequest
	if r.Body != nil {
		// The body is optional for approve/settle.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	action := chi.URLParam(r, "action")
	var request *domain.PayoutRequest
	switch action {
	case "approve":
		request, err = h.payouts.Approve(r.Context(), requestID)
	case "reject":
		if body.Reason == "" {
			h.writeError(w, http.StatusBadRequest, "A reason is required to reject a payout")
			return
		}
		request, err = h.payouts.Reject(r.Context(), requestID, body.Reason)
	case "processing":
		request, err = h.payouts.MarkProcessing(r.Context(), requestID, body.GatewayTransactionID)
	case "settle":
		request, err = h.payouts.Settle(r.Context(), requestID)
	case "fail":
		if body.Reason == "" {
			h.writeError(w, http.StatusBadRequest, "A reason is required to fail a payout")
			return
		}
		request, err = h.payouts.Fail(r.Context(), requestID, body.Reason)
	default:
		h.writeError(w, http.StatusNotFound, "Unknown payout action")
		return
	}
	if err != nil {
		h.writePayoutError(w, "payout_"+action, requestID.String(), err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// ReconcileWalletHandler verifies a single wallet's balance against its ledger.
func (h *WalletHandlers) ReconcileWalletHandler(w http.ResponseWriter, r *http.Request) {
	walletID, err := uuid.Parse(chi.URLParam(r, "walletID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid wallet ID")
		return
	}

	mismatch, err := h.reconciler.CheckWallet(r.Context(), walletID)
	if err != nil {
		if errors.Is(err, store.ErrWalletNotFound) {
			h.writeError(w, http.StatusNotFound, "Wallet not found")
			return
		}
		log.Printf("level=error component=api endpoint=reconcile_wallet wallet_id=%s err=%v", walletID, err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation check failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet_id":  walletID,
		"consistent": mismatch == nil,
		"mismatch":   mismatch,
	})
}

// RunReconcileHandler runs a full reconciliation sweep on demand.
func (h *WalletHandlers) RunReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=run_reconcile err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// writePayoutError maps payout errors onto HTTP statuses.
func (h *WalletHandlers) writePayoutError(w http.ResponseWriter, endpoint, subject string, err error) {
	switch {
	case errors.Is(err, app.ErrNotAProvider):
		h.writeError(w, http.StatusForbidden, "Only providers can request payouts")
	case errors.Is(err, app.ErrBelowMinimumPayout):
		h.writeError(w, http.StatusUnprocessableEntity, "Payout amount is below the minimum")
	case errors.Is(err, app.ErrMissingPayoutDestination):
		h.writeError(w, http.StatusBadRequest, "Bank or digital wallet details are required")
	case errors.Is(err, app.ErrInvalidStateTransition):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusUnprocessableEntity, "Insufficient available balance for payout")
	case errors.Is(err, store.ErrPayoutNotFound):
		h.writeError(w, http.StatusNotFound, "Payout request not found")
	case errors.Is(err, store.ErrWalletLocked):
		h.writeError(w, http.StatusLocked, "Wallet is locked")
	default:
		log.Printf("level=error component=api endpoint=%s subject=%s err=%v", endpoint, subject, err)
		h.writeError(w, http.StatusInternalServerError, "Payout operation failed")
	}
}
