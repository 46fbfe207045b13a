/**
 * @description
 * This file contains the HTTP handlers for the wallet endpoints. Handlers are
 * responsible for parsing incoming requests, calling the appropriate methods
 * on the application services, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/sewago/wallet-service/internal/app"
	"github.com/sewago/wallet-service/internal/domain"
	"github.com/sewago/wallet-service/internal/store"
)

// WalletHandlers holds the application services that handlers will use.
type WalletHandlers struct {
	service    *app.Service
	payouts    *app.PayoutProcessor
	reconciler *app.Reconciler
}

// NewWalletHandlers creates a new instance of WalletHandlers.
func NewWalletHandlers(service *app.Service, payouts *app.PayoutProcessor, reconciler *app.Reconciler) *WalletHandlers {
	return &WalletHandlers{service: service, payouts: payouts, reconciler: reconciler}
}

// GetWalletHandler returns the authenticated user's wallet, creating it on
// first access.
func (h *WalletHandlers) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	view, err := h.service.GetWallet(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=get_wallet user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load wallet")
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// TopUpHandler credits the wallet after gateway verification.
func (h *WalletHandlers) TopUpHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.TopUp(r.Context(), userID, req)
	if err != nil {
		h.writeTransactionError(w, "top_up", userID.String(), err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// UseHandler debits the wallet for a service payment.
func (h *WalletHandlers) UseHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.Use(r.Context(), userID, req)
	if err != nil {
		h.writeTransactionError(w, "use", userID.String(), err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// RefundHandler credits a booking payment back to the wallet.
func (h *WalletHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req domain.RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.Refund(r.Context(), userID, req)
	if err != nil {
		h.writeTransactionError(w, "refund", userID.String(), err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HistoryHandler returns a page of ledger history, newest first. Filters:
// ?type=, ?status=, ?from=, ?to= (RFC3339), ?limit=, ?offset=.
func (h *WalletHandlers) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	filter, page, err := parseLedgerQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := h.service.History(r.Context(), userID, filter, page)
	if err != nil {
		log.Printf("level=error component=api endpoint=history user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load transaction history")
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

// ExportCSVHandler streams the ledger as a CSV statement download.
func (h *WalletHandlers) ExportCSVHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	filter, _, err := parseLedgerQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="wallet-statement.csv"`)
	if err := h.service.ExportCSV(r.Context(), userID, filter, w); err != nil {
		// Headers are already written; all we can do is log.
		log.Printf("level=error component=api endpoint=export_csv user_id=%s err=%v", userID, err)
	}
}

// StatisticsHandler returns completed inflow/outflow totals for the wallet.
func (h *WalletHandlers) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	stats, err := h.service.Statistics(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=statistics user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load wallet statistics")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

type bnplRequest struct {
	Enabled     bool  `json:"enabled"`
	CreditLimit int64 `json:"credit_limit"`
}

// SetBNPLHandler updates the wallet's buy-now-pay-later configuration.
func (h *WalletHandlers) SetBNPLHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var req bnplRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	wallet, err := h.service.SetBNPL(r.Context(), userID, req.Enabled, req.CreditLimit)
	if err != nil {
		if errors.Is(err, app.ErrInvalidBNPLConfig) {
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=set_bnpl user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to update BNPL configuration")
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// SetAutoRechargeHandler updates the wallet's automatic top-up configuration.
func (h *WalletHandlers) SetAutoRechargeHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserID(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
		return
	}

	var cfg domain.AutoRechargeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	wallet, err := h.service.SetAutoRecharge(r.Context(), userID, cfg)
	if err != nil {
		if errors.Is(err, app.ErrInvalidAutoRecharge) {
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=set_auto_recharge user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to update auto-recharge configuration")
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// writeTransactionError maps money-movement errors onto HTTP statuses.
func (h *WalletHandlers) writeTransactionError(w http.ResponseWriter, endpoint, userID string, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidAmount):
		h.writeError(w, http.StatusBadRequest, "Amount must be a positive integer in paisa")
	case errors.Is(err, app.ErrMissingIdempotencyKey):
		h.writeError(w, http.StatusBadRequest, "An idempotency key is required for this operation")
	case errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusUnprocessableEntity, "Insufficient available balance")
	case errors.Is(err, store.ErrWalletLocked):
		h.writeError(w, http.StatusLocked, "Wallet is locked")
	case errors.Is(err, app.ErrGatewayVerificationFailed), errors.Is(err, app.ErrGatewayAmountMismatch):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, app.ErrBookingNotRefundable):
		h.writeError(w, http.StatusConflict, "Booking status does not allow a refund")
	case errors.Is(err, app.ErrBookingNotOwned):
		// Deny without confirming the booking exists for someone else.
		h.writeError(w, http.StatusNotFound, "Booking not found")
	case errors.Is(err, app.ErrConcurrencyExhausted):
		// The operation is safe to retry with the same idempotency key.
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, "Wallet is busy; please retry")
	default:
		log.Printf("level=error component=api endpoint=%s user_id=%s err=%v", endpoint, userID, err)
		h.writeError(w, http.StatusInternalServerError, "Transaction failed")
	}
}

func parseLedgerQuery(r *http.Request) (domain.LedgerFilter, domain.Page, error) {
	var filter domain.LedgerFilter
	var page domain.Page

	q := r.URL.Query()
	filter.TransactionType = q.Get("type")
	filter.Status = q.Get("status")

	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return filter, page, errors.New("invalid 'from' timestamp; expected RFC3339")
		}
		filter.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return filter, page, errors.New("invalid 'to' timestamp; expected RFC3339")
		}
		filter.To = &t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return filter, page, errors.New("invalid 'limit'")
		}
		page.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filter, page, errors.New("invalid 'offset'")
		}
		page.Offset = n
	}
	return filter, page, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *WalletHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *WalletHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
