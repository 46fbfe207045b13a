/**
 * @description
 * This package provides a client for the payment gateway aggregator used by
 * top-ups (eSewa, Khalti, cards). The wallet service never trusts the amount
 * the caller claims: it verifies the gateway transaction server-side before
 * crediting the wallet.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the payment gateway verification API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new gateway client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// VerifyRequest is the payload sent to the gateway verification endpoint.
type VerifyRequest struct {
	TransactionID string `json:"transaction_id"`
	PaymentMethod string `json:"payment_method"`
}

// Verification is the gateway's answer about a transaction.
type Verification struct {
	Verified bool   `json:"verified"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// ChargeRequest is the payload for charging a stored payment method. The
// gateway deduplicates on Reference, so retrying a charge with the same
// reference never bills twice.
type ChargeRequest struct {
	UserID        string `json:"user_id"`
	PaymentMethod string `json:"payment_method"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
	Reference     string `json:"reference"`
}

// Charge is the gateway's record of a completed charge.
type Charge struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

// ChargeStoredMethod charges a user's stored payment method. Used by the
// auto-recharge sweep; interactive top-ups go through the client-side gateway
// flow and arrive here only for verification.
func (c *Client) ChargeStoredMethod(ctx context.Context, req ChargeRequest) (*Charge, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("gateway base url is empty")
	}

	url := fmt.Sprintf("%s/v1/charges", c.baseURL)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to payment gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("payment gateway returned error status %d", resp.StatusCode)
	}

	var charge Charge
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &charge, nil
}

// VerifyTransaction asks the gateway whether a transaction completed and for
// how much. Callers must compare the returned amount against the requested
// top-up amount.
func (c *Client) VerifyTransaction(ctx context.Context, transactionID, paymentMethod string) (*Verification, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("gateway base url is empty")
	}

	url := fmt.Sprintf("%s/v1/transactions/verify", c.baseURL)

	body, err := json.Marshal(VerifyRequest{
		TransactionID: transactionID,
		PaymentMethod: paymentMethod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to payment gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("payment gateway returned error status %d", resp.StatusCode)
	}

	var verification Verification
	if err := json.NewDecoder(resp.Body).Decode(&verification); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &verification, nil
}
