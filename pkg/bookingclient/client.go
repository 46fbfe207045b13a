/**
 * @description
 * This package provides a client for communicating with the booking-service.
 * The wallet service consults it before issuing refunds: only bookings still in
 * a pre-completion status are eligible, and the booking-service is the source
 * of truth for that status.
 */
package bookingclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Booking statuses that still allow a wallet refund.
var refundableStatuses = map[string]bool{
	"PENDING_CONFIRMATION": true,
	"CONFIRMED":            true,
	"PROVIDER_ASSIGNED":    true,
}

// Client is a client for the booking service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new booking service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Booking is the subset of the booking document the wallet service needs.
type Booking struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Status string `json:"status"`
	Total  int64  `json:"total"`
}

// Refundable reports whether the booking's status still allows a refund.
func (b *Booking) Refundable() bool {
	return refundableStatuses[strings.ToUpper(strings.TrimSpace(b.Status))]
}

// GetBooking fetches a booking from the booking-service.
func (c *Client) GetBooking(ctx context.Context, bookingID string) (*Booking, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("booking service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/bookings/%s", c.baseURL, bookingID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to booking service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("booking %s not found", bookingID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("booking service returned error status %d", resp.StatusCode)
	}

	var booking Booking
	if err := json.NewDecoder(resp.Body).Decode(&booking); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &booking, nil
}
