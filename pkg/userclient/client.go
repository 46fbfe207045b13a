/**
 * @description
 * This package provides a client for communicating with the user-service.
 * It encapsulates the logic for making API calls to the user service,
 * specifically for fetching user profiles to verify provider status before
 * payout operations.
 */
package userclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the user service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new user service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// User is the profile subset the wallet service needs.
type User struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}

// IsProvider reports whether the user holds the provider role.
func (u *User) IsProvider() bool {
	return strings.EqualFold(u.Role, "provider")
}

// GetUser fetches a user profile from the user-service.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("user service base url is empty")
	}

	url := fmt.Sprintf("%s/internal/users/%s", c.baseURL, userID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to user service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("user %s not found", userID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("user service returned error status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &user, nil
}
