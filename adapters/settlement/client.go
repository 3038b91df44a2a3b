// Package settlement provides the client for the external settlement
// service, the system of record that actually moves value between accounts.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/metergate/ports"
)

// Client talks to the settlement service over HTTP.
//
// API Contract:
//
//	POST /accounts/{developerID}/deduct
//	Request:  {"amount_usdc": 0.05}
//	Response: {"tx_hash": "..."}
//
//	GET /accounts/{developerID}/balance
//	Response: {"balance_usdc": 999.99}
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Config configures the settlement client.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds every settlement call so a ledger transaction is never
	// held open indefinitely (default 10s).
	Timeout time.Duration
}

// New creates a settlement client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
	}
}

// Error is a failure reported by the settlement service.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("settlement service returned %d: %s", e.StatusCode, e.Message)
}

// DeductBalance deducts amountUSDC from the developer's prepaid balance.
// The ledger must not retry a failed call automatically.
func (c *Client) DeductBalance(ctx context.Context, developerID string, amountUSDC float64) (string, error) {
	var out struct {
		TxHash string `json:"tx_hash"`
	}
	in := map[string]float64{"amount_usdc": amountUSDC}

	path := fmt.Sprintf("/accounts/%s/deduct", developerID)
	if err := c.request(ctx, http.MethodPost, path, in, &out); err != nil {
		return "", err
	}
	return out.TxHash, nil
}

// GetBalance returns the developer's current prepaid balance.
func (c *Client) GetBalance(ctx context.Context, developerID string) (float64, error) {
	var out struct {
		BalanceUSDC float64 `json:"balance_usdc"`
	}

	path := fmt.Sprintf("/accounts/%s/balance", developerID)
	if err := c.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return out.BalanceUSDC, nil
}

func (c *Client) request(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Ensure interface compliance.
var _ ports.Settlement = (*Client)(nil)
