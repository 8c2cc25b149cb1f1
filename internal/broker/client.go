// Package broker implements a pull-based REST client for the brokerage
// account API. The portfolio reconciler polls it for the authoritative list
// of open positions.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tradeloop/intrabot/internal/domain"
)

// Client is the REST client for the broker account API.
type Client struct {
	baseURL    string
	apiKey     string
	account    string
	httpClient *http.Client
}

// ClientConfig holds connection parameters for the broker API.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Account string
	Timeout time.Duration
}

// NewClient creates a broker API client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		account: cfg.Account,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiPosition is the wire representation of a broker position.
type apiPosition struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"qty"`
	AvgEntry     float64 `json:"avg_entry_price"`
	CurrentPrice float64 `json:"current_price"`
	Sector       string  `json:"sector"`
}

// GetPositions returns the open positions for the configured account. It
// implements domain.BrokerFeed.
func (c *Client) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	path := fmt.Sprintf("/v2/accounts/%s/positions", c.account)

	body, err := c.doGet(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("broker: get positions: %w", err)
	}

	var apiPositions []apiPosition
	if err := json.Unmarshal(body, &apiPositions); err != nil {
		return nil, fmt.Errorf("broker: decode positions: %w", err)
	}

	positions := make([]domain.BrokerPosition, 0, len(apiPositions))
	for i := range apiPositions {
		p := &apiPositions[i]
		bp := domain.BrokerPosition{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Quantity:   p.Quantity,
			EntryPrice: p.AvgEntry,
			Sector:     p.Sector,
		}
		if p.CurrentPrice > 0 {
			mark := p.CurrentPrice
			bp.MarkPrice = &mark
		}
		positions = append(positions, bp)
	}

	return positions, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
