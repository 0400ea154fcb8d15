/**
 * @description
 * This package provides a client for the exchange-rate service. It fetches
 * the price map for a base asset, which the engine hands to the STREAM
 * connector's rate probe.
 */
package ratesclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client is a client for the rates service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new rates service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type pricesResponse struct {
	Base   string             `json:"base"`
	Prices map[string]float64 `json:"prices"`
}

// Prices fetches the rate map for the given base asset code.
func (c *Client) Prices(ctx context.Context, baseAssetCode string) (map[string]float64, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("rates service base url is empty")
	}

	url := fmt.Sprintf("%s/prices?base=%s", c.baseURL, strings.ToUpper(strings.TrimSpace(baseAssetCode)))
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to rates service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rates service returned error status %d", resp.StatusCode)
	}

	var response pricesResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Prices == nil {
		return nil, fmt.Errorf("rates service returned no prices")
	}

	return response.Prices, nil
}
