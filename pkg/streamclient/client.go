/**
 * @description
 * This package provides a client for the STREAM connector sidecar, which owns
 * the Interledger wire protocol. The engine opens a session (plugin) scoped
 * to one source account, resolves the payment destination, probes a quote,
 * and streams packetized value, all through the sidecar's HTTP surface.
 *
 * @notes
 * - Failures carry a machine-readable code in the error body. Callers map
 *   those codes onto the payment error taxonomy; an unparsable failure is
 *   reported as a plain error so callers treat it as unclassified.
 */
package streamclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the STREAM connector sidecar.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new STREAM connector client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ErrorResponse represents a coded failure from the connector.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("stream connector error: %s - %s", e.Code, e.Message)
}

// Session is a scoped connection to the Interledger network on behalf of one
// source account. It must be closed on every exit path; leaked sessions stall
// the connector.
type Session struct {
	client *Client
	id     string
}

// SessionID returns the connector-assigned session identifier.
func (s *Session) SessionID() string {
	return s.id
}

// Close releases the session on the connector.
func (s *Session) Close(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", s.client.BaseURL+"/sessions/"+s.id, nil)
	if err != nil {
		return fmt.Errorf("failed to create session close request: %w", err)
	}
	req.Header.Set("x-stream-key", s.client.APIKey)

	resp, err := s.client.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close stream session: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("stream session close returned status %d", resp.StatusCode)
	}
	return nil
}

type openSessionRequest struct {
	SourceAccountID string `json:"source_account_id"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

// OpenSession attaches a plugin for the given source account.
func (c *Client) OpenSession(ctx context.Context, sourceAccountID string) (*Session, error) {
	var out openSessionResponse
	if err := c.post(ctx, "/sessions", openSessionRequest{SourceAccountID: sourceAccountID}, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("stream connector returned empty session id")
	}
	return &Session{client: c, id: out.SessionID}, nil
}

// SetupRequest identifies the payment destination to resolve.
type SetupRequest struct {
	SessionID      string `json:"session_id"`
	PaymentPointer string `json:"payment_pointer,omitempty"`
	InvoiceURL     string `json:"invoice_url,omitempty"`
}

// Destination describes the resolved receiver.
type Destination struct {
	AssetCode       string `json:"asset_code"`
	AssetScale      int    `json:"asset_scale"`
	URL             string `json:"url"`
	AmountToDeliver *int64 `json:"amount_to_deliver,omitempty"`
}

// SetupPayment resolves the payment pointer or invoice into a destination.
func (c *Client) SetupPayment(ctx context.Context, req SetupRequest) (*Destination, error) {
	var out Destination
	if err := c.post(ctx, "/payments/setup", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuoteRequest parameterizes a rate probe against the resolved destination.
type QuoteRequest struct {
	SessionID      string             `json:"session_id"`
	DestinationURL string             `json:"destination_url"`
	AmountToSend   *int64             `json:"amount_to_send,omitempty"`
	Slippage       float64            `json:"slippage"`
	Prices         map[string]float64 `json:"prices,omitempty"`
}

// QuoteResult is the connector's priced plan for the payment.
type QuoteResult struct {
	TargetType               string  `json:"target_type"`
	MinDeliveryAmount        int64   `json:"min_delivery_amount"`
	MaxSourceAmount          int64   `json:"max_source_amount"`
	MinExchangeRate          float64 `json:"min_exchange_rate"`
	LowExchangeRateEstimate  float64 `json:"low_exchange_rate_estimate"`
	HighExchangeRateEstimate float64 `json:"high_exchange_rate_estimate"`
}

// StartQuote runs the rate probe and returns the resulting quote.
func (c *Client) StartQuote(ctx context.Context, req QuoteRequest) (*QuoteResult, error) {
	var out QuoteResult
	if err := c.post(ctx, "/payments/quote", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PayRequest starts or resumes packetized sending against a quoted payment.
// ProgressAmountSent tells the connector how much source value prior attempts
// already sent, so resumed sends never exceed the quoted source amount.
type PayRequest struct {
	SessionID          string  `json:"session_id"`
	DestinationURL     string  `json:"destination_url"`
	TargetType         string  `json:"target_type"`
	MinDeliveryAmount  int64   `json:"min_delivery_amount"`
	MaxSourceAmount    int64   `json:"max_source_amount"`
	MinExchangeRate    float64 `json:"min_exchange_rate"`
	ProgressAmountSent int64   `json:"progress_amount_sent"`
}

// PayResult reports the outcome of a completed send.
type PayResult struct {
	AmountSent      int64 `json:"amount_sent"`
	AmountDelivered int64 `json:"amount_delivered"`
}

// Pay streams the payment to completion or returns a coded failure.
func (c *Client) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	var out PayResult
	if err := c.post(ctx, "/payments/pay", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-stream-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute stream request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read stream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil || errResp.Code == "" {
			log.Printf("level=warn component=stream_client path=%s status=%d msg=\"non-2xx response without error code\"", path, resp.StatusCode)
			return fmt.Errorf("stream connector returned status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=stream_client path=%s status=%d code=%s", path, resp.StatusCode, errResp.Code)
		return errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode stream response: %w", err)
	}
	return nil
}
