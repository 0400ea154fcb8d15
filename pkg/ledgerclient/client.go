/**
 * @description
 * This package provides a client for the accounting (ledger) service. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * ledger's endpoints: idempotent transfers between accounts, per-account
 * totals for streaming progress, and balance lookups.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client is a client for the ledger API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new ledger API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest represents the payload for a ledger transfer. Transfers
// are idempotent per transfer id: replaying the same id moves no additional
// funds.
type TransferRequest struct {
	Data struct {
		TransferID           string `json:"transfer_id"`
		SourceAccountID      string `json:"source_account_id"`
		DestinationAccountID string `json:"destination_account_id"`
		Amount               int64  `json:"amount"`
	} `json:"data"`
}

// TransferResponse is the expected response from the ledger's transfer
// endpoint.
type TransferResponse struct {
	Data struct {
		TransferID string `json:"transfer_id"`
		Status     string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the ledger API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("ledger api error: %s - %s", e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("unknown ledger api error (status %d)", e.StatusCode)
}

// TotalSentResponse reports the cumulative amount debited from an account by
// settled streaming packets.
type TotalSentResponse struct {
	Data struct {
		TotalSent int64 `json:"total_sent"`
	} `json:"data"`
}

// BalanceResponse reports an account's available balance.
type BalanceResponse struct {
	Data struct {
		AvailableBalance int64 `json:"available_balance"`
	} `json:"data"`
}

// CreateTransfer asks the ledger to move funds between two accounts. A 409
// response means the transfer id was already applied and is treated as
// success.
func (c *Client) CreateTransfer(ctx context.Context, transferID string, sourceAccountID, destinationAccountID uuid.UUID, amount int64) error {
	reqPayload := TransferRequest{}
	reqPayload.Data.TransferID = transferID
	reqPayload.Data.SourceAccountID = sourceAccountID.String()
	reqPayload.Data.DestinationAccountID = destinationAccountID.String()
	reqPayload.Data.Amount = amount

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/api/v1/transfers", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute transfer request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read transfer response: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		// The transfer id was already applied; idempotent replay.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(bodyBytes, resp.StatusCode, "transfer")
	}

	var successResp TransferResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return fmt.Errorf("failed to decode transfer response: %w", err)
	}
	return nil
}

// TotalSent fetches the cumulative settled amount for an account.
func (c *Client) TotalSent(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var out TotalSentResponse
	if err := c.get(ctx, "/api/v1/accounts/"+accountID.String()+"/total-sent", "total_sent", &out); err != nil {
		return 0, err
	}
	return out.Data.TotalSent, nil
}

// Balance fetches the available balance for an account.
func (c *Client) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var out BalanceResponse
	if err := c.get(ctx, "/api/v1/accounts/"+accountID.String()+"/balance", "balance", &out); err != nil {
		return 0, err
	}
	return out.Data.AvailableBalance, nil
}

func (c *Client) get(ctx context.Context, path, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-ledger-key", c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(bodyBytes, resp.StatusCode, op)
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func decodeError(body []byte, status int, op string) error {
	errResp := &ErrorResponse{StatusCode: status}
	if err := json.Unmarshal(body, errResp); err != nil {
		log.Printf("level=warn component=ledger_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, status)
		return fmt.Errorf("failed to decode error response (status %d)", status)
	}
	log.Printf("level=warn component=ledger_client op=%s status=%d title=%q", op, status, firstErrorTitle(errResp))
	return errResp
}

func firstErrorTitle(resp *ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}
