/**
 * @description
 * This file defines the core domain models for the payment-service.
 * These structs represent the outgoing payment aggregate and its value
 * objects, used throughout the service's business logic, database
 * interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the asset's
 *   smallest unit, which avoids floating-point inaccuracies with financial
 *   data. Negative amounts are rejected at the API boundary.
 * - Nullable attributes (quote, destination, error, backoff timestamp) use
 *   pointer fields so the database NULLs round-trip cleanly.
 */

package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// PaymentState is the lifecycle state of an outgoing payment.
type PaymentState string

const (
	PaymentStateQuoting    PaymentState = "quoting"
	PaymentStateReady      PaymentState = "ready"
	PaymentStateActivated  PaymentState = "activated"
	PaymentStateSending    PaymentState = "sending"
	PaymentStateCancelling PaymentState = "cancelling"
	PaymentStateCancelled  PaymentState = "cancelled"
	PaymentStateCompleted  PaymentState = "completed"
)

// Terminal reports whether the state admits no further worker transitions.
func (s PaymentState) Terminal() bool {
	return s == PaymentStateCancelled || s == PaymentStateCompleted
}

// Workable reports whether the worker loop actively drives this state.
// Ready and Activated rows are only picked up once their quote expires.
func (s PaymentState) Workable() bool {
	switch s {
	case PaymentStateQuoting, PaymentStateSending, PaymentStateCancelling:
		return true
	default:
		return false
	}
}

// IntentKind discriminates the two supported payment intents.
type IntentKind string

const (
	IntentFixedSend IntentKind = "fixed_send"
	IntentInvoice   IntentKind = "invoice"
)

// ErrInvalidIntent is returned when an intent is not exactly one of
// fixed-send (payment pointer plus a positive source amount) or invoice.
var ErrInvalidIntent = errors.New("invalid payment intent")

// Intent is the immutable user intent captured at creation.
type Intent struct {
	PaymentPointer string `json:"payment_pointer,omitempty"`
	InvoiceURL     string `json:"invoice_url,omitempty"`
	AmountToSend   *int64 `json:"amount_to_send,omitempty"`
	AutoApprove    bool   `json:"auto_approve"`
}

// Kind validates the intent and returns its discriminator. The two variants
// are mutually exclusive and a fixed-send amount must be positive.
func (i Intent) Kind() (IntentKind, error) {
	hasPointer := i.PaymentPointer != ""
	hasInvoice := i.InvoiceURL != ""

	switch {
	case hasPointer && hasInvoice:
		return "", ErrInvalidIntent
	case hasPointer:
		if i.AmountToSend == nil || *i.AmountToSend <= 0 {
			return "", ErrInvalidIntent
		}
		return IntentFixedSend, nil
	case hasInvoice:
		if i.AmountToSend != nil {
			return "", ErrInvalidIntent
		}
		return IntentInvoice, nil
	default:
		return "", ErrInvalidIntent
	}
}

// PaymentTargetType distinguishes fixed-source-amount quotes from
// fixed-delivery (invoice) quotes.
type PaymentTargetType string

const (
	TargetTypeSend    PaymentTargetType = "send"
	TargetTypeDeliver PaymentTargetType = "deliver"
)

// Account is the snapshot of the source sub-account captured at admission.
type Account struct {
	ID         uuid.UUID `json:"id"`
	AssetCode  string    `json:"asset_code"`
	AssetScale int       `json:"asset_scale"`
}

// DestinationAccount is the receiver-side snapshot captured at quoting.
type DestinationAccount struct {
	AssetCode  string `json:"asset_code"`
	AssetScale int    `json:"asset_scale"`
	URL        string `json:"url"`
}

// Quote is a priced plan, valid until ActivationDeadline, bounding source
// spend and guaranteeing a minimum delivered amount under the slippage budget.
type Quote struct {
	Timestamp                time.Time         `json:"timestamp"`
	ActivationDeadline       time.Time         `json:"activation_deadline"`
	TargetType               PaymentTargetType `json:"target_type"`
	MinDeliveryAmount        int64             `json:"min_delivery_amount"`
	MaxSourceAmount          int64             `json:"max_source_amount"`
	MinExchangeRate          float64           `json:"min_exchange_rate"`
	LowExchangeRateEstimate  float64           `json:"low_exchange_rate_estimate"`
	HighExchangeRateEstimate float64           `json:"high_exchange_rate_estimate"`
}

// Expired reports whether the quote can no longer be activated at the given
// instant. A deadline exactly equal to now counts as expired.
func (q Quote) Expired(now time.Time) bool {
	return !q.ActivationDeadline.After(now)
}

// Payment is the outgoing payment aggregate. It maps directly to the
// `outgoing_payments` table.
type Payment struct {
	ID                 uuid.UUID           `json:"id"`
	State              PaymentState        `json:"state"`
	StateAttempts      int                 `json:"state_attempts"`
	Intent             Intent              `json:"intent"`
	ClientToken        *string             `json:"-"`
	AccountID          uuid.UUID           `json:"account_id"`
	SuperAccountID     uuid.UUID           `json:"super_account_id"`
	SourceAccount      Account             `json:"source_account"`
	DestinationAccount *DestinationAccount `json:"destination_account,omitempty"`
	Quote              *Quote              `json:"quote,omitempty"`
	Error              *PaymentError       `json:"error,omitempty"`
	ProcessAt          *time.Time          `json:"-"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// PaymentListOptions controls cursor paging over an account's payments.
type PaymentListOptions struct {
	Cursor   string
	Limit    int
	Backward bool
}

// PageInfo mirrors the forward/backward paging contract of the list API.
type PageInfo struct {
	HasNextPage     bool   `json:"has_next_page"`
	HasPreviousPage bool   `json:"has_previous_page"`
	StartCursor     string `json:"start_cursor,omitempty"`
	EndCursor       string `json:"end_cursor,omitempty"`
}

// PaymentPage is one page of an account's payments, newest first.
type PaymentPage struct {
	Payments []Payment `json:"payments"`
	PageInfo PageInfo  `json:"page_info"`
}
