package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransferSettledEvent represents the message emitted by the accounting
// service when a streaming transfer against a source account settles.
type TransferSettledEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	TransferID string    `json:"transfer_id"`
	AccountID  uuid.UUID `json:"account_id"`
	Amount     int64     `json:"amount"`
	AssetCode  string    `json:"asset_code"`
	OccurredAt time.Time `json:"occurred_at"`
}
