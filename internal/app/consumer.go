package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/internal/store"
)

// TransferSettledConsumer reacts to accounting settlement events by waking
// the affected Sending payment: its scheduled backoff is cleared so the next
// worker poll reflects delivery progress promptly.
type TransferSettledConsumer struct {
	repo   store.Repository
	logger *slog.Logger
}

func NewTransferSettledConsumer(repo store.Repository, logger *slog.Logger) *TransferSettledConsumer {
	return &TransferSettledConsumer{repo: repo, logger: logger}
}

// HandleMessage processes one settlement event. Returning false requeues the
// delivery.
func (c *TransferSettledConsumer) HandleMessage(body []byte) bool {
	var event domain.TransferSettledEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("settlement event unmarshal failed; dropping", "error", err)
		return true
	}

	if event.AccountID == uuid.Nil {
		c.logger.Warn("settlement event missing account id; dropping", "transfer_id", event.TransferID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	woken, err := c.repo.ClearSendingBackoffByAccount(ctx, event.AccountID)
	if err != nil {
		c.logger.Error("failed to clear sending backoff",
			"account_id", event.AccountID,
			"transfer_id", event.TransferID,
			"error", err,
		)
		return false
	}
	if woken {
		c.logger.Info("sending payment woken by settlement",
			"account_id", event.AccountID,
			"transfer_id", event.TransferID,
		)
	}
	return true
}
