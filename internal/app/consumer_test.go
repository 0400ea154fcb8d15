package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/streampay/payment-service/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTransferSettledConsumer_WakesSendingPayment(t *testing.T) {
	repo := &repoStub{clearWoken: true}
	consumer := NewTransferSettledConsumer(repo, discardLogger())

	accountID := uuid.New()
	body, _ := json.Marshal(domain.TransferSettledEvent{
		TransferID: "tr-1",
		AccountID:  accountID,
		Amount:     250,
	})

	if !consumer.HandleMessage(body) {
		t.Fatal("expected the event acknowledged")
	}
	if len(repo.clearedAccounts) != 1 || repo.clearedAccounts[0] != accountID {
		t.Fatalf("expected backoff cleared for the event's account, got %v", repo.clearedAccounts)
	}
}

func TestTransferSettledConsumer_MalformedPayloadIsDropped(t *testing.T) {
	repo := &repoStub{}
	consumer := NewTransferSettledConsumer(repo, discardLogger())

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("expected malformed payloads acknowledged to drop")
	}
	if len(repo.clearedAccounts) != 0 {
		t.Fatal("did not expect a store call for a malformed payload")
	}
}

func TestTransferSettledConsumer_MissingAccountIsDropped(t *testing.T) {
	repo := &repoStub{}
	consumer := NewTransferSettledConsumer(repo, discardLogger())

	body, _ := json.Marshal(domain.TransferSettledEvent{TransferID: "tr-2"})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected events without an account acknowledged to drop")
	}
	if len(repo.clearedAccounts) != 0 {
		t.Fatal("did not expect a store call without an account id")
	}
}

func TestTransferSettledConsumer_StoreFailureRequeues(t *testing.T) {
	repo := &repoStub{clearErr: errors.New("db unavailable")}
	consumer := NewTransferSettledConsumer(repo, discardLogger())

	body, _ := json.Marshal(domain.TransferSettledEvent{
		TransferID: "tr-3",
		AccountID:  uuid.New(),
	})
	if consumer.HandleMessage(body) {
		t.Fatal("expected a store failure to requeue the event")
	}
}
