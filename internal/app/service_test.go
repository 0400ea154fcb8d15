package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/pkg/accountclient"
)

func testSubAccounts() *subAccountsStub {
	return &subAccountsStub{account: &SubAccount{
		ID:         uuid.New(),
		AssetCode:  "USD",
		AssetScale: 2,
	}}
}

func TestCreatePayment_RejectsInvalidIntents(t *testing.T) {
	svc := newTestService(t, Deps{Repo: &repoStub{}, SubAccounts: testSubAccounts()})

	cases := []struct {
		name   string
		intent domain.Intent
	}{
		{"empty", domain.Intent{}},
		{"both variants", domain.Intent{PaymentPointer: "$x/y", AmountToSend: int64ptr(10), InvoiceURL: "https://rcv/invoice/1"}},
		{"pointer without amount", domain.Intent{PaymentPointer: "$x/y"}},
		{"zero amount", domain.Intent{PaymentPointer: "$x/y", AmountToSend: int64ptr(0)}},
		{"invoice with amount", domain.Intent{InvoiceURL: "https://rcv/invoice/1", AmountToSend: int64ptr(10)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePayment(context.Background(), CreatePaymentParams{
				SuperAccountID: uuid.New(),
				Intent:         tc.intent,
			})
			if !errors.Is(err, domain.ErrInvalidIntent) {
				t.Fatalf("expected ErrInvalidIntent, got %v", err)
			}
		})
	}
}

func TestCreatePayment_AdmitsInQuotingWithSubAccount(t *testing.T) {
	repo := &repoStub{}
	subAccounts := testSubAccounts()
	svc := newTestService(t, Deps{Repo: repo, SubAccounts: subAccounts})

	superID := uuid.New()
	payment, err := svc.CreatePayment(context.Background(), CreatePaymentParams{
		SuperAccountID: superID,
		Intent:         domain.Intent{PaymentPointer: "$x/y", AmountToSend: int64ptr(1000), AutoApprove: true},
	})
	if err != nil {
		t.Fatalf("CreatePayment returned error: %v", err)
	}

	if payment.State != domain.PaymentStateQuoting {
		t.Fatalf("expected admission in quoting, got %s", payment.State)
	}
	if payment.AccountID != subAccounts.account.ID {
		t.Fatal("expected the provisioned sub-account as the payment account")
	}
	if payment.SourceAccount.AssetCode != "USD" || payment.SourceAccount.AssetScale != 2 {
		t.Fatalf("expected source asset snapshot from the sub-account, got %+v", payment.SourceAccount)
	}
	if payment.SuperAccountID != superID {
		t.Fatal("expected the funding super-account recorded")
	}
	if repo.created == nil {
		t.Fatal("expected the payment persisted")
	}
}

func TestCreatePayment_UnknownSuperAccount(t *testing.T) {
	svc := newTestService(t, Deps{
		Repo:        &repoStub{},
		SubAccounts: &subAccountsStub{err: &accountclient.ErrorResponse{StatusCode: 404}},
	})

	_, err := svc.CreatePayment(context.Background(), CreatePaymentParams{
		SuperAccountID: uuid.New(),
		Intent:         domain.Intent{InvoiceURL: "https://rcv/invoice/42"},
	})
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestCreatePayment_ClientTokenReturnsExistingPayment(t *testing.T) {
	existing := quotingPayment(1000, false)
	repo := &repoStub{tokenPayment: existing}
	subAccounts := testSubAccounts()
	svc := newTestService(t, Deps{Repo: repo, SubAccounts: subAccounts})

	payment, err := svc.CreatePayment(context.Background(), CreatePaymentParams{
		SuperAccountID: existing.SuperAccountID,
		Intent:         existing.Intent,
		ClientToken:    "tok-1",
	})
	if err != nil {
		t.Fatalf("CreatePayment returned error: %v", err)
	}
	if payment.ID != existing.ID {
		t.Fatal("expected the retried create to return the original payment")
	}
	if subAccounts.calls != 0 {
		t.Fatal("did not expect another sub-account for an idempotent retry")
	}
}

func TestApprovePayment_TransitionsReadyToActivated(t *testing.T) {
	p := quotingPayment(1000, false)
	p.State = domain.PaymentStateReady
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{Repo: repo})

	if _, err := svc.ApprovePayment(context.Background(), p.ID); err != nil {
		t.Fatalf("ApprovePayment returned error: %v", err)
	}

	patch := repo.lastPatch(t)
	if patch.State == nil || *patch.State != domain.PaymentStateActivated {
		t.Fatalf("expected activation, got %+v", patch.State)
	}
	if !repo.tx.committed {
		t.Fatal("expected the transition committed")
	}
}

func TestApprovePayment_WrongStateLeavesRowUntouched(t *testing.T) {
	p := quotingPayment(1000, false) // still quoting
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{Repo: repo})

	if _, err := svc.ApprovePayment(context.Background(), p.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
	if len(repo.patches) != 0 {
		t.Fatal("did not expect a patch on a wrong-state approve")
	}
	if repo.tx.committed {
		t.Fatal("expected the transaction rolled back")
	}
}

func TestCancelPayment_ReadyMovesToCancelling(t *testing.T) {
	p := quotingPayment(1000, false)
	p.State = domain.PaymentStateReady
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{Repo: repo})

	if _, err := svc.CancelPayment(context.Background(), p.ID); err != nil {
		t.Fatalf("CancelPayment returned error: %v", err)
	}
	patch := repo.lastPatch(t)
	if patch.State == nil || *patch.State != domain.PaymentStateCancelling {
		t.Fatalf("expected cancelling, got %+v", patch.State)
	}
	if patch.Error == nil || *patch.Error != domain.PaymentErrorCancelledByAPI {
		t.Fatalf("expected CancelledByAPI error code, got %+v", patch.Error)
	}
}

func TestRequotePayment_ResetsCancelledPayment(t *testing.T) {
	p := quotingPayment(1000, false)
	p.State = domain.PaymentStateCancelled
	code := domain.PaymentErrorQuoteFailed
	p.Error = &code
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{Repo: repo})

	if _, err := svc.RequotePayment(context.Background(), p.ID); err != nil {
		t.Fatalf("RequotePayment returned error: %v", err)
	}
	patch := repo.lastPatch(t)
	if patch.State == nil || *patch.State != domain.PaymentStateQuoting {
		t.Fatalf("expected requote back to quoting, got %+v", patch.State)
	}
	if !patch.ClearQuote || !patch.ClearError {
		t.Fatal("expected quote and error cleared on requote")
	}
	if patch.StateAttempts == nil || *patch.StateAttempts != 0 {
		t.Fatal("expected attempt counter reset on requote")
	}
}

func TestRequotePayment_NonTerminalRowIsRejected(t *testing.T) {
	p := quotingPayment(1000, false)
	p.State = domain.PaymentStateSending
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{Repo: repo})

	if _, err := svc.RequotePayment(context.Background(), p.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func fundablePayment() *domain.Payment {
	p := sendingPayment(1050)
	p.State = domain.PaymentStateActivated
	return p
}

func TestFundPayment_ReservesAndStartsSending(t *testing.T) {
	p := fundablePayment()
	repo := &repoStub{payment: p}
	accounting := &accountingStub{}
	svc := newTestService(t, Deps{Repo: repo, Accounting: accounting})

	if _, err := svc.FundPayment(context.Background(), p.ID, 1050, "T1"); err != nil {
		t.Fatalf("FundPayment returned error: %v", err)
	}

	if len(accounting.transfers) != 1 {
		t.Fatalf("expected one funding transfer, got %d", len(accounting.transfers))
	}
	transfer := accounting.transfers[0]
	if transfer.TransferID != "fund:T1" {
		t.Fatalf("expected transfer keyed by the client transfer id, got %q", transfer.TransferID)
	}
	if transfer.Source != p.SuperAccountID || transfer.Destination != p.AccountID {
		t.Fatal("expected funds moved from super-account to sub-account")
	}
	if transfer.Amount != 1050 {
		t.Fatalf("expected the requested amount transferred, got %d", transfer.Amount)
	}

	patch := repo.lastPatch(t)
	if patch.State == nil || *patch.State != domain.PaymentStateSending {
		t.Fatalf("expected sending after funding, got %+v", patch.State)
	}
}

func TestFundPayment_DeadlineOnEntryCountsAsExpired(t *testing.T) {
	p := fundablePayment()
	p.Quote.ActivationDeadline = testNow
	repo := &repoStub{payment: p}
	accounting := &accountingStub{}
	svc := newTestService(t, Deps{Repo: repo, Accounting: accounting})

	if _, err := svc.FundPayment(context.Background(), p.ID, 1050, "T1"); !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}
	if len(accounting.transfers) != 0 {
		t.Fatal("did not expect a transfer against an expired quote")
	}
}

func TestFundPayment_AmountBelowQuoteIsRejected(t *testing.T) {
	p := fundablePayment()
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{Repo: repo, Accounting: &accountingStub{}})

	if _, err := svc.FundPayment(context.Background(), p.ID, 1049, "T1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestFundPayment_WrongState(t *testing.T) {
	p := fundablePayment()
	p.State = domain.PaymentStateReady
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{Repo: repo, Accounting: &accountingStub{}})

	if _, err := svc.FundPayment(context.Background(), p.ID, 1050, "T1"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

func TestFundPayment_TransferFailureRollsBack(t *testing.T) {
	p := fundablePayment()
	repo := &repoStub{payment: p}
	accounting := &accountingStub{transferErr: errors.New("ledger unavailable")}
	svc := newTestService(t, Deps{Repo: repo, Accounting: accounting})

	if _, err := svc.FundPayment(context.Background(), p.ID, 1050, "T1"); err == nil {
		t.Fatal("expected funding failure to surface")
	}
	if len(repo.patches) != 0 {
		t.Fatal("did not expect a patch after a failed funding transfer")
	}
	if repo.tx.committed {
		t.Fatal("expected the transaction rolled back")
	}
}

func TestFundPayment_DeadlineJustAheadStillFunds(t *testing.T) {
	p := fundablePayment()
	p.Quote.ActivationDeadline = testNow.Add(time.Millisecond)
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{Repo: repo, Accounting: &accountingStub{}})

	if _, err := svc.FundPayment(context.Background(), p.ID, 1050, "T1"); err != nil {
		t.Fatalf("FundPayment returned error: %v", err)
	}
}
