package domain

import (
	"errors"
	"testing"
	"time"
)

func int64ptr(v int64) *int64 { return &v }

func TestIntentKind_ExhaustiveValidation(t *testing.T) {
	cases := []struct {
		name    string
		intent  Intent
		want    IntentKind
		wantErr bool
	}{
		{"fixed send", Intent{PaymentPointer: "$x/y", AmountToSend: int64ptr(1000)}, IntentFixedSend, false},
		{"invoice", Intent{InvoiceURL: "https://rcv/invoice/42"}, IntentInvoice, false},
		{"empty", Intent{}, "", true},
		{"both variants", Intent{PaymentPointer: "$x/y", AmountToSend: int64ptr(10), InvoiceURL: "https://rcv/invoice/42"}, "", true},
		{"pointer without amount", Intent{PaymentPointer: "$x/y"}, "", true},
		{"zero amount", Intent{PaymentPointer: "$x/y", AmountToSend: int64ptr(0)}, "", true},
		{"negative amount", Intent{PaymentPointer: "$x/y", AmountToSend: int64ptr(-5)}, "", true},
		{"invoice with amount", Intent{InvoiceURL: "https://rcv/invoice/42", AmountToSend: int64ptr(10)}, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, err := tc.intent.Kind()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidIntent) {
					t.Fatalf("expected ErrInvalidIntent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Kind returned error: %v", err)
			}
			if kind != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, kind)
			}
		})
	}
}

func TestQuoteExpired_DeadlineEqualToNowCountsAsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	q := Quote{ActivationDeadline: now}
	if !q.Expired(now) {
		t.Fatal("expected a deadline equal to now to count as expired")
	}

	q.ActivationDeadline = now.Add(time.Millisecond)
	if q.Expired(now) {
		t.Fatal("did not expect a future deadline to count as expired")
	}
}

func TestPaymentState_TerminalAndWorkable(t *testing.T) {
	if !PaymentStateCompleted.Terminal() || !PaymentStateCancelled.Terminal() {
		t.Fatal("expected completed and cancelled to be terminal")
	}
	for _, s := range []PaymentState{PaymentStateQuoting, PaymentStateReady, PaymentStateActivated, PaymentStateSending, PaymentStateCancelling} {
		if s.Terminal() {
			t.Fatalf("did not expect %s to be terminal", s)
		}
	}
	for _, s := range []PaymentState{PaymentStateQuoting, PaymentStateSending, PaymentStateCancelling} {
		if !s.Workable() {
			t.Fatalf("expected %s to be workable", s)
		}
	}
	for _, s := range []PaymentState{PaymentStateReady, PaymentStateActivated, PaymentStateCompleted, PaymentStateCancelled} {
		if s.Workable() {
			t.Fatalf("did not expect %s to be workable", s)
		}
	}
}
