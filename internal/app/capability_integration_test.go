package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/pkg/ledgerclient"
	"github.com/streampay/payment-service/pkg/streamclient"
)

func TestHandleQuoting_AgainstStreamConnector(t *testing.T) {
	sessionCloses := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"session_id":"sess_abc"}`)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/sessions/"):
			sessionCloses++
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/payments/setup":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"asset_code":"EUR","asset_scale":2,"url":"https://receiver.example/bob"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/payments/quote":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"target_type":"send","min_delivery_amount":950,"max_source_amount":1010,"min_exchange_rate":0.95,"low_exchange_rate_estimate":0.96,"high_exchange_rate_estimate":0.99}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := streamclient.NewClient(server.URL, "test-key")
	svc := newTestService(t, Deps{
		Repo:      &repoStub{},
		Streaming: &StreamService{Client: client},
		Plugins:   &StreamPluginFactory{Client: client},
	})

	patch, err := svc.HandlePayment(context.Background(), quotingPayment(1000, false))
	if err != nil {
		t.Fatalf("HandlePayment returned error: %v", err)
	}
	if patch.State == nil || *patch.State != domain.PaymentStateReady {
		t.Fatalf("expected ready, got %+v", patch.State)
	}
	if patch.Quote == nil || patch.Quote.MaxSourceAmount != 1010 {
		t.Fatalf("expected the connector quote persisted, got %+v", patch.Quote)
	}
	if sessionCloses != 1 {
		t.Fatalf("expected exactly one session close, got %d", sessionCloses)
	}
}

func TestHandleQuoting_ConnectorCodedFailureRetries(t *testing.T) {
	sessionCloses := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"session_id":"sess_abc"}`)
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/sessions/"):
			sessionCloses++
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/payments/setup":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"code":"ConnectorError","message":"no route to receiver"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := streamclient.NewClient(server.URL, "test-key")
	svc := newTestService(t, Deps{
		Repo:      &repoStub{},
		Streaming: &StreamService{Client: client},
		Plugins:   &StreamPluginFactory{Client: client},
	})

	patch, err := svc.HandlePayment(context.Background(), quotingPayment(1000, false))
	if err != nil {
		t.Fatalf("HandlePayment returned error: %v", err)
	}
	if patch.State == nil || *patch.State != domain.PaymentStateQuoting {
		t.Fatalf("expected a retryable connector failure to stay quoting, got %+v", patch.State)
	}
	if patch.StateAttempts == nil || *patch.StateAttempts != 1 {
		t.Fatalf("expected attempt increment, got %+v", patch.StateAttempts)
	}
	if sessionCloses != 1 {
		t.Fatalf("expected the session closed on the failure path, got %d closes", sessionCloses)
	}
}

func TestFundPayment_ReplayedLedgerTransferCountsAsApplied(t *testing.T) {
	transferCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/v1/transfers" {
			transferCalls++
			w.Header().Set("Content-Type", "application/json")
			// The ledger has already applied this transfer id.
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"errors":[{"title":"Conflict","detail":"transfer already applied"}]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	p := fundablePayment()
	repo := &repoStub{payment: p}
	svc := newTestService(t, Deps{
		Repo:       repo,
		Accounting: ledgerclient.NewClient(server.URL, "test-key"),
	})

	if _, err := svc.FundPayment(context.Background(), p.ID, 1050, "T1"); err != nil {
		t.Fatalf("expected a replayed transfer to count as applied, got %v", err)
	}
	if transferCalls != 1 {
		t.Fatalf("expected one transfer call, got %d", transferCalls)
	}
	patch := repo.lastPatch(t)
	if patch.State == nil || *patch.State != domain.PaymentStateSending {
		t.Fatalf("expected sending after idempotent funding, got %+v", patch.State)
	}
}
