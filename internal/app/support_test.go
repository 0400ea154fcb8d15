package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/internal/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, deps Deps) *Service {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return testNow }
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return NewService(deps)
}

// fakeTx satisfies pgx.Tx for stubs; the repository stubs ignore it.
type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}
func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *fakeTx) Conn() *pgx.Conn                                               { return nil }

// repoStub is the shared repository stub. Unimplemented methods panic via the
// embedded nil interface, which flags unexpected calls in tests.
type repoStub struct {
	store.Repository

	tx *fakeTx

	payment      *domain.Payment
	nextEligible *domain.Payment
	patches      []store.PaymentPatch
	patchErr     error

	created   *domain.Payment
	createErr error

	tokenPayment *domain.Payment
	tokenErr     error
	tokenCalls   int

	clearedAccounts []uuid.UUID
	clearWoken      bool
	clearErr        error

	expiredCount   int64
	expireErr      error
	expireAsOf     time.Time
	staleCount     int64
	staleErr       error
	staleOlderThan time.Time
}

func (r *repoStub) Begin(ctx context.Context) (pgx.Tx, error) {
	r.tx = &fakeTx{}
	return r.tx, nil
}

func (r *repoStub) GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payment, error) {
	if r.payment == nil || r.payment.ID != id {
		return nil, store.ErrPaymentNotFound
	}
	return r.payment, nil
}

func (r *repoStub) NextEligibleForUpdate(ctx context.Context, tx pgx.Tx, now time.Time) (*domain.Payment, error) {
	return r.nextEligible, nil
}

func (r *repoStub) PatchPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID, patch store.PaymentPatch) error {
	if r.patchErr != nil {
		return r.patchErr
	}
	r.patches = append(r.patches, patch)
	return nil
}

func (r *repoStub) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	if r.payment == nil || r.payment.ID != id {
		return nil, store.ErrPaymentNotFound
	}
	return r.payment, nil
}

func (r *repoStub) CreatePayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	created := *p
	created.CreatedAt = testNow
	created.UpdatedAt = testNow
	r.created = &created
	return &created, nil
}

func (r *repoStub) FindPaymentByClientToken(ctx context.Context, superAccountID uuid.UUID, token string) (*domain.Payment, error) {
	r.tokenCalls++
	if r.tokenErr != nil {
		return nil, r.tokenErr
	}
	if r.tokenPayment == nil {
		return nil, store.ErrPaymentNotFound
	}
	return r.tokenPayment, nil
}

func (r *repoStub) ClearSendingBackoffByAccount(ctx context.Context, accountID uuid.UUID) (bool, error) {
	if r.clearErr != nil {
		return false, r.clearErr
	}
	r.clearedAccounts = append(r.clearedAccounts, accountID)
	return r.clearWoken, nil
}

func (r *repoStub) ExpireStaleQuotes(ctx context.Context, now time.Time) (int64, error) {
	r.expireAsOf = now
	return r.expiredCount, r.expireErr
}

func (r *repoStub) CountStalePayments(ctx context.Context, olderThan time.Time) (int64, error) {
	r.staleOlderThan = olderThan
	return r.staleCount, r.staleErr
}

func (r *repoStub) lastPatch(t *testing.T) store.PaymentPatch {
	t.Helper()
	if len(r.patches) == 0 {
		t.Fatal("expected a payment patch to be written")
	}
	return r.patches[len(r.patches)-1]
}

type pluginStub struct {
	id     string
	closed int
}

func (p *pluginStub) SessionID() string               { return p.id }
func (p *pluginStub) Close(ctx context.Context) error { p.closed++; return nil }

type pluginFactoryStub struct {
	plugin *pluginStub
	err    error
	opened int
}

func (f *pluginFactoryStub) Open(ctx context.Context, sourceAccountID uuid.UUID) (Plugin, error) {
	f.opened++
	if f.err != nil {
		return nil, f.err
	}
	if f.plugin == nil {
		f.plugin = &pluginStub{id: "sess-1"}
	}
	return f.plugin, nil
}

type streamingStub struct {
	destination *Destination
	setupErr    error
	setupCalls  int

	quote      *StreamQuote
	quoteErr   error
	quoteCalls int
	lastQuote  QuoteParams

	outcome  *PayOutcome
	payErr   error
	payCalls int
	lastPay  PayParams
}

func (s *streamingStub) SetupPayment(ctx context.Context, plugin Plugin, params SetupParams) (*Destination, error) {
	s.setupCalls++
	if s.setupErr != nil {
		return nil, s.setupErr
	}
	return s.destination, nil
}

func (s *streamingStub) StartQuote(ctx context.Context, plugin Plugin, params QuoteParams) (*StreamQuote, error) {
	s.quoteCalls++
	s.lastQuote = params
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	return s.quote, nil
}

func (s *streamingStub) Pay(ctx context.Context, plugin Plugin, params PayParams) (*PayOutcome, error) {
	s.payCalls++
	s.lastPay = params
	if s.payErr != nil {
		return nil, s.payErr
	}
	if s.outcome == nil {
		return &PayOutcome{}, nil
	}
	return s.outcome, nil
}

type transferCall struct {
	TransferID  string
	Source      uuid.UUID
	Destination uuid.UUID
	Amount      int64
}

type accountingStub struct {
	transfers   []transferCall
	transferErr error

	totalSent    int64
	totalSentErr error

	balance    int64
	balanceErr error
}

func (a *accountingStub) CreateTransfer(ctx context.Context, transferID string, sourceAccountID, destinationAccountID uuid.UUID, amount int64) error {
	if a.transferErr != nil {
		return a.transferErr
	}
	a.transfers = append(a.transfers, transferCall{
		TransferID:  transferID,
		Source:      sourceAccountID,
		Destination: destinationAccountID,
		Amount:      amount,
	})
	return nil
}

func (a *accountingStub) TotalSent(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return a.totalSent, a.totalSentErr
}

func (a *accountingStub) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return a.balance, a.balanceErr
}

type ratesStub struct {
	prices map[string]float64
	err    error
	calls  int
}

func (r *ratesStub) Prices(ctx context.Context, baseAssetCode string) (map[string]float64, error) {
	r.calls++
	return r.prices, r.err
}

type subAccountsStub struct {
	account *SubAccount
	err     error
	calls   int
}

func (s *subAccountsStub) CreateSubAccount(ctx context.Context, superAccountID uuid.UUID) (*SubAccount, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.account, nil
}

func int64ptr(v int64) *int64 { return &v }

func quotingPayment(amount int64, autoApprove bool) *domain.Payment {
	return &domain.Payment{
		ID:    uuid.New(),
		State: domain.PaymentStateQuoting,
		Intent: domain.Intent{
			PaymentPointer: "$receiver.example/bob",
			AmountToSend:   int64ptr(amount),
			AutoApprove:    autoApprove,
		},
		AccountID:      uuid.New(),
		SuperAccountID: uuid.New(),
		SourceAccount: domain.Account{
			AssetCode:  "USD",
			AssetScale: 2,
		},
	}
}

func sendingPayment(maxSource int64) *domain.Payment {
	p := quotingPayment(1000, true)
	p.State = domain.PaymentStateSending
	p.DestinationAccount = &domain.DestinationAccount{
		AssetCode:  "EUR",
		AssetScale: 2,
		URL:        "https://receiver.example/bob",
	}
	p.Quote = &domain.Quote{
		Timestamp:          testNow.Add(-time.Minute),
		ActivationDeadline: testNow.Add(time.Minute),
		TargetType:         domain.TargetTypeSend,
		MinDeliveryAmount:  950,
		MaxSourceAmount:    maxSource,
		MinExchangeRate:    0.95,
	}
	return p
}

func matchingDestination(p *domain.Payment) *Destination {
	return &Destination{
		AssetCode:  p.DestinationAccount.AssetCode,
		AssetScale: p.DestinationAccount.AssetScale,
		URL:        p.DestinationAccount.URL,
	}
}
