/**
 * @description
 * This file defines the capability contracts the engine depends on and the
 * explicit dependencies record used to construct the service. The engine
 * never resolves collaborators from globals; everything it touches is
 * injected here.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and persistence contract.
 * - pkg/rabbitmq: Event publishing interface.
 */

package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/internal/store"
	"github.com/streampay/payment-service/pkg/rabbitmq"
)

// AccountingService is the remote ledger capability. Transfers are
// idempotent per transfer id.
type AccountingService interface {
	CreateTransfer(ctx context.Context, transferID string, sourceAccountID, destinationAccountID uuid.UUID, amount int64) error
	TotalSent(ctx context.Context, accountID uuid.UUID) (int64, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
}

// RatesService resolves the price map for a base asset.
type RatesService interface {
	Prices(ctx context.Context, baseAssetCode string) (map[string]float64, error)
}

// Plugin is a scoped connection to the streaming network on behalf of one
// source account. It must be closed on every exit path.
type Plugin interface {
	SessionID() string
	Close(ctx context.Context) error
}

// PluginFactory opens plugins for source accounts.
type PluginFactory interface {
	Open(ctx context.Context, sourceAccountID uuid.UUID) (Plugin, error)
}

// SetupParams identifies the payment destination to resolve.
type SetupParams struct {
	PaymentPointer string
	InvoiceURL     string
}

// Destination describes the resolved receiver.
type Destination struct {
	AssetCode       string
	AssetScale      int
	URL             string
	AmountToDeliver *int64
}

// QuoteParams parameterizes the rate probe.
type QuoteParams struct {
	Destination  Destination
	AmountToSend *int64
	Slippage     float64
	Prices       map[string]float64
}

// StreamQuote is the streaming layer's priced plan.
type StreamQuote struct {
	TargetType               domain.PaymentTargetType
	MinDeliveryAmount        int64
	MaxSourceAmount          int64
	MinExchangeRate          float64
	LowExchangeRateEstimate  float64
	HighExchangeRateEstimate float64
}

// PayParams starts or resumes packetized sending. ProgressAmountSent is the
// amount prior attempts already sent, read back from accounting.
type PayParams struct {
	Destination        Destination
	Quote              domain.Quote
	ProgressAmountSent int64
}

// PayOutcome reports a completed send.
type PayOutcome struct {
	AmountSent      int64
	AmountDelivered int64
}

// StreamingService is the remote STREAM capability: destination resolution,
// rate probing, and packetized sending.
type StreamingService interface {
	SetupPayment(ctx context.Context, plugin Plugin, params SetupParams) (*Destination, error)
	StartQuote(ctx context.Context, plugin Plugin, params QuoteParams) (*StreamQuote, error)
	Pay(ctx context.Context, plugin Plugin, params PayParams) (*PayOutcome, error)
}

// SubAccount is the account-service's description of a freshly created
// payment sub-account.
type SubAccount struct {
	ID         uuid.UUID
	AssetCode  string
	AssetScale int
}

// SubAccountFactory provisions sub-accounts under a funding super-account.
type SubAccountFactory interface {
	CreateSubAccount(ctx context.Context, superAccountID uuid.UUID) (*SubAccount, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// EngineConfig carries the lifecycle tuning knobs.
type EngineConfig struct {
	Slippage           float64
	QuoteLifespan      time.Duration
	MaxQuoteAttempts   int
	MaxSendAttempts    int
	WorkerIdleInterval time.Duration
	WorkerCount        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
}

// DefaultEngineConfig returns the tuning defaults used when a field is left
// at its zero value.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Slippage:           0.01,
		QuoteLifespan:      60 * time.Second,
		MaxQuoteAttempts:   5,
		MaxSendAttempts:    5,
		WorkerIdleInterval: time.Second,
		WorkerCount:        4,
		BackoffBase:        time.Second,
		BackoffMax:         time.Minute,
	}
}

// Deps is the explicit dependencies record for the engine.
type Deps struct {
	Repo        store.Repository
	Accounting  AccountingService
	Rates       RatesService
	Streaming   StreamingService
	SubAccounts SubAccountFactory
	Plugins     PluginFactory
	Events      rabbitmq.Publisher
	Clock       Clock
	Logger      *slog.Logger
	Config      EngineConfig
}

func (c EngineConfig) withDefaults() EngineConfig {
	defaults := DefaultEngineConfig()
	if c.Slippage <= 0 {
		c.Slippage = defaults.Slippage
	}
	if c.QuoteLifespan <= 0 {
		c.QuoteLifespan = defaults.QuoteLifespan
	}
	if c.MaxQuoteAttempts <= 0 {
		c.MaxQuoteAttempts = defaults.MaxQuoteAttempts
	}
	if c.MaxSendAttempts <= 0 {
		c.MaxSendAttempts = defaults.MaxSendAttempts
	}
	if c.WorkerIdleInterval <= 0 {
		c.WorkerIdleInterval = defaults.WorkerIdleInterval
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaults.WorkerCount
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	return c
}
