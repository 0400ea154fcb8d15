/**
 * @description
 * This file contains the command surface of the payment engine. The `Service`
 * struct owns payment admission and the caller-driven transitions (approve,
 * cancel, requote, fund), each executed inside a single transaction holding a
 * row lock on the target payment so they serialize against the worker loop.
 *
 * @dependencies
 * - context, errors, fmt, log/slog, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/accountclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/internal/store"
	"github.com/streampay/payment-service/pkg/accountclient"
	"github.com/streampay/payment-service/pkg/rabbitmq"
)

var (
	ErrUnknownAccount    = errors.New("unknown super account")
	ErrWrongState        = errors.New("payment is in the wrong state for this operation")
	ErrQuoteExpired      = errors.New("quote activation deadline has passed")
	ErrInsufficientFunds = errors.New("funding amount is below the quoted maximum source amount")
	ErrNegativeAmount    = errors.New("amount must not be negative")
)

// Service provides the command API and the lifecycle logic of the engine.
type Service struct {
	repo        store.Repository
	accounting  AccountingService
	rates       RatesService
	streaming   StreamingService
	subAccounts SubAccountFactory
	plugins     PluginFactory
	events      rabbitmq.Publisher
	clock       Clock
	logger      *slog.Logger
	cfg         EngineConfig
}

// NewService creates a new payment engine from its dependencies record.
func NewService(deps Deps) *Service {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        deps.Repo,
		accounting:  deps.Accounting,
		rates:       deps.Rates,
		streaming:   deps.Streaming,
		subAccounts: deps.SubAccounts,
		plugins:     deps.Plugins,
		events:      deps.Events,
		clock:       clock,
		logger:      logger,
		cfg:         deps.Config.withDefaults(),
	}
}

// CreatePaymentParams is the admission request for a new outgoing payment.
type CreatePaymentParams struct {
	SuperAccountID uuid.UUID
	Intent         domain.Intent
	ClientToken    string
}

// CreatePayment validates the intent, provisions a sub-account under the
// funding super-account, and persists the payment in Quoting. When a client
// token is supplied, retries return the payment persisted by the first call.
func (s *Service) CreatePayment(ctx context.Context, params CreatePaymentParams) (*domain.Payment, error) {
	if _, err := params.Intent.Kind(); err != nil {
		return nil, err
	}

	if params.ClientToken != "" {
		existing, err := s.repo.FindPaymentByClientToken(ctx, params.SuperAccountID, params.ClientToken)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrPaymentNotFound) {
			return nil, fmt.Errorf("failed to resolve client token: %w", err)
		}
	}

	sub, err := s.subAccounts.CreateSubAccount(ctx, params.SuperAccountID)
	if err != nil {
		var acctErr *accountclient.ErrorResponse
		if errors.As(err, &acctErr) && acctErr.StatusCode == 404 {
			return nil, ErrUnknownAccount
		}
		return nil, fmt.Errorf("failed to create sub-account: %w", err)
	}

	payment := &domain.Payment{
		ID:             uuid.New(),
		State:          domain.PaymentStateQuoting,
		Intent:         params.Intent,
		AccountID:      sub.ID,
		SuperAccountID: params.SuperAccountID,
		SourceAccount: domain.Account{
			ID:         sub.ID,
			AssetCode:  sub.AssetCode,
			AssetScale: sub.AssetScale,
		},
	}
	if params.ClientToken != "" {
		token := params.ClientToken
		payment.ClientToken = &token
	}

	created, err := s.repo.CreatePayment(ctx, payment)
	if err != nil {
		if errors.Is(err, store.ErrClientTokenExists) && params.ClientToken != "" {
			// A concurrent retry won the insert; hand back its payment.
			return s.repo.FindPaymentByClientToken(ctx, params.SuperAccountID, params.ClientToken)
		}
		return nil, fmt.Errorf("failed to persist payment: %w", err)
	}

	s.publishState(ctx, created)
	s.logger.Info("payment admitted",
		"payment_id", created.ID,
		"super_account_id", created.SuperAccountID,
		"account_id", created.AccountID,
	)
	return created, nil
}

// ApprovePayment moves a Ready payment to Activated.
func (s *Service) ApprovePayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.mutate(ctx, id, func(p *domain.Payment) (store.PaymentPatch, error) {
		if p.State != domain.PaymentStateReady {
			return store.PaymentPatch{}, ErrWrongState
		}
		return transitionPatch(domain.PaymentStateActivated), nil
	})
}

// CancelPayment moves a Ready payment to Cancelling with a CancelledByAPI
// error; the worker unwinds any reserved funds.
func (s *Service) CancelPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.mutate(ctx, id, func(p *domain.Payment) (store.PaymentPatch, error) {
		if p.State != domain.PaymentStateReady {
			return store.PaymentPatch{}, ErrWrongState
		}
		patch := transitionPatch(domain.PaymentStateCancelling)
		code := domain.PaymentErrorCancelledByAPI
		patch.Error = &code
		return patch, nil
	})
}

// RequotePayment resets a Cancelled payment back to Quoting for another
// attempt. Administrative; the only mutation allowed on a terminal row.
func (s *Service) RequotePayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.mutate(ctx, id, func(p *domain.Payment) (store.PaymentPatch, error) {
		if p.State != domain.PaymentStateCancelled {
			return store.PaymentPatch{}, ErrWrongState
		}
		patch := transitionPatch(domain.PaymentStateQuoting)
		patch.ClearQuote = true
		patch.ClearError = true
		return patch, nil
	})
}

// FundPayment transfers the requested amount, which must be at least the
// quoted maximum source amount, from the super-account to the sub-account and
// moves an Activated payment to Sending. The accounting transfer is idempotent per
// transfer id, so a retried fund never double-reserves.
func (s *Service) FundPayment(ctx context.Context, id uuid.UUID, amount int64, transferID string) (*domain.Payment, error) {
	if amount < 0 {
		return nil, ErrNegativeAmount
	}
	if transferID == "" {
		return nil, errors.New("transfer id is required")
	}
	return s.mutate(ctx, id, func(p *domain.Payment) (store.PaymentPatch, error) {
		if p.State != domain.PaymentStateActivated || p.Quote == nil {
			return store.PaymentPatch{}, ErrWrongState
		}
		if p.Quote.Expired(s.clock()) {
			return store.PaymentPatch{}, ErrQuoteExpired
		}
		if amount < p.Quote.MaxSourceAmount {
			return store.PaymentPatch{}, ErrInsufficientFunds
		}
		if err := s.accounting.CreateTransfer(ctx, "fund:"+transferID, p.SuperAccountID, p.AccountID, amount); err != nil {
			return store.PaymentPatch{}, fmt.Errorf("failed to fund payment: %w", err)
		}
		return transitionPatch(domain.PaymentStateSending), nil
	})
}

// GetPayment retrieves a payment by id.
func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// ListPaymentsByAccount pages a sub-account's payments.
func (s *Service) ListPaymentsByAccount(ctx context.Context, accountID uuid.UUID, opts domain.PaymentListOptions) (*domain.PaymentPage, error) {
	return s.repo.ListPaymentsByAccount(ctx, accountID, opts)
}

// mutate runs a caller-driven transition inside a single transaction with the
// target row locked, then commits the patch and publishes the resulting state.
func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(p *domain.Payment) (store.PaymentPatch, error)) (*domain.Payment, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	payment, err := s.repo.GetPaymentForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	patch, err := fn(payment)
	if err != nil {
		return nil, err
	}

	if err := s.repo.PatchPayment(ctx, tx, id, patch); err != nil {
		return nil, fmt.Errorf("failed to patch payment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	updated, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.State != nil {
		s.publishState(ctx, updated)
	}
	return updated, nil
}

// transitionPatch starts a patch that moves the payment to a new state,
// resetting the attempt counter and any scheduled backoff.
func transitionPatch(next domain.PaymentState) store.PaymentPatch {
	state := next
	zero := 0
	return store.PaymentPatch{
		State:          &state,
		StateAttempts:  &zero,
		ClearProcessAt: true,
	}
}

// publishState emits a payment.state.<state> event. Publishing is
// best-effort; a broker failure never blocks the transition that already
// committed.
func (s *Service) publishState(ctx context.Context, p *domain.Payment) {
	if s.events == nil || p == nil {
		return
	}
	event := rabbitmq.PaymentStateEvent{
		EventID:       uuid.New(),
		PaymentID:     p.ID,
		AccountID:     p.AccountID,
		State:         string(p.State),
		StateAttempts: p.StateAttempts,
		OccurredAt:    s.clock().UTC(),
	}
	if p.Error != nil {
		event.Error = string(*p.Error)
	}
	if err := s.events.PublishPaymentStateEvent(ctx, event); err != nil {
		s.logger.Warn("payment state event publish failed",
			"payment_id", p.ID,
			"state", p.State,
			"error", err,
		)
	}
}
