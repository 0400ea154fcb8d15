/**
 * @description
 * This file contains the lifecycle state machine of the outgoing payment
 * engine. Handlers take a payment the worker has locked, perform the external
 * effects for its state (rate probe, packetized send, refund), and return the
 * patch the worker commits. External results are gathered while the row lock
 * is held, so a payment is only ever driven by one worker at a time.
 *
 * Failure handling follows the error taxonomy: coded streaming failures are
 * classified terminal, retryable, or done; anything unclassified is returned
 * as an error so the worker rolls back without consuming an attempt.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/internal/store"
	"github.com/streampay/payment-service/pkg/streamclient"
)

// refundTransferPrefix keys the idempotent unwind transfer for a payment.
const refundTransferPrefix = "cancel:"

// HandlePayment dispatches a locked payment to the handler for its state and
// returns the patch to commit.
func (s *Service) HandlePayment(ctx context.Context, p *domain.Payment) (store.PaymentPatch, error) {
	switch p.State {
	case domain.PaymentStateQuoting:
		if p.StateAttempts > s.cfg.MaxQuoteAttempts {
			// Crash artifact: the counter outran the bound without a
			// transition. Give up rather than loop.
			return cancellingPatch(domain.PaymentErrorRetriesExhausted), nil
		}
		return s.handleQuoting(ctx, p)
	case domain.PaymentStateReady, domain.PaymentStateActivated:
		return s.handleExpiry(p)
	case domain.PaymentStateSending:
		if p.StateAttempts > s.cfg.MaxSendAttempts {
			return cancellingPatch(domain.PaymentErrorRetriesExhausted), nil
		}
		return s.handleSending(ctx, p)
	case domain.PaymentStateCancelling:
		return s.handleCancelling(ctx, p)
	default:
		return store.PaymentPatch{}, fmt.Errorf("payment %s is not workable in state %s", p.ID, p.State)
	}
}

// handleQuoting resolves the destination and probes a quote for the payment.
func (s *Service) handleQuoting(ctx context.Context, p *domain.Payment) (store.PaymentPatch, error) {
	plugin, err := s.plugins.Open(ctx, p.AccountID)
	if err != nil {
		return s.classifyQuoteFailure(p, err)
	}
	defer s.closePlugin(plugin, p)

	var prices map[string]float64
	if s.rates != nil {
		prices, err = s.rates.Prices(ctx, p.SourceAccount.AssetCode)
		if err != nil {
			s.logger.Warn("rates lookup failed",
				"payment_id", p.ID,
				"asset_code", p.SourceAccount.AssetCode,
				"error", err,
			)
			return s.retryQuoting(p), nil
		}
	}

	destination, err := s.streaming.SetupPayment(ctx, plugin, SetupParams{
		PaymentPointer: p.Intent.PaymentPointer,
		InvoiceURL:     p.Intent.InvoiceURL,
	})
	if err != nil {
		return s.classifyQuoteFailure(p, err)
	}

	quote, err := s.streaming.StartQuote(ctx, plugin, QuoteParams{
		Destination:  *destination,
		AmountToSend: p.Intent.AmountToSend,
		Slippage:     s.cfg.Slippage,
		Prices:       prices,
	})
	if err != nil {
		return s.classifyQuoteFailure(p, err)
	}
	if err := ctx.Err(); err != nil {
		return store.PaymentPatch{}, err
	}

	now := s.clock()
	next := domain.PaymentStateReady
	if p.Intent.AutoApprove {
		next = domain.PaymentStateActivated
	}
	patch := transitionPatch(next)
	patch.Quote = &domain.Quote{
		Timestamp:                now,
		ActivationDeadline:       now.Add(s.cfg.QuoteLifespan),
		TargetType:               quote.TargetType,
		MinDeliveryAmount:        quote.MinDeliveryAmount,
		MaxSourceAmount:          quote.MaxSourceAmount,
		MinExchangeRate:          quote.MinExchangeRate,
		LowExchangeRateEstimate:  quote.LowExchangeRateEstimate,
		HighExchangeRateEstimate: quote.HighExchangeRateEstimate,
	}
	patch.DestinationAccount = &domain.DestinationAccount{
		AssetCode:  destination.AssetCode,
		AssetScale: destination.AssetScale,
		URL:        destination.URL,
	}
	return patch, nil
}

// handleExpiry cancels a Ready/Activated payment whose activation deadline
// has passed. The worker only selects these rows once expired.
func (s *Service) handleExpiry(p *domain.Payment) (store.PaymentPatch, error) {
	if p.Quote == nil || !p.Quote.Expired(s.clock()) {
		return store.PaymentPatch{}, fmt.Errorf("payment %s in state %s is not expired", p.ID, p.State)
	}
	return cancellingPatch(domain.PaymentErrorQuoteExpired), nil
}

// handleSending resumes or starts the packetized send. Progress is read back
// from accounting so a crashed attempt never re-delivers value.
func (s *Service) handleSending(ctx context.Context, p *domain.Payment) (store.PaymentPatch, error) {
	if p.Quote == nil || p.DestinationAccount == nil {
		// A Sending row without a quote cannot make progress; unwind it.
		s.logger.Error("sending payment is missing its quote", "payment_id", p.ID)
		return cancellingPatch(domain.PaymentErrorSendFailed), nil
	}

	totalSent, err := s.accounting.TotalSent(ctx, p.AccountID)
	if err != nil {
		return store.PaymentPatch{}, fmt.Errorf("failed to read total sent: %w", err)
	}
	if totalSent >= p.Quote.MaxSourceAmount && p.Quote.TargetType == domain.TargetTypeSend {
		// A previous attempt already delivered the full source amount.
		return transitionPatch(domain.PaymentStateCompleted), nil
	}

	plugin, err := s.plugins.Open(ctx, p.AccountID)
	if err != nil {
		return s.classifySendFailure(p, err)
	}
	defer s.closePlugin(plugin, p)

	destination, err := s.streaming.SetupPayment(ctx, plugin, SetupParams{
		PaymentPointer: p.Intent.PaymentPointer,
		InvoiceURL:     p.Intent.InvoiceURL,
	})
	if err != nil {
		return s.classifySendFailure(p, err)
	}
	if destination.AssetCode != p.DestinationAccount.AssetCode || destination.AssetScale != p.DestinationAccount.AssetScale {
		return s.classifySendFailure(p, &streamclient.ErrorResponse{
			Code:    string(domain.PaymentErrorDestinationAssetConflict),
			Message: "destination asset changed since quoting",
		})
	}

	outcome, err := s.streaming.Pay(ctx, plugin, PayParams{
		Destination:        *destination,
		Quote:              *p.Quote,
		ProgressAmountSent: totalSent,
	})
	if err != nil {
		return s.classifySendFailure(p, err)
	}
	if err := ctx.Err(); err != nil {
		return store.PaymentPatch{}, err
	}

	s.logger.Info("payment delivered",
		"payment_id", p.ID,
		"amount_sent", outcome.AmountSent,
		"amount_delivered", outcome.AmountDelivered,
		"attempts", p.StateAttempts,
	)
	return transitionPatch(domain.PaymentStateCompleted), nil
}

// handleCancelling unwinds unreserved source funds back to the super-account.
// The refund transfer is idempotent per payment, so retries after a partial
// failure never move funds twice. Cancelling retries are unbounded; the row
// keeps its original error code throughout.
func (s *Service) handleCancelling(ctx context.Context, p *domain.Payment) (store.PaymentPatch, error) {
	balance, err := s.accounting.Balance(ctx, p.AccountID)
	if err != nil {
		s.logger.Warn("refund balance lookup failed", "payment_id", p.ID, "error", err)
		return s.retrySameState(p), nil
	}

	if balance > 0 {
		transferID := refundTransferPrefix + p.ID.String()
		if err := s.accounting.CreateTransfer(ctx, transferID, p.AccountID, p.SuperAccountID, balance); err != nil {
			s.logger.Warn("refund transfer failed",
				"payment_id", p.ID,
				"amount", balance,
				"attempts", p.StateAttempts,
				"error", err,
			)
			return s.retrySameState(p), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return store.PaymentPatch{}, err
	}

	return transitionPatch(domain.PaymentStateCancelled), nil
}

// classifyQuoteFailure maps a quoting failure onto the next transition.
func (s *Service) classifyQuoteFailure(p *domain.Payment, err error) (store.PaymentPatch, error) {
	code, ok := streamErrorCode(err)
	if !ok {
		return store.PaymentPatch{}, err
	}
	switch domain.Classify(code) {
	case domain.ErrorClassDone:
		return transitionPatch(domain.PaymentStateCompleted), nil
	case domain.ErrorClassTerminal:
		return cancellingPatch(code), nil
	default:
		return s.retryQuoting(p), nil
	}
}

// classifySendFailure maps a sending failure onto the next transition.
func (s *Service) classifySendFailure(p *domain.Payment, err error) (store.PaymentPatch, error) {
	code, ok := streamErrorCode(err)
	if !ok {
		return store.PaymentPatch{}, err
	}
	switch domain.Classify(code) {
	case domain.ErrorClassDone:
		return transitionPatch(domain.PaymentStateCompleted), nil
	case domain.ErrorClassTerminal:
		return cancellingPatch(code), nil
	default:
		return s.retryOrGiveUp(p, s.cfg.MaxSendAttempts, domain.PaymentErrorSendFailed), nil
	}
}

func (s *Service) retryQuoting(p *domain.Payment) store.PaymentPatch {
	return s.retryOrGiveUp(p, s.cfg.MaxQuoteAttempts, domain.PaymentErrorQuoteFailed)
}

// retryOrGiveUp increments the attempt counter and schedules the next try
// with exponential backoff, or moves to Cancelling once the bound is hit.
func (s *Service) retryOrGiveUp(p *domain.Payment, maxAttempts int, giveUp domain.PaymentError) store.PaymentPatch {
	attempts := p.StateAttempts + 1
	if attempts > maxAttempts {
		return cancellingPatch(giveUp)
	}
	return s.backoffPatch(p.State, attempts)
}

// retrySameState schedules another attempt without an upper bound.
func (s *Service) retrySameState(p *domain.Payment) store.PaymentPatch {
	return s.backoffPatch(p.State, p.StateAttempts+1)
}

func (s *Service) backoffPatch(state domain.PaymentState, attempts int) store.PaymentPatch {
	current := state
	at := s.clock().Add(backoffDelay(s.cfg.BackoffBase, s.cfg.BackoffMax, attempts))
	return store.PaymentPatch{
		State:         &current,
		StateAttempts: &attempts,
		ProcessAt:     &at,
	}
}

// cancellingPatch moves the payment into the unwind path with the given
// error code.
func cancellingPatch(code domain.PaymentError) store.PaymentPatch {
	patch := transitionPatch(domain.PaymentStateCancelling)
	patch.Error = &code
	return patch
}

// streamErrorCode extracts the payment error code from a coded streaming
// failure. Uncoded errors are unclassified and roll the transaction back.
func streamErrorCode(err error) (domain.PaymentError, bool) {
	var resp *streamclient.ErrorResponse
	if errors.As(err, &resp) && resp.Code != "" {
		return domain.PaymentError(resp.Code), true
	}
	return "", false
}

// closePlugin releases the plugin on every handler exit path. The release
// uses its own deadline so a cancelled handler context cannot leak sessions.
func (s *Service) closePlugin(plugin Plugin, p *domain.Payment) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := plugin.Close(closeCtx); err != nil {
		s.logger.Warn("plugin close failed",
			"payment_id", p.ID,
			"session_id", plugin.SessionID(),
			"error", err,
		)
	}
}
