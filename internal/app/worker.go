/**
 * @description
 * This file contains the worker loop. A fixed pool of workers competes for
 * eligible payments under `FOR UPDATE SKIP LOCKED` row locks, dispatches each
 * locked row to the lifecycle handler, and commits the resulting patch in the
 * same transaction that holds the lock.
 *
 * A handler failure or panic rolls the transaction back: the lock releases,
 * no attempt is consumed, and the row's schedule is left unchanged, so the
 * row is eligible again at once. Only the worker that hit the failure pauses
 * (for the backoff base) before polling again. That keeps crash recovery
 * idempotent.
 */

package app

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/streampay/payment-service/internal/domain"
	"github.com/streampay/payment-service/internal/store"
)

// WorkerPool drives eligible payments through the lifecycle.
type WorkerPool struct {
	svc *Service
}

// NewWorkerPool creates a worker pool over the given engine.
func NewWorkerPool(svc *Service) *WorkerPool {
	return &WorkerPool{svc: svc}
}

// Run starts the configured number of workers and blocks until the context
// is cancelled and all workers have drained.
func (w *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.svc.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *WorkerPool) runWorker(ctx context.Context, id int) {
	logger := w.svc.logger.With("worker", id)
	logger.Info("worker started")
	for {
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return
		}

		worked, err := w.ProcessOne(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				logger.Info("worker stopped")
				return
			}
			logger.Error("payment processing failed; transaction rolled back", "error", err)
			sleepCtx(ctx, w.svc.cfg.BackoffBase)
		case !worked:
			sleepCtx(ctx, idleDelay(w.svc.cfg.WorkerIdleInterval))
		}
	}
}

// ProcessOne claims and processes at most one eligible payment. It reports
// whether a row was claimed; an error means the claimed row's transaction was
// rolled back without a state change.
func (w *WorkerPool) ProcessOne(ctx context.Context) (bool, error) {
	svc := w.svc

	tx, err := svc.repo.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to open worker transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	payment, err := svc.repo.NextEligibleForUpdate(ctx, tx, svc.clock())
	if err != nil {
		return false, fmt.Errorf("failed to select eligible payment: %w", err)
	}
	if payment == nil {
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("failed to commit empty poll: %w", err)
		}
		return false, nil
	}

	patch, err := w.dispatch(ctx, payment)
	if err != nil {
		return true, fmt.Errorf("handler failed for payment %s in state %s (attempt %d): %w",
			payment.ID, payment.State, payment.StateAttempts, err)
	}

	if err := svc.repo.PatchPayment(ctx, tx, payment.ID, patch); err != nil {
		return true, fmt.Errorf("failed to patch payment %s: %w", payment.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("failed to commit transition for payment %s: %w", payment.ID, err)
	}

	if patch.State != nil && *patch.State != payment.State {
		svc.logger.Info("payment transitioned",
			"payment_id", payment.ID,
			"from", payment.State,
			"to", *patch.State,
		)
	}
	if updated, err := svc.repo.GetPayment(ctx, payment.ID); err == nil {
		svc.publishState(ctx, updated)
	}
	return true, nil
}

// dispatch invokes the lifecycle handler with panic recovery, converting a
// panic into an error so the transaction rolls back instead of killing the
// worker.
func (w *WorkerPool) dispatch(ctx context.Context, payment *domain.Payment) (patch store.PaymentPatch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.svc.HandlePayment(ctx, payment)
}

// backoffDelay computes min(maxDelay, base·2^(attempt-1)) plus up to 10%
// jitter so competing workers spread out; the jittered total is capped at
// maxDelay.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	delay += jitter
	if delay > max {
		delay = max
	}
	return delay
}

// idleDelay adds up to 25% jitter to the idle poll interval.
func idleDelay(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	return idle + time.Duration(rand.Int63n(int64(idle)/4+1))
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
