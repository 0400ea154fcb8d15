/**
 * @description
 * Scheduled job implementations for the payment engine's background
 * maintenance: bulk quote expiry and a stuck-payment audit.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/streampay/payment-service/internal/store"
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       store.Repository
	logger     *slog.Logger
	clock      Clock
	staleAfter time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, logger *slog.Logger, clock Clock, staleAfter time.Duration) *Jobs {
	if clock == nil {
		clock = time.Now
	}
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &Jobs{
		repo:       repo,
		logger:     logger,
		clock:      clock,
		staleAfter: staleAfter,
	}
}

// ExpireQuotes sweeps Ready/Activated payments whose activation deadline has
// passed into Cancelling so the workers unwind them.
func (j *Jobs) ExpireQuotes() {
	ctx := context.Background()

	expired, err := j.repo.ExpireStaleQuotes(ctx, j.clock())
	if err != nil {
		j.logger.Error("quote expiry sweep failed", "error", err)
		return
	}
	if expired > 0 {
		j.logger.Info("expired stale quotes", "count", expired)
	}
}

// AuditStalePayments logs a warning when non-terminal payments have not
// moved within the staleness window. Stuck rows mean a worker outage or a
// persistently failing dependency.
func (j *Jobs) AuditStalePayments() {
	ctx := context.Background()

	count, err := j.repo.CountStalePayments(ctx, j.clock().Add(-j.staleAfter))
	if err != nil {
		j.logger.Error("stale payment audit failed", "error", err)
		return
	}
	if count > 0 {
		j.logger.Warn("payments stuck beyond staleness window",
			"count", count,
			"window", j.staleAfter,
		)
	}
}
