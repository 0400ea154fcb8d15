/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the payment-service. By defining
 * an interface, we decouple the engine's business logic from the specific
 * database implementation (PostgreSQL), making the code easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: Transactions are exposed as pgx.Tx so callers
 *   control commit boundaries around row locks.
 * - internal/domain: For the payment aggregate.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/streampay/payment-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Plain reads and inserts, executed on the pool.
	CreatePayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	FindPaymentByClientToken(ctx context.Context, superAccountID uuid.UUID, token string) (*domain.Payment, error)
	ListPaymentsByAccount(ctx context.Context, accountID uuid.UUID, opts domain.PaymentListOptions) (*domain.PaymentPage, error)

	// Transactional operations. Callers open the transaction, acquire the
	// row lock, patch, and commit; rollback releases the lock untouched.
	Begin(ctx context.Context) (pgx.Tx, error)
	GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payment, error)
	NextEligibleForUpdate(ctx context.Context, tx pgx.Tx, now time.Time) (*domain.Payment, error)
	PatchPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID, patch PaymentPatch) error

	// Background maintenance.
	ExpireStaleQuotes(ctx context.Context, now time.Time) (int64, error)
	CountStalePayments(ctx context.Context, olderThan time.Time) (int64, error)
	ClearSendingBackoffByAccount(ctx context.Context, accountID uuid.UUID) (bool, error)
}

// PaymentPatch describes a partial update to a payment row. Nil pointer
// fields are left untouched; the Clear flags null a column out.
type PaymentPatch struct {
	State              *domain.PaymentState
	StateAttempts      *int
	Error              *domain.PaymentError
	ClearError         bool
	Quote              *domain.Quote
	ClearQuote         bool
	DestinationAccount *domain.DestinationAccount
	ProcessAt          *time.Time
	ClearProcessAt     bool
}
