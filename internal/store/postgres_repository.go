/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the necessary SQL queries to interact with the
 * `outgoing_payments` table, including the worker loop's fair "next eligible"
 * selection under `FOR UPDATE SKIP LOCKED`.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/streampay/payment-service/internal/domain"
)

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrClientTokenExists = errors.New("client token already used")
	ErrEmptyPatch        = errors.New("empty payment patch")
)

const paymentColumns = `
	id, state, state_attempts, payment_pointer, invoice_url, amount_to_send,
	auto_approve, client_token, account_id, super_account_id,
	source_account_id, source_asset_code, source_asset_scale,
	destination_asset_code, destination_asset_scale, destination_url,
	quote_timestamp, quote_activation_deadline, quote_target_type,
	quote_min_delivery_amount, quote_max_source_amount,
	quote_min_exchange_rate, quote_low_exchange_rate, quote_high_exchange_rate,
	error, process_at, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface
// for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		p             domain.Payment
		paymentPtr    *string
		invoiceURL    *string
		amountToSend  *int64
		destAssetCode *string
		destScale     *int
		destURL       *string
		qTimestamp    *time.Time
		qDeadline     *time.Time
		qTargetType   *string
		qMinDelivery  *int64
		qMaxSource    *int64
		qMinRate      *float64
		qLowRate      *float64
		qHighRate     *float64
		errCode       *string
	)

	err := row.Scan(
		&p.ID, &p.State, &p.StateAttempts, &paymentPtr, &invoiceURL, &amountToSend,
		&p.Intent.AutoApprove, &p.ClientToken, &p.AccountID, &p.SuperAccountID,
		&p.SourceAccount.ID, &p.SourceAccount.AssetCode, &p.SourceAccount.AssetScale,
		&destAssetCode, &destScale, &destURL,
		&qTimestamp, &qDeadline, &qTargetType,
		&qMinDelivery, &qMaxSource,
		&qMinRate, &qLowRate, &qHighRate,
		&errCode, &p.ProcessAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if paymentPtr != nil {
		p.Intent.PaymentPointer = *paymentPtr
	}
	if invoiceURL != nil {
		p.Intent.InvoiceURL = *invoiceURL
	}
	p.Intent.AmountToSend = amountToSend

	if destAssetCode != nil && destScale != nil && destURL != nil {
		p.DestinationAccount = &domain.DestinationAccount{
			AssetCode:  *destAssetCode,
			AssetScale: *destScale,
			URL:        *destURL,
		}
	}

	// Quote columns are written together; the timestamp decides presence.
	if qTimestamp != nil && qDeadline != nil {
		quote := domain.Quote{
			Timestamp:          *qTimestamp,
			ActivationDeadline: *qDeadline,
		}
		if qTargetType != nil {
			quote.TargetType = domain.PaymentTargetType(*qTargetType)
		}
		if qMinDelivery != nil {
			quote.MinDeliveryAmount = *qMinDelivery
		}
		if qMaxSource != nil {
			quote.MaxSourceAmount = *qMaxSource
		}
		if qMinRate != nil {
			quote.MinExchangeRate = *qMinRate
		}
		if qLowRate != nil {
			quote.LowExchangeRateEstimate = *qLowRate
		}
		if qHighRate != nil {
			quote.HighExchangeRateEstimate = *qHighRate
		}
		p.Quote = &quote
	}

	if errCode != nil {
		code := domain.PaymentError(*errCode)
		p.Error = &code
	}

	return &p, nil
}

// CreatePayment inserts a fresh payment row and returns it with the
// database-assigned timestamps.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	query := `
		INSERT INTO outgoing_payments (
			id, state, state_attempts, payment_pointer, invoice_url,
			amount_to_send, auto_approve, client_token, account_id,
			super_account_id, source_account_id, source_asset_code,
			source_asset_scale
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	created := *p
	err := r.db.QueryRow(ctx, query,
		p.ID, p.State, p.StateAttempts,
		nullableString(p.Intent.PaymentPointer), nullableString(p.Intent.InvoiceURL),
		p.Intent.AmountToSend, p.Intent.AutoApprove, p.ClientToken,
		p.AccountID, p.SuperAccountID,
		p.SourceAccount.ID, p.SourceAccount.AssetCode, p.SourceAccount.AssetScale,
	).Scan(&created.CreatedAt, &created.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrClientTokenExists
		}
		return nil, err
	}
	return &created, nil
}

// GetPayment retrieves a payment by its id.
func (r *PostgresRepository) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM outgoing_payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// FindPaymentByClientToken resolves an idempotent create retry to the payment
// persisted by the first call.
func (r *PostgresRepository) FindPaymentByClientToken(ctx context.Context, superAccountID uuid.UUID, token string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM outgoing_payments WHERE super_account_id = $1 AND client_token = $2`
	p, err := scanPayment(r.db.QueryRow(ctx, query, superAccountID, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListPaymentsByAccount pages an account's payments newest first using keyset
// cursors. The limit+1 probe decides whether another page exists in the
// direction of travel.
func (r *PostgresRepository) ListPaymentsByAccount(ctx context.Context, accountID uuid.UUID, opts domain.PaymentListOptions) (*domain.PaymentPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var (
		query string
		args  []any
	)
	switch {
	case opts.Cursor == "":
		query = `SELECT ` + paymentColumns + `
			FROM outgoing_payments
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`
		args = []any{accountID, limit + 1}
	case opts.Backward:
		cursorID, err := uuid.Parse(opts.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		query = `SELECT ` + paymentColumns + `
			FROM outgoing_payments
			WHERE account_id = $1
			  AND (created_at, id) > (SELECT created_at, id FROM outgoing_payments WHERE id = $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $3`
		args = []any{accountID, cursorID, limit + 1}
	default:
		cursorID, err := uuid.Parse(opts.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		query = `SELECT ` + paymentColumns + `
			FROM outgoing_payments
			WHERE account_id = $1
			  AND (created_at, id) < (SELECT created_at, id FROM outgoing_payments WHERE id = $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3`
		args = []any{accountID, cursorID, limit + 1}
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	probed := len(payments) > limit
	if probed {
		payments = payments[:limit]
	}
	if opts.Backward && opts.Cursor != "" {
		// Only the cursor-bound backward query reads in ascending order.
		reversePayments(payments)
	}

	page := &domain.PaymentPage{Payments: payments}
	if opts.Backward {
		page.PageInfo.HasPreviousPage = probed
		page.PageInfo.HasNextPage = opts.Cursor != ""
	} else {
		page.PageInfo.HasNextPage = probed
		page.PageInfo.HasPreviousPage = opts.Cursor != ""
	}
	if len(payments) > 0 {
		page.PageInfo.StartCursor = payments[0].ID.String()
		page.PageInfo.EndCursor = payments[len(payments)-1].ID.String()
	}
	return page, nil
}

// Begin opens a transaction on the pool.
func (r *PostgresRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.db.BeginTx(ctx, pgx.TxOptions{})
}

// GetPaymentForUpdate locks the payment row for the rest of the transaction.
// Command-API mutations and the worker loop serialize on this lock.
func (r *PostgresRepository) GetPaymentForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM outgoing_payments WHERE id = $1 FOR UPDATE`
	p, err := scanPayment(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// NextEligibleForUpdate picks the oldest-updated payment the worker can act
// on: actively workable states, or Ready/Activated rows whose quote has
// expired. Rows locked by other workers are skipped; rows under backoff
// (process_at in the future) are filtered out. Returns nil when no row is
// eligible.
func (r *PostgresRepository) NextEligibleForUpdate(ctx context.Context, tx pgx.Tx, now time.Time) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM outgoing_payments
		WHERE (
			state IN ('quoting', 'sending', 'cancelling')
			OR (state IN ('ready', 'activated') AND quote_activation_deadline <= $1)
		)
		AND (process_at IS NULL OR process_at <= $1)
		ORDER BY updated_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	p, err := scanPayment(tx.QueryRow(ctx, query, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// PatchPayment applies a partial update to the locked row. updated_at always
// advances so the worker's fair ordering moves the row to the back of the
// queue.
func (r *PostgresRepository) PatchPayment(ctx context.Context, tx pgx.Tx, id uuid.UUID, patch PaymentPatch) error {
	setClause, args := buildPaymentPatch(patch)
	if setClause == "" {
		return ErrEmptyPatch
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE outgoing_payments SET %s WHERE id = $%d`, setClause, len(args))

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// buildPaymentPatch renders the SET clause and argument list for a patch.
func buildPaymentPatch(patch PaymentPatch) (string, []any) {
	parts := []string{"updated_at = NOW()"}
	var args []any

	add := func(column string, value any) {
		args = append(args, value)
		parts = append(parts, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.State != nil {
		add("state", *patch.State)
	}
	if patch.StateAttempts != nil {
		add("state_attempts", *patch.StateAttempts)
	}
	switch {
	case patch.Error != nil:
		add("error", string(*patch.Error))
	case patch.ClearError:
		parts = append(parts, "error = NULL")
	}
	switch {
	case patch.Quote != nil:
		add("quote_timestamp", patch.Quote.Timestamp)
		add("quote_activation_deadline", patch.Quote.ActivationDeadline)
		add("quote_target_type", string(patch.Quote.TargetType))
		add("quote_min_delivery_amount", patch.Quote.MinDeliveryAmount)
		add("quote_max_source_amount", patch.Quote.MaxSourceAmount)
		add("quote_min_exchange_rate", patch.Quote.MinExchangeRate)
		add("quote_low_exchange_rate", patch.Quote.LowExchangeRateEstimate)
		add("quote_high_exchange_rate", patch.Quote.HighExchangeRateEstimate)
	case patch.ClearQuote:
		parts = append(parts,
			"quote_timestamp = NULL",
			"quote_activation_deadline = NULL",
			"quote_target_type = NULL",
			"quote_min_delivery_amount = NULL",
			"quote_max_source_amount = NULL",
			"quote_min_exchange_rate = NULL",
			"quote_low_exchange_rate = NULL",
			"quote_high_exchange_rate = NULL",
		)
	}
	if patch.DestinationAccount != nil {
		add("destination_asset_code", patch.DestinationAccount.AssetCode)
		add("destination_asset_scale", patch.DestinationAccount.AssetScale)
		add("destination_url", patch.DestinationAccount.URL)
	}
	switch {
	case patch.ProcessAt != nil:
		add("process_at", *patch.ProcessAt)
	case patch.ClearProcessAt:
		parts = append(parts, "process_at = NULL")
	}

	if len(parts) == 1 && len(args) == 0 {
		return "", nil
	}
	return strings.Join(parts, ", "), args
}

// ExpireStaleQuotes bulk-moves Ready/Activated payments whose activation
// deadline has passed into Cancelling with a QuoteExpired error.
func (r *PostgresRepository) ExpireStaleQuotes(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE outgoing_payments
		SET state = 'cancelling',
			state_attempts = 0,
			error = $2,
			process_at = NULL,
			updated_at = NOW()
		WHERE state IN ('ready', 'activated')
		  AND quote_activation_deadline <= $1
	`
	tag, err := r.db.Exec(ctx, query, now, string(domain.PaymentErrorQuoteExpired))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountStalePayments counts non-terminal rows that have not moved since the
// given instant. Used by the audit job to surface stuck payments.
func (r *PostgresRepository) CountStalePayments(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	query := `
		SELECT count(*)
		FROM outgoing_payments
		WHERE state NOT IN ('completed', 'cancelled')
		  AND updated_at < $1
	`
	if err := r.db.QueryRow(ctx, query, olderThan).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ClearSendingBackoffByAccount wakes a Sending payment whose source account
// just saw a settled transfer, so the worker reflects progress promptly.
func (r *PostgresRepository) ClearSendingBackoffByAccount(ctx context.Context, accountID uuid.UUID) (bool, error) {
	query := `
		UPDATE outgoing_payments
		SET process_at = NULL
		WHERE account_id = $1
		  AND state = 'sending'
		  AND process_at IS NOT NULL
	`
	tag, err := r.db.Exec(ctx, query, accountID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func nullableString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func reversePayments(payments []domain.Payment) {
	for i, j := 0, len(payments)-1; i < j; i, j = i+1, j-1 {
		payments[i], payments[j] = payments[j], payments[i]
	}
}
