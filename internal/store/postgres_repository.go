/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all SQL for the credit ledger: the per-user balance, the append-only
 * transaction log, the credit award dedup table, and the feedback request rows.
 *
 * The two correctness mechanisms of the whole service live here:
 *   1. Balance mutations are conditional single-statement updates
 *      (`credits = credits - $1 ... AND credits >= $1`), so two concurrent
 *      deductions can never both succeed when only one would leave a
 *      non-negative balance.
 *   2. The unique constraints on external_session_id and reference_id act as the
 *      idempotency gates: the transaction row is inserted first, and the balance
 *      mutation happens in the same database transaction, so a unique violation
 *      means the logical operation already happened.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	ErrDuplicateSession    = errors.New("transaction already exists for session")
	ErrDuplicateReference  = errors.New("deduction already applied for reference")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAwardAlreadyGranted = errors.New("credit award already granted for cycle")
)

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetBalance returns the current credit balance for a user.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, "SELECT credits FROM credit_accounts WHERE user_id = $1", userID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

const transactionColumns = `
	id, user_id, external_session_id, external_payment_id, reference_id,
	kind, status, credits_delta, amount_minor_units, currency, request_id,
	failure_reason, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.ExternalSessionID,
		&tx.ExternalPaymentID,
		&tx.ReferenceID,
		&tx.Kind,
		&tx.Status,
		&tx.CreditsDelta,
		&tx.AmountMinorUnits,
		&tx.Currency,
		&tx.RequestID,
		&tx.FailureReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// CreditPurchaseAtomic inserts the purchase transaction row and applies the
// credit increment in one database transaction. The unique constraint on
// external_session_id is the idempotency gate: a violation means this session
// was already credited and the caller gets ErrDuplicateSession.
func (r *PostgresRepository) CreditPurchaseAtomic(ctx context.Context, tx *domain.Transaction) error {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	insertQuery := `
		INSERT INTO credit_transactions (
			id, user_id, external_session_id, external_payment_id, reference_id,
			kind, status, credits_delta, amount_minor_units, currency, request_id, failure_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if _, err := dbtx.Exec(ctx, insertQuery,
		tx.ID,
		tx.UserID,
		tx.ExternalSessionID,
		tx.ExternalPaymentID,
		tx.ReferenceID,
		tx.Kind,
		tx.Status,
		tx.CreditsDelta,
		tx.AmountMinorUnits,
		tx.Currency,
		tx.RequestID,
		tx.FailureReason,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSession
		}
		return err
	}

	creditQuery := `
		INSERT INTO credit_accounts (user_id, credits)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET credits = credit_accounts.credits + EXCLUDED.credits, updated_at = NOW()
	`
	if _, err := dbtx.Exec(ctx, creditQuery, tx.UserID, tx.CreditsDelta); err != nil {
		return err
	}

	return dbtx.Commit(ctx)
}

// DeductCredits performs an idempotent, balance-floor-checked deduction.
// The deduction row keyed by reference_id is inserted first; a unique violation
// means the same reference was already deducted and the previously recorded
// result is returned with Replayed=true. The conditional update enforces the
// non-negative balance invariant, and a failed condition rolls the row insert
// back with it.
func (r *PostgresRepository) DeductCredits(ctx context.Context, userID uuid.UUID, amount int64, referenceID string) (*domain.DeductResult, error) {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer dbtx.Rollback(ctx)

	txID := uuid.New()
	insertQuery := `
		INSERT INTO credit_transactions (id, user_id, reference_id, kind, status, credits_delta, amount_minor_units, currency)
		VALUES ($1, $2, $3, $4, $5, $6, 0, '')
	`
	if _, err := dbtx.Exec(ctx, insertQuery, txID, userID, referenceID, domain.TxKindDeduction, domain.TxStatusCompleted, -amount); err != nil {
		if isUniqueViolation(err) {
			dbtx.Rollback(ctx)
			return r.findRecordedDeduction(ctx, userID, referenceID)
		}
		return nil, err
	}

	var newBalance int64
	updateQuery := `
		UPDATE credit_accounts
		SET credits = credits - $1, updated_at = NOW()
		WHERE user_id = $2 AND credits >= $1
		RETURNING credits
	`
	if err := dbtx.QueryRow(ctx, updateQuery, amount, userID).Scan(&newBalance); err != nil {
		if err == pgx.ErrNoRows {
			// Either the account does not exist or the balance floor blocked
			// the deduction; distinguish so callers can surface the right error.
			var exists bool
			if checkErr := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1)", userID).Scan(&exists); checkErr != nil {
				return nil, checkErr
			}
			if !exists {
				return nil, ErrAccountNotFound
			}
			return nil, ErrInsufficientBalance
		}
		return nil, err
	}

	// Record the resulting balance on the deduction row so a replay reports
	// the balance this call produced, not whatever the balance is later.
	if _, err := dbtx.Exec(ctx,
		"UPDATE credit_transactions SET balance_after = $1 WHERE id = $2",
		newBalance, txID); err != nil {
		return nil, err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return nil, err
	}

	return &domain.DeductResult{TransactionID: txID, NewBalance: newBalance}, nil
}

// findRecordedDeduction returns the outcome of a prior deduction for the same
// reference id. The balance comes from the deduction row itself, so the replay
// reports what the original call returned regardless of later mutations.
func (r *PostgresRepository) findRecordedDeduction(ctx context.Context, userID uuid.UUID, referenceID string) (*domain.DeductResult, error) {
	query := `
		SELECT id, balance_after
		FROM credit_transactions
		WHERE user_id = $1 AND reference_id = $2 AND kind = $3
	`
	var result domain.DeductResult
	err := r.db.QueryRow(ctx, query, userID, referenceID, domain.TxKindDeduction).Scan(&result.TransactionID, &result.NewBalance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	result.Replayed = true
	return &result, nil
}

// RefundCredits applies an unconditional credit increment and records a refund
// transaction row. The operator does not deduplicate refunds; callers gate on a
// reason/reference to avoid double-crediting.
func (r *PostgresRepository) RefundCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (int64, error) {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer dbtx.Rollback(ctx)

	insertQuery := `
		INSERT INTO credit_transactions (id, user_id, kind, status, credits_delta, amount_minor_units, currency, failure_reason)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6)
	`
	if _, err := dbtx.Exec(ctx, insertQuery, uuid.New(), userID, domain.TxKindRefund, domain.TxStatusCompleted, amount, reason); err != nil {
		return 0, err
	}

	var newBalance int64
	updateQuery := `
		UPDATE credit_accounts
		SET credits = credits + $1, updated_at = NOW()
		WHERE user_id = $2
		RETURNING credits
	`
	if err := dbtx.QueryRow(ctx, updateQuery, amount, userID).Scan(&newBalance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// ReverseCreditsAtomic marks a purchase transaction failed and removes its
// credits from the balance in one database transaction. Used by the finalizer's
// compensating path once the gateway refund succeeded.
func (r *PostgresRepository) ReverseCreditsAtomic(ctx context.Context, transactionID uuid.UUID, userID uuid.UUID, credits int64, failureReason string) error {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	tag, err := dbtx.Exec(ctx,
		"UPDATE credit_transactions SET status = 'failed', failure_reason = $2, updated_at = NOW() WHERE id = $1 AND status <> 'failed'",
		transactionID, failureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already reversed; keep the operation idempotent.
		return nil
	}

	if _, err := dbtx.Exec(ctx,
		"UPDATE credit_accounts SET credits = GREATEST(credits - $1, 0), updated_at = NOW() WHERE user_id = $2",
		credits, userID); err != nil {
		return err
	}

	return dbtx.Commit(ctx)
}

// FindTransactionBySessionID retrieves the transaction for a gateway session.
// Returns (nil, nil) when no row exists; absence is a normal sweeper outcome,
// not an error.
func (r *PostgresRepository) FindTransactionBySessionID(ctx context.Context, sessionID string) (*domain.Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM credit_transactions WHERE external_session_id = $1"
	tx, err := scanTransaction(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return tx, nil
}

// MarkTransactionCompleted flips a pending transaction to completed.
func (r *PostgresRepository) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE credit_transactions SET status = 'completed', updated_at = NOW() WHERE id = $1",
		transactionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// LinkTransactionRequest persists the created feedback request id onto the
// transaction row so session replays can short-circuit.
func (r *PostgresRepository) LinkTransactionRequest(ctx context.Context, transactionID uuid.UUID, requestID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE credit_transactions SET request_id = $2, updated_at = NOW() WHERE id = $1",
		transactionID, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// CountPendingTransactions counts pending rows older than the given time.
// Used by the monitor's health snapshot.
func (r *PostgresRepository) CountPendingTransactions(ctx context.Context, olderThan time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM credit_transactions WHERE status = 'pending' AND created_at < $1",
		olderThan).Scan(&count)
	return count, err
}

// ListTransactionsByUserID retrieves a user's transaction history, newest first.
func (r *PostgresRepository) ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + transactionColumns + `
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, nil
}

// CreateCreditAward inserts a bonus award row and credits the balance in one
// database transaction. The unique (user_id, reason, cycle_id) tuple prevents
// double-awarding the same milestone.
func (r *PostgresRepository) CreateCreditAward(ctx context.Context, award *domain.CreditAward) error {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	insertQuery := `
		INSERT INTO credit_awards (id, user_id, reason, cycle_id, credits_awarded)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := dbtx.Exec(ctx, insertQuery, award.ID, award.UserID, award.Reason, award.CycleID, award.CreditsAwarded); err != nil {
		if isUniqueViolation(err) {
			return ErrAwardAlreadyGranted
		}
		return err
	}

	txQuery := `
		INSERT INTO credit_transactions (id, user_id, kind, status, credits_delta, amount_minor_units, currency)
		VALUES ($1, $2, $3, $4, $5, 0, '')
	`
	if _, err := dbtx.Exec(ctx, txQuery, uuid.New(), award.UserID, domain.TxKindJudgingBonus, domain.TxStatusCompleted, award.CreditsAwarded); err != nil {
		return err
	}

	creditQuery := `
		INSERT INTO credit_accounts (user_id, credits)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET credits = credit_accounts.credits + EXCLUDED.credits, updated_at = NOW()
	`
	if _, err := dbtx.Exec(ctx, creditQuery, award.UserID, award.CreditsAwarded); err != nil {
		return err
	}

	return dbtx.Commit(ctx)
}

// CreateFeedbackRequest inserts a new feedback request record.
func (r *PostgresRepository) CreateFeedbackRequest(ctx context.Context, req *domain.FeedbackRequest) error {
	query := `
		INSERT INTO feedback_requests (id, user_id, external_session_id, title, credits_cost, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query,
		req.ID,
		req.UserID,
		req.ExternalSessionID,
		req.Title,
		req.CreditsCost,
		req.Status,
	)
	return err
}

func scanFeedbackRequest(row pgx.Row) (*domain.FeedbackRequest, error) {
	var req domain.FeedbackRequest
	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.ExternalSessionID,
		&req.Title,
		&req.CreditsCost,
		&req.Status,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

const feedbackRequestColumns = `
	id, user_id, external_session_id, title, credits_cost, status, created_at, updated_at`

// FindFeedbackRequestBySessionID retrieves the work item tied to a gateway
// session. Returns (nil, nil) when none exists.
func (r *PostgresRepository) FindFeedbackRequestBySessionID(ctx context.Context, sessionID string) (*domain.FeedbackRequest, error) {
	query := "SELECT " + feedbackRequestColumns + " FROM feedback_requests WHERE external_session_id = $1"
	req, err := scanFeedbackRequest(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}

// FindFeedbackRequestByID retrieves a work item by its id. Returns (nil, nil)
// when none exists, mirroring the session variant: the finalizer treats
// absence as a decision point, not a failure.
func (r *PostgresRepository) FindFeedbackRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.FeedbackRequest, error) {
	query := "SELECT " + feedbackRequestColumns + " FROM feedback_requests WHERE id = $1"
	req, err := scanFeedbackRequest(r.db.QueryRow(ctx, query, requestID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return req, nil
}
