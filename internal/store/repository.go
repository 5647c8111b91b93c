/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * operations required by the ledger-service. Defining an interface decouples the
 * business logic from the PostgreSQL implementation and allows repository stubs
 * in tests.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// Balance methods
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)

	// Atomic credit mutations. Each call writes exactly one transaction row in
	// the same database transaction as the balance change, so a pending row
	// always implies the balance mutation was applied.
	CreditPurchaseAtomic(ctx context.Context, tx *domain.Transaction) error
	DeductCredits(ctx context.Context, userID uuid.UUID, amount int64, referenceID string) (*domain.DeductResult, error)
	RefundCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (int64, error)
	ReverseCreditsAtomic(ctx context.Context, transactionID uuid.UUID, userID uuid.UUID, credits int64, failureReason string) error

	// Transaction log methods
	FindTransactionBySessionID(ctx context.Context, sessionID string) (*domain.Transaction, error)
	MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID) error
	LinkTransactionRequest(ctx context.Context, transactionID uuid.UUID, requestID uuid.UUID) error
	CountPendingTransactions(ctx context.Context, olderThan time.Time) (int64, error)
	ListTransactionsByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error)

	// Credit award methods (secondary reward path)
	CreateCreditAward(ctx context.Context, award *domain.CreditAward) error

	// Feedback request (paid work item) methods
	CreateFeedbackRequest(ctx context.Context, req *domain.FeedbackRequest) error
	FindFeedbackRequestBySessionID(ctx context.Context, sessionID string) (*domain.FeedbackRequest, error)
	FindFeedbackRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.FeedbackRequest, error)
}
