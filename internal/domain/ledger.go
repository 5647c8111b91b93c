/**
 * @description
 * This file defines the core domain models for the ledger-service. These structs
 * represent the credit ledger entities, the data transfer objects used by the API
 * layer, and the payloads exchanged with the payment gateway and the message broker.
 *
 * @notes
 * - Monetary amounts are stored as `int64` in the smallest currency unit to avoid
 *   floating-point inaccuracies with financial data.
 * - Credits are plain integers; the balance is never allowed to go negative.
 * - A transaction row is immutable once written: only its status transitions
 *   (pending -> completed, pending -> failed).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction kinds. Purchases and bonuses carry a positive credits delta,
// deductions a negative one, refunds reverse a prior deduction.
const (
	TxKindPurchase        = "purchase"
	TxKindJudgingBonus    = "judging_bonus"
	TxKindAdminAdjustment = "admin_adjustment"
	TxKindRefund          = "refund"
	TxKindDeduction       = "deduction"
	TxKindPayout          = "payout"
)

// Transaction statuses.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
)

// Transaction is the append-only ledger record for any credit movement.
// It maps directly to the `credit_transactions` table.
type Transaction struct {
	ID                uuid.UUID  `json:"id"`
	UserID            uuid.UUID  `json:"user_id"`
	ExternalSessionID *string    `json:"external_session_id,omitempty"` // unique when present; the idempotency key against the gateway
	ExternalPaymentID *string    `json:"external_payment_id,omitempty"`
	ReferenceID       *string    `json:"reference_id,omitempty"` // unique when present; the idempotency key for deductions
	Kind              string     `json:"kind"`
	Status            string     `json:"status"`
	CreditsDelta      int64      `json:"credits_delta"`
	AmountMinorUnits  int64      `json:"amount_minor_units"`
	Currency          string     `json:"currency"`
	RequestID         *uuid.UUID `json:"request_id,omitempty"` // feedback request settled by this transaction
	FailureReason     *string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CreditAward records a secondary-path reward (e.g. a judging-volume bonus).
// The (UserID, Reason, CycleID) tuple is unique, which prevents double-awarding
// the same milestone.
type CreditAward struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Reason         string    `json:"reason"`
	CycleID        string    `json:"cycle_id"`
	CreditsAwarded int64     `json:"credits_awarded"`
	CreatedAt      time.Time `json:"created_at"`
}

// Award reasons.
const (
	AwardReasonJudgingVolume = "judging_volume"
	AwardReasonStreak        = "judging_streak"
)

// FeedbackRequest is the paid work item created once a purchase is confirmed.
type FeedbackRequest struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	ExternalSessionID string    `json:"external_session_id"`
	Title             string    `json:"title"`
	CreditsCost       int64     `json:"credits_cost"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DeductResult is the recorded outcome of an idempotent deduction. Replays of
// the same reference id return the original result instead of deducting again.
type DeductResult struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	NewBalance    int64     `json:"new_balance"`
	Replayed      bool      `json:"replayed"`
}

// Discrepancy classification produced by the reconciliation sweeper.
const (
	DiscrepancyMissingTransaction = "missing_transaction"
	DiscrepancyStuckPending       = "stuck_pending"
	DiscrepancyAmountMismatch     = "amount_mismatch"
)

// Discrepancy severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// DiscrepancyFinding is an ephemeral classification of one gateway session
// whose local ledger state disagrees with the gateway. It is not persisted
// unless acted on; repairs write ordinary transaction rows.
type DiscrepancyFinding struct {
	Type              string    `json:"type"`
	ExternalSessionID string    `json:"external_session_id"`
	UserID            uuid.UUID `json:"user_id"`
	ExpectedCredits   int64     `json:"expected_credits"`
	ActualCredits     *int64    `json:"actual_credits,omitempty"`
	Severity          string    `json:"severity"`
}

// SweepResult summarizes one reconciliation run. It is returned to the cron
// trigger endpoint as the JSON body.
type SweepResult struct {
	Processed          int   `json:"processed"`
	CreditsAdded       int64 `json:"creditsAdded"`
	Errors             int   `json:"errors"`
	FixedDiscrepancies int   `json:"fixedDiscrepancies"`
}

// ConfirmSubmissionRequest is the DTO for the client-side checkout confirmation.
type ConfirmSubmissionRequest struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title,omitempty"`
}

// ConfirmSubmissionResponse is returned once the paid work item exists.
type ConfirmSubmissionResponse struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
}

// PayoutRequest is the DTO for a judge cashing out earned credits.
type PayoutRequest struct {
	Credits     int64  `json:"credits"`
	ReferenceID string `json:"reference_id"`
}

// AwardBonusRequest is the internal DTO for granting a judging bonus.
type AwardBonusRequest struct {
	UserID  uuid.UUID `json:"user_id"`
	Reason  string    `json:"reason"`
	CycleID string    `json:"cycle_id"`
	Credits int64     `json:"credits"`
}

// LedgerEvent is the message payload published to the broker whenever the
// ledger mutates. Downstream services (gamification, notifications) consume it.
type LedgerEvent struct {
	UserID       uuid.UUID `json:"user_id"`
	Kind         string    `json:"kind"`
	CreditsDelta int64     `json:"credits_delta"`
	SessionID    string    `json:"session_id,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// HealthSnapshot is the read-only monitor view exposed on the health endpoint.
type HealthSnapshot struct {
	WebhookSuccesses     int64   `json:"webhook_successes"`
	WebhookFailures      int64   `json:"webhook_failures"`
	SuccessRate          float64 `json:"success_rate"`
	AvgProcessingMillis  float64 `json:"avg_processing_ms"`
	ReconciliationErrors int64   `json:"reconciliation_errors"`
	CriticalErrors       int64   `json:"critical_errors"`
	PendingTransactions  int64   `json:"pending_transactions"`
}
