/**
 * @description
 * This file implements the submission finalizer: the client-side confirmation
 * flow that turns a captured checkout session into the paid feedback request.
 *
 * Failure semantics: if the work item cannot be created after the configured
 * attempts, the payment is refunded through the gateway, the credited amount
 * is reversed, and the local transaction is marked failed. The refund is
 * attempted exactly once per confirmation call; if it also fails, a critical
 * alert fires with the full context and the generated operation id so support
 * can intervene with the money already captured.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/critiquehub/ledger-service/pkg/paygateclient"
	"github.com/google/uuid"
)

// FinalizeSubmission confirms a captured checkout session and creates the
// paid feedback request. Idempotent: confirming the same session again
// returns the existing request. The returned operation id identifies this
// confirmation attempt in logs and alerts.
func (s *Service) FinalizeSubmission(ctx context.Context, userID uuid.UUID, sessionID, title string) (*domain.FeedbackRequest, uuid.UUID, error) {
	operationID := uuid.New()

	session, err := s.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return nil, operationID, fmt.Errorf("failed to retrieve session %s from gateway: %w", sessionID, err)
	}
	if session.Metadata.Purpose != purposeCreditPurchase {
		return nil, operationID, ErrSessionNotRecognized
	}
	if !session.IsCaptured() {
		return nil, operationID, ErrPaymentNotCaptured
	}

	metaUserID, credits, err := parsePurchaseMetadata(session)
	if err != nil {
		return nil, operationID, err
	}
	if metaUserID != userID {
		return nil, operationID, fmt.Errorf("%w: session %s belongs to a different user", ErrInvalidMetadata, sessionID)
	}

	// Replay, first layer: a prior finalization wrote the created request id
	// back onto the gateway session. Honor that marker even when the local
	// lookup would come back empty, so a replay can never mint a second
	// work item for an already-finalized session.
	if marker := session.Metadata.LinkedRequestID; marker != "" {
		requestID, parseErr := uuid.Parse(marker)
		if parseErr != nil {
			return nil, operationID, fmt.Errorf("%w: session %s carries unparseable linked_request_id %q", ErrInvalidMetadata, sessionID, marker)
		}
		existing, err := s.repo.FindFeedbackRequestByID(ctx, requestID)
		if err != nil {
			return nil, operationID, fmt.Errorf("failed to look up feedback request %s: %w", requestID, err)
		}
		if existing == nil {
			return nil, operationID, fmt.Errorf("session %s is marked finalized with request %s but no such request exists", sessionID, requestID)
		}
		log.Printf("level=info component=finalizer msg=\"submission already finalized per gateway marker\" op_id=%s session_id=%s request_id=%s", operationID, sessionID, existing.ID)
		return existing, operationID, nil
	}

	// Replay, second layer: the work item already exists for this session.
	if existing, err := s.repo.FindFeedbackRequestBySessionID(ctx, sessionID); err != nil {
		return nil, operationID, fmt.Errorf("failed to look up feedback request for session %s: %w", sessionID, err)
	} else if existing != nil {
		log.Printf("level=info component=finalizer msg=\"submission already finalized\" op_id=%s session_id=%s request_id=%s", operationID, sessionID, existing.ID)
		return existing, operationID, nil
	}

	// Make sure the purchase is credited even if the webhook was lost. All
	// paths through creditSession are idempotent.
	if _, err := s.creditSession(ctx, session, userID, credits); err != nil {
		return nil, operationID, err
	}
	tx, err := s.repo.FindTransactionBySessionID(ctx, sessionID)
	if err != nil || tx == nil {
		return nil, operationID, fmt.Errorf("failed to load transaction for session %s after crediting: %w", sessionID, err)
	}

	request, err := s.createRequestWithRetry(ctx, operationID, userID, sessionID, title, credits)
	if err != nil {
		return nil, operationID, s.compensate(ctx, operationID, session, tx, userID, credits, err)
	}

	if err := s.repo.LinkTransactionRequest(ctx, tx.ID, request.ID); err != nil {
		log.Printf("level=warn component=finalizer msg=\"failed to link transaction to request\" op_id=%s transaction_id=%s request_id=%s error=%q", operationID, tx.ID, request.ID, err)
	}

	metadata := session.Metadata
	metadata.LinkedRequestID = request.ID.String()
	if err := s.gateway.UpdateSessionMetadata(ctx, sessionID, metadata); err != nil {
		log.Printf("level=warn component=finalizer msg=\"failed to write linked request marker\" op_id=%s session_id=%s error=%q", operationID, sessionID, err)
	}

	log.Printf("level=info component=finalizer msg=\"submission finalized\" op_id=%s session_id=%s request_id=%s user_id=%s", operationID, sessionID, request.ID, userID)
	return request, operationID, nil
}

// createRequestWithRetry attempts the work item insert with exponential
// backoff between attempts. The final attempt's error is returned.
func (s *Service) createRequestWithRetry(ctx context.Context, operationID, userID uuid.UUID, sessionID, title string, credits int64) (*domain.FeedbackRequest, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.FinalizerMaxAttempts; attempt++ {
		request := &domain.FeedbackRequest{
			ID:                uuid.New(),
			UserID:            userID,
			ExternalSessionID: sessionID,
			Title:             title,
			CreditsCost:       credits,
			Status:            "open",
		}
		err := s.repo.CreateFeedbackRequest(ctx, request)
		if err == nil {
			return request, nil
		}
		lastErr = err
		log.Printf("level=warn component=finalizer msg=\"work item creation failed\" op_id=%s session_id=%s attempt=%d max_attempts=%d error=%q", operationID, sessionID, attempt, s.cfg.FinalizerMaxAttempts, err)

		if attempt < s.cfg.FinalizerMaxAttempts {
			backoff := s.cfg.FinalizerBaseBackoff * time.Duration(1<<(attempt-1))
			if err := s.sleep(ctx, backoff); err != nil {
				return nil, errors.Join(lastErr, err)
			}
		}
	}
	return nil, lastErr
}

// compensate handles finalizer exhaustion: refund the captured payment, then
// reverse the credited amount and mark the transaction failed. Called exactly
// once per failed confirmation.
func (s *Service) compensate(ctx context.Context, operationID uuid.UUID, session *paygateclient.CheckoutSession, tx *domain.Transaction, userID uuid.UUID, credits int64, cause error) error {
	log.Printf("level=error component=finalizer msg=\"work item creation exhausted, refunding payment\" op_id=%s session_id=%s user_id=%s error=%q", operationID, session.ID, userID, cause)

	refund, refundErr := s.gateway.CreateRefund(ctx, session.PaymentIntentID, session.AmountMinorUnits, "work_item_creation_failed")
	if refundErr != nil {
		s.monitor.RecordCriticalError(ctx, "Compensating refund failed",
			fmt.Sprintf("op_id=%s session_id=%s payment_intent=%s user_id=%s amount=%d currency=%s create_error=%q refund_error=%q",
				operationID, session.ID, session.PaymentIntentID, userID, session.AmountMinorUnits, session.Currency, cause, refundErr))
		return fmt.Errorf("%w: op_id=%s: %v", ErrCompensationFailed, operationID, refundErr)
	}

	if err := s.repo.ReverseCreditsAtomic(ctx, tx.ID, userID, credits, "work_item_creation_failed:"+operationID.String()); err != nil {
		// Money is back with the user but the ledger still shows the credit.
		// The transaction stays non-failed, so a retried reversal is safe.
		s.monitor.RecordCriticalError(ctx, "Credit reversal failed after refund",
			fmt.Sprintf("op_id=%s session_id=%s transaction_id=%s user_id=%s credits=%d refund_id=%s error=%q",
				operationID, session.ID, tx.ID, userID, credits, refund.ID, err))
		return fmt.Errorf("%w: op_id=%s: %v", ErrCompensationFailed, operationID, err)
	}

	log.Printf("level=info component=finalizer msg=\"payment refunded and credits reversed\" op_id=%s session_id=%s refund_id=%s user_id=%s credits=%d", operationID, session.ID, refund.ID, userID, credits)
	s.publishEvent(ctx, routingKeyRefunded, domain.LedgerEvent{
		UserID:       userID,
		Kind:         domain.TxKindRefund,
		CreditsDelta: -credits,
		SessionID:    session.ID,
		Reason:       "work_item_creation_failed",
	})
	return fmt.Errorf("%w: op_id=%s: %v", ErrFinalizationFailed, operationID, cause)
}
