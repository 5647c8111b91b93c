/**
 * @description
 * This file implements the credit mutation operations exposed by the service:
 * idempotent deduction, refund, the judging-bonus award path, and judge
 * payouts. The atomicity and idempotency guarantees live in the repository;
 * this layer adds caller-facing semantics, event publication, and logging.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/critiquehub/ledger-service/internal/store"
	"github.com/google/uuid"
)

// DeductCredits atomically deducts credits from the user's balance. The
// referenceID is the caller's idempotency key: replaying the same reference
// returns the originally recorded result without deducting again.
func (s *Service) DeductCredits(ctx context.Context, userID uuid.UUID, amount int64, referenceID string) (*domain.DeductResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduction amount must be positive, got %d", amount)
	}
	if strings.TrimSpace(referenceID) == "" {
		return nil, errors.New("deduction reference id is required")
	}

	result, err := s.repo.DeductCredits(ctx, userID, amount, referenceID)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) || errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to deduct credits for user %s: %w", userID, err)
	}

	if result.Replayed {
		log.Printf("level=info component=credits msg=\"deduction replayed\" user_id=%s reference_id=%s", userID, referenceID)
		return result, nil
	}

	log.Printf("level=info component=credits msg=\"credits deducted\" user_id=%s amount=%d reference_id=%s new_balance=%d", userID, amount, referenceID, result.NewBalance)
	s.publishEvent(ctx, routingKeyDeducted, domain.LedgerEvent{
		UserID:       userID,
		Kind:         domain.TxKindDeduction,
		CreditsDelta: -amount,
		Reason:       referenceID,
	})
	return result, nil
}

// RefundCredits adds credits back to the user's balance, recording a refund
// transaction with the given reason.
func (s *Service) RefundCredits(ctx context.Context, userID uuid.UUID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("refund amount must be positive, got %d", amount)
	}

	newBalance, err := s.repo.RefundCredits(ctx, userID, amount, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to refund credits for user %s: %w", userID, err)
	}

	log.Printf("level=info component=credits msg=\"credits refunded\" user_id=%s amount=%d reason=%q new_balance=%d", userID, amount, reason, newBalance)
	s.publishEvent(ctx, routingKeyRefunded, domain.LedgerEvent{
		UserID:       userID,
		Kind:         domain.TxKindRefund,
		CreditsDelta: amount,
		Reason:       reason,
	})
	return newBalance, nil
}

// AwardJudgingBonus grants a secondary-path credit reward. The (user, reason,
// cycle) tuple is unique in the store, so re-running a bonus job for the same
// cycle is a no-op. Returns the award, with granted=false on replay.
func (s *Service) AwardJudgingBonus(ctx context.Context, req domain.AwardBonusRequest) (granted bool, err error) {
	if req.Credits <= 0 {
		return false, fmt.Errorf("bonus credits must be positive, got %d", req.Credits)
	}
	if req.Reason == "" || req.CycleID == "" {
		return false, errors.New("bonus reason and cycle id are required")
	}

	award := &domain.CreditAward{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Reason:         req.Reason,
		CycleID:        req.CycleID,
		CreditsAwarded: req.Credits,
	}

	if err := s.repo.CreateCreditAward(ctx, award); err != nil {
		if errors.Is(err, store.ErrAwardAlreadyGranted) {
			log.Printf("level=info component=credits msg=\"bonus already granted\" user_id=%s reason=%s cycle_id=%s", req.UserID, req.Reason, req.CycleID)
			return false, nil
		}
		return false, fmt.Errorf("failed to grant judging bonus for user %s: %w", req.UserID, err)
	}

	log.Printf("level=info component=credits msg=\"judging bonus granted\" user_id=%s reason=%s cycle_id=%s credits=%d", req.UserID, req.Reason, req.CycleID, req.Credits)
	s.publishEvent(ctx, routingKeyBonusAwarded, domain.LedgerEvent{
		UserID:       req.UserID,
		Kind:         domain.TxKindJudgingBonus,
		CreditsDelta: req.Credits,
		Reason:       fmt.Sprintf("%s:%s", req.Reason, req.CycleID),
	})
	return true, nil
}

// RequestJudgePayout converts earned credits into a gateway transfer to the
// judge's connected account. The credits are deducted first, keyed by the
// caller's reference id; if the gateway transfer then fails, the deduction is
// reversed so no credits are lost.
func (s *Service) RequestJudgePayout(ctx context.Context, userID uuid.UUID, destinationID string, req domain.PayoutRequest) (*domain.DeductResult, error) {
	if destinationID == "" {
		return nil, errors.New("payout destination account is required")
	}

	result, err := s.DeductCredits(ctx, userID, req.Credits, "payout:"+req.ReferenceID)
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		// Deduction already settled on a previous attempt; the transfer was
		// either created then or is being handled by the original request.
		return result, nil
	}

	amountMinorUnits := req.Credits * s.cfg.PayoutRateMinorUnits
	transfer, err := s.gateway.CreateTransfer(ctx, destinationID, amountMinorUnits, req.ReferenceID)
	if err != nil {
		log.Printf("level=error component=credits msg=\"payout transfer failed, reversing deduction\" user_id=%s reference_id=%s error=%q", userID, req.ReferenceID, err)
		if _, refundErr := s.repo.RefundCredits(ctx, userID, req.Credits, "payout_failed:"+req.ReferenceID); refundErr != nil {
			s.monitor.RecordCriticalError(ctx, "Payout reversal failed",
				fmt.Sprintf("user_id=%s reference_id=%s credits=%d transfer_error=%q refund_error=%q", userID, req.ReferenceID, req.Credits, err, refundErr))
			return nil, fmt.Errorf("payout transfer and credit reversal both failed for user %s: %w", userID, refundErr)
		}
		return nil, fmt.Errorf("failed to create payout transfer for user %s: %w", userID, err)
	}

	log.Printf("level=info component=credits msg=\"payout created\" user_id=%s transfer_id=%s credits=%d amount=%d", userID, transfer.ID, req.Credits, amountMinorUnits)
	s.publishEvent(ctx, routingKeyPayoutCreated, domain.LedgerEvent{
		UserID:       userID,
		Kind:         domain.TxKindPayout,
		CreditsDelta: -req.Credits,
		Reason:       transfer.ID,
	})
	return result, nil
}
