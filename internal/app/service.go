/**
 * @description
 * This file defines the core application service for the ledger-service. The
 * Service struct holds the injected dependencies (repository, payment gateway
 * client, event publisher, alert notifier, monitor) and is the single entry
 * point for the HTTP handlers and the scheduled jobs.
 *
 * @dependencies
 * - internal/store: The database repository interface.
 * - pkg/paygateclient: HTTP client for the external payment gateway.
 * - pkg/rabbitmq: Event publisher for ledger mutation events.
 * - pkg/slackhook: Alert delivery.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/critiquehub/ledger-service/internal/store"
	"github.com/critiquehub/ledger-service/pkg/paygateclient"
	"github.com/critiquehub/ledger-service/pkg/rabbitmq"
	"github.com/google/uuid"
)

// Service-level sentinel errors, mapped to HTTP statuses by the API layer.
var (
	ErrPaymentNotCaptured   = errors.New("payment session is not fully captured")
	ErrSessionNotRecognized = errors.New("session does not carry platform purchase metadata")
	ErrInvalidMetadata      = errors.New("session metadata is malformed")
	ErrCompensationFailed   = errors.New("work item creation and compensating refund both failed")
	ErrFinalizationFailed   = errors.New("work item creation failed; payment refunded")
)

// Purpose tag stamped into gateway session metadata at checkout creation.
// Sessions without it belong to other products sharing the gateway account
// and are ignored by intake and reconciliation.
const purposeCreditPurchase = "credit_purchase"

// Routing keys for ledger mutation events.
const (
	defaultLedgerExchange   = "ledger_events"
	routingKeyPurchased     = "credits.purchased"
	routingKeyDeducted      = "credits.deducted"
	routingKeyRefunded      = "credits.refunded"
	routingKeyBonusAwarded  = "credits.bonus_awarded"
	routingKeyPayoutCreated = "credits.payout_created"
)

// Gateway is the subset of the payment gateway client used by the service.
// Declared here so tests can substitute a double.
type Gateway interface {
	RetrieveSession(ctx context.Context, sessionID string) (*paygateclient.CheckoutSession, error)
	ListCompletedSessionsSince(ctx context.Context, since time.Time) ([]paygateclient.CheckoutSession, error)
	UpdateSessionMetadata(ctx context.Context, sessionID string, metadata paygateclient.SessionMetadata) error
	CreateRefund(ctx context.Context, paymentIntentID string, amountMinorUnits int64, reason string) (*paygateclient.Refund, error)
	CreateTransfer(ctx context.Context, destinationID string, amountMinorUnits int64, reference string) (*paygateclient.Transfer, error)
}

// Config carries the tunables the service needs beyond its dependencies.
type Config struct {
	FinalizerMaxAttempts int
	FinalizerBaseBackoff time.Duration
	PayoutRateMinorUnits int64 // gateway minor units paid per credit on payouts
	PayoutCurrency       string
	EventExchange        string
}

// Service orchestrates the credit ledger operations.
type Service struct {
	repo    store.Repository
	gateway Gateway
	events  rabbitmq.Publisher
	monitor *Monitor
	cfg     Config
	sleep   func(context.Context, time.Duration) error
	nowFn   func() time.Time
}

// NewService creates the application service. The publisher may be the
// rabbitmq fallback when no broker is configured.
func NewService(repo store.Repository, gateway Gateway, events rabbitmq.Publisher, monitor *Monitor, cfg Config) *Service {
	if cfg.FinalizerMaxAttempts <= 0 {
		cfg.FinalizerMaxAttempts = 3
	}
	if cfg.FinalizerBaseBackoff <= 0 {
		cfg.FinalizerBaseBackoff = time.Second
	}
	if cfg.EventExchange == "" {
		cfg.EventExchange = defaultLedgerExchange
	}
	return &Service{
		repo:    repo,
		gateway: gateway,
		events:  events,
		monitor: monitor,
		cfg:     cfg,
		sleep:   sleepCtx,
		nowFn:   time.Now,
	}
}

// Monitor exposes the metrics sink for the API layer.
func (s *Service) Monitor() *Monitor {
	return s.monitor
}

// GetBalance returns the user's current credit balance. A user with no
// account yet has a balance of zero.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return 0, nil
	}
	return balance, err
}

// ListTransactions returns the user's recent ledger entries, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListTransactionsByUserID(ctx, userID, limit, offset)
}

// HealthSnapshot combines monitor counters with the outstanding pending count
// from the store. Pending rows older than five minutes indicate intake marked
// neither completed nor failed; a growing count is the early warning the
// sweeper exists to catch.
func (s *Service) HealthSnapshot(ctx context.Context) (domain.HealthSnapshot, error) {
	pending, err := s.repo.CountPendingTransactions(ctx, s.nowFn().Add(-5*time.Minute))
	if err != nil {
		return domain.HealthSnapshot{}, err
	}
	return s.monitor.Snapshot(pending), nil
}

// publishEvent emits a ledger mutation event. Failures are logged inside the
// producer and never surface to the financial path.
func (s *Service) publishEvent(ctx context.Context, routingKey string, event domain.LedgerEvent) {
	if s.events == nil {
		return
	}
	event.Timestamp = s.nowFn().UTC()
	if err := s.events.Publish(ctx, s.cfg.EventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=events msg=\"failed to publish ledger event\" routing_key=%s err=%v", routingKey, err)
	}
}

// sleepCtx waits for the given duration or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
