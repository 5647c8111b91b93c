/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/critiquehub/ledger-service/internal/app"
	"github.com/critiquehub/ledger-service/internal/domain"
	"github.com/critiquehub/ledger-service/internal/store"
	"github.com/google/uuid"
)

// LedgerHandlers holds the application service and sweeper that handlers use.
type LedgerHandlers struct {
	service       *app.Service
	sweeper       *app.Sweeper
	webhookSecret string
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service, sweeper *app.Sweeper, webhookSecret string) *LedgerHandlers {
	return &LedgerHandlers{service: service, sweeper: sweeper, webhookSecret: webhookSecret}
}

// webhookEvent is the envelope the payment gateway posts on checkout events.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// PaymentWebhookHandler receives gateway notifications. Signature failures
// are rejected with 400; processing failures return 500 so the gateway
// retries the delivery.
func (h *LedgerHandlers) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := VerifyWebhookSignature(r, h.webhookSecret)
	if err != nil {
		log.Printf("level=warn component=api endpoint=payment_webhook outcome=reject reason=signature err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid webhook signature")
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid webhook payload")
		return
	}
	if event.Type != "checkout.session.completed" {
		log.Printf("level=info component=api endpoint=payment_webhook msg=\"ignoring event type\" type=%s", event.Type)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if event.Data.Object.ID == "" {
		h.writeError(w, http.StatusBadRequest, "Event carries no session id")
		return
	}

	err = h.service.ProcessPaymentEvent(r.Context(), event.Type, event.Data.Object.ID)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	case errors.Is(err, app.ErrSessionNotRecognized), errors.Is(err, app.ErrPaymentNotCaptured):
		// Acknowledged but not actionable; the gateway must not retry these.
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, app.ErrInvalidMetadata):
		log.Printf("level=error component=api endpoint=payment_webhook outcome=reject reason=metadata err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Session metadata is malformed")
	default:
		log.Printf("level=error component=api endpoint=payment_webhook outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to process payment event")
	}
}

// ConfirmSubmissionHandler finalizes a captured checkout session into the
// paid feedback request for the authenticated user.
func (h *LedgerHandlers) ConfirmSubmissionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}

	var req domain.ConfirmSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	request, opID, err := h.service.FinalizeSubmission(r.Context(), userID, req.SessionID, req.Title)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrPaymentNotCaptured):
			h.writeError(w, http.StatusPaymentRequired, "Payment has not completed")
		case errors.Is(err, app.ErrSessionNotRecognized), errors.Is(err, app.ErrInvalidMetadata):
			h.writeError(w, http.StatusBadRequest, "Session is not a valid credit purchase")
		case errors.Is(err, app.ErrFinalizationFailed):
			h.writeError(w, http.StatusInternalServerError, "Submission could not be created; your payment has been refunded. Reference: "+opID.String())
		case errors.Is(err, app.ErrCompensationFailed):
			h.writeError(w, http.StatusInternalServerError, "Submission failed and the automatic refund did not complete. Contact support with reference: "+opID.String())
		default:
			log.Printf("level=error component=api endpoint=confirm_submission outcome=error op_id=%s err=%v", opID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to confirm submission")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, domain.ConfirmSubmissionResponse{
		Success:   true,
		RequestID: request.ID.String(),
	})
}

// ReconcileHandler runs one reconciliation sweep, triggered by the external
// cron service. Guarded by InternalAuthMiddleware.
func (h *LedgerHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.RunSweep(r.Context())
	if err != nil {
		if errors.Is(err, app.ErrSweepInProgress) {
			h.writeError(w, http.StatusConflict, "A reconciliation sweep is already running")
			return
		}
		log.Printf("level=error component=api endpoint=reconcile outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Reconciliation sweep failed")
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// AwardBonusHandler grants a judging bonus. Called by the gamification
// service; guarded by InternalAuthMiddleware.
func (h *LedgerHandlers) AwardBonusHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.AwardBonusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	granted, err := h.service.AwardJudgingBonus(r.Context(), req)
	if err != nil {
		log.Printf("level=error component=api endpoint=award_bonus outcome=error user_id=%s err=%v", req.UserID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to grant bonus")
		return
	}
	status := http.StatusCreated
	if !granted {
		status = http.StatusOK
	}
	h.writeJSON(w, status, map[string]bool{"granted": granted})
}

// PayoutHandler lets an authenticated judge convert earned credits into a
// gateway transfer.
func (h *LedgerHandlers) PayoutHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}

	var req struct {
		domain.PayoutRequest
		DestinationID string `json:"destination_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Credits <= 0 || req.ReferenceID == "" {
		h.writeError(w, http.StatusBadRequest, "credits and reference_id are required")
		return
	}

	result, err := h.service.RequestJudgePayout(r.Context(), userID, req.DestinationID, req.PayoutRequest)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientBalance):
			h.writeError(w, http.StatusUnprocessableEntity, "Insufficient credit balance")
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusUnprocessableEntity, "No credit account")
		default:
			log.Printf("level=error component=api endpoint=payout outcome=error user_id=%s err=%v", userID, err)
			h.writeError(w, http.StatusInternalServerError, "Failed to create payout")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// BalanceHandler returns the authenticated user's balance and recent ledger
// entries.
func (h *LedgerHandlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authedUserID(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		log.Printf("level=error component=api endpoint=balance outcome=error user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load balance")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	transactions, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api endpoint=balance outcome=error user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load transactions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance":      balance,
		"transactions": transactions,
	})
}

// HealthHandler reports the monitor snapshot. Degraded webhook success rate
// or outstanding pending transactions show up here before users notice.
func (h *LedgerHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.HealthSnapshot(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=health outcome=error err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load health snapshot")
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

// authedUserID pulls the authenticated user id out of the request context and
// parses it as a UUID.
func (h *LedgerHandlers) authedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	userIDStr, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid user id in token")
		return uuid.Nil, false
	}
	return userID, true
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
