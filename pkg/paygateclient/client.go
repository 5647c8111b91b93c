/**
 * @description
 * This package provides a client for the external payment gateway. It encapsulates
 * authenticated HTTP requests to the gateway's endpoints: checkout session creation,
 * session retrieval, completed-session listing for reconciliation, refunds, and
 * payout transfers.
 *
 * The gateway is the source of truth for whether money was actually captured.
 * Timeouts on write-type calls are treated by callers as "unknown outcome" and
 * deferred to the reconciliation sweeper rather than retried blindly.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 */
package paygateclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Session statuses reported by the gateway.
const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"

	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SessionMetadata carries the opaque fields the platform attaches to a checkout
// session at creation time and reads back during intake and reconciliation.
type SessionMetadata struct {
	UserID          string `json:"user_id"`
	ExpectedCredits int64  `json:"expected_credits,string"`
	Purpose         string `json:"purpose"`
	LinkedRequestID string `json:"linked_request_id,omitempty"`
	Processed       string `json:"processed,omitempty"` // "true" once intake credited the session
}

// CheckoutSession represents a gateway checkout session.
type CheckoutSession struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	PaymentStatus    string          `json:"payment_status"`
	PaymentIntentID  string          `json:"payment_intent"`
	AmountMinorUnits int64           `json:"amount_total"`
	Currency         string          `json:"currency"`
	Metadata         SessionMetadata `json:"metadata"`
	CreatedAt        int64           `json:"created"` // unix seconds
}

// IsCaptured reports whether the gateway considers the payment fully captured.
func (s *CheckoutSession) IsCaptured() bool {
	return s.Status == SessionStatusComplete && s.PaymentStatus == PaymentStatusPaid
}

// CreateCheckoutParams is the payload for creating a new checkout session.
type CreateCheckoutParams struct {
	AmountMinorUnits int64           `json:"amount"`
	Currency         string          `json:"currency"`
	SuccessURL       string          `json:"success_url"`
	CancelURL        string          `json:"cancel_url"`
	Metadata         SessionMetadata `json:"metadata"`
}

// Refund represents a gateway refund object.
type Refund struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
	Status          string `json:"status"`
	AmountRefunded  int64  `json:"amount"`
}

// Transfer represents a gateway payout transfer.
type Transfer struct {
	ID               string `json:"id"`
	DestinationID    string `json:"destination"`
	AmountMinorUnits int64  `json:"amount"`
	Status           string `json:"status"`
}

// sessionList is the envelope for list responses.
type sessionList struct {
	Data    []CheckoutSession `json:"data"`
	HasMore bool              `json:"has_more"`
}

// ErrorResponse represents an error returned by the gateway API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	ErrorBody  struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorBody.Message != "" {
		return fmt.Sprintf("gateway api error: %s - %s", e.ErrorBody.Code, e.ErrorBody.Message)
	}
	return fmt.Sprintf("gateway api error (status %d)", e.StatusCode)
}

// IsNotFound reports whether the gateway explicitly said the object does not exist.
func (e *ErrorResponse) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// CreateCheckoutSession creates a new checkout session carrying the platform metadata.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CreateCheckoutParams) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", params, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// RetrieveSession fetches the current state of a checkout session.
func (c *Client) RetrieveSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	var session CheckoutSession
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListCompletedSessionsSince returns the sessions marked complete since the
// given time, in the order the gateway returns them (reverse-chronological).
// Read-only; safe for the sweeper to call repeatedly.
func (c *Client) ListCompletedSessionsSince(ctx context.Context, since time.Time) ([]CheckoutSession, error) {
	path := "/v1/checkout/sessions?status=complete&created_gte=" + strconv.FormatInt(since.Unix(), 10)
	var list sessionList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// UpdateSessionMetadata writes platform metadata fields back onto a session.
// Used for the processed marker and the linked work item id.
func (c *Client) UpdateSessionMetadata(ctx context.Context, sessionID string, metadata SessionMetadata) error {
	path := "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	payload := struct {
		Metadata SessionMetadata `json:"metadata"`
	}{Metadata: metadata}
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

// CreateRefund issues a compensating refund for a captured payment intent.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID string, amountMinorUnits int64, reason string) (*Refund, error) {
	payload := struct {
		PaymentIntentID string `json:"payment_intent"`
		Amount          int64  `json:"amount"`
		Reason          string `json:"reason"`
	}{paymentIntentID, amountMinorUnits, reason}

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", payload, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// CreateTransfer initiates a payout transfer to a judge's connected account.
func (c *Client) CreateTransfer(ctx context.Context, destinationID string, amountMinorUnits int64, reference string) (*Transfer, error) {
	payload := struct {
		Destination string `json:"destination"`
		Amount      int64  `json:"amount"`
		Reference   string `json:"reference"`
	}{destinationID, amountMinorUnits, reference}

	var transfer Transfer
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", payload, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// do executes one authenticated request and decodes the response into out.
func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal gateway request: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute gateway request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=gateway_client op=%s path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", method, path, resp.StatusCode)
			return fmt.Errorf("failed to decode gateway error response (status %d)", resp.StatusCode)
		}
		log.Printf("level=warn component=gateway_client op=%s path=%s status=%d code=%q detail=%q", method, path, resp.StatusCode, errResp.ErrorBody.Code, errResp.ErrorBody.Message)
		return errResp
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
