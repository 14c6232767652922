// Package paystack is the direct-debit payment provider client. It
// covers the three calls the engine needs: mandate authorization,
// mandate status lookup, and account debits.
package paystack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"kore/engine/pkg/clients"

	"github.com/failsafe-go/failsafe-go"
	"github.com/shopspring/decimal"
)

// ErrMandateNotFound is returned when the provider has not yet
// registered the mandate. During activation polling this means "not
// ready, poll again", not a failure.
var ErrMandateNotFound = errors.New("mandate not found at provider")

type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider returned status: %d", e.StatusCode)
}

type Client struct {
	baseURL      string
	secretKey    string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

func NewClient(baseURL, secretKey string, opts ...Option) *Client {
	defaultConfig := clients.DefaultHTTPExecutorConfig()
	defaultConfig.WithBreaker = true
	c := &Client{
		baseURL:      baseURL,
		secretKey:    secretKey,
		client:       &http.Client{Timeout: 15 * time.Second},
		httpExecutor: clients.NewHTTPExecutor(defaultConfig),
		shouldRetry:  defaultConfig.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
	}
}

func (c *Client) doRequest(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	if c.httpExecutor == nil {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}

	return clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
}

func (c *Client) postJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (c *Client) getJSON(ctx context.Context, path string) (*http.Response, error) {
	return c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		return req, nil
	})
}

// envelope is the provider's standard response wrapper.
type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(resp *http.Response, out any) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	if !env.Status {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode provider data: %w", err)
	}
	return nil
}

// InitiateMandateRequest starts a direct-debit authorization for a
// customer bank account.
type InitiateMandateRequest struct {
	CustomerEmail     string `json:"customer_email"`
	AccountNumber     string `json:"account_number"`
	BankCode          string `json:"bank_code"`
	Reference         string `json:"reference"`
	AuthorizationType string `json:"authorization_type,omitempty"`
}

// MandateAuthorization is the provider's answer to an initiate call.
// The customer must visit ActivationURL to approve the mandate.
type MandateAuthorization struct {
	MandateReference string `json:"mandate_reference"`
	ActivationURL    string `json:"activation_url"`
	Status           string `json:"status"`
	ResponseCode     string `json:"response_code,omitempty"`
}

// InitiateMandate registers a direct-debit authorization with the
// provider and returns the activation URL for the customer.
func (c *Client) InitiateMandate(ctx context.Context, req InitiateMandateRequest) (*MandateAuthorization, error) {
	resp, err := c.postJSON(ctx, "/directdebit/mandates", req)
	if err != nil {
		return nil, fmt.Errorf("failed to initiate mandate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var auth MandateAuthorization
	if err := decodeEnvelope(resp, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// MandateState is the provider-side view of a mandate.
type MandateState struct {
	MandateReference string `json:"mandate_reference"`
	Status           string `json:"status"` // pending, active, failed, cancelled
	ResponseCode     string `json:"response_code,omitempty"`
	ResponseMessage  string `json:"response_message,omitempty"`
}

// GetMandate looks up mandate status. A 404 maps to ErrMandateNotFound;
// callers polling for activation treat it as "not yet".
func (c *Client) GetMandate(ctx context.Context, mandateReference string) (*MandateState, error) {
	resp, err := c.getJSON(ctx, "/directdebit/mandates/"+mandateReference)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch mandate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrMandateNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var state MandateState
	if err := decodeEnvelope(resp, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// DebitRequest charges an account under an active mandate. Amount is in
// major currency units; the provider API wants minor units.
type DebitRequest struct {
	MandateReference string
	Reference        string
	Amount           decimal.Decimal
	Currency         string
	Narration        string
}

type debitPayload struct {
	MandateReference string `json:"mandate_reference"`
	Reference        string `json:"reference"`
	Amount           int64  `json:"amount"` // minor units (kobo)
	Currency         string `json:"currency"`
	Narration        string `json:"narration,omitempty"`
}

// DebitResult is the provider's answer to a charge call. Status is
// "success", "pending", or "failed"; pending charges settle via webhook.
type DebitResult struct {
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	ResponseCode    string `json:"response_code,omitempty"`
	ResponseMessage string `json:"response_message,omitempty"`
}

// Debit charges an account under an active mandate.
func (c *Client) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	if req.Currency == "" {
		req.Currency = "NGN"
	}
	payload := debitPayload{
		MandateReference: req.MandateReference,
		Reference:        req.Reference,
		Amount:           req.Amount.Mul(decimal.NewFromInt(100)).IntPart(),
		Currency:         req.Currency,
		Narration:        req.Narration,
	}

	resp, err := c.postJSON(ctx, "/directdebit/charges", payload)
	if err != nil {
		return nil, fmt.Errorf("failed to submit debit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}

	var result DebitResult
	if err := decodeEnvelope(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func decodeError(resp *http.Response) error {
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	return &APIError{StatusCode: resp.StatusCode}
}

// VerifySignature checks a webhook body against the provider's
// HMAC-SHA512 signature header.
func VerifySignature(secretKey string, body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(secretKey))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
