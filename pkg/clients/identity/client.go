// Package identity is a client for the Kore identity service, which
// owns user profiles and BVN verification state.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"kore/engine/pkg/clients"

	"github.com/failsafe-go/failsafe-go"
)

type APIError struct {
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("identity service returned status: %d", e.StatusCode)
}

type Client struct {
	baseURL      string
	serviceToken string
	client       *http.Client
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
}

type Option func(*Client)

func NewClient(baseURL, serviceToken string, opts ...Option) *Client {
	defaultConfig := clients.DefaultHTTPExecutorConfig()
	c := &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		client:       &http.Client{Timeout: 10 * time.Second},
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

// Profile is the subset of the identity record the rules engine cares
// about when gating mandate creation.
type Profile struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Phone       string `json:"phone"`
	BVNVerified bool   `json:"bvn_verified"`
	Complete    bool   `json:"profile_complete"`
}

// GetProfile fetches the profile for a user.
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	resp, err := c.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/profiles/%s", c.baseURL, userID), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrProfileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode}
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return &profile, nil
}

// GetContact resolves the email address and first name for a user.
func (c *Client) GetContact(ctx context.Context, userID string) (string, string, error) {
	profile, err := c.GetProfile(ctx, userID)
	if err != nil {
		return "", "", err
	}
	return profile.Email, profile.FirstName, nil
}

// EligibleForMandate reports whether the user may set up a debit mandate.
// A complete profile with a verified BVN is required.
func (c *Client) EligibleForMandate(ctx context.Context, userID string) (bool, error) {
	profile, err := c.GetProfile(ctx, userID)
	if err != nil {
		return false, err
	}
	return profile.Complete && profile.BVNVerified, nil
}
