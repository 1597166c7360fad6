// Package whatsapp is a client for the WhatsApp bridge HTTP server.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "http://localhost:3001"

// ErrNotFound is returned when the bridge does not know a message id.
var ErrNotFound = eris.New("whatsapp: message not found")

// Client talks to the bridge.
type Client interface {
	SendMessage(ctx context.Context, req SendRequest) (*SendResponse, error)
	MessageStatus(ctx context.Context, messageID string) (*MessageStatus, error)
	Health(ctx context.Context) (*HealthResponse, error)
}

// SendRequest is the body for POST /send-message. IdempotencyKey is sent as
// the Idempotency-Key header, not in the body.
type SendRequest struct {
	PhoneNumber    string `json:"phoneNumber"`
	Message        string `json:"message"`
	Type           string `json:"type"`
	IdempotencyKey string `json:"-"`
}

// SendResponse is returned by POST /send-message.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Message   string `json:"message,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// MessageStatus is returned by GET /messages/{id}/status.
type MessageStatus struct {
	MessageID   string     `json:"messageId"`
	Delivered   bool       `json:"delivered"`
	Read        bool       `json:"read"`
	Replied     bool       `json:"replied"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	RepliedAt   *time.Time `json:"repliedAt,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Ready         bool   `json:"isReady"`
	Authenticated bool   `json:"isAuthenticated"`
}

// OK reports whether the bridge can send.
func (h *HealthResponse) OK() bool {
	return h != nil && h.Status == "ok"
}

// APIError is a non-2xx response from the bridge.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default bridge URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithAPIKey sets the bearer token the bridge expects.
func WithAPIKey(key string) Option {
	return func(c *httpClient) {
		c.apiKey = key
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a bridge client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SendMessage(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if req.Type == "" {
		req.Type = "text"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "whatsapp: marshal request")
	}

	var resp SendResponse
	if err := c.do(ctx, http.MethodPost, "/send-message", body, req.IdempotencyKey, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, eris.Errorf("whatsapp: send rejected: %s", resp.Message)
	}
	return &resp, nil
}

func (c *httpClient) MessageStatus(ctx context.Context, messageID string) (*MessageStatus, error) {
	var status MessageStatus
	path := "/messages/" + url.PathEscape(messageID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, "", &status); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, eris.Wrapf(ErrNotFound, "whatsapp: status %s", messageID)
		}
		return nil, err
	}
	return &status, nil
}

func (c *httpClient) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, "", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *httpClient) do(ctx context.Context, method, path string, body []byte, idempotencyKey string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "whatsapp: rate limit")
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrap(err, "whatsapp: create request")
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return eris.Wrap(err, "whatsapp: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "whatsapp: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "whatsapp: unmarshal response")
	}
	return nil
}
