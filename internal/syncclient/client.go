// Package syncclient is the device-side HTTP client for the fieldsync server.
package syncclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/marcus/fieldsync/internal/auth"
	"github.com/marcus/fieldsync/internal/models"
	"github.com/marcus/fieldsync/internal/retry"
	fsync "github.com/marcus/fieldsync/internal/sync"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the fieldsync server.
type Client struct {
	BaseURL   string
	DeviceID  string
	DeviceKey string
	HTTP      *http.Client

	tokens *auth.TokenSource
}

// New creates a new sync client. Per-call deadlines come from the caller's
// context; the HTTP timeout is only a backstop.
func New(baseURL, deviceID, deviceKey string) *Client {
	c := &Client{
		BaseURL:   baseURL,
		DeviceID:  deviceID,
		DeviceKey: deviceKey,
		HTTP:      &http.Client{Timeout: 10 * time.Minute},
	}
	c.tokens = auth.NewTokenSource(c.Authenticate, time.Minute)
	return c
}

// --- Auth types ---

// TokenRequest is the body for POST /v1/auth/token.
type TokenRequest struct {
	DeviceID  string `json:"device_id"`
	DeviceKey string `json:"device_key"`
}

// TokenResponse is the response from POST /v1/auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// --- Sync types ---

// PushRequest is the body for POST /v1/sync/{entity}.
type PushRequest struct {
	DeviceID string     `json:"device_id"`
	Items    []PushItem `json:"items"`
}

// PushItem is one record in a push request.
type PushItem struct {
	IdempotencyKey string          `json:"idempotency_key"`
	LocalID        int64           `json:"local_id"`
	CreatedAt      time.Time       `json:"created_at"`
	Payload        json.RawMessage `json:"payload"`
	Content        []byte          `json:"content,omitempty"`
}

// PushResponse is the response from a push request.
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// PushResult is the server verdict on one item.
type PushResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	RemoteID       string `json:"remote_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health hits the /healthz endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthCheck verifies server reachability for the network prober.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

// Authenticate exchanges the device credentials for a bearer token.
func (c *Client) Authenticate(ctx context.Context) (string, time.Time, error) {
	var resp TokenResponse
	body := TokenRequest{DeviceID: c.DeviceID, DeviceKey: c.DeviceKey}
	if err := c.doNoAuth(ctx, http.MethodPost, "/v1/auth/token", body, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("authenticate: %w", err)
	}
	if resp.Token == "" {
		return "", time.Time{}, errors.New("authenticate: empty token")
	}
	return resp.Token, resp.ExpiresAt, nil
}

// Push uploads a batch of records of one entity type. It implements the
// remote the sync handlers talk to.
func (c *Client) Push(ctx context.Context, et models.EntityType, items []fsync.Item) ([]fsync.ItemResult, error) {
	req := PushRequest{DeviceID: c.DeviceID, Items: make([]PushItem, len(items))}
	for i, it := range items {
		req.Items[i] = PushItem{
			IdempotencyKey: it.IdempotencyKey,
			LocalID:        it.LocalID,
			CreatedAt:      it.CreatedAt.UTC(),
			Payload:        it.Payload,
			Content:        it.Content,
		}
	}

	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/"+string(et), req, &resp); err != nil {
		return nil, err
	}

	out := make([]fsync.ItemResult, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = fsync.ItemResult{
			IdempotencyKey: r.IdempotencyKey,
			Accepted:       r.Status == "accepted",
			RemoteID:       r.RemoteID,
			Reason:         r.Reason,
			Duplicate:      r.Duplicate,
		}
	}
	return out, nil
}

// --- HTTP helpers ---

// errorResponse is the standard error body from the server.
type errorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated request. A 401 drops the cached token and
// retries once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	err = c.doRequest(ctx, method, path, body, result, token)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	c.tokens.Invalidate()
	if token, err = c.tokens.Token(ctx); err != nil {
		return err
	}
	return c.doRequest(ctx, method, path, body, result, token)
}

// doNoAuth executes an unauthenticated request.
func (c *Client) doNoAuth(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, "")
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, token string) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: http request: %v", retry.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", retry.ErrTransient, err)
	}

	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// statusError maps an HTTP error response to the errors the sync layer
// understands: capacity, transient, or permanent.
func statusError(code int, body []byte) error {
	var env errorResponse
	apiErr := &env.Error
	detail := string(body)
	if json.Unmarshal(body, &env) == nil && apiErr.Code != "" {
		detail = apiErr.Message
	}

	switch {
	case code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", fsync.ErrCapacityExceeded, detail)
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, detail)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, detail)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, detail)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", retry.ErrTransient, code, detail)
	case apiErr.Code != "":
		return apiErr
	default:
		return fmt.Errorf("HTTP %d: %s", code, detail)
	}
}
