// Package tracker drives a live tracking session against the fittrack API
// from a stream of GPS fixes.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/fittrack/internal/api"
)

// ErrNoActiveSession matches API errors reporting that the caller has no open session.
var ErrNoActiveSession = errors.New("no active tracking session")

// APIError is a non-2xx response from the API.
type APIError struct {
	Status int
	Type   string
	Detail string
	Field  string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("api %d %s (%s): %s", e.Status, e.Type, e.Field, e.Detail)
	}
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Type, e.Detail)
}

// Is lets callers match ErrNoActiveSession with errors.Is.
func (e *APIError) Is(target error) bool {
	return target == ErrNoActiveSession && e.Type == "no_active_session"
}

// Client calls the tracking endpoints with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// NewClient builds a Client for the API rooted at baseURL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start opens a session named name.
func (c *Client) Start(ctx context.Context, name string) (*api.ActivityView, error) {
	var out api.ActivityView
	if err := c.do(ctx, http.MethodPost, "/v1/tracking/start", api.StartTrackingRequest{Name: name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDistance pushes the cumulative distance in kilometers.
func (c *Client) UpdateDistance(ctx context.Context, km float64) (*api.ActivityView, error) {
	var out api.ActivityView
	if err := c.do(ctx, http.MethodPost, "/v1/tracking/update", api.UpdateTrackingRequest{Distance: &km}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop finalizes the open session. A nil distance keeps the last pushed value.
func (c *Client) Stop(ctx context.Context, km *float64, notes *string) (*api.ActivityView, error) {
	var out api.ActivityView
	if err := c.do(ctx, http.MethodPost, "/v1/tracking/stop", api.StopTrackingRequest{Distance: km, Notes: notes}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Active returns the open session with its current duration.
func (c *Client) Active(ctx context.Context) (*api.ActivityView, error) {
	var out api.ActivityView
	if err := c.do(ctx, http.MethodGet, "/v1/tracking/active", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		var errBody api.ErrorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errBody); err == nil {
			apiErr.Type, apiErr.Detail, apiErr.Field = errBody.Type, errBody.Detail, errBody.Field
		} else {
			apiErr.Type = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
