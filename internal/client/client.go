// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is a typed HTTP client for the dispatchd API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/runbeam/dispatch/pkg/ledger"
	"github.com/runbeam/dispatch/pkg/work"
)

// DefaultBaseURL is used when no address is configured.
const DefaultBaseURL = "http://127.0.0.1:8412"

// APIError is a structured error returned by the daemon.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// Client is a client for the dispatchd API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the daemon address.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// New creates a new daemon client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit submits a work spec and returns the accepted run.
func (c *Client) Submit(ctx context.Context, spec work.Spec) (*work.Run, error) {
	var run work.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs", spec, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Get returns the run by ID.
func (c *Client) Get(ctx context.Context, runID string) (*work.Run, error) {
	var run work.Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// listResponse is the wire shape of run listings.
type listResponse struct {
	Runs  []*work.Run `json:"runs"`
	Count int         `json:"count"`
}

// List returns runs matching the filter, newest first.
func (c *Client) List(ctx context.Context, filter ledger.Filter) ([]*work.Run, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Kind != "" {
		q.Set("kind", string(filter.Kind))
	}
	if filter.Name != "" {
		q.Set("name", filter.Name)
	}
	if filter.Lane != "" {
		q.Set("lane", filter.Lane)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", filter.Limit))
	}

	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// eventsResponse is the wire shape of event listings.
type eventsResponse struct {
	Events []work.Event `json:"events"`
	Count  int          `json:"count"`
}

// Events returns the event log for a run.
func (c *Client) Events(ctx context.Context, runID string) ([]work.Event, error) {
	var resp eventsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/events", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(ctx context.Context, runID string) (*work.Run, error) {
	var run work.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Retry resubmits a failed or cancelled run as a fresh run.
func (c *Client) Retry(ctx context.Context, runID string) (*work.Run, error) {
	var run work.Run
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/retry", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Wait blocks until the run reaches a terminal status or the timeout
// elapses server-side.
func (c *Client) Wait(ctx context.Context, runID string, timeout time.Duration) (*work.Run, error) {
	path := "/v1/runs/" + url.PathEscape(runID) + "/wait"
	if timeout > 0 {
		path += "?timeout=" + timeout.String()
	}
	var run work.Run
	if err := c.do(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// dlqListResponse is the wire shape of DLQ listings.
type dlqListResponse struct {
	Entries []*ledger.DLQEntry `json:"entries"`
	Count   int                `json:"count"`
}

// DLQList returns dead letter entries matching the filter.
func (c *Client) DLQList(ctx context.Context, filter ledger.DLQFilter) ([]*ledger.DLQEntry, error) {
	q := url.Values{}
	if filter.Reason != "" {
		q.Set("reason", filter.Reason)
	}
	if filter.Name != "" {
		q.Set("name", filter.Name)
	}
	if filter.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", filter.Limit))
	}

	path := "/v1/dlq"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp dlqListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// DLQGet returns a dead letter entry by ID.
func (c *Client) DLQGet(ctx context.Context, id string) (*ledger.DLQEntry, error) {
	var entry ledger.DLQEntry
	if err := c.do(ctx, http.MethodGet, "/v1/dlq/"+url.PathEscape(id), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// DLQReprocess resubmits a dead letter entry's spec as a fresh run.
func (c *Client) DLQReprocess(ctx context.Context, id string) (*work.Run, error) {
	var run work.Run
	if err := c.do(ctx, http.MethodPost, "/v1/dlq/"+url.PathEscape(id)+"/reprocess", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// DLQPurge removes entries enqueued before the given time. The zero
// time purges everything.
func (c *Client) DLQPurge(ctx context.Context, before time.Time) (int, error) {
	path := "/v1/dlq"
	if !before.IsZero() {
		path += "?before=" + url.QueryEscape(before.Format(time.RFC3339))
	}
	var resp struct {
		Purged int `json:"purged"`
	}
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}

// Capabilities returns the registered handler names per namespace.
func (c *Client) Capabilities(ctx context.Context) (map[string][]string, error) {
	var caps map[string][]string
	if err := c.do(ctx, http.MethodGet, "/v1/capabilities", nil, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

// Health checks whether the daemon is accepting work.
func (c *Client) Health(ctx context.Context) error {
	var resp struct {
		Status string `json:"status"`
	}
	return c.do(ctx, http.MethodGet, "/v1/health", nil, &resp)
}

// do performs a request and decodes the JSON response, converting error
// bodies into APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// decodeError converts an error response body into an APIError.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)

	var wrapped struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Message != "" {
		wrapped.Error.StatusCode = resp.StatusCode
		return &wrapped.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: string(data)}
}
