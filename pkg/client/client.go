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
)

// Client talks to a leaseq server over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new client. Requests time out after 30s, enough for
// the longest long poll the server accepts.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Message is a leased message as returned by Receive. Body carries the
// exact bytes that were enqueued.
type Message struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Body         []byte    `json:"body"`
	LeaseToken   string    `json:"lease_token"`
	ReceiveCount int       `json:"receive_count"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
}

// ReceiveOptions for a receive call. Zero values use the queue's defaults.
type ReceiveOptions struct {
	Max        int
	Visibility time.Duration
	// Wait of nil uses the server's default long poll.
	Wait *time.Duration
}

// Stats is a queue's depth.
type Stats struct {
	Queue    string `json:"queue"`
	Visible  int    `json:"visible"`
	InFlight int    `json:"in_flight"`
}

// Result values returned by Delete and ExtendLease.
const (
	ResultSuccess = "success"
	ResultStale   = "stale"
)

// Send posts body to the ingress endpoint, which enqueues it on the
// server's source queue.
func (c *Client) Send(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	var result struct {
		ID string `json:"id"`
	}
	if err := c.do(httpReq, http.StatusOK, &result); err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	return result.ID, nil
}

// Enqueue sends a message to a named queue.
func (c *Client) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	err := c.postJSON(ctx, c.queueURL(queue, "/messages"), map[string]any{"body": body}, http.StatusCreated, &result)
	if err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}
	return result.ID, nil
}

// Receive leases up to opts.Max messages.
func (c *Client) Receive(ctx context.Context, queue string, opts ReceiveOptions) ([]Message, error) {
	req := map[string]any{
		"max":           opts.Max,
		"visibility_ms": opts.Visibility.Milliseconds(),
	}
	if opts.Wait != nil {
		req["wait_ms"] = opts.Wait.Milliseconds()
	}
	var messages []Message
	if err := c.postJSON(ctx, c.queueURL(queue, ":receive"), req, http.StatusOK, &messages); err != nil {
		return nil, fmt.Errorf("receive failed: %w", err)
	}
	return messages, nil
}

// Delete removes a message; the result is ResultSuccess or ResultStale.
func (c *Client) Delete(ctx context.Context, queue, id, leaseToken string) (string, error) {
	var result struct {
		Result string `json:"result"`
	}
	u := c.queueURL(queue, "/messages/"+url.PathEscape(id)+":delete")
	if err := c.postJSON(ctx, u, map[string]any{"lease_token": leaseToken}, http.StatusOK, &result); err != nil {
		return "", fmt.Errorf("delete failed: %w", err)
	}
	return result.Result, nil
}

// ExtendLease keeps a message hidden for another timeout.
func (c *Client) ExtendLease(ctx context.Context, queue, id, leaseToken string, timeout time.Duration) (string, error) {
	var result struct {
		Result string `json:"result"`
	}
	u := c.queueURL(queue, "/messages/"+url.PathEscape(id)+":extend")
	req := map[string]any{"lease_token": leaseToken, "visibility_ms": timeout.Milliseconds()}
	if err := c.postJSON(ctx, u, req, http.StatusOK, &result); err != nil {
		return "", fmt.Errorf("extend failed: %w", err)
	}
	return result.Result, nil
}

// Stats reads a queue's depth.
func (c *Client) Stats(ctx context.Context, queue string) (Stats, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.queueURL(queue, ""), nil)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if err := c.do(httpReq, http.StatusOK, &st); err != nil {
		return Stats{}, fmt.Errorf("stats failed: %w", err)
	}
	return st, nil
}

func (c *Client) queueURL(queue, suffix string) string {
	return fmt.Sprintf("%s/v1/queues/%s%s", c.baseURL, url.PathEscape(queue), suffix)
}

func (c *Client) postJSON(ctx context.Context, u string, body any, want int, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, want, out)
}

func (c *Client) do(httpReq *http.Request, want int, out any) error {
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: string(bytes.TrimSpace(bodyBytes))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError is an unexpected HTTP response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s - %s", e.Status, e.Body)
}
