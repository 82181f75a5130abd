package orca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the Orca Escrow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Task mirrors the escrow task resource returned by the API. Amounts are
// denominated in the smallest token unit (e.g. 6-decimal USDC).
type Task struct {
	ID        string `json:"id"`
	Budget    uint64 `json:"budget"`
	Remaining uint64 `json:"remaining"`
	Creator   string `json:"creator"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	ClosedAt  int64  `json:"closed_at,omitempty"`
}

// Event mirrors an audit event returned by the events endpoint.
type Event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	AgentID    uint64 `json:"agent_id,omitempty"`
	Creator    string `json:"creator,omitempty"`
	Budget     uint64 `json:"budget,omitempty"`
	Amount     uint64 `json:"amount,omitempty"`
	Refund     uint64 `json:"refund,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// CreateTaskRequest is the payload for opening a task escrow. The payment
// authorization travels in the X-PAYMENT header, not the body.
type CreateTaskRequest struct {
	TaskID    string `json:"task_id"`
	Budget    string `json:"budget"`
	Creator   string `json:"creator,omitempty"`
	Prefunded bool   `json:"prefunded,omitempty"`
}

// AmountResult is the generic amount-bearing response shape used by the
// spend, close, withdraw and earnings endpoints.
type AmountResult struct {
	TaskID  string `json:"task_id,omitempty"`
	AgentID uint64 `json:"agent_id,omitempty"`
	Amount  string `json:"amount"`
}

// APIError represents server side validation or internal errors. StatusCode
// is derived from the HTTP response, never from the body.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("orca api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("orca api error (%d): %s", e.StatusCode, e.Message)
}

// PaymentRequiredError is returned when the server answers 402. Challenge
// carries the base64 payment requirements token from the X-PAYMENT-REQUIRED
// header; the caller signs a matching authorization and retries with
// the X-PAYMENT header set.
type PaymentRequiredError struct {
	APIError
	Challenge string
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("orca: payment required (challenge %d bytes)", len(e.Challenge))
}

// NewClient instantiates a client for the Orca Escrow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// CreateTask opens a task escrow. paymentToken is the base64 payment envelope
// for the X-PAYMENT header; pass the empty string to request a challenge (the
// returned error will be a *PaymentRequiredError).
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest, paymentToken string) (Task, error) {
	var task Task
	headers := http.Header{}
	if paymentToken != "" {
		headers.Set("X-PAYMENT", paymentToken)
	}
	if err := c.post(ctx, "/api/v1/tasks", req, &task, headers); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a task escrow by its 32-byte hex identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks returns up to limit recent tasks.
func (c *Client) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	var tasks []Task
	endpoint := fmt.Sprintf("/api/v1/tasks?limit=%d", limit)
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Spend pays an agent from a task budget. caller must be the owner of the
// agent. The returned amount is the net credited to the agent after fees.
func (c *Client) Spend(ctx context.Context, taskID string, agentID uint64, amount, caller string) (AmountResult, error) {
	var result AmountResult
	payload := map[string]any{"agent_id": agentID, "amount": amount, "caller": caller}
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/spend"
	if err := c.post(ctx, endpoint, payload, &result, nil); err != nil {
		return AmountResult{}, err
	}
	return result, nil
}

// CloseTask closes a task escrow and refunds the remaining budget to its
// creator. caller must be the creator or the configured admin.
func (c *Client) CloseTask(ctx context.Context, taskID, caller string) (AmountResult, error) {
	var result AmountResult
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/close"
	if err := c.post(ctx, endpoint, map[string]string{"caller": caller}, &result, nil); err != nil {
		return AmountResult{}, err
	}
	return result, nil
}

// Withdraw sweeps an agent's accumulated earnings to its owner address.
func (c *Client) Withdraw(ctx context.Context, agentID uint64, caller string) (AmountResult, error) {
	var result AmountResult
	endpoint := fmt.Sprintf("/api/v1/agents/%d/withdraw", agentID)
	if err := c.post(ctx, endpoint, map[string]string{"caller": caller}, &result, nil); err != nil {
		return AmountResult{}, err
	}
	return result, nil
}

// Earnings returns an agent's current withdrawable balance.
func (c *Client) Earnings(ctx context.Context, agentID uint64) (AmountResult, error) {
	var result AmountResult
	endpoint := fmt.Sprintf("/api/v1/agents/%d/earnings", agentID)
	if err := c.get(ctx, endpoint, &result); err != nil {
		return AmountResult{}, err
	}
	return result, nil
}

// Events returns up to limit recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	endpoint := fmt.Sprintf("/api/v1/events?limit=%d", limit)
	if err := c.get(ctx, endpoint, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, headers http.Header) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if resp.StatusCode == http.StatusPaymentRequired {
			return &PaymentRequiredError{
				APIError:  apiErr,
				Challenge: resp.Header.Get("X-PAYMENT-REQUIRED"),
			}
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
