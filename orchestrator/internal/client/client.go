// Package client talks to the orchestrator HTTP API.
package client

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

	"github.com/google/uuid"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/auth"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/guardrail"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/tasks"
)

var ErrNotFound = errors.New("job not found")

type Config struct {
	BaseURL string
	// Token is sent as a bearer token on submit calls.
	Token string
	// A2ASecret signs /a2a/command bodies.
	A2ASecret  string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

type Client struct {
	baseURL   string
	token     string
	a2aSecret string
	client    *http.Client
	timeout   time.Duration
	retries   int
}

// JobStatus mirrors the submit and poll responses.
type JobStatus struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Result json.RawMessage  `json:"result"`
	Error  string           `json:"error,omitempty"`
}

// APIError is a non-2xx response that is not retried.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.StatusCode, e.Message)
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("orchestrator base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		token:     cfg.Token,
		a2aSecret: cfg.A2ASecret,
		client:    client,
		timeout:   timeout,
		retries:   retries,
	}, nil
}

// RunCampaign submits a CGO campaign. An empty key is replaced with a fresh
// one so retries cannot create a second job.
func (c *Client) RunCampaign(ctx context.Context, inputs json.RawMessage, key string) (JobStatus, error) {
	if key == "" {
		key = uuid.NewString()
	}
	headers := map[string]string{"Idempotency-Key": key}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	var out JobStatus
	err := c.do(ctx, http.MethodPost, "/api/v1/cgo/run-marketing-campaign", inputs, headers, &out)
	return out, err
}

func (c *Client) SendCommand(ctx context.Context, cmd tasks.Command) (JobStatus, error) {
	if cmd.IdempotencyKey == "" {
		cmd.IdempotencyKey = uuid.NewString()
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return JobStatus{}, fmt.Errorf("marshal command: %w", err)
	}
	headers := map[string]string{}
	if c.a2aSecret != "" {
		headers[auth.SignatureHeader] = auth.Sign(c.a2aSecret, body)
	}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	var out JobStatus
	err = c.do(ctx, http.MethodPost, "/a2a/command", body, headers, &out)
	return out, err
}

// Poll reads a job of the given kind ("cgo" or "a2a").
func (c *Client) Poll(ctx context.Context, kind, id string) (JobStatus, error) {
	var out JobStatus
	err := c.do(ctx, http.MethodGet, pollPath(kind, id), nil, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, err
}

// Wait polls until the job is terminal or ctx ends.
func (c *Client) Wait(ctx context.Context, kind, id string, interval time.Duration) (JobStatus, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.Poll(ctx, kind, id)
		if err != nil {
			return st, err
		}
		if st.Status.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) History(ctx context.Context) ([]models.AuditEvent, error) {
	var out struct {
		Events []models.AuditEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/ops/audit/history", nil, nil, &out)
	return out.Events, err
}

func (c *Client) Guardrails(ctx context.Context) ([]guardrail.Info, error) {
	var out struct {
		Guardrails []guardrail.Info `json:"guardrails"`
	}
	err := c.do(ctx, http.MethodGet, "/ops/guardrails", nil, nil, &out)
	return out.Guardrails, err
}

func pollPath(kind, id string) string {
	if kind == models.A2AUnit.Kind {
		return "/a2a/jobs/" + id
	}
	return "/api/v1/cgo/jobs/" + id
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out interface{}) error {
	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retry, err := c.attempt(ctx, method, path, body, headers, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("%s %s failed: %w", method, path, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, headers map[string]string, out interface{}) (bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, rdr)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return true, fmt.Errorf("orchestrator unavailable: %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return false, &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}
