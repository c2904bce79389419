package gatecell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client is the gatecell SDK client. It talks to the gatecell admission
// check API and, when configured with an API key, the rule admin API.
type Client struct {
	serverAddr string
	apiKey     string
	failMode   string
	timeout    time.Duration
	httpClient *http.Client
	tenant     string

	logger *slog.Logger
}

// NewClient creates a new gatecell SDK client.
// It reads configuration from GATECELL_* environment variables by default.
// Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr: os.Getenv("GATECELL_SERVER_ADDR"),
		apiKey:     os.Getenv("GATECELL_API_KEY"),
		failMode:   envOrDefault("GATECELL_FAIL_MODE", "open"),
		timeout:    parseDurationEnv("GATECELL_TIMEOUT", 5*time.Second),
		tenant:     os.Getenv("GATECELL_TENANT"),
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}

	return c
}

// Check asks the server to admit a single request. On deny, it returns a
// *RateLimitedError carrying the advised retry delay. On server
// unreachable with fail_mode=open, it returns an allow response.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	return c.doCheck(ctx, "/v1/check", c.fillDefaults(req))
}

// CheckN asks the server to admit n cells all-or-nothing. A batch that
// exceeds the deciding rule's burst capacity returns a *BatchTooLargeError.
func (c *Client) CheckN(ctx context.Context, req CheckRequest, n uint64) (*CheckResponse, error) {
	body := batchCheckRequest{CheckRequest: c.fillDefaults(req), N: n}
	resp, err := c.doCheck(ctx, "/v1/check_batch", body)
	if err != nil {
		if tooLarge := asBatchTooLarge(err, n); tooLarge != nil {
			return nil, tooLarge
		}
		return nil, err
	}
	return resp, nil
}

// Allow is a convenience method that checks a request and returns a boolean.
// It returns true if the request was admitted, false if rate limited.
// Unlike Check, it does not return an error on a rate limit denial.
func (c *Client) Allow(ctx context.Context, req CheckRequest) (bool, error) {
	_, err := c.Check(ctx, req)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Wait checks a request and, when rate limited, sleeps the server's advised
// retry delay and tries again. It returns the admitting response, the
// context's error if cancelled, or a *WaitTimeoutError after the retry
// budget is exhausted.
func (c *Client) Wait(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	const (
		maxAttempts   = 30
		minRetryDelay = 10 * time.Millisecond
	)

	for i := 0; i < maxAttempts; i++ {
		resp, err := c.Check(ctx, req)
		if err == nil {
			return resp, nil
		}

		var limited *RateLimitedError
		if !errors.As(err, &limited) {
			return nil, err
		}

		delay := limited.RetryAfter
		if delay < minRetryDelay {
			delay = minRetryDelay
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, &WaitTimeoutError{Attempts: maxAttempts}
}

// doCheck sends a check request and maps the decision. Denials become a
// *RateLimitedError; an unreachable server fails open unless fail_mode
// is "closed".
func (c *Client) doCheck(ctx context.Context, path string, body any) (*CheckResponse, error) {
	var resp CheckResponse
	err := c.doRequest(ctx, http.MethodPost, path, body, &resp)
	if err != nil {
		if isConnectionError(err) {
			if c.failMode == "closed" {
				return nil, &ServerUnreachableError{Cause: err}
			}
			// Fail open: return allow.
			c.logger.Warn("gatecell server unreachable, failing open",
				"server_addr", c.serverAddr,
				"error", err,
			)
			return &CheckResponse{Allowed: true}, nil
		}
		return nil, err
	}

	if !resp.Allowed {
		return nil, &RateLimitedError{
			RuleID:     resp.RuleID,
			Rule:       resp.Rule,
			Key:        resp.Key,
			RetryAfter: resp.RetryAfter(),
			ResetAfter: resp.ResetAfter(),
		}
	}

	return &resp, nil
}

// fillDefaults applies client-level defaults to a check request.
func (c *Client) fillDefaults(req CheckRequest) CheckRequest {
	if req.Tenant == "" {
		req.Tenant = c.tenant
	}
	return req
}

// asBatchTooLarge inspects a server 400 for the max_batch marker.
func asBatchTooLarge(err error, n uint64) *BatchTooLargeError {
	var gcErr *GatecellError
	if !errors.As(err, &gcErr) || gcErr.Code != "HTTP_400" {
		return nil
	}
	var body struct {
		MaxBatch uint64 `json:"max_batch"`
	}
	if jsonErr := json.Unmarshal([]byte(gcErr.Body), &body); jsonErr != nil || body.MaxBatch == 0 {
		return nil
	}
	return &BatchTooLargeError{N: n, MaxBatch: body.MaxBatch}
}

// ListRules returns all rules configured on the server.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	if err := c.doRequest(ctx, http.MethodGet, "/v1/admin/rules", nil, &rules); err != nil {
		return nil, mapRuleError(err)
	}
	return rules, nil
}

// GetRule returns a single rule by ID.
func (c *Client) GetRule(ctx context.Context, id string) (*Rule, error) {
	var r Rule
	path := fmt.Sprintf("/v1/admin/rules/%s", id)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &r); err != nil {
		return nil, mapRuleError(err)
	}
	return &r, nil
}

// CreateRule creates a new rule and returns it with server-assigned fields.
func (c *Client) CreateRule(ctx context.Context, r Rule) (*Rule, error) {
	var created Rule
	if err := c.doRequest(ctx, http.MethodPost, "/v1/admin/rules", r, &created); err != nil {
		return nil, mapRuleError(err)
	}
	return &created, nil
}

// UpdateRule replaces an existing rule. Set r.Version to guard against
// concurrent modification.
func (c *Client) UpdateRule(ctx context.Context, id string, r Rule) (*Rule, error) {
	var updated Rule
	path := fmt.Sprintf("/v1/admin/rules/%s", id)
	if err := c.doRequest(ctx, http.MethodPut, path, r, &updated); err != nil {
		return nil, mapRuleError(err)
	}
	return &updated, nil
}

// DeleteRule removes a rule by ID.
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	path := fmt.Sprintf("/v1/admin/rules/%s", id)
	return mapRuleError(c.doRequest(ctx, http.MethodDelete, path, nil, nil))
}

// mapRuleError converts admin API status codes to sentinel errors.
func mapRuleError(err error) error {
	if err == nil {
		return nil
	}
	var gcErr *GatecellError
	if errors.As(err, &gcErr) {
		switch gcErr.Code {
		case "HTTP_404":
			return ErrRuleNotFound
		case "HTTP_409":
			return ErrRuleConflict
		}
	}
	return err
}

// doRequest performs an HTTP request to the gatecell server.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &GatecellError{
			Code: fmt.Sprintf("HTTP_%d", httpResp.StatusCode),
			Body: string(respBody),
			Err:  fmt.Errorf("server returned %d: %s", httpResp.StatusCode, string(respBody)),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// isConnectionError determines if an error is a connection-level error
// (server unreachable, connection refused, timeout, etc.).
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// HTTP status errors are not connection errors.
	var gcErr *GatecellError
	if errors.As(err, &gcErr) {
		return false
	}

	// All other errors from http.Client.Do are connection errors
	// (DNS resolution, connection refused, TLS handshake, timeouts).
	return true
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as duration string.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
