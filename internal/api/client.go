package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/airfi/captivegate/internal/auth"
	"github.com/airfi/captivegate/internal/db"
	"github.com/airfi/captivegate/internal/session"
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Code, e.Message)
}

// ClientConfig configures an API client.
type ClientConfig struct {
	BaseURL  string
	Caller   string // token subject, e.g. "portal"
	Attempts uint
	Delay    time.Duration
	Timeout  time.Duration
}

// Client calls the internal API with signed requests. Failed calls are
// retried on transport errors and 5xx responses; activation converges on
// retry so at-least-once delivery is safe.
type Client struct {
	config ClientConfig
	jwt    *auth.JWTService
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an API client that signs with jwtService.
func NewClient(config ClientConfig, jwtService *auth.JWTService, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Attempts == 0 {
		config.Attempts = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Caller == "" {
		config.Caller = "cli"
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: config,
		jwt:    jwtService,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Activate asks the gateway to grant access for an authenticated user.
func (c *Client) Activate(ctx context.Context, req ActivateRequest) (*ActivateResponse, error) {
	var resp ActivateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions/activate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// End ends the user's active session.
func (c *Client) End(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(userID)+"/end", nil, nil)
}

// ListSessions lists sessions, optionally filtered by status.
func (c *Client) ListSessions(ctx context.Context, status string) ([]*db.Session, error) {
	path := "/api/v1/sessions"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSession returns the user's active session.
func (c *Client) GetSession(ctx context.Context, userID string) (*db.Session, error) {
	var s db.Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(userID), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CheckAccess reports the firewall and session state for ip.
func (c *Client) CheckAccess(ctx context.Context, ip string) (*session.AccessStatus, error) {
	var st session.AccessStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/access/"+url.PathEscape(ip), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Stats returns session statistics.
func (c *Client) Stats(ctx context.Context) (*db.Stats, error) {
	var st db.Stats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return retry.Do(
		func() error {
			return c.once(ctx, method, path, body, out)
		},
		retry.Context(ctx),
		retry.Attempts(c.config.Attempts),
		retry.Delay(c.config.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("api call failed, retrying",
				zap.String("method", method),
				zap.String("path", path),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}

	// The token covers the escaped path as sent, without the query string.
	// Each attempt gets a fresh token so retries never reuse an expiring one.
	token, err := c.jwt.SignCall(c.config.Caller, method, req.URL.EscapedPath(), body)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}
