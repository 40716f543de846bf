// Package api is the REST client for the messaging server: message reads and
// mutations, attachment upload and autocomplete.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"teamwire/internal/domain"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	Token       string
	WorkspaceID string
	Timeout     time.Duration // default: 30s; ignored when HTTPClient is set
	RetryBase   time.Duration // default: 500ms
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client issues requests against the server's REST API. Reads and
// autocomplete are retried; mutations are sent exactly once.
type Client struct {
	baseURL     string
	token       string
	workspaceID string
	retryBase   time.Duration
	client      *http.Client
	logger      *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(cfg.Timeout)
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		workspaceID: cfg.WorkspaceID,
		retryBase:   cfg.RetryBase,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
	}
}

// WorkspaceID is sent with attachment uploads.
func (c *Client) WorkspaceID() string { return c.workspaceID }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// get performs an idempotent GET with retry and decodes the JSON response
// into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := doWithRetry(ctx, c.client, c.retryBase, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, nil, "")
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

// postIdempotent is a POST that is safe to repeat (autocomplete).
func (c *Client) postIdempotent(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	resp, err := doWithRetry(ctx, c.client, c.retryBase, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json")
	}, c.logger)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

// mutate sends a single non-retried JSON request.
func (c *Client) mutate(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.send(ctx, req, out)
}

func (c *Client) send(ctx context.Context, req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()
	c.logger.Debug("api request", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "duration", time.Since(start))
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode %s: %w", resp.Request.URL.Path, err)
	}
	return nil
}

// Ping checks that the server is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.get(ctx, "/health", nil)
}
