package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"teamwire/internal/domain"
)

const maxRetries = 3

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// doWithRetry executes an idempotent request with exponential backoff and
// jitter on network failures, 5xx and 429. When retries run out on a bad
// status the last response is returned so the caller can map it.
// Mutations must not go through here.
func doWithRetry(ctx context.Context, client *http.Client, base time.Duration, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(attempt*attempt) * base
			jitter := time.Duration(rand.Int64N(int64(wait/2 + 1)))
			backoff := wait + jitter
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < maxRetries {
				logger.Warn("request failed, will retry", "path", req.URL.Path, "error", err)
				continue
			}
			return nil, &domain.TransportError{Op: req.Method + " " + req.URL.Path, Err: err}
		}

		if retryableStatus(resp.StatusCode) && attempt < maxRetries {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			logger.Warn("server error, will retry", "path", req.URL.Path, "status", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}
