package transport

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"teamwire/internal/clock"
	"teamwire/internal/domain"
	"teamwire/internal/metrics"
)

// ReconnectConfig configures the reconnect loop.
type ReconnectConfig struct {
	Initial time.Duration // default: 1s
	Max     time.Duration // default: 30s
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Reconnector keeps a WebSocket connected, backing off exponentially with
// jitter between failed attempts. The backoff resets after every successful
// connect.
type Reconnector struct {
	ws      *WebSocket
	initial time.Duration
	max     time.Duration
	clock   clock.Clock
	logger  *slog.Logger
}

func NewReconnector(ws *WebSocket, cfg ReconnectConfig) *Reconnector {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = 30 * time.Second
		if cfg.Max < cfg.Initial {
			cfg.Max = cfg.Initial
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconnector{
		ws:      ws,
		initial: cfg.Initial,
		max:     cfg.Max,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Backoff returns the wait before the given retry attempt (0-based). The base
// doubles per attempt up to Max; up to 50% jitter is added on top.
func (r *Reconnector) Backoff(attempt int) time.Duration {
	base := r.initial
	for i := 0; i < attempt && base < r.max; i++ {
		base *= 2
	}
	if base > r.max {
		base = r.max
	}
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

// Run connects and reconnects until ctx is cancelled or the server rejects
// the credentials. The transport is closed on return.
func (r *Reconnector) Run(ctx context.Context) error {
	defer r.ws.Close()

	attempt := 0
	for {
		err := r.ws.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if domain.IsAuth(err) {
				r.logger.Error("websocket authentication rejected, giving up", "err", err)
				return err
			}
			wait := r.Backoff(attempt)
			attempt++
			r.logger.Warn("websocket connect failed, retrying", "attempt", attempt, "backoff", wait, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-r.clock.After(wait):
			}
			continue
		}

		if r.ws.Epoch() > 1 {
			metrics.Reconnects.Inc()
		}
		attempt = 0

		select {
		case <-ctx.Done():
			return nil
		case <-r.ws.Done():
			r.logger.Info("connection lost, reconnecting")
		}
	}
}
