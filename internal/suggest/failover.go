package suggest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"teamwire/internal/domain"
)

// Failover tries completers in order and returns the first success.
type Failover struct {
	completers []domain.Completer
	logger     *slog.Logger
}

func NewFailover(completers []domain.Completer, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{completers: completers, logger: logger}
}

func (f *Failover) Name() string {
	names := make([]string, len(f.completers))
	for i, c := range f.completers {
		names[i] = c.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

func (f *Failover) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	var lastErr error
	for i, c := range f.completers {
		out, err := c.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Debug("failover: used fallback completer", "completer", c.Name(), "attempt", i+1)
			}
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		f.logger.Debug("failover: completer failed, trying next", "completer", c.Name(), "attempt", i+1, "error", err)
	}
	if lastErr == nil {
		return "", fmt.Errorf("no completers configured")
	}
	return "", fmt.Errorf("all completers failed: %w", lastErr)
}
