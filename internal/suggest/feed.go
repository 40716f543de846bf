// Package suggest drives the advisory completion feed shown alongside the
// draft, and the completers that back it.
package suggest

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"teamwire/internal/domain"
	"teamwire/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultMinLength       = 10
	DefaultEvery           = 10
	DefaultRatePerMinute   = 30
	DefaultBurst           = 3
	DefaultTimeout         = 10 * time.Second
	DefaultContextMessages = 5
)

// History supplies recent messages for the completion context without
// triggering a fetch.
type History interface {
	Peek(conv domain.Conversation) ([]domain.Message, bool)
}

// Request identifies one suggestion request by the draft it was issued for.
type Request struct {
	ID           string
	Conversation domain.Conversation
	Revision     uint64
	Snapshot     string
}

// Response carries a completion back to the buffer, tagged with its request.
type Response struct {
	Request
	Completion string
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	Completer       domain.Completer
	History         History // optional
	MinLength       int     // default: 10
	Every           int     // default: 10
	RatePerMinute   float64 // default: 30
	Burst           int     // default: 3
	Timeout         time.Duration
	ContextMessages int
	Logger          *slog.Logger
}

// Feed issues sampled, rate-limited, fire-and-forget completion requests.
// Failures are silent: suggestions are advisory.
type Feed struct {
	completer domain.Completer
	history   History
	minLength int
	every     int
	timeout   time.Duration
	context   int
	limiter   *rate.Limiter
	logger    *slog.Logger

	wg sync.WaitGroup
}

func NewFeed(cfg FeedConfig) *Feed {
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	if cfg.Every <= 0 {
		cfg.Every = DefaultEvery
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = DefaultRatePerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = DefaultContextMessages
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Feed{
		completer: cfg.Completer,
		history:   cfg.History,
		minLength: cfg.MinLength,
		every:     cfg.Every,
		timeout:   cfg.Timeout,
		context:   cfg.ContextMessages,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerMinute/60), cfg.Burst),
		logger:    cfg.Logger,
	}
}

// ShouldSample reports whether a draft of this text qualifies for a request:
// longer than MinLength characters and on an Every-character boundary.
func (f *Feed) ShouldSample(text string) bool {
	n := utf8.RuneCountInString(text)
	return n > f.minLength && n%f.every == 0
}

// Maybe issues a request for the draft if the sampling policy and the rate
// limit allow it. deliver runs on another goroutine once the completer
// answers with a non-empty completion; it must check staleness itself.
func (f *Feed) Maybe(conv domain.Conversation, revision uint64, text string, deliver func(Response)) (Request, bool) {
	if f.completer == nil || !f.ShouldSample(text) {
		return Request{}, false
	}
	if !f.limiter.Allow() {
		metrics.SuggestionsThrottled.Inc()
		return Request{}, false
	}

	req := Request{
		ID:           uuid.NewString(),
		Conversation: conv,
		Revision:     revision,
		Snapshot:     text,
	}
	creq := domain.CompletionRequest{PartialMessage: text, Context: f.contextFor(conv)}
	metrics.SuggestionsRequested.Inc()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()

		start := time.Now()
		completion, err := f.completer.Complete(ctx, creq)
		metrics.SuggestionLatency.Since(start)
		if err != nil {
			metrics.SuggestionsFailed.Inc()
			f.logger.Debug("suggestion failed", "completer", f.completer.Name(), "err", err)
			return
		}
		if strings.TrimSpace(completion) == "" {
			return
		}
		deliver(Response{Request: req, Completion: completion})
	}()
	return req, true
}

// Wait blocks until in-flight requests have finished.
func (f *Feed) Wait() { f.wg.Wait() }

func (f *Feed) contextFor(conv domain.Conversation) string {
	if f.history == nil {
		return ""
	}
	msgs, ok := f.history.Peek(conv)
	if !ok || len(msgs) == 0 {
		return ""
	}
	if len(msgs) > f.context {
		msgs = msgs[len(msgs)-f.context:]
	}
	var sb strings.Builder
	for _, m := range msgs {
		if m.MessageType == domain.TypeFile || m.MessageType == domain.TypeSystem {
			continue
		}
		sb.WriteString(m.AuthorID)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Merge turns a completion into the full replacement text for the draft.
// Completers may return either the continuation or the whole message.
func Merge(snapshot, completion string) string {
	if strings.HasPrefix(completion, snapshot) {
		return completion
	}
	return snapshot + completion
}
