// Package compose is the draft model for the active conversation. The draft
// text is always the source of truth; suggestions are an advisory overlay
// that is discarded as soon as the text moves on.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"teamwire/internal/bus"
	"teamwire/internal/domain"
	"teamwire/internal/metrics"
	"teamwire/internal/suggest"
)

const DefaultMaxRows = 8

// Sender is the mutation gateway's send operation.
type Sender interface {
	Send(ctx context.Context, conv domain.Conversation, content string, mt domain.MessageType, metadata json.RawMessage) (*domain.Message, error)
}

// Typing is the outbound typing controller of the active conversation.
type Typing interface {
	OnInput(text string)
	ForceIdle()
}

// Suggester issues sampled suggestion requests.
type Suggester interface {
	Maybe(conv domain.Conversation, revision uint64, text string, deliver func(suggest.Response)) (suggest.Request, bool)
}

// Config configures a Buffer.
type Config struct {
	Conversation domain.Conversation
	Sender       Sender
	Typing       Typing
	Suggester    Suggester     // optional
	Events       *bus.EventBus // optional; draft.changed and suggestion.ready
	MaxRows      int           // default: 8
	Logger       *slog.Logger
}

// Buffer holds the draft of one conversation at a time. Every change to the
// text bumps the revision; suggestion responses carry the revision they were
// requested at and are dropped when it no longer matches.
type Buffer struct {
	sender    Sender
	suggester Suggester
	events    *bus.EventBus
	maxRows   int
	logger    *slog.Logger

	mu         sync.Mutex
	conv       domain.Conversation
	typing     Typing
	text       string
	revision   uint64
	rows       int
	pending    *domain.FileDescriptor
	suggestion *domain.Suggestion
	submitting bool
}

func NewBuffer(cfg Config) *Buffer {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Buffer{
		sender:    cfg.Sender,
		suggester: cfg.Suggester,
		events:    cfg.Events,
		maxRows:   cfg.MaxRows,
		logger:    cfg.Logger,
		conv:      cfg.Conversation,
		typing:    cfg.Typing,
		rows:      1,
	}
}

// Edit replaces the draft text. It dismisses any pending suggestion, feeds
// the typing controller and may issue a suggestion request.
func (b *Buffer) Edit(text string) {
	b.mu.Lock()
	if text == b.text {
		b.mu.Unlock()
		return
	}
	b.text = text
	b.revision++
	b.suggestion = nil
	b.rows = b.rowsFor(text)
	conv, rev, typing := b.conv, b.revision, b.typing
	b.mu.Unlock()

	if typing != nil {
		typing.OnInput(text)
	}
	if b.suggester != nil {
		b.suggester.Maybe(conv, rev, text, func(resp suggest.Response) { b.OfferSuggestion(resp) })
	}
	b.emit(bus.EventDraftChanged, conv, nil)
}

// OfferSuggestion installs a suggestion if it was requested for the current
// draft. It reports false for stale responses.
func (b *Buffer) OfferSuggestion(resp suggest.Response) bool {
	b.mu.Lock()
	if resp.Conversation != b.conv || resp.Revision != b.revision || resp.Snapshot != b.text {
		b.mu.Unlock()
		metrics.SuggestionsStale.Inc()
		b.logger.Debug("discarding stale suggestion", "request", resp.ID)
		return false
	}
	s := &domain.Suggestion{RequestID: resp.ID, Text: suggest.Merge(resp.Snapshot, resp.Completion)}
	b.suggestion = s
	conv := b.conv
	b.mu.Unlock()

	metrics.SuggestionsShown.Inc()
	b.emit(bus.EventSuggestionReady, conv, map[string]any{"request": s.RequestID, "text": s.Text})
	return true
}

// Accept replaces the draft with the pending suggestion.
func (b *Buffer) Accept() bool {
	b.mu.Lock()
	if b.suggestion == nil {
		b.mu.Unlock()
		return false
	}
	b.text = b.suggestion.Text
	b.suggestion = nil
	b.revision++
	b.rows = b.rowsFor(b.text)
	conv, text, typing := b.conv, b.text, b.typing
	b.mu.Unlock()

	metrics.SuggestionsAccepted.Inc()
	if typing != nil {
		typing.OnInput(text)
	}
	b.emit(bus.EventDraftChanged, conv, nil)
	return true
}

// Dismiss drops the pending suggestion, if any.
func (b *Buffer) Dismiss() {
	b.mu.Lock()
	b.suggestion = nil
	b.mu.Unlock()
}

// Attach stages an uploaded file; the next Submit sends it as a file message.
func (b *Buffer) Attach(fd *domain.FileDescriptor) {
	b.mu.Lock()
	b.pending = fd
	conv := b.conv
	b.mu.Unlock()
	b.emit(bus.EventDraftChanged, conv, map[string]any{"attachment": fd.Name})
}

// Submit sends the draft through the gateway. The draft is cleared only when
// the send succeeds; on any error it is kept for a retry. Typing is forced
// idle before the request.
func (b *Buffer) Submit(ctx context.Context) (*domain.Message, error) {
	b.mu.Lock()
	if b.submitting {
		b.mu.Unlock()
		return nil, &domain.ValidationError{Field: "draft", Reason: "a send is already in progress"}
	}
	conv, text, pending, rev, typing := b.conv, b.text, b.pending, b.revision, b.typing
	if pending == nil && strings.TrimSpace(text) == "" {
		b.mu.Unlock()
		return nil, &domain.ValidationError{Field: "content", Reason: "empty message"}
	}
	b.submitting = true
	b.mu.Unlock()

	if typing != nil {
		typing.ForceIdle()
	}

	content, mt := strings.TrimSpace(text), domain.TypeText
	var metadata json.RawMessage
	if pending != nil {
		data, err := json.Marshal(pending)
		if err != nil {
			b.finishSubmit()
			return nil, fmt.Errorf("encode attachment: %w", err)
		}
		metadata, mt = data, domain.TypeFile
		if content == "" {
			content = pending.Name
		}
	}

	msg, err := b.sender.Send(ctx, conv, content, mt, metadata)

	b.mu.Lock()
	b.submitting = false
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	// Input typed while the send was in flight is kept.
	if b.conv == conv && b.revision == rev {
		b.text = ""
		b.revision++
		b.rows = 1
		b.suggestion = nil
	}
	if b.pending == pending {
		b.pending = nil
	}
	b.mu.Unlock()

	b.emit(bus.EventDraftChanged, conv, nil)
	return msg, nil
}

func (b *Buffer) finishSubmit() {
	b.mu.Lock()
	b.submitting = false
	b.mu.Unlock()
}

// Reset switches the buffer to another conversation. The previous
// conversation's typing indicator is stopped and its draft, attachment and
// suggestion are dropped.
func (b *Buffer) Reset(conv domain.Conversation, typing Typing) {
	b.mu.Lock()
	old := b.typing
	b.conv = conv
	b.typing = typing
	b.text = ""
	b.revision++
	b.rows = 1
	b.pending = nil
	b.suggestion = nil
	b.mu.Unlock()

	if old != nil && old != typing {
		old.ForceIdle()
	}
}

// Snapshot returns a copy of the draft state.
func (b *Buffer) Snapshot() domain.Draft {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := domain.Draft{Conversation: b.conv, Text: b.text}
	if b.pending != nil {
		fd := *b.pending
		d.PendingAttachment = &fd
	}
	if b.suggestion != nil {
		s := *b.suggestion
		d.Suggestion = &s
	}
	return d
}

// Rows is the height of the input area for the current text.
func (b *Buffer) Rows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rows
}

func (b *Buffer) Revision() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revision
}

func (b *Buffer) rowsFor(text string) int {
	rows := strings.Count(text, "\n") + 1
	if rows > b.maxRows {
		return b.maxRows
	}
	return rows
}

func (b *Buffer) emit(typ string, conv domain.Conversation, payload map[string]any) {
	if b.events == nil {
		return
	}
	b.events.Emit(bus.Event{Type: typ, Conversation: conv.Key(), Payload: payload})
}
