// Package messenger is the session layer of the client. It owns the active
// conversation and routes user intents and inbound transport events to the
// cache, the mutation gateway, the typing machinery and the draft.
package messenger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"teamwire/internal/bus"
	"teamwire/internal/cache"
	"teamwire/internal/clock"
	"teamwire/internal/compose"
	"teamwire/internal/domain"
	"teamwire/internal/mutation"
	"teamwire/internal/store"
	"teamwire/internal/typing"
)

const storeTimeout = 5 * time.Second

// Selections persists the active conversation between runs.
type Selections interface {
	SaveSelection(ctx context.Context, profile string, conv domain.Conversation) error
	LoadSelection(ctx context.Context, profile string) (domain.Conversation, bool, error)
	Recent(ctx context.Context, profile string, limit int) ([]store.RecentEntry, error)
}

// Config configures a Messenger.
type Config struct {
	SelfID       string
	Profile      string // selection key, see store.Profile
	Cache        *cache.Cache
	Gateway      *mutation.Gateway
	Transport    domain.Sender // typing broadcasts
	Connectivity domain.Connectivity
	Presence     *typing.Presence
	Suggester    compose.Suggester // optional
	Selections   Selections        // optional
	Events       *bus.EventBus
	QuietPeriod  time.Duration // outbound typing, default 2s
	MaxRows      int
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Messenger coordinates one signed-in session.
type Messenger struct {
	self       string
	profile    string
	cache      *cache.Cache
	gateway    *mutation.Gateway
	transport  domain.Sender
	conn       domain.Connectivity
	presence   *typing.Presence
	selections Selections
	events     *bus.EventBus
	quiet      time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	buffer *compose.Buffer

	switchMu sync.Mutex // serializes Open

	mu     sync.Mutex
	active domain.Conversation
	typing *typing.Controller

	unsubscribe func()
}

func New(cfg Config) *Messenger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Events == nil {
		cfg.Events = bus.NewEventBus(cfg.Logger)
	}
	if cfg.Profile == "" {
		cfg.Profile = cfg.SelfID
	}
	m := &Messenger{
		self:       cfg.SelfID,
		profile:    cfg.Profile,
		cache:      cfg.Cache,
		gateway:    cfg.Gateway,
		transport:  cfg.Transport,
		conn:       cfg.Connectivity,
		presence:   cfg.Presence,
		selections: cfg.Selections,
		events:     cfg.Events,
		quiet:      cfg.QuietPeriod,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	m.buffer = compose.NewBuffer(compose.Config{
		Sender:    cfg.Gateway,
		Suggester: cfg.Suggester,
		Events:    cfg.Events,
		MaxRows:   cfg.MaxRows,
		Logger:    cfg.Logger,
	})
	if m.conn != nil {
		m.unsubscribe = m.conn.Subscribe(m.onConnectivity)
	}
	return m
}

// Events is the bus views subscribe to.
func (m *Messenger) Events() *bus.EventBus { return m.events }

// Active returns the open conversation, zero before the first Open.
func (m *Messenger) Active() domain.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Open makes conv the active conversation. The previous conversation's
// typing indicator is stopped and its draft and pending suggestion are
// dropped. Opening the active conversation again is a no-op.
func (m *Messenger) Open(ctx context.Context, conv domain.Conversation) error {
	if err := conv.Validate(); err != nil {
		return &domain.ValidationError{Field: "conversation", Reason: err.Error()}
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	if m.active == conv {
		m.mu.Unlock()
		return nil
	}
	ctrl := typing.NewController(typing.Config{
		Conversation: conv,
		Sender:       m.transport,
		QuietPeriod:  m.quiet,
		Clock:        m.clock,
		Logger:       m.logger,
	})
	m.active = conv
	m.typing = ctrl
	m.mu.Unlock()

	m.buffer.Reset(conv, ctrl)

	m.logger.Info("conversation opened", "conversation", conv.Key())
	m.events.Emit(bus.Event{Type: bus.EventConversationOpened, Conversation: conv.Key()})

	if m.selections != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := m.selections.SaveSelection(sctx, m.profile, conv); err != nil {
			m.logger.Warn("failed to save selection", "conversation", conv.Key(), "err", err)
		}
	}
	return nil
}

// Resume reopens the conversation that was active when the last session
// ended. ok is false when nothing was saved.
func (m *Messenger) Resume(ctx context.Context) (domain.Conversation, bool, error) {
	if m.selections == nil {
		return domain.Conversation{}, false, nil
	}
	conv, ok, err := m.selections.LoadSelection(ctx, m.profile)
	if err != nil || !ok {
		return domain.Conversation{}, false, err
	}
	return conv, true, m.Open(ctx, conv)
}

// Recent lists recently opened conversations, newest first.
func (m *Messenger) Recent(ctx context.Context, limit int) ([]store.RecentEntry, error) {
	if m.selections == nil {
		return nil, nil
	}
	return m.selections.Recent(ctx, m.profile, limit)
}

// Input replaces the draft text of the active conversation.
func (m *Messenger) Input(text string) error {
	if _, err := m.requireActive(); err != nil {
		return err
	}
	m.buffer.Edit(text)
	return nil
}

// Submit sends the draft. On failure a notice is emitted and the draft is
// kept for a retry.
func (m *Messenger) Submit(ctx context.Context) (*domain.Message, error) {
	if _, err := m.requireActive(); err != nil {
		return nil, err
	}
	msg, err := m.buffer.Submit(ctx)
	if err != nil {
		m.fail("send", err)
		return nil, err
	}
	return msg, nil
}

// Edit changes the content of one of the user's own messages.
func (m *Messenger) Edit(ctx context.Context, id, content string) (*domain.Message, error) {
	if err := m.requireOwn(id); err != nil {
		m.fail("edit", err)
		return nil, err
	}
	msg, err := m.gateway.Edit(ctx, id, content)
	if err != nil {
		m.fail("edit", err)
		return nil, err
	}
	return msg, nil
}

// Delete removes one of the user's own messages.
func (m *Messenger) Delete(ctx context.Context, id string) error {
	if err := m.requireOwn(id); err != nil {
		m.fail("delete", err)
		return err
	}
	if err := m.gateway.Delete(ctx, id); err != nil {
		m.fail("delete", err)
		return err
	}
	return nil
}

// React toggles the user's reaction on any message.
func (m *Messenger) React(ctx context.Context, id, emoji string) error {
	if err := m.gateway.React(ctx, id, emoji); err != nil {
		m.fail("react", err)
		return err
	}
	return nil
}

// Attach uploads the file at path and stages it on the draft. The upload is
// dropped if the user switched conversations while it ran.
func (m *Messenger) Attach(ctx context.Context, path string) (*domain.FileDescriptor, error) {
	conv, err := m.requireActive()
	if err != nil {
		return nil, err
	}
	fd, err := m.gateway.UploadPath(ctx, conv, path)
	if err != nil {
		m.fail("upload", err)
		return nil, err
	}
	if m.Active() != conv {
		m.logger.Info("discarding upload for inactive conversation", "conversation", conv.Key(), "file", fd.Name)
		return fd, nil
	}
	m.buffer.Attach(fd)
	return fd, nil
}

// AcceptSuggestion replaces the draft with the pending suggestion.
func (m *Messenger) AcceptSuggestion() bool { return m.buffer.Accept() }

// DismissSuggestion drops the pending suggestion.
func (m *Messenger) DismissSuggestion() { m.buffer.Dismiss() }

// Close stops outbound typing and detaches from connectivity updates.
func (m *Messenger) Close() {
	m.mu.Lock()
	ctrl := m.typing
	m.mu.Unlock()
	if ctrl != nil {
		ctrl.ForceIdle()
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

func (m *Messenger) requireActive() (domain.Conversation, error) {
	conv := m.Active()
	if conv.IsZero() {
		return conv, &domain.ValidationError{Field: "conversation", Reason: "no conversation is open"}
	}
	return conv, nil
}

// requireOwn limits edit and delete to messages the user authored. The
// server enforces the same rule.
func (m *Messenger) requireOwn(id string) error {
	msg, ok := m.lookup(id)
	if !ok {
		return &domain.ValidationError{Field: "messageId", Reason: "unknown message " + id}
	}
	if msg.AuthorID != m.self {
		return &domain.ValidationError{Field: "messageId", Reason: "only your own messages can be changed"}
	}
	return nil
}

func (m *Messenger) lookup(id string) (domain.Message, bool) {
	conv, ok := m.cache.Locate(id)
	if !ok {
		return domain.Message{}, false
	}
	msgs, _ := m.cache.Peek(conv)
	for _, msg := range msgs {
		if msg.ID == id {
			return msg, true
		}
	}
	return domain.Message{}, false
}

// fail converts an operation error into a notice. An expired session is
// additionally announced so the caller can send the user to sign in.
func (m *Messenger) fail(op string, err error) {
	m.logger.Warn("operation failed", "op", op, "err", err)
	m.events.Emit(bus.Event{
		Type:    bus.EventNotice,
		Payload: map[string]any{"op": op, "error": err.Error(), "kind": errorKind(err)},
	})
	if domain.IsAuth(err) {
		m.events.Emit(bus.Event{Type: bus.EventSessionExpired})
	}
}

func errorKind(err error) string {
	switch {
	case domain.IsValidation(err):
		return "validation"
	case domain.IsTransport(err):
		return "offline"
	case domain.IsAuth(err):
		return "auth"
	case domain.IsServer(err):
		return "server"
	}
	return "error"
}

func (m *Messenger) onConnectivity(connected bool) {
	m.events.Emit(bus.Event{Type: bus.EventConnectivityChanged, Payload: map[string]any{"connected": connected}})
	if !connected {
		// Peers' stop events will not arrive while offline.
		if m.presence != nil {
			m.presence.Clear()
		}
		m.events.Emit(bus.Event{
			Type:    bus.EventNotice,
			Payload: map[string]any{"op": "connection", "error": "disconnected, reconnecting", "kind": "offline"},
		})
		return
	}
	// Events may have been missed while the channel was down.
	if stale := m.cache.InvalidateAll(); len(stale) > 0 {
		m.logger.Info("refreshing conversations after reconnect", "count", len(stale))
	}
}
