// Package cache holds the per-conversation message logs. Entries are fetched
// lazily on first read and refetched after invalidation; inbound events may
// also patch a loaded log in place.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"teamwire/internal/bus"
	"teamwire/internal/domain"
	"teamwire/internal/metrics"
)

// Fetcher loads a conversation log from the server.
type Fetcher interface {
	ListMessages(ctx context.Context, conv domain.Conversation) ([]domain.Message, error)
}

// Config configures a Cache.
type Config struct {
	Fetcher Fetcher
	SelfID  string
	Events  *bus.EventBus // optional; receives cache.invalidated
	Logger  *slog.Logger
}

// Cache maps conversation keys to ordered message logs.
type Cache struct {
	fetcher Fetcher
	self    string
	events  *bus.EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	index   map[string]domain.Conversation // message id -> conversation
}

type entry struct {
	conv     domain.Conversation
	messages []domain.Message
	loaded   bool
	stale    bool
	inflight *fetchCall
}

// fetchCall is shared by every reader that arrives while a fetch is running.
type fetchCall struct {
	done chan struct{}
	msgs []domain.Message
	err  error
}

func New(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		fetcher: cfg.Fetcher,
		self:    cfg.SelfID,
		events:  cfg.Events,
		logger:  cfg.Logger,
		entries: make(map[string]*entry),
		index:   make(map[string]domain.Conversation),
	}
}

// Get returns the conversation log ordered by createdAt ascending. The first
// read and the first read after an invalidation fetch from the server;
// concurrent readers share that fetch. The returned slice is a copy.
func (c *Cache) Get(ctx context.Context, conv domain.Conversation) ([]domain.Message, error) {
	if err := conv.Validate(); err != nil {
		return nil, &domain.ValidationError{Field: "conversation", Reason: err.Error()}
	}

	c.mu.Lock()
	e := c.entryLocked(conv)
	if e.loaded && !e.stale {
		out := cloneMessages(e.messages)
		c.mu.Unlock()
		return out, nil
	}
	if call := e.inflight; call != nil {
		c.mu.Unlock()
		return waitCall(ctx, call)
	}
	call := &fetchCall{done: make(chan struct{})}
	e.inflight = call
	e.stale = false
	c.mu.Unlock()

	metrics.CacheFetches.Inc()
	msgs, err := c.fetcher.ListMessages(ctx, conv)

	c.mu.Lock()
	e.inflight = nil
	if err != nil {
		e.stale = true
		call.err = err
	} else {
		c.storeLocked(e, msgs)
		call.msgs = cloneMessages(e.messages)
	}
	close(call.done)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return cloneMessages(call.msgs), nil
}

func waitCall(ctx context.Context, call *fetchCall) ([]domain.Message, error) {
	select {
	case <-call.done:
		if call.err != nil {
			return nil, call.err
		}
		return cloneMessages(call.msgs), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the cached log without fetching. ok is false when the
// conversation was never loaded.
func (c *Cache) Peek(conv domain.Conversation) (msgs []domain.Message, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[conv.Key()]
	if !found || !e.loaded {
		return nil, false
	}
	return cloneMessages(e.messages), true
}

// Invalidate marks a loaded conversation stale so the next Get refetches.
// Repeated invalidations before that read collapse into one fetch.
func (c *Cache) Invalidate(conv domain.Conversation) {
	c.mu.Lock()
	e, ok := c.entries[conv.Key()]
	if !ok {
		c.mu.Unlock()
		return
	}
	coalesced := e.stale
	e.stale = true
	c.mu.Unlock()

	metrics.CacheInvalidations.Inc()
	if coalesced {
		c.logger.Debug("invalidation coalesced", "conversation", conv.Key())
		return
	}
	if c.events != nil {
		c.events.Emit(bus.Event{Type: bus.EventCacheInvalidated, Conversation: conv.Key()})
	}
}

// InvalidateAll marks every loaded conversation stale and returns them.
func (c *Cache) InvalidateAll() []domain.Conversation {
	convs := c.Loaded()
	for _, conv := range convs {
		c.Invalidate(conv)
	}
	return convs
}

// Loaded lists the conversations that hold a fetched log.
func (c *Cache) Loaded() []domain.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Conversation, 0, len(c.entries))
	for _, e := range c.entries {
		if e.loaded {
			out = append(out, e.conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Locate returns the conversation holding a cached message.
func (c *Cache) Locate(messageID string) (domain.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.index[messageID]
	return conv, ok
}

// ApplyCreated inserts msg into its loaded conversation at its createdAt
// position. A message already present is replaced in place. It reports false
// when the conversation is not loaded or msg is malformed. An event that
// lands during a fetch also marks the conversation stale.
func (c *Cache) ApplyCreated(msg domain.Message) bool {
	if (msg.ChannelID == "") == (msg.RecipientID == "") {
		c.logger.Warn("dropping message without a single conversation id", "id", msg.ID)
		return false
	}
	conv := msg.ConversationFor(c.self)

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conv.Key()]
	if !ok {
		return false
	}
	c.staleIfFetchingLocked(e)
	if !e.loaded {
		return false
	}
	if i := indexOf(e.messages, msg.ID); i >= 0 {
		e.messages[i] = msg
		return true
	}
	pos := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	e.messages = append(e.messages, domain.Message{})
	copy(e.messages[pos+1:], e.messages[pos:])
	e.messages[pos] = msg
	c.index[msg.ID] = conv
	return true
}

// ApplyEdited replaces content, metadata and timestamps of a cached message
// without moving it. Authorship and createdAt are kept.
func (c *Cache) ApplyEdited(msg domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.index[msg.ID]
	if !ok {
		c.missedLocked(msg)
		return false
	}
	e := c.entries[conv.Key()]
	c.staleIfFetchingLocked(e)
	i := indexOf(e.messages, msg.ID)
	if i < 0 {
		return false
	}
	cur := &e.messages[i]
	cur.Content = msg.Content
	if msg.Metadata != nil {
		cur.Metadata = msg.Metadata
	}
	if msg.EditedAt != nil {
		cur.EditedAt = msg.EditedAt
	}
	if !msg.UpdatedAt.IsZero() {
		cur.UpdatedAt = msg.UpdatedAt
	}
	return true
}

// ApplyDeleted removes a cached message. The relative order of the rest is
// unchanged.
func (c *Cache) ApplyDeleted(messageID string) (domain.Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.index[messageID]
	if !ok {
		c.missedLocked(domain.Message{ID: messageID})
		return domain.Conversation{}, false
	}
	delete(c.index, messageID)
	e := c.entries[conv.Key()]
	c.staleIfFetchingLocked(e)
	if i := indexOf(e.messages, messageID); i >= 0 {
		e.messages = append(e.messages[:i], e.messages[i+1:]...)
	}
	return conv, true
}

// staleIfFetchingLocked marks e for refetch when a fetch is running: the
// fetched log may predate the event being applied and would overwrite it.
func (c *Cache) staleIfFetchingLocked(e *entry) {
	if e.inflight != nil {
		e.stale = true
	}
}

// missedLocked handles an event for a message that is not indexed. Its
// conversation may still be loading; when msg does not name one, every
// running fetch is marked stale.
func (c *Cache) missedLocked(msg domain.Message) {
	if (msg.ChannelID == "") != (msg.RecipientID == "") {
		if e, ok := c.entries[msg.ConversationFor(c.self).Key()]; ok {
			c.staleIfFetchingLocked(e)
		}
		return
	}
	for _, e := range c.entries {
		c.staleIfFetchingLocked(e)
	}
}

func (c *Cache) entryLocked(conv domain.Conversation) *entry {
	e, ok := c.entries[conv.Key()]
	if !ok {
		e = &entry{conv: conv}
		c.entries[conv.Key()] = e
	}
	return e
}

// storeLocked replaces an entry's log with a fresh fetch, dropping messages
// that do not belong to the conversation.
func (c *Cache) storeLocked(e *entry, fetched []domain.Message) {
	for _, m := range e.messages {
		delete(c.index, m.ID)
	}

	msgs := make([]domain.Message, 0, len(fetched))
	for _, m := range fetched {
		if !m.BelongsTo(e.conv, c.self) {
			c.logger.Warn("dropping message from another conversation",
				"id", m.ID, "conversation", e.conv.Key())
			continue
		}
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	for _, m := range msgs {
		c.index[m.ID] = e.conv
	}
	if !e.loaded {
		metrics.CachePartitions.Inc()
	}
	e.messages = msgs
	e.loaded = true
}

func indexOf(msgs []domain.Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	if msgs == nil {
		return []domain.Message{}
	}
	return append([]domain.Message(nil), msgs...)
}
