package typing

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"teamwire/internal/bus"
	"teamwire/internal/clock"
	"teamwire/internal/domain"
)

const DefaultPeerTimeout = 5 * time.Second

// PresenceConfig configures a Presence set.
type PresenceConfig struct {
	SelfID  string
	Timeout time.Duration // default: 5s
	Clock   clock.Clock
	Events  *bus.EventBus // optional; receives typing.changed
	Logger  *slog.Logger
}

// Presence aggregates inbound typing events into a per-conversation set of
// typing users. Every user has an independent liveness timer so a peer that
// disappears without sending isTyping:false drops out after Timeout.
type Presence struct {
	self    string
	timeout time.Duration
	clock   clock.Clock
	events  *bus.EventBus
	logger  *slog.Logger

	mu    sync.Mutex
	convs map[string]map[string]*peer
}

type peer struct {
	deadline time.Time
	timer    *clock.Timer
}

func NewPresence(cfg PresenceConfig) *Presence {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPeerTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Presence{
		self:    cfg.SelfID,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
		events:  cfg.Events,
		logger:  cfg.Logger,
		convs:   make(map[string]map[string]*peer),
	}
}

// Observe merges one inbound typing event. Events from self are ignored.
func (p *Presence) Observe(ev domain.TypingEvent) {
	if ev.UserID == "" || ev.UserID == p.self || ev.Conversation.Validate() != nil {
		return
	}
	key := ev.Conversation.Key()

	p.mu.Lock()
	users := p.convs[key]
	existing := users[ev.UserID]
	changed := false

	switch {
	case ev.IsTyping && existing != nil:
		existing.deadline = p.clock.Now().Add(p.timeout)
		existing.timer.Reset(p.timeout)
	case ev.IsTyping:
		if users == nil {
			users = make(map[string]*peer)
			p.convs[key] = users
		}
		pr := &peer{deadline: p.clock.Now().Add(p.timeout)}
		user := ev.UserID
		pr.timer = p.clock.AfterFunc(p.timeout, func() { p.expire(key, user, pr) })
		users[user] = pr
		changed = true
	case existing != nil:
		existing.timer.Stop()
		p.removeLocked(key, ev.UserID)
		changed = true
	}
	p.mu.Unlock()

	if changed {
		p.emit(key)
	}
}

func (p *Presence) expire(key, user string, pr *peer) {
	p.mu.Lock()
	if p.convs[key][user] != pr || p.clock.Now().Before(pr.deadline) {
		p.mu.Unlock()
		return
	}
	p.removeLocked(key, user)
	p.mu.Unlock()

	p.logger.Debug("typing indicator expired", "conversation", key, "user", user)
	p.emit(key)
}

func (p *Presence) removeLocked(key, user string) {
	delete(p.convs[key], user)
	if len(p.convs[key]) == 0 {
		delete(p.convs, key)
	}
}

// Typing returns the sorted ids of users typing in conv.
func (p *Presence) Typing(conv domain.Conversation) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := p.convs[conv.Key()]
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear drops every indicator, e.g. after the transport disconnects.
func (p *Presence) Clear() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.convs))
	for key, users := range p.convs {
		for _, pr := range users {
			pr.timer.Stop()
		}
		keys = append(keys, key)
	}
	p.convs = make(map[string]map[string]*peer)
	p.mu.Unlock()

	for _, key := range keys {
		p.emit(key)
	}
}

func (p *Presence) emit(key string) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{Type: bus.EventTypingChanged, Conversation: key})
}
