package messenger

import (
	"context"

	"teamwire/internal/bus"
	"teamwire/internal/domain"
)

// Run applies inbound envelopes in arrival order until ctx is done or the
// queue is closed. Envelopes dropped by a full queue invalidate every loaded
// conversation, since any of them may have missed an update.
func (m *Messenger) Run(ctx context.Context, inbound *bus.Inbound) error {
	events := inbound.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return nil
			}
			m.Apply(env)
			if n := inbound.TakeDropped(); n > 0 {
				m.logger.Warn("inbound envelopes dropped, refreshing conversations", "dropped", n)
				m.cache.InvalidateAll()
			}
		}
	}
}

// Apply merges one inbound envelope into local state. Creates, edits and
// deletes are applied in place; anything that cannot be applied precisely
// invalidates the conversation instead.
func (m *Messenger) Apply(env domain.Envelope) {
	switch env.Type {
	case domain.EnvelopeMessage:
		if env.Message == nil {
			// Flat frame without a full message; refetch instead.
			if conv := m.envelopeConversation(env); conv.Validate() == nil {
				m.cache.Invalidate(conv)
				if env.UserID != m.self {
					m.emit(bus.EventMessageReceived, conv, env.MessageID)
				}
			}
			return
		}
		msg := *env.Message
		conv := msg.ConversationFor(m.self)
		if msg.AuthorID == m.self {
			// Our own echo; the send already invalidated, but it may come
			// from another device.
			m.cache.Invalidate(conv)
			return
		}
		m.cache.ApplyCreated(msg)
		if m.presence != nil {
			m.presence.Observe(domain.TypingEvent{Conversation: conv, UserID: msg.AuthorID, IsTyping: false})
		}
		m.emit(bus.EventMessageReceived, conv, msg.ID)

	case domain.EnvelopeMessageUpdated:
		if env.Message == nil {
			return
		}
		conv := env.Message.ConversationFor(m.self)
		if !m.cache.ApplyEdited(*env.Message) {
			m.cache.Invalidate(conv)
		}
		m.emit(bus.EventMessageUpdated, conv, env.Message.ID)

	case domain.EnvelopeMessageDeleted:
		if conv, ok := m.cache.ApplyDeleted(env.MessageID); ok {
			m.emit(bus.EventMessageDeleted, conv, env.MessageID)
		}

	case domain.EnvelopeReactionUpdated:
		conv, ok := m.cache.Locate(env.MessageID)
		if !ok {
			conv = m.envelopeConversation(env)
		}
		if conv.Validate() == nil {
			m.cache.Invalidate(conv)
		}

	case domain.EnvelopeTyping:
		if m.presence == nil {
			return
		}
		m.presence.Observe(domain.TypingEvent{
			Conversation: m.envelopeConversation(env),
			UserID:       env.UserID,
			IsTyping:     env.IsTyping,
		})

	default:
		m.logger.Debug("ignoring inbound envelope", "type", env.Type)
	}
}

// envelopeConversation maps an envelope's flat addressing to the local
// conversation. A direct frame addressed to us belongs to the sender's
// conversation.
func (m *Messenger) envelopeConversation(env domain.Envelope) domain.Conversation {
	if env.ChannelID != "" {
		return domain.Channel(env.ChannelID)
	}
	if env.RecipientID == m.self && env.UserID != "" {
		return domain.Direct(env.UserID)
	}
	return domain.Direct(env.RecipientID)
}

func (m *Messenger) emit(typ string, conv domain.Conversation, id string) {
	m.events.Emit(bus.Event{Type: typ, Conversation: conv.Key(), Payload: map[string]any{"id": id}})
}
