package messenger

import (
	"context"

	"teamwire/internal/domain"
)

// View is a render snapshot of the active conversation.
type View struct {
	Conversation domain.Conversation
	Messages     []domain.Message
	// StartOfConversation is set when the log is empty, so the view shows
	// the conversation header instead of history.
	StartOfConversation bool
	Typing              []string // peers currently typing, sorted
	Draft               domain.Draft
	Rows                int
	Connected           bool
}

// View reads the active conversation, fetching it if the cache has no fresh
// copy. A fetch failure still returns the draft and connectivity parts.
func (m *Messenger) View(ctx context.Context) (View, error) {
	conv, err := m.requireActive()
	if err != nil {
		return View{}, err
	}

	v := View{
		Conversation: conv,
		Draft:        m.buffer.Snapshot(),
		Rows:         m.buffer.Rows(),
		Connected:    m.conn == nil || m.conn.Connected(),
	}
	if m.presence != nil {
		v.Typing = m.presence.Typing(conv)
	}

	msgs, err := m.cache.Get(ctx, conv)
	if err != nil {
		m.fail("load", err)
		return v, err
	}
	v.Messages = msgs
	v.StartOfConversation = len(msgs) == 0
	return v, nil
}
