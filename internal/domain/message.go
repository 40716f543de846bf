package domain

import (
	"encoding/json"
	"time"
)

// MessageType is the closed set of message kinds.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeFile       MessageType = "file"
	TypeAIResponse MessageType = "ai_response"
	TypeSystem     MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeFile, TypeAIResponse, TypeSystem:
		return true
	}
	return false
}

// Message is a single entry in a conversation log.
type Message struct {
	ID          string          `json:"id"`
	Content     string          `json:"content"`
	AuthorID    string          `json:"authorId"`
	ChannelID   string          `json:"channelId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	ThreadID    string          `json:"threadId,omitempty"`
	MessageType MessageType     `json:"messageType"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	EditedAt    *time.Time      `json:"editedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ConversationFor returns the conversation a message belongs to from the point
// of view of user self. Direct messages authored by the peer carry self as the
// recipient, so the peer is the author in that case.
func (m Message) ConversationFor(self string) Conversation {
	if m.ChannelID != "" {
		return Channel(m.ChannelID)
	}
	if m.AuthorID != "" && m.AuthorID != self {
		return Direct(m.AuthorID)
	}
	return Direct(m.RecipientID)
}

// BelongsTo reports whether m has exactly one of channelId/recipientId set and
// that field matches conv.
func (m Message) BelongsTo(conv Conversation, self string) bool {
	if (m.ChannelID == "") == (m.RecipientID == "") {
		return false
	}
	return m.ConversationFor(self) == conv
}

// Edited reports whether the message carries an edit timestamp.
func (m Message) Edited() bool { return m.EditedAt != nil }

// FileDescriptor is returned by an attachment upload and carried as metadata
// on file messages.
type FileDescriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url,omitempty"`
}

// FileMetadata decodes the file descriptor of a file message.
func (m Message) FileMetadata() (*FileDescriptor, error) {
	if len(m.Metadata) == 0 {
		return nil, nil
	}
	var fd FileDescriptor
	if err := json.Unmarshal(m.Metadata, &fd); err != nil {
		return nil, err
	}
	return &fd, nil
}

// Reaction is keyed by (MessageID, Emoji, UserID).
type Reaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

// TypingEvent is a transient typing signal for one user in one conversation.
type TypingEvent struct {
	Conversation Conversation
	UserID       string
	IsTyping     bool
}

// Suggestion is an advisory completion shown alongside the draft.
type Suggestion struct {
	RequestID string
	Text      string // full replacement text for the draft
}

// Draft is the composition state of the active conversation.
type Draft struct {
	Conversation      Conversation
	Text              string
	PendingAttachment *FileDescriptor
	Suggestion        *Suggestion
}
