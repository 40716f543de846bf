package domain

import "encoding/json"

// EnvelopeType tags the union carried over the transport.
type EnvelopeType string

const (
	EnvelopeMessage         EnvelopeType = "message"
	EnvelopeTyping          EnvelopeType = "typing"
	EnvelopeMessageUpdated  EnvelopeType = "message_updated"
	EnvelopeMessageDeleted  EnvelopeType = "message_deleted"
	EnvelopeReactionUpdated EnvelopeType = "reaction_updated"
	EnvelopeStatus          EnvelopeType = "status"
)

// Envelope is the JSON frame exchanged over the transport channel.
// Outbound frames use the flat message/typing fields; inbound message frames
// carry the full Message.
type Envelope struct {
	Type        EnvelopeType    `json:"type"`
	Nonce       string          `json:"nonce,omitempty"`
	Content     string          `json:"content,omitempty"`
	ChannelID   string          `json:"channelId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	MessageType MessageType     `json:"messageType,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	IsTyping    bool            `json:"isTyping"`
	UserID      string          `json:"userId,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	Message     *Message        `json:"message,omitempty"`
}

// Conversation returns the identity addressed by the envelope's flat fields.
func (e Envelope) Conversation() Conversation {
	return Conversation{ChannelID: e.ChannelID, RecipientID: e.RecipientID}
}

// TypingEnvelope builds an outbound typing frame.
func TypingEnvelope(conv Conversation, typing bool) Envelope {
	return Envelope{
		Type:        EnvelopeTyping,
		ChannelID:   conv.ChannelID,
		RecipientID: conv.RecipientID,
		IsTyping:    typing,
	}
}

// MessageEnvelope builds an outbound message frame.
func MessageEnvelope(conv Conversation, content string, mt MessageType, metadata json.RawMessage) Envelope {
	if mt == "" {
		mt = TypeText
	}
	return Envelope{
		Type:        EnvelopeMessage,
		Content:     content,
		ChannelID:   conv.ChannelID,
		RecipientID: conv.RecipientID,
		MessageType: mt,
		Metadata:    metadata,
	}
}
