package domain

import (
	"errors"
	"strings"
)

// ConversationKind distinguishes channels from direct-message pairs.
type ConversationKind string

const (
	KindChannel ConversationKind = "channel"
	KindDirect  ConversationKind = "direct"
)

// Conversation identifies a channel or a direct-message peer.
// Exactly one of ChannelID / RecipientID is set for a valid conversation.
type Conversation struct {
	ChannelID   string `json:"channelId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

// Channel returns the conversation identity for a channel.
func Channel(id string) Conversation { return Conversation{ChannelID: id} }

// Direct returns the conversation identity for a direct-message peer.
func Direct(peerID string) Conversation { return Conversation{RecipientID: peerID} }

func (c Conversation) IsZero() bool { return c.ChannelID == "" && c.RecipientID == "" }

func (c Conversation) Kind() ConversationKind {
	if c.ChannelID != "" {
		return KindChannel
	}
	return KindDirect
}

// ID returns the channel id or the peer id.
func (c Conversation) ID() string {
	if c.ChannelID != "" {
		return c.ChannelID
	}
	return c.RecipientID
}

// Key is the cache partition key: "channel:<id>" or "direct:<peer>".
func (c Conversation) Key() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Kind()) + ":" + c.ID()
}

func (c Conversation) String() string { return c.Key() }

// Validate enforces the exactly-one-of rule.
func (c Conversation) Validate() error {
	switch {
	case c.ChannelID != "" && c.RecipientID != "":
		return errors.New("conversation has both channelId and recipientId")
	case c.IsZero():
		return errors.New("conversation has neither channelId nor recipientId")
	}
	return nil
}

// ParseConversation parses a partition key or a shorthand ("#general", "@alice").
func ParseConversation(s string) (Conversation, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "#") && len(s) > 1:
		return Channel(s[1:]), nil
	case strings.HasPrefix(s, "@") && len(s) > 1:
		return Direct(s[1:]), nil
	}
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Conversation{}, errors.New("invalid conversation: " + s)
	}
	switch ConversationKind(kind) {
	case KindChannel:
		return Channel(id), nil
	case KindDirect:
		return Direct(id), nil
	}
	return Conversation{}, errors.New("invalid conversation kind: " + kind)
}
