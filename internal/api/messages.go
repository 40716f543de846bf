package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"teamwire/internal/domain"
)

func messagesPath(conv domain.Conversation) string {
	if conv.ChannelID != "" {
		return "/channels/" + url.PathEscape(conv.ChannelID) + "/messages"
	}
	return "/messages/direct/" + url.PathEscape(conv.RecipientID)
}

// ListMessages returns the conversation log in server order.
func (c *Client) ListMessages(ctx context.Context, conv domain.Conversation) ([]domain.Message, error) {
	if err := conv.Validate(); err != nil {
		return nil, &domain.ValidationError{Field: "conversation", Reason: err.Error()}
	}
	var msgs []domain.Message
	if err := c.get(ctx, messagesPath(conv), &msgs); err != nil {
		return nil, fmt.Errorf("list messages %s: %w", conv, err)
	}
	return msgs, nil
}

type createMessageRequest struct {
	Content     string             `json:"content"`
	ChannelID   string             `json:"channelId,omitempty"`
	RecipientID string             `json:"recipientId,omitempty"`
	MessageType domain.MessageType `json:"messageType,omitempty"`
	Metadata    json.RawMessage    `json:"metadata,omitempty"`
}

// CreateMessage posts a new message to a channel or a direct conversation.
func (c *Client) CreateMessage(ctx context.Context, conv domain.Conversation, content string, mt domain.MessageType, metadata json.RawMessage) (*domain.Message, error) {
	body := createMessageRequest{
		Content:     content,
		ChannelID:   conv.ChannelID,
		RecipientID: conv.RecipientID,
		MessageType: mt,
		Metadata:    metadata,
	}
	path := "/messages/direct"
	if conv.ChannelID != "" {
		path = "/channels/" + url.PathEscape(conv.ChannelID) + "/messages"
	}

	var msg domain.Message
	if err := c.mutate(ctx, http.MethodPost, path, body, &msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &msg, nil
}

// EditMessage replaces the content of a message.
func (c *Client) EditMessage(ctx context.Context, id, content string) (*domain.Message, error) {
	var msg domain.Message
	body := map[string]string{"content": content}
	if err := c.mutate(ctx, http.MethodPut, "/messages/"+url.PathEscape(id), body, &msg); err != nil {
		return nil, fmt.Errorf("edit message %s: %w", id, err)
	}
	return &msg, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	if err := c.mutate(ctx, http.MethodDelete, "/messages/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// ToggleReaction adds the caller's reaction or removes it if present.
func (c *Client) ToggleReaction(ctx context.Context, id, emoji string) error {
	body := map[string]string{"emoji": emoji}
	if err := c.mutate(ctx, http.MethodPost, "/messages/"+url.PathEscape(id)+"/reactions", body, nil); err != nil {
		return fmt.Errorf("toggle reaction on %s: %w", id, err)
	}
	return nil
}

type autocompleteResponse struct {
	Completion string `json:"completion"`
}

// Autocomplete asks the server for a continuation of the draft.
func (c *Client) Autocomplete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	var resp autocompleteResponse
	if err := c.postIdempotent(ctx, "/ai/autocomplete", req, &resp); err != nil {
		return "", fmt.Errorf("autocomplete: %w", err)
	}
	return resp.Completion, nil
}
