// Package mutation issues message mutations over the REST channel and
// invalidates the affected conversation once the server confirms.
package mutation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"teamwire/internal/domain"
	"teamwire/internal/metrics"

	"github.com/dustin/go-humanize"
)

// DefaultMaxAttachmentSize is used when Config.MaxAttachmentSize is zero.
const DefaultMaxAttachmentSize = 10 << 20

// Client is the request channel the gateway drives.
type Client interface {
	CreateMessage(ctx context.Context, conv domain.Conversation, content string, mt domain.MessageType, metadata json.RawMessage) (*domain.Message, error)
	EditMessage(ctx context.Context, id, content string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ToggleReaction(ctx context.Context, id, emoji string) error
	UploadFile(ctx context.Context, name string, r io.Reader) (*domain.FileDescriptor, error)
}

// Cache is the part of the conversation cache the gateway touches.
type Cache interface {
	Invalidate(conv domain.Conversation)
	Locate(messageID string) (domain.Conversation, bool)
}

// Config configures a Gateway.
type Config struct {
	Client            Client
	Cache             Cache
	Connectivity      domain.Connectivity
	SelfID            string
	MaxAttachmentSize int64
	Logger            *slog.Logger
}

// Gateway validates mutations, checks connectivity, issues the request and
// invalidates the affected conversation on success. Failed requests leave
// local state untouched.
type Gateway struct {
	client  Client
	cache   Cache
	conn    domain.Connectivity
	self    string
	maxSize int64
	logger  *slog.Logger

	reactMu    sync.Mutex
	reactLocks map[string]*reactLock
}

type reactLock struct {
	mu   sync.Mutex
	refs int
}

func NewGateway(cfg Config) *Gateway {
	if cfg.MaxAttachmentSize <= 0 {
		cfg.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		client:     cfg.Client,
		cache:      cfg.Cache,
		conn:       cfg.Connectivity,
		self:       cfg.SelfID,
		maxSize:    cfg.MaxAttachmentSize,
		logger:     cfg.Logger,
		reactLocks: make(map[string]*reactLock),
	}
}

// MaxAttachmentSize is the upload limit in bytes.
func (g *Gateway) MaxAttachmentSize() int64 { return g.maxSize }

// Send creates a message. Blank content is rejected unless the message is a
// file message carrying metadata.
func (g *Gateway) Send(ctx context.Context, conv domain.Conversation, content string, mt domain.MessageType, metadata json.RawMessage) (*domain.Message, error) {
	if err := conv.Validate(); err != nil {
		return nil, &domain.ValidationError{Field: "conversation", Reason: err.Error()}
	}
	if mt == "" {
		mt = domain.TypeText
	}
	if !mt.Valid() {
		return nil, &domain.ValidationError{Field: "messageType", Reason: fmt.Sprintf("unknown type %q", mt)}
	}
	if strings.TrimSpace(content) == "" && !(mt == domain.TypeFile && len(metadata) > 0) {
		return nil, &domain.ValidationError{Field: "content", Reason: "empty message"}
	}

	var msg *domain.Message
	err := g.run(ctx, "send", func() error {
		var err error
		msg, err = g.client.CreateMessage(ctx, conv, content, mt, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	g.invalidate(conv)
	return msg, nil
}

// Edit replaces a message's content. The server rejects edits of messages the
// caller does not own.
func (g *Gateway) Edit(ctx context.Context, id, content string) (*domain.Message, error) {
	if id == "" {
		return nil, &domain.ValidationError{Field: "id", Reason: "missing message id"}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &domain.ValidationError{Field: "content", Reason: "empty message"}
	}

	var msg *domain.Message
	err := g.run(ctx, "edit", func() error {
		var err error
		msg, err = g.client.EditMessage(ctx, id, content)
		return err
	})
	if err != nil {
		return nil, err
	}

	if msg.ChannelID != "" || msg.RecipientID != "" {
		g.invalidate(msg.ConversationFor(g.self))
	} else if conv, ok := g.cache.Locate(id); ok {
		g.invalidate(conv)
	}
	return msg, nil
}

// Delete removes a message. There is no undo.
func (g *Gateway) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "missing message id"}
	}
	conv, known := g.cache.Locate(id)

	err := g.run(ctx, "delete", func() error {
		return g.client.DeleteMessage(ctx, id)
	})
	if err != nil {
		return err
	}
	if known {
		g.invalidate(conv)
	} else {
		g.logger.Debug("deleted message not in cache", "id", id)
	}
	return nil
}

// React toggles the caller's reaction. Toggles on the same (message, emoji)
// pair are serialized so two quick toggles reach the server in order.
func (g *Gateway) React(ctx context.Context, id, emoji string) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "missing message id"}
	}
	if strings.TrimSpace(emoji) == "" {
		return &domain.ValidationError{Field: "emoji", Reason: "empty emoji"}
	}

	key := id + "\x00" + emoji
	unlock := g.lockReaction(key)
	defer unlock()

	err := g.run(ctx, "react", func() error {
		return g.client.ToggleReaction(ctx, id, emoji)
	})
	if err != nil {
		return err
	}
	if conv, ok := g.cache.Locate(id); ok {
		g.invalidate(conv)
	}
	return nil
}

// UploadAttachment uploads r as name. The size limit is checked before any
// request is made. No conversation is invalidated: the file becomes visible
// only once a file message referencing it is sent.
func (g *Gateway) UploadAttachment(ctx context.Context, conv domain.Conversation, name string, r io.Reader, size int64) (*domain.FileDescriptor, error) {
	if size <= 0 {
		return nil, &domain.ValidationError{Field: "attachment", Reason: "file is empty"}
	}
	if size > g.maxSize {
		return nil, &domain.ValidationError{
			Field:  "attachment",
			Reason: fmt.Sprintf("%s is %s, limit is %s", name, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(g.maxSize))),
		}
	}

	var fd *domain.FileDescriptor
	err := g.run(ctx, "upload", func() error {
		var err error
		fd, err = g.client.UploadFile(ctx, name, io.LimitReader(r, size))
		return err
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("attachment uploaded", "conversation", conv.Key(), "file", fd.Name, "size", humanize.IBytes(uint64(fd.Size)))
	return fd, nil
}

// UploadPath uploads a file from disk.
func (g *Gateway) UploadPath(ctx context.Context, conv domain.Conversation, path string) (*domain.FileDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.ValidationError{Field: "attachment", Reason: err.Error()}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return nil, &domain.ValidationError{Field: "attachment", Reason: path + " is a directory"}
	}
	return g.UploadAttachment(ctx, conv, filepath.Base(path), f, info.Size())
}

// run checks connectivity and records metrics around one request.
func (g *Gateway) run(ctx context.Context, op string, call func() error) error {
	if g.conn != nil && !g.conn.Connected() {
		metrics.MutationError(op, "transport").Inc()
		return &domain.TransportError{Op: op, Err: domain.ErrNotConnected}
	}

	metrics.Mutation(op).Inc()
	start := time.Now()
	err := call()
	metrics.MutationLatency(op).Since(start)
	if err != nil {
		metrics.MutationError(op, errorClass(err)).Inc()
		g.logger.Warn("mutation failed", "op", op, "err", err)
		return err
	}
	return nil
}

func (g *Gateway) invalidate(conv domain.Conversation) {
	if conv.Validate() != nil {
		return
	}
	g.cache.Invalidate(conv)
}

func (g *Gateway) lockReaction(key string) (unlock func()) {
	g.reactMu.Lock()
	l, ok := g.reactLocks[key]
	if !ok {
		l = &reactLock{}
		g.reactLocks[key] = l
	}
	l.refs++
	g.reactMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.reactMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.reactLocks, key)
		}
		g.reactMu.Unlock()
	}
}

func errorClass(err error) string {
	switch {
	case domain.IsTransport(err):
		return "transport"
	case domain.IsAuth(err):
		return "auth"
	case domain.IsServer(err):
		return "server"
	case domain.IsValidation(err):
		return "validation"
	}
	return "other"
}
