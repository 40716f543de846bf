// Package console is a line-based terminal front end for a messenger
// session.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"teamwire/internal/bus"
	"teamwire/internal/domain"
	"teamwire/internal/messenger"
	"teamwire/internal/store"
)

// Session is the part of messenger.Messenger the console drives.
type Session interface {
	Events() *bus.EventBus
	Active() domain.Conversation
	Open(ctx context.Context, conv domain.Conversation) error
	Input(text string) error
	Submit(ctx context.Context) (*domain.Message, error)
	Edit(ctx context.Context, id, content string) (*domain.Message, error)
	Delete(ctx context.Context, id string) error
	React(ctx context.Context, id, emoji string) error
	Attach(ctx context.Context, path string) (*domain.FileDescriptor, error)
	AcceptSuggestion() bool
	View(ctx context.Context) (messenger.View, error)
	Recent(ctx context.Context, limit int) ([]store.RecentEntry, error)
}

type Config struct {
	Session Session
	SelfID  string
	In      io.Reader
	Out     io.Writer
	Logger  *slog.Logger
}

// Console reads commands and chat lines from In and renders the active
// conversation to Out.
type Console struct {
	session Session
	self    string
	in      io.Reader
	logger  *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	handlers []handlerRef
}

type handlerRef struct{ typ, id string }

func New(cfg Config) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		session: cfg.Session,
		self:    cfg.SelfID,
		in:      cfg.In,
		out:     cfg.Out,
		logger:  cfg.Logger,
	}
}

const help = `Commands:
  <text>              send a message
  /draft <text>       set the draft without sending (typing indicator, suggestions)
  /send               send the draft
  /accept             take the pending suggestion
  /join #channel      open a channel
  /dm user            open a direct conversation
  /edit id text       edit one of your messages
  /delete id          delete one of your messages
  /react id emoji     toggle a reaction
  /attach path        upload a file and stage it on the draft
  /show               redraw the conversation
  /history            recently opened conversations
  /quit               exit`

// Run blocks until EOF, /quit or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	c.subscribe()
	defer c.unsubscribe()

	c.println("teamwire console. /help lists commands.")
	if conv := c.session.Active(); !conv.IsZero() {
		c.show(ctx)
	}
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.prompt()
			continue
		}
		if quit := c.handle(ctx, line); quit {
			c.logger.Info("user requested quit")
			return nil
		}
		c.prompt()
	}
}

func (c *Console) handle(ctx context.Context, line string) (quit bool) {
	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help":
		c.println(help)
	case "/join":
		name := strings.TrimPrefix(rest, "#")
		if name == "" {
			c.println("usage: /join #channel")
			return false
		}
		c.open(ctx, domain.Channel(name))
	case "/dm":
		if len(args) != 1 {
			c.println("usage: /dm user")
			return false
		}
		c.open(ctx, domain.Direct(strings.TrimPrefix(args[0], "@")))
	case "/draft":
		c.warn(c.session.Input(rest))
	case "/send":
		if _, err := c.session.Submit(ctx); err != nil {
			c.report(err)
		}
	case "/accept":
		if !c.session.AcceptSuggestion() {
			c.println("no suggestion pending")
			return false
		}
		if v, err := c.session.View(ctx); err == nil {
			c.printf("draft: %s\n", v.Draft.Text)
		}
	case "/edit":
		id, text, _ := strings.Cut(rest, " ")
		if id == "" || strings.TrimSpace(text) == "" {
			c.println("usage: /edit id text")
			return false
		}
		if _, err := c.session.Edit(ctx, id, strings.TrimSpace(text)); err != nil {
			c.report(err)
		}
	case "/delete":
		if len(args) != 1 {
			c.println("usage: /delete id")
			return false
		}
		c.report(c.session.Delete(ctx, args[0]))
	case "/react":
		if len(args) != 2 {
			c.println("usage: /react id emoji")
			return false
		}
		c.report(c.session.React(ctx, args[0], args[1]))
	case "/attach":
		if rest == "" {
			c.println("usage: /attach path")
			return false
		}
		fd, err := c.session.Attach(ctx, rest)
		if err != nil {
			c.report(err)
			return false
		}
		c.printf("attached %s (%s); /send to share it\n", fd.Name, humanize.IBytes(uint64(fd.Size)))
	case "/show":
		c.show(ctx)
	case "/history":
		c.history(ctx)
	default:
		c.printf("unknown command %s, try /help\n", cmd)
	}
	return false
}

func (c *Console) send(ctx context.Context, text string) {
	if err := c.session.Input(text); err != nil {
		c.warn(err)
		return
	}
	if _, err := c.session.Submit(ctx); err != nil {
		c.report(err)
	}
}

func (c *Console) open(ctx context.Context, conv domain.Conversation) {
	if err := c.session.Open(ctx, conv); err != nil {
		c.warn(err)
		return
	}
	c.show(ctx)
}

func (c *Console) show(ctx context.Context) {
	v, err := c.session.View(ctx)
	if err != nil {
		c.report(err)
		return
	}

	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, "--- %s ---\n", title(v.Conversation))
	if v.StartOfConversation {
		fmt.Fprintf(c.out, "This is the start of %s.\n", title(v.Conversation))
	}
	for _, msg := range v.Messages {
		fmt.Fprintln(c.out, c.render(msg))
	}
	if !v.Connected {
		fmt.Fprintln(c.out, "(offline: sending is disabled until the connection is back)")
	}
	if line := typingLine(v.Typing); line != "" {
		fmt.Fprintln(c.out, line)
	}
	if v.Draft.Text != "" {
		fmt.Fprintf(c.out, "draft: %s\n", v.Draft.Text)
	}
}

func (c *Console) history(ctx context.Context) {
	recent, err := c.session.Recent(ctx, 10)
	if err != nil {
		c.warn(err)
		return
	}
	if len(recent) == 0 {
		c.println("no recent conversations")
		return
	}
	for _, e := range recent {
		c.printf("  %-24s %s\n", title(e.Conversation), humanize.Time(e.OpenedAt))
	}
}

func (c *Console) render(msg domain.Message) string {
	author := msg.AuthorID
	if author == c.self {
		author = "you"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s %s] %s: ", msg.ID, msg.CreatedAt.Local().Format("15:04"), author)
	switch msg.MessageType {
	case domain.TypeFile:
		if fd, err := msg.FileMetadata(); err == nil && fd != nil {
			fmt.Fprintf(&b, "shared %s (%s)", fd.Name, humanize.IBytes(uint64(fd.Size)))
		} else {
			b.WriteString(msg.Content)
		}
	case domain.TypeSystem:
		fmt.Fprintf(&b, "* %s", msg.Content)
	default:
		b.WriteString(msg.Content)
	}
	if msg.Edited() {
		b.WriteString(" (edited)")
	}
	return b.String()
}

func (c *Console) subscribe() {
	eb := c.session.Events()
	on := func(typ string, fn bus.EventHandler) {
		c.handlers = append(c.handlers, handlerRef{typ: typ, id: eb.On(typ, fn)})
	}

	on(bus.EventMessageReceived, func(e bus.Event) {
		if e.Conversation == c.session.Active().Key() {
			c.show(context.Background())
		} else {
			c.printf("\n(new message in %s)\n", e.Conversation)
		}
	})
	on(bus.EventTypingChanged, func(e bus.Event) {
		if e.Conversation != c.session.Active().Key() {
			return
		}
		if v, err := c.session.View(context.Background()); err == nil {
			if line := typingLine(v.Typing); line != "" {
				c.printf("\n%s\n", line)
			}
		}
	})
	on(bus.EventSuggestionReady, func(e bus.Event) {
		c.printf("\nsuggestion: %v  (/accept)\n", e.Payload["text"])
	})
	on(bus.EventNotice, func(e bus.Event) {
		c.printf("\n! %v\n", e.Payload["error"])
	})
	on(bus.EventSessionExpired, func(bus.Event) {
		c.println("\n! session expired, sign in again and update server.token")
	})
	on(bus.EventConnectivityChanged, func(e bus.Event) {
		if connected, _ := e.Payload["connected"].(bool); connected {
			c.println("\n(connected)")
		}
	})
}

func (c *Console) unsubscribe() {
	eb := c.session.Events()
	for _, h := range c.handlers {
		eb.Off(h.typ, h.id)
	}
	c.handlers = nil
}

// report handles errors of session operations, which already surfaced as a
// notice event.
func (c *Console) report(err error) {
	if err != nil {
		c.logger.Debug("operation failed", "err", err)
	}
}

// warn prints errors that have no notice of their own.
func (c *Console) warn(err error) {
	if err != nil {
		c.printf("! %v\n", err)
	}
}

func (c *Console) prompt() { c.printf("%s> ", title(c.session.Active())) }

func (c *Console) println(s string) { c.printf("%s\n", s) }

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func title(conv domain.Conversation) string {
	switch {
	case conv.ChannelID != "":
		return "#" + conv.ChannelID
	case conv.RecipientID != "":
		return "@" + conv.RecipientID
	}
	return ""
}

func typingLine(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing..."
	case 2:
		return users[0] + " and " + users[1] + " are typing..."
	}
	return "several people are typing..."
}
