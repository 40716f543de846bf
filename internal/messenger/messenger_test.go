package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"teamwire/internal/bus"
	"teamwire/internal/cache"
	"teamwire/internal/clock"
	"teamwire/internal/domain"
	"teamwire/internal/mutation"
	"teamwire/internal/store"
	"teamwire/internal/typing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// backend is an in-memory server: the REST client for the gateway and the
// fetcher for the cache.
type backend struct {
	mu      sync.Mutex
	logs    map[string][]domain.Message
	seq     int
	fetches int
	edits   int
	err     error
}

func newBackend() *backend {
	return &backend{logs: make(map[string][]domain.Message)}
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func (b *backend) seed(conv domain.Conversation, author, content string) domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(conv, author, content, domain.TypeText, nil)
}

func (b *backend) appendLocked(conv domain.Conversation, author, content string, mt domain.MessageType, meta json.RawMessage) domain.Message {
	b.seq++
	msg := domain.Message{
		ID:          fmt.Sprintf("m%d", b.seq),
		Content:     content,
		AuthorID:    author,
		ChannelID:   conv.ChannelID,
		RecipientID: conv.RecipientID,
		MessageType: mt,
		Metadata:    meta,
		CreatedAt:   epoch.Add(time.Duration(b.seq) * time.Minute),
	}
	msg.UpdatedAt = msg.CreatedAt
	b.logs[conv.Key()] = append(b.logs[conv.Key()], msg)
	return msg
}

func (b *backend) ListMessages(ctx context.Context, conv domain.Conversation) ([]domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	return append([]domain.Message(nil), b.logs[conv.Key()]...), nil
}

func (b *backend) CreateMessage(ctx context.Context, conv domain.Conversation, content string, mt domain.MessageType, metadata json.RawMessage) (*domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	msg := b.appendLocked(conv, "me", content, mt, metadata)
	return &msg, nil
}

func (b *backend) EditMessage(ctx context.Context, id, content string) (*domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edits++
	for key, msgs := range b.logs {
		for i := range msgs {
			if msgs[i].ID == id {
				now := epoch.Add(time.Hour)
				msgs[i].Content = content
				msgs[i].EditedAt = &now
				b.logs[key] = msgs
				out := msgs[i]
				return &out, nil
			}
		}
	}
	return nil, &domain.ServerError{Status: 404, Message: "not found"}
}

func (b *backend) DeleteMessage(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, msgs := range b.logs {
		for i := range msgs {
			if msgs[i].ID == id {
				b.logs[key] = append(msgs[:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (b *backend) ToggleReaction(ctx context.Context, id, emoji string) error { return b.err }

func (b *backend) UploadFile(ctx context.Context, name string, r io.Reader) (*domain.FileDescriptor, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &domain.FileDescriptor{ID: "f1", Name: name, Size: int64(len(data))}, nil
}

func (b *backend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	subs      []func(bool)
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) Subscribe(fn func(bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	return func() {}
}

func (c *fakeConn) set(v bool) {
	c.mu.Lock()
	c.connected = v
	subs := append([]func(bool){}, c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []domain.Envelope
}

func (t *recordingTransport) Send(ctx context.Context, env domain.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, env)
	return nil
}

func (t *recordingTransport) typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, env := range t.sent {
		if env.Type == domain.EnvelopeTyping {
			out = append(out, fmt.Sprintf("%s=%v", env.Conversation().Key(), env.IsTyping))
		}
	}
	return out
}

type harness struct {
	m         *Messenger
	backend   *backend
	conn      *fakeConn
	transport *recordingTransport
	clock     *clock.FakeClock
	events    *bus.EventBus
}

func newHarness(t *testing.T, selections Selections) *harness {
	t.Helper()
	h := &harness{
		backend:   newBackend(),
		conn:      &fakeConn{connected: true},
		transport: &recordingTransport{},
		clock:     clock.Fake(epoch),
		events:    bus.NewEventBus(testLogger()),
	}
	c := cache.New(cache.Config{Fetcher: h.backend, SelfID: "me", Events: h.events, Logger: testLogger()})
	gw := mutation.NewGateway(mutation.Config{
		Client:       h.backend,
		Cache:        c,
		Connectivity: h.conn,
		SelfID:       "me",
		Logger:       testLogger(),
	})
	presence := typing.NewPresence(typing.PresenceConfig{SelfID: "me", Clock: h.clock, Events: h.events, Logger: testLogger()})
	h.m = New(Config{
		SelfID:       "me",
		Cache:        c,
		Gateway:      gw,
		Transport:    h.transport,
		Connectivity: h.conn,
		Presence:     presence,
		Selections:   selections,
		Events:       h.events,
		Clock:        h.clock,
		Logger:       testLogger(),
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) collect(typ string) *[]bus.Event {
	var mu sync.Mutex
	var out []bus.Event
	h.events.On(typ, func(e bus.Event) {
		mu.Lock()
		out = append(out, e)
		mu.Unlock()
	})
	return &out
}

func TestView_EmptyConversationIsStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.m.View(ctx); !domain.IsValidation(err) {
		t.Fatalf("expected ValidationError before open, got %v", err)
	}
	if err := h.m.Open(ctx, domain.Channel("general")); err != nil {
		t.Fatal(err)
	}
	v, err := h.m.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Messages) != 0 || !v.StartOfConversation || !v.Connected {
		t.Errorf("unexpected view %+v", v)
	}
}

func TestSubmit_ThenViewShowsMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	general := domain.Channel("general")
	h.backend.seed(general, "alice", "hi all")

	h.m.Open(ctx, general)
	if _, err := h.m.View(ctx); err != nil {
		t.Fatal(err)
	}

	h.m.Input("hello")
	if _, err := h.m.Submit(ctx); err != nil {
		t.Fatal(err)
	}

	v, err := h.m.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(v.Messages); n != 2 || v.Messages[n-1].Content != "hello" {
		t.Fatalf("expected hello last, got %+v", v.Messages)
	}
	if v.Draft.Text != "" || v.StartOfConversation {
		t.Errorf("unexpected view after send %+v", v)
	}
	if got := h.transport.typing(); len(got) != 2 || got[0] != "channel:general=true" || got[1] != "channel:general=false" {
		t.Errorf("expected start then stop around submit, got %v", got)
	}
}

func TestSubmit_OfflineKeepsDraftAndNotifies(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	notices := h.collect(bus.EventNotice)

	h.m.Open(ctx, domain.Channel("general"))
	h.m.Input("draft in progress")
	h.conn.set(false)

	if _, err := h.m.Submit(ctx); !domain.IsTransport(err) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	v, _ := h.m.View(ctx)
	if v.Draft.Text != "draft in progress" || v.Connected {
		t.Errorf("draft or connectivity wrong: %+v", v)
	}

	var kinds []string
	for _, n := range *notices {
		kinds = append(kinds, fmt.Sprint(n.Payload["op"], "/", n.Payload["kind"]))
	}
	if len(kinds) != 2 || kinds[0] != "connection/offline" || kinds[1] != "send/offline" {
		t.Errorf("unexpected notices %v", kinds)
	}
}

func TestAuthErrorExpiresSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	expired := h.collect(bus.EventSessionExpired)

	h.m.Open(ctx, domain.Channel("general"))
	h.backend.err = &domain.AuthError{Message: "token expired"}
	h.m.Input("hello")
	if _, err := h.m.Submit(ctx); !domain.IsAuth(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if len(*expired) != 1 {
		t.Errorf("expected one session.expired event, got %d", len(*expired))
	}
}

func TestOpen_SwitchStopsTypingAndDropsDraft(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	opened := h.collect(bus.EventConversationOpened)

	h.m.Open(ctx, domain.Channel("general"))
	h.m.Input("half a thought")
	h.m.Open(ctx, domain.Direct("alice"))
	h.m.Open(ctx, domain.Direct("alice"))

	want := []string{"channel:general=true", "channel:general=false"}
	if got := h.transport.typing(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("got %v, want %v", got, want)
	}
	v, _ := h.m.View(ctx)
	if v.Conversation != domain.Direct("alice") || v.Draft.Text != "" {
		t.Errorf("unexpected view after switch %+v", v)
	}
	if len(*opened) != 2 {
		t.Errorf("reopening the active conversation should be a no-op, got %d events", len(*opened))
	}

	if err := h.m.Open(ctx, domain.Conversation{}); !domain.IsValidation(err) {
		t.Errorf("expected ValidationError for empty conversation, got %v", err)
	}
}

func TestEditAndDelete_OwnMessagesOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	general := domain.Channel("general")
	theirs := h.backend.seed(general, "alice", "hers")
	mine := h.backend.seed(general, "me", "draft")
	h.backend.seed(general, "bob", "his")

	h.m.Open(ctx, general)
	h.m.View(ctx)

	if _, err := h.m.Edit(ctx, theirs.ID, "mine now"); !domain.IsValidation(err) {
		t.Fatalf("expected ValidationError editing another user's message, got %v", err)
	}
	if err := h.m.Delete(ctx, theirs.ID); !domain.IsValidation(err) {
		t.Fatalf("expected ValidationError deleting another user's message, got %v", err)
	}
	if h.backend.edits != 0 {
		t.Fatal("request issued for a foreign message")
	}

	if _, err := h.m.Edit(ctx, mine.ID, "final"); err != nil {
		t.Fatal(err)
	}
	v, _ := h.m.View(ctx)
	got := v.Messages[1]
	if got.ID != mine.ID || got.Content != "final" || got.EditedAt == nil || !got.CreatedAt.Equal(mine.CreatedAt) {
		t.Errorf("unexpected edited message %+v", got)
	}

	if err := h.m.Delete(ctx, mine.ID); err != nil {
		t.Fatal(err)
	}
	v, _ = h.m.View(ctx)
	if len(v.Messages) != 2 || v.Messages[0].Content != "hers" || v.Messages[1].Content != "his" {
		t.Errorf("unexpected log after delete %+v", v.Messages)
	}
}

func TestAttach_SendsFileMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "notes.txt")
	os.WriteFile(path, []byte("agenda"), 0o644)

	h.m.Open(ctx, domain.Channel("general"))
	fd, err := h.m.Attach(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if fd.Name != "notes.txt" || fd.Size != 6 {
		t.Errorf("unexpected descriptor %+v", fd)
	}
	msg, err := h.m.Submit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.MessageType != domain.TypeFile {
		t.Errorf("expected file message, got %s", msg.MessageType)
	}
	if meta, _ := msg.FileMetadata(); meta == nil || meta.ID != "f1" {
		t.Errorf("missing file metadata: %s", msg.Metadata)
	}
}

func TestApply_InboundEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	general := domain.Channel("general")
	m1 := h.backend.seed(general, "alice", "one")
	m2 := h.backend.seed(general, "bob", "two")

	h.m.Open(ctx, general)
	h.m.View(ctx)
	fetches := h.backend.fetchCount()

	h.m.Apply(domain.Envelope{Type: domain.EnvelopeTyping, ChannelID: "general", UserID: "carol", IsTyping: true})
	if v, _ := h.m.View(ctx); len(v.Typing) != 1 || v.Typing[0] != "carol" {
		t.Fatalf("expected carol typing, got %v", v.Typing)
	}

	m3 := domain.Message{ID: "m9", Content: "three", AuthorID: "carol", ChannelID: "general", MessageType: domain.TypeText, CreatedAt: epoch.Add(time.Hour)}
	h.m.Apply(domain.Envelope{Type: domain.EnvelopeMessage, Message: &m3})

	edited := m1
	edited.Content = "uno"
	editedAt := epoch.Add(2 * time.Hour)
	edited.EditedAt = &editedAt
	h.m.Apply(domain.Envelope{Type: domain.EnvelopeMessageUpdated, Message: &edited})
	h.m.Apply(domain.Envelope{Type: domain.EnvelopeMessageDeleted, MessageID: m2.ID, ChannelID: "general"})

	v, err := h.m.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Messages) != 2 || v.Messages[0].Content != "uno" || v.Messages[1].ID != "m9" {
		t.Fatalf("unexpected log %+v", v.Messages)
	}
	if len(v.Typing) != 0 {
		t.Errorf("a message from carol should clear her indicator, got %v", v.Typing)
	}
	if h.backend.fetchCount() != fetches {
		t.Error("in-place updates should not refetch")
	}

	h.m.Apply(domain.Envelope{Type: domain.EnvelopeReactionUpdated, MessageID: m1.ID})
	h.m.View(ctx)
	if h.backend.fetchCount() != fetches+1 {
		t.Error("reaction update should refetch the conversation")
	}
}

func TestApply_DirectTypingMapsToSender(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.m.Open(ctx, domain.Direct("alice"))

	h.m.Apply(domain.Envelope{Type: domain.EnvelopeTyping, RecipientID: "me", UserID: "alice", IsTyping: true})
	v, _ := h.m.View(ctx)
	if len(v.Typing) != 1 || v.Typing[0] != "alice" {
		t.Errorf("expected alice typing in her DM, got %v", v.Typing)
	}
}

func TestConnectivity_ReconnectRefreshesAndDisconnectClearsPresence(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	general := domain.Channel("general")
	h.m.Open(ctx, general)
	h.m.View(ctx)
	fetches := h.backend.fetchCount()

	h.m.Apply(domain.Envelope{Type: domain.EnvelopeTyping, ChannelID: "general", UserID: "carol", IsTyping: true})
	h.conn.set(false)
	if v, _ := h.m.View(ctx); len(v.Typing) != 0 {
		t.Errorf("disconnect should clear indicators, got %v", v.Typing)
	}

	h.backend.seed(general, "alice", "missed while offline")
	h.conn.set(true)
	v, err := h.m.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.backend.fetchCount() != fetches+1 || len(v.Messages) != 1 {
		t.Errorf("reconnect should refetch, fetches=%d messages=%d", h.backend.fetchCount()-fetches, len(v.Messages))
	}
}

func TestRun_AppliesQueueUntilClosed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	general := domain.Channel("general")
	h.m.Open(ctx, general)
	h.m.View(ctx)

	in := bus.NewInbound(4, testLogger())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx, in) }()

	msg := domain.Message{ID: "x1", Content: "queued", AuthorID: "alice", ChannelID: "general", CreatedAt: epoch}
	in.Publish(domain.Envelope{Type: domain.EnvelopeMessage, Message: &msg})
	in.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the queue closed")
	}
	if v, _ := h.m.View(ctx); len(v.Messages) != 1 || v.Messages[0].ID != "x1" {
		t.Errorf("queued message not applied: %+v", v.Messages)
	}
}

func TestApply_FlatMessageFrameRefetches(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	general := domain.Channel("general")
	received := h.collect(bus.EventMessageReceived)

	h.m.Open(ctx, general)
	h.m.View(ctx)
	h.backend.seed(general, "alice", "sent without a full message")

	h.m.Apply(domain.Envelope{Type: domain.EnvelopeMessage, ChannelID: "general", UserID: "alice", Content: "sent without a full message"})
	v, err := h.m.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Messages) != 1 || v.Messages[0].Content != "sent without a full message" {
		t.Fatalf("flat frame should refresh the log, got %+v", v.Messages)
	}
	if len(*received) != 1 || (*received)[0].Conversation != general.Key() {
		t.Errorf("expected one message.received for general, got %+v", *received)
	}
}

func TestRun_DroppedEnvelopesRefreshLoadedConversations(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	general := domain.Channel("general")
	h.m.Open(ctx, general)
	h.m.View(ctx)

	in := bus.NewInboundWithTimeout(1, time.Millisecond, testLogger())
	typingFrame := domain.Envelope{Type: domain.EnvelopeTyping, ChannelID: "general", UserID: "carol", IsTyping: true}
	in.Publish(typingFrame)
	// Lost: the queue is full and nobody is consuming yet.
	h.backend.seed(general, "alice", "never delivered")
	in.Publish(domain.Envelope{Type: domain.EnvelopeMessage, ChannelID: "general", UserID: "alice"})

	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx, in) }()
	in.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the queue closed")
	}

	v, err := h.m.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(v.Messages) != 1 || v.Messages[0].Content != "never delivered" {
		t.Errorf("drop should force a refetch, got %+v", v.Messages)
	}
}

func TestResume_ReopensLastConversation(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	first := newHarness(t, db)
	if _, ok, _ := first.m.Resume(ctx); ok {
		t.Fatal("nothing to resume yet")
	}
	first.m.Open(ctx, domain.Channel("general"))
	first.m.Open(ctx, domain.Direct("alice"))

	second := newHarness(t, db)
	conv, ok, err := second.m.Resume(ctx)
	if err != nil || !ok || conv != domain.Direct("alice") {
		t.Fatalf("resume: %v %v %v", conv, ok, err)
	}
	if second.m.Active() != domain.Direct("alice") {
		t.Error("resume should open the conversation")
	}
	recent, err := second.m.Recent(ctx, 5)
	if err != nil || len(recent) != 2 {
		t.Errorf("recent: %v %v", recent, err)
	}
}
