package cache

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"teamwire/internal/bus"
	"teamwire/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

// fakeFetcher serves a mutable server-side log per conversation key. The log
// is read when the fetch starts, like a server response already in flight.
type fakeFetcher struct {
	mu      sync.Mutex
	logs    map[string][]domain.Message
	calls   int32
	gate    chan struct{} // when set, fetches block until it is closed
	started chan struct{} // when set, receives once per fetch after the log is read
	err     error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{logs: make(map[string][]domain.Message)}
}

func (f *fakeFetcher) set(conv domain.Conversation, msgs ...domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[conv.Key()] = msgs
}

func (f *fakeFetcher) ListMessages(ctx context.Context, conv domain.Conversation) ([]domain.Message, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	snapshot := append([]domain.Message(nil), f.logs[conv.Key()]...)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return snapshot, nil
}

func (f *fakeFetcher) count() int { return int(atomic.LoadInt32(&f.calls)) }

func chanMsg(id, content string, created time.Time) domain.Message {
	return domain.Message{ID: id, Content: content, AuthorID: "alice", ChannelID: "general", MessageType: domain.TypeText, CreatedAt: created}
}

func ids(msgs []domain.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(t *testing.T, got []domain.Message, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("got %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("got %v, want %v", g, want)
		}
	}
}

func TestGet_FetchesLazilyAndSortsByCreatedAt(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	f.set(general, chanMsg("m2", "b", at(2)), chanMsg("m1", "a", at(1)), chanMsg("m3", "c", at(3)))
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})

	if f.count() != 0 {
		t.Fatal("cache must not fetch before the first read")
	}
	msgs, err := c.Get(context.Background(), general)
	if err != nil {
		t.Fatal(err)
	}
	equalIDs(t, msgs, "m1", "m2", "m3")

	if _, err := c.Get(context.Background(), general); err != nil {
		t.Fatal(err)
	}
	if f.count() != 1 {
		t.Errorf("expected one fetch, got %d", f.count())
	}
}

func TestGet_DropsMessagesFromOtherConversations(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	stray := chanMsg("x", "wrong", at(2))
	stray.ChannelID = "random"
	both := chanMsg("y", "both", at(3))
	both.RecipientID = "me"
	f.set(general, chanMsg("m1", "a", at(1)), stray, both)
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})

	msgs, err := c.Get(context.Background(), general)
	if err != nil {
		t.Fatal(err)
	}
	equalIDs(t, msgs, "m1")
}

func TestInvalidate_CoalescesIntoOneRefetch(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	f.set(general, chanMsg("m1", "a", at(1)))
	eb := bus.NewEventBus(testLogger())
	var emitted int32
	eb.On(bus.EventCacheInvalidated, func(bus.Event) { atomic.AddInt32(&emitted, 1) })
	c := New(Config{Fetcher: f, SelfID: "me", Events: eb, Logger: testLogger()})

	c.Get(context.Background(), general)
	c.Invalidate(general)
	c.Invalidate(general)
	c.Invalidate(general)

	c.Get(context.Background(), general)
	c.Get(context.Background(), general)
	if f.count() != 2 {
		t.Errorf("expected 2 fetches (initial + one refetch), got %d", f.count())
	}
	if atomic.LoadInt32(&emitted) != 1 {
		t.Errorf("expected one invalidation event, got %d", emitted)
	}
}

func TestGet_ConcurrentReadersShareFetch(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	f.set(general, chanMsg("m1", "a", at(1)))
	f.gate = make(chan struct{})
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := c.Get(context.Background(), general)
			if err != nil || len(msgs) != 1 {
				t.Errorf("reader got %v %v", msgs, err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if f.count() != 1 {
		t.Errorf("expected a single shared fetch, got %d", f.count())
	}
}

func TestGet_FetchErrorLeavesEntryStale(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	f.err = &domain.ServerError{Status: 500, Message: "boom"}
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})

	if _, err := c.Get(context.Background(), general); !domain.IsServer(err) {
		t.Fatalf("expected server error, got %v", err)
	}
	f.err = nil
	f.set(general, chanMsg("m1", "a", at(1)))
	msgs, err := c.Get(context.Background(), general)
	if err != nil {
		t.Fatal(err)
	}
	equalIDs(t, msgs, "m1")
}

// A read after send contains the sent message.
func TestGet_ReadAfterSendContainsMessage(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})

	msgs, _ := c.Get(context.Background(), general)
	if len(msgs) != 0 {
		t.Fatalf("expected empty conversation, got %v", ids(msgs))
	}

	sent := domain.Message{ID: "m9", Content: "hello", AuthorID: "me", ChannelID: "general", MessageType: domain.TypeText, CreatedAt: at(5)}
	f.set(general, sent)
	c.Invalidate(general)

	msgs, _ = c.Get(context.Background(), general)
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].AuthorID != "me" {
		t.Fatalf("expected sent message in log, got %+v", msgs)
	}
}

// An edited message stays where it was.
func TestApplyEdited_KeepsPosition(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	f.set(general, chanMsg("m1", "a", at(1)), chanMsg("m2", "b", at(2)), chanMsg("m3", "c", at(3)))
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})
	c.Get(context.Background(), general)

	edited := at(10)
	ok := c.ApplyEdited(domain.Message{ID: "m2", Content: "b2", AuthorID: "mallory", EditedAt: &edited, UpdatedAt: edited, CreatedAt: at(10)})
	if !ok {
		t.Fatal("expected edit to apply")
	}

	msgs, _ := c.Get(context.Background(), general)
	equalIDs(t, msgs, "m1", "m2", "m3")
	if msgs[1].Content != "b2" || !msgs[1].Edited() {
		t.Errorf("edit not applied: %+v", msgs[1])
	}
	if msgs[1].AuthorID != "alice" || !msgs[1].CreatedAt.Equal(at(2)) {
		t.Errorf("authorship or createdAt changed: %+v", msgs[1])
	}
}

// A deleted message disappears without reordering the rest.
func TestApplyDeleted_RemovesEntryOnly(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	f.set(general, chanMsg("m0", "z", at(0)), chanMsg("m1", "a", at(1)), chanMsg("m2", "b", at(2)))
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})
	c.Get(context.Background(), general)

	conv, ok := c.ApplyDeleted("m1")
	if !ok || conv != general {
		t.Fatalf("expected delete in general, got %v %v", conv, ok)
	}
	msgs, _ := c.Get(context.Background(), general)
	equalIDs(t, msgs, "m0", "m2")
	if _, found := c.Locate("m1"); found {
		t.Error("deleted message still indexed")
	}
	if _, ok := c.ApplyDeleted("m1"); ok {
		t.Error("second delete should report not found")
	}
}

func TestApplyCreated_InsertsInOrderWithoutDuplicates(t *testing.T) {
	f := newFakeFetcher()
	general := domain.Channel("general")
	f.set(general, chanMsg("m1", "a", at(1)), chanMsg("m3", "c", at(3)))
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})

	if c.ApplyCreated(chanMsg("early", "x", at(0))) {
		t.Fatal("apply to an unloaded conversation should be ignored")
	}
	c.Get(context.Background(), general)

	c.ApplyCreated(chanMsg("m2", "b", at(2)))
	c.ApplyCreated(chanMsg("m4", "d", at(4)))
	c.ApplyCreated(chanMsg("m2", "b", at(2)))

	msgs, _ := c.Get(context.Background(), general)
	equalIDs(t, msgs, "m1", "m2", "m3", "m4")
	if conv, ok := c.Locate("m4"); !ok || conv != general {
		t.Errorf("m4 not indexed: %v %v", conv, ok)
	}
}

func TestApplyCreated_DirectMessageFromPeer(t *testing.T) {
	f := newFakeFetcher()
	dm := domain.Direct("alice")
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})
	c.Get(context.Background(), dm)

	ok := c.ApplyCreated(domain.Message{ID: "d1", Content: "hey", AuthorID: "alice", RecipientID: "me", CreatedAt: at(1)})
	if !ok {
		t.Fatal("expected peer DM to land in direct:alice")
	}
	msgs, _ := c.Get(context.Background(), dm)
	equalIDs(t, msgs, "d1")
}

func TestInvalidateAll_ReturnsLoaded(t *testing.T) {
	f := newFakeFetcher()
	c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})
	c.Get(context.Background(), domain.Channel("general"))
	c.Get(context.Background(), domain.Direct("alice"))

	convs := c.InvalidateAll()
	if len(convs) != 2 {
		t.Fatalf("expected 2 loaded conversations, got %v", convs)
	}
	c.Get(context.Background(), domain.Channel("general"))
	if f.count() != 3 {
		t.Errorf("expected refetch after InvalidateAll, got %d fetches", f.count())
	}
}

func TestGet_RejectsInvalidConversation(t *testing.T) {
	c := New(Config{Fetcher: newFakeFetcher(), Logger: testLogger()})
	_, err := c.Get(context.Background(), domain.Conversation{})
	if !domain.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

// Events that land while a fetch is running must survive the older response.
func TestApply_DuringFetchTriggersRefetch(t *testing.T) {
	general := domain.Channel("general")
	edited := at(10)
	cases := []struct {
		name  string
		after []domain.Message
		apply func(c *Cache)
		want  []string
		first string
	}{
		{
			name:  "created",
			after: []domain.Message{chanMsg("m1", "draft", at(1)), chanMsg("m2", "new", at(2))},
			apply: func(c *Cache) { c.ApplyCreated(chanMsg("m2", "new", at(2))) },
			want:  []string{"m1", "m2"},
			first: "draft",
		},
		{
			name:  "edited",
			after: []domain.Message{chanMsg("m1", "final", at(1))},
			apply: func(c *Cache) {
				c.ApplyEdited(domain.Message{ID: "m1", Content: "final", ChannelID: "general", EditedAt: &edited})
			},
			want:  []string{"m1"},
			first: "final",
		},
		{
			name:  "deleted",
			after: nil,
			apply: func(c *Cache) { c.ApplyDeleted("m1") },
			want:  []string{},
		},
	}

	for _, tc := range cases {
		for _, loaded := range []bool{false, true} {
			f := newFakeFetcher()
			f.set(general, chanMsg("m1", "draft", at(1)))
			c := New(Config{Fetcher: f, SelfID: "me", Logger: testLogger()})
			if loaded {
				c.Get(context.Background(), general)
				c.Invalidate(general)
			}

			f.gate = make(chan struct{})
			f.started = make(chan struct{}, 1)
			done := make(chan struct{})
			go func() {
				defer close(done)
				c.Get(context.Background(), general)
			}()
			<-f.started

			f.set(general, tc.after...)
			tc.apply(c)
			close(f.gate)
			<-done

			f.gate, f.started = nil, nil
			msgs, err := c.Get(context.Background(), general)
			if err != nil {
				t.Fatalf("%s (loaded=%v): %v", tc.name, loaded, err)
			}
			got := ids(msgs)
			if len(got) != len(tc.want) {
				t.Fatalf("%s (loaded=%v): got %v, want %v", tc.name, loaded, got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("%s (loaded=%v): got %v, want %v", tc.name, loaded, got, tc.want)
				}
			}
			if tc.first != "" && msgs[0].Content != tc.first {
				t.Errorf("%s (loaded=%v): first message %q, want %q", tc.name, loaded, msgs[0].Content, tc.first)
			}
		}
	}
}
