package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"teamwire/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type stubCompleter struct {
	name string
	out  string
	err  error

	mu   sync.Mutex
	reqs []domain.CompletionRequest
}

func (s *stubCompleter) Name() string { return s.name }

func (s *stubCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return s.out, s.err
}

type stubHistory []domain.Message

func (h stubHistory) Peek(domain.Conversation) ([]domain.Message, bool) { return h, true }

func TestFeed_SamplingPolicy(t *testing.T) {
	f := NewFeed(FeedConfig{Completer: &stubCompleter{}, MinLength: 10, Every: 10, Logger: testLogger()})

	cases := map[int]bool{5: false, 10: false, 11: false, 19: false, 20: true, 25: false, 30: true}
	for n, want := range cases {
		if got := f.ShouldSample(strings.Repeat("a", n)); got != want {
			t.Errorf("length %d: got %v, want %v", n, got, want)
		}
	}
	if !f.ShouldSample(strings.Repeat("é", 20)) {
		t.Error("sampling should count characters, not bytes")
	}
}

func TestFeed_DeliversTaggedResponse(t *testing.T) {
	c := &stubCompleter{name: "stub", out: " tomorrow"}
	history := stubHistory{
		{AuthorID: "alice", Content: "when?", MessageType: domain.TypeText},
		{AuthorID: "bob", Content: "report.pdf", MessageType: domain.TypeFile},
	}
	f := NewFeed(FeedConfig{Completer: c, History: history, MinLength: 3, Every: 4, Logger: testLogger()})

	got := make(chan Response, 1)
	req, ok := f.Maybe(domain.Channel("general"), 7, "meet", func(r Response) { got <- r })
	if !ok {
		t.Fatal("expected a request")
	}

	select {
	case r := <-got:
		if r.ID != req.ID || r.Revision != 7 || r.Snapshot != "meet" || r.Completion != " tomorrow" {
			t.Errorf("unexpected response %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("no response delivered")
	}
	f.Wait()

	if ctx := c.reqs[0].Context; ctx != "alice: when?" {
		t.Errorf("unexpected context %q", ctx)
	}
}

func TestFeed_FailuresAndEmptyCompletionsAreSilent(t *testing.T) {
	for _, c := range []*stubCompleter{
		{name: "err", err: errors.New("boom")},
		{name: "empty", out: "  "},
	} {
		f := NewFeed(FeedConfig{Completer: c, MinLength: 1, Every: 1, Logger: testLogger()})
		delivered := false
		if _, ok := f.Maybe(domain.Channel("general"), 1, "hi", func(Response) { delivered = true }); !ok {
			t.Fatalf("%s: expected a request", c.name)
		}
		f.Wait()
		if delivered {
			t.Errorf("%s: nothing should be delivered", c.name)
		}
	}
}

func TestFeed_RateLimited(t *testing.T) {
	c := &stubCompleter{name: "stub", out: "x"}
	f := NewFeed(FeedConfig{Completer: c, MinLength: 1, Every: 1, RatePerMinute: 1, Burst: 2, Logger: testLogger()})

	issued := 0
	for i := 0; i < 5; i++ {
		if _, ok := f.Maybe(domain.Channel("general"), uint64(i), "hello", func(Response) {}); ok {
			issued++
		}
	}
	f.Wait()
	if issued != 2 {
		t.Errorf("expected burst of 2, got %d", issued)
	}
}

func TestMerge(t *testing.T) {
	if got := Merge("Let's meet", " tomorrow"); got != "Let's meet tomorrow" {
		t.Errorf("continuation: %q", got)
	}
	if got := Merge("Let's meet", "Let's meet at noon"); got != "Let's meet at noon" {
		t.Errorf("full text: %q", got)
	}
}

func TestFailover_FallsBackAndReportsLastError(t *testing.T) {
	bad := &stubCompleter{name: "server", err: errors.New("down")}
	good := &stubCompleter{name: "openai", out: "ok"}

	fo := NewFailover([]domain.Completer{bad, good}, testLogger())
	out, err := fo.Complete(context.Background(), domain.CompletionRequest{PartialMessage: "x"})
	if err != nil || out != "ok" {
		t.Fatalf("got %q %v", out, err)
	}
	if fo.Name() != "failover(server→openai)" {
		t.Errorf("unexpected name %q", fo.Name())
	}

	fo = NewFailover([]domain.Completer{bad}, testLogger())
	if _, err := fo.Complete(context.Background(), domain.CompletionRequest{}); err == nil || !strings.Contains(err.Error(), "down") {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestOpenAI_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing api key")
		}
		var req oaiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "small" || len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "Let's meet") {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"\"at noon\""},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", APIBase: srv.URL + "/v1/", Model: "small", Logger: testLogger()})
	out, err := o.Complete(context.Background(), domain.CompletionRequest{PartialMessage: "Let's meet", Context: "alice: lunch?"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "at noon" {
		t.Errorf("got %q", out)
	}
}

func TestNewCompleter(t *testing.T) {
	srv := &stubAutocompleter{}
	c, err := NewCompleter(CompleterConfig{}, srv, nil, testLogger())
	if err != nil || c.Name() != "server" {
		t.Fatalf("default chain: %v %v", c, err)
	}

	c, err = NewCompleter(CompleterConfig{Providers: []string{"server", "openai"}}, srv, http.DefaultClient, testLogger())
	if err != nil || !strings.HasPrefix(c.Name(), "failover(") {
		t.Fatalf("chain: %v %v", c, err)
	}

	if _, err := NewCompleter(CompleterConfig{Providers: []string{"gpt-web"}}, srv, nil, testLogger()); err == nil {
		t.Error("expected error for unknown completer")
	}
}

type stubAutocompleter struct{}

func (stubAutocompleter) Autocomplete(context.Context, domain.CompletionRequest) (string, error) {
	return "", nil
}
