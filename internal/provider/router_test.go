package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type stubProvider struct {
	id    string
	err   error
	calls int
}

func (s *stubProvider) ID() string { return s.id }

func (s *stubProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: "from " + s.id}, nil
}

func TestRouteFallsBack(t *testing.T) {
	r := NewRouter(zap.NewNop())
	bad := &stubProvider{id: "bad", err: errors.New("boom")}
	good := &stubProvider{id: "good"}
	r.Register(bad)
	r.Register(good)

	resp, err := r.Route(context.Background(), "a1", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "from good" {
		t.Fatalf("expected fallback provider, got %q", resp.Content)
	}
	if bad.calls != 1 || good.calls != 1 {
		t.Fatalf("unexpected calls bad=%d good=%d", bad.calls, good.calls)
	}
}

func TestRouteHonoursBinding(t *testing.T) {
	r := NewRouter(zap.NewNop())
	a, b := &stubProvider{id: "a"}, &stubProvider{id: "b"}
	r.Register(a)
	r.Register(b)
	r.Bind("agent-b", "b")

	resp, err := r.Route(context.Background(), "agent-b", &ChatRequest{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if resp.Content != "from b" || a.calls != 0 {
		t.Fatalf("binding ignored: %q, a.calls=%d", resp.Content, a.calls)
	}
}

func TestRouteWithoutProviders(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Route(context.Background(), "a1", &ChatRequest{}); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestOpenAIChat(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","model":"m-1","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "oai", Endpoint: srv.URL, APIKey: "sk-test", Model: "m-1"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{Model: "default", Messages: []Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "hi" || resp.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got.Model != "m-1" {
		t.Fatalf("default model not substituted: %q", got.Model)
	}
}

func TestOpenAIChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil {
		t.Fatal("expected error for 429")
	}
}
