package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chozzz/vargos/internal/agent"
	"github.com/chozzz/vargos/internal/store"
)

func sseHandler(t *testing.T, events []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("test server does not support flushing")
		}
		for _, e := range events {
			fmt.Fprint(w, e)
			fl.Flush()
		}
	}
}

func TestRunAnthropic_StreamsDeltas(t *testing.T) {
	events := []string{
		"event: message_start\ndata: {\"message\":{}}\n\n",
		"event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n",
		"event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n",
		"event: message_delta\ndata: {\"usage\":{\"output_tokens\":7}}\n\n",
		"event: message_stop\ndata: {}\n\n",
	}
	srv := httptest.NewServer(sseHandler(t, events))
	defer srv.Close()

	var mu sync.Mutex
	var deltas []string
	complete := false

	rt := NewHTTPRuntime(nil)
	result, err := rt.Run(context.Background(), agent.RunInput{
		Provider: "anthropic",
		Model:    "test-model",
		BaseURL:  srv.URL,
		Message:  "hi",
	}, agent.RunCallbacks{
		OnAssistantDelta: func(text string, isComplete bool) {
			mu.Lock()
			defer mu.Unlock()
			if isComplete {
				complete = true
				return
			}
			deltas = append(deltas, text)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Response != "Hello" || result.Tokens != 7 {
		t.Errorf("result = %+v", result)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(deltas, "") != "Hello" || !complete {
		t.Errorf("deltas = %v complete = %v", deltas, complete)
	}
}

func TestRunOpenAI_StreamsDeltas(t *testing.T) {
	events := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"G'\"}}]}\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"day\"}}]}\n\n",
		"data: {\"choices\":[],\"usage\":{\"completion_tokens\":3}}\n\n",
		"data: [DONE]\n\n",
	}
	srv := httptest.NewServer(sseHandler(t, events))
	defer srv.Close()

	rt := NewHTTPRuntime(nil)
	result, err := rt.Run(context.Background(), agent.RunInput{
		Provider: "openai",
		Model:    "test-model",
		BaseURL:  srv.URL,
		Message:  "hi",
	}, agent.RunCallbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.Response != "G'day" || result.Tokens != 3 {
		t.Errorf("result = %+v", result)
	}
}

func TestRun_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	rt := NewHTTPRuntime(nil)
	_, err := rt.Run(context.Background(), agent.RunInput{
		Provider: "anthropic",
		BaseURL:  srv.URL,
	}, agent.RunCallbacks{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want 401 surfaced", err)
	}
}

func TestRun_CancellationObserved(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"x\"}}\n\n")
		fl.Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rt := NewHTTPRuntime(nil)
	_, err := rt.Run(ctx, agent.RunInput{Provider: "anthropic", BaseURL: srv.URL}, agent.RunCallbacks{})
	if err == nil {
		t.Fatal("cancelled run returned nil error")
	}
}

func TestSanitizeAlternation(t *testing.T) {
	in := agent.RunInput{
		PriorMessages: []store.SessionMessage{
			{Role: store.RoleUser, Content: "a"},
			{Role: store.RoleUser, Content: "b"},
			{Role: store.RoleAssistant, Content: "c"},
			{Role: store.RoleSystem, Content: "note"},
		},
		Message: "d",
	}
	msgs := anthropicMessages(in)
	want := []anthropicMessage{
		{Role: "user", Content: "a\n\nb"},
		{Role: "assistant", Content: "c"},
		{Role: "user", Content: "note\n\nd"},
	}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("msgs[%d] = %+v, want %+v", i, msgs[i], want[i])
		}
	}
}
