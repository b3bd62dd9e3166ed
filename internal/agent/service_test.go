package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chozzz/vargos/internal/gateway"
	"github.com/chozzz/vargos/internal/sessionsvc"
	"github.com/chozzz/vargos/internal/store/file"
	"github.com/chozzz/vargos/pkg/protocol"
)

// fakeRuntime records invocation order and blocks until released.
type fakeRuntime struct {
	mu       sync.Mutex
	order    []string
	inFlight int
	maxSeen  int
	delay    time.Duration
}

func (f *fakeRuntime) Run(ctx context.Context, in RunInput, cb RunCallbacks) (RunResult, error) {
	f.mu.Lock()
	f.order = append(f.order, in.Message)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	case <-time.After(f.delay):
	}
	if cb.OnAssistantDelta != nil {
		cb.OnAssistantDelta("reply to "+in.Message, false)
		cb.OnAssistantDelta("", true)
	}
	return RunResult{Success: true, Response: "reply to " + in.Message, Tokens: 5}, nil
}

type fixture struct {
	url     string
	runtime *fakeRuntime
	service *Service
}

func startFixture(t *testing.T) *fixture {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	server := gateway.NewServer(gateway.Options{Host: "127.0.0.1", Port: port})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Start(ctx)

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gateway never became healthy")
		}
		time.Sleep(20 * time.Millisecond)
	}
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)

	st, err := file.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	sessService := sessionsvc.New(st)
	sessClient, err := sessService.Connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sessClient.Close)

	runtime := &fakeRuntime{delay: 50 * time.Millisecond}
	agentService := NewService(ctx, Options{
		Runtime:    runtime,
		Profile:    Profile{Provider: "test", Model: "test"},
		RunTimeout: 5 * time.Second,
	})
	agentClient, err := agentService.Connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(agentClient.Close)

	return &fixture{url: url, runtime: runtime, service: agentService}
}

// Two inbound events for one session run strictly in order, never
// concurrently.
func TestAgentService_PerSessionSerialization(t *testing.T) {
	f := startFixture(t)

	payload := func(content string) protocol.MessageReceivedPayload {
		return protocol.MessageReceivedPayload{
			Channel:    "whatsapp",
			UserID:     "61400000000",
			Content:    content,
			SessionKey: "whatsapp:61400000000",
		}
	}

	f.service.HandleEvent(protocol.EventMessageReceived, mustJSON(t, payload("first")))
	time.Sleep(20 * time.Millisecond)
	f.service.HandleEvent(protocol.EventMessageReceived, mustJSON(t, payload("second")))

	deadline := time.Now().Add(5 * time.Second)
	for {
		f.runtime.mu.Lock()
		n := len(f.runtime.order)
		f.runtime.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("runtime invoked %d times, want 2", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	f.runtime.mu.Lock()
	defer f.runtime.mu.Unlock()
	if f.runtime.order[0] != "first" || f.runtime.order[1] != "second" {
		t.Errorf("order = %v", f.runtime.order)
	}
	if f.runtime.maxSeen != 1 {
		t.Errorf("max concurrent runs for one session = %d, want 1", f.runtime.maxSeen)
	}
}

// Abort cancels the run context and later streaming is silent.
func TestAgentService_AbortPropagates(t *testing.T) {
	f := startFixture(t)
	f.runtime.delay = 10 * time.Second // keeps the run in flight

	f.service.HandleEvent(protocol.EventMessageReceived, mustJSON(t, protocol.MessageReceivedPayload{
		Channel: "cli", UserID: "local", Content: "slow task", SessionKey: "cli:local",
	}))

	// Wait for the run to register.
	var runID string
	deadline := time.Now().Add(5 * time.Second)
	for runID == "" {
		runs := f.service.Lifecycle().ListActiveRuns()
		if len(runs) == 1 {
			runID = runs[0].RunID
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(20 * time.Millisecond)
	}

	signal := f.service.Lifecycle().AbortSignal(runID)
	if !f.service.Lifecycle().AbortRun(runID, "test") {
		t.Fatal("abort returned false for active run")
	}
	select {
	case <-signal.Done():
	case <-time.After(time.Second):
		t.Fatal("abort signal not observed")
	}
	if f.service.Lifecycle().IsRunning(runID) {
		t.Error("run still active after abort")
	}
	// Silent no-ops after removal.
	f.service.Lifecycle().StreamAssistant(runID, "late", true)
	if f.service.Lifecycle().AbortRun(runID, "again") {
		t.Error("second abort returned true")
	}
}

// session.deleted aborts that session's runs and clears its queue.
func TestAgentService_SessionDeletedAbortsRuns(t *testing.T) {
	f := startFixture(t)
	f.runtime.delay = 10 * time.Second

	f.service.HandleEvent(protocol.EventMessageReceived, mustJSON(t, protocol.MessageReceivedPayload{
		Channel: "telegram", UserID: "42", Content: "x", SessionKey: "telegram:42",
	}))

	deadline := time.Now().Add(5 * time.Second)
	for len(f.service.Lifecycle().ListActiveRuns()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(20 * time.Millisecond)
	}

	f.service.HandleEvent(protocol.EventSessionDeleted, mustJSON(t, map[string]string{
		"sessionKey": "telegram:42",
	}))

	deadline = time.Now().Add(5 * time.Second)
	for len(f.service.Lifecycle().ListActiveRuns()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("run survived session deletion")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
