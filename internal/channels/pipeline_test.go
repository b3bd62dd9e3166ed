package channels

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakePlatform struct {
	name string
	mu   sync.Mutex
	sent []string
}

func (f *fakePlatform) Name() string                          { return f.name }
func (f *fakePlatform) SetOnMessage(InboundFunc)              {}
func (f *fakePlatform) Connect(context.Context) error         { return nil }
func (f *fakePlatform) Disconnect(context.Context) error      { return nil }
func (f *fakePlatform) SendTyping(context.Context, string) error { return nil }
func (f *fakePlatform) SendText(_ context.Context, userID, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, userID+":"+text)
	f.mu.Unlock()
	return nil
}

type routeCapture struct {
	mu    sync.Mutex
	calls []string
}

func (r *routeCapture) route(_, userID, text string, _ map[string]string) {
	r.mu.Lock()
	r.calls = append(r.calls, userID+"|"+text)
	r.mu.Unlock()
}

func (r *routeCapture) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func TestDedupe_WithinTTL(t *testing.T) {
	d := NewDedupeCache(time.Minute)
	if d.Seen("m1") {
		t.Error("first sighting reported as duplicate")
	}
	if !d.Seen("m1") {
		t.Error("second sighting not deduplicated")
	}
	if d.Seen("m2") {
		t.Error("different id reported as duplicate")
	}
	if d.Seen("") {
		t.Error("empty id should never dedupe")
	}
}

func TestDedupe_ExpiresAfterTTL(t *testing.T) {
	d := NewDedupeCache(30 * time.Millisecond)
	d.Seen("m1")
	time.Sleep(60 * time.Millisecond)
	if d.Seen("m1") {
		t.Error("id still deduped after TTL")
	}
}

func TestDebounce_CoalescesRapidPushes(t *testing.T) {
	rc := &routeCapture{}
	d := NewDebouncer(50*time.Millisecond, 10, func(user, text string) { rc.route("", user, text, nil) })

	d.Push("u", "a")
	time.Sleep(10 * time.Millisecond)
	d.Push("u", "b")

	time.Sleep(120 * time.Millisecond)
	calls := rc.snapshot()
	if len(calls) != 1 || calls[0] != "u|a\nb" {
		t.Errorf("calls = %v, want one batch a\\nb", calls)
	}
}

func TestDebounce_RollingTimerResets(t *testing.T) {
	rc := &routeCapture{}
	d := NewDebouncer(60*time.Millisecond, 10, func(user, text string) { rc.route("", user, text, nil) })

	d.Push("u", "a")
	time.Sleep(40 * time.Millisecond)
	// Timer should reset: 40ms < delay, so nothing flushed yet.
	if len(rc.snapshot()) != 0 {
		t.Fatal("flushed before quiet period elapsed")
	}
	d.Push("u", "b")
	time.Sleep(40 * time.Millisecond)
	if len(rc.snapshot()) != 0 {
		t.Fatal("rolling timer did not reset on second push")
	}
	time.Sleep(50 * time.Millisecond)
	if calls := rc.snapshot(); len(calls) != 1 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestDebounce_HardFlushAtMaxBatch(t *testing.T) {
	rc := &routeCapture{}
	d := NewDebouncer(time.Hour, 3, func(user, text string) { rc.route("", user, text, nil) })

	d.Push("u", "1")
	d.Push("u", "2")
	d.Push("u", "3")

	// Flush must be immediate despite the huge timer.
	calls := rc.snapshot()
	if len(calls) != 1 || calls[0] != "u|1\n2\n3" {
		t.Errorf("calls = %v, want immediate hard flush", calls)
	}
}

func TestDebounce_PerUserIsolation(t *testing.T) {
	rc := &routeCapture{}
	d := NewDebouncer(40*time.Millisecond, 10, func(user, text string) { rc.route("", user, text, nil) })

	d.Push("alice", "hi")
	d.Push("bob", "yo")
	time.Sleep(100 * time.Millisecond)

	calls := rc.snapshot()
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want separate batches per user", calls)
	}
}

func TestAdapter_PipelineDedupesAndBatches(t *testing.T) {
	rc := &routeCapture{}
	platform := &fakePlatform{name: "testchat"}
	a := NewAdapter(platform, AdapterOptions{
		DebounceDelay: 50 * time.Millisecond,
	}, rc.route)

	// A duplicate of m1 arrives, then m2, then silence.
	a.HandleInbound("m1", "u", "a")
	time.Sleep(10 * time.Millisecond)
	a.HandleInbound("m1", "u", "a")
	time.Sleep(10 * time.Millisecond)
	a.HandleInbound("m2", "u", "b")

	time.Sleep(150 * time.Millisecond)
	calls := rc.snapshot()
	if len(calls) != 1 || calls[0] != "u|a\nb" {
		t.Errorf("calls = %v, want exactly one routed batch \"a\\nb\"", calls)
	}
}

func TestAdapter_AllowlistGate(t *testing.T) {
	rc := &routeCapture{}
	platform := &fakePlatform{name: "testchat"}
	a := NewAdapter(platform, AdapterOptions{
		AllowFrom:     []string{"friend"},
		DebounceDelay: 20 * time.Millisecond,
	}, rc.route)

	a.HandleInbound("m1", "stranger", "hello?")
	a.HandleInbound("m2", "friend", "hey")
	time.Sleep(80 * time.Millisecond)

	calls := rc.snapshot()
	if len(calls) != 1 || calls[0] != "friend|hey" {
		t.Errorf("calls = %v, allowlist not enforced", calls)
	}
}

func TestTyping_Idempotent(t *testing.T) {
	var mu sync.Mutex
	count := 0
	tm := NewTypingManager(func(_ context.Context, _ string) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	tm.StartTyping("u")
	tm.StartTyping("u") // no second loop
	time.Sleep(30 * time.Millisecond)
	tm.StopTyping("u")
	tm.StopTyping("u") // no panic, no-op

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 1 {
		t.Errorf("typing sent %d times before refresh interval, want 1", got)
	}
}
