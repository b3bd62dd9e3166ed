package agent

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/chozzz/vargos/pkg/protocol"
)

type recordedEvent struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) emit(event string, payload any) error {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{event, payload})
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func TestLifecycle_StartEnd(t *testing.T) {
	rec := &recorder{}
	l := NewLifecycle(rec.emit, nil)

	ctx, err := l.StartRun("r1", "cli:local")
	if err != nil {
		t.Fatal(err)
	}
	if !l.IsRunning("r1") {
		t.Error("run not registered")
	}
	if rec.count(protocol.EventRunStart) != 1 {
		t.Error("run.start not emitted")
	}

	l.EndRun("r1", 128)
	if l.IsRunning("r1") {
		t.Error("run still registered after EndRun")
	}
	if rec.count(protocol.EventRunEnd) != 1 {
		t.Error("run.end not emitted")
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("context not cancelled after EndRun")
	}
}

func TestLifecycle_AtMostOneRunPerSession(t *testing.T) {
	l := NewLifecycle(nil, nil)
	if _, err := l.StartRun("r1", "k"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.StartRun("r2", "k"); err == nil {
		t.Fatal("second run on same session accepted")
	}
	l.EndRun("r1", 0)
	if _, err := l.StartRun("r2", "k"); err != nil {
		t.Fatalf("run after end rejected: %v", err)
	}
}

func TestLifecycle_AbortPropagates(t *testing.T) {
	rec := &recorder{}
	l := NewLifecycle(rec.emit, nil)

	ctx, _ := l.StartRun("r1", "s")
	if !l.AbortRun("r1", "test") {
		t.Fatal("abort of active run returned false")
	}
	if l.IsRunning("r1") {
		t.Error("run active after abort")
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("abort signal not triggered")
	}

	// Late streaming must be silent, never throw.
	before := rec.count(protocol.EventRunDelta)
	l.StreamAssistant("r1", "late", true)
	l.StreamTool("r1", "exec", "start", nil)
	l.StreamCompaction("r1", 1000, "s")
	if rec.count(protocol.EventRunDelta) != before {
		t.Error("aborted run still emitted deltas")
	}

	// Second abort reports inactive.
	if l.AbortRun("r1", "again") {
		t.Error("second abort returned true")
	}
}

func TestLifecycle_UnknownRunSilentNoops(t *testing.T) {
	rec := &recorder{}
	l := NewLifecycle(rec.emit, nil)

	l.EndRun("ghost", 0)
	l.ErrorRun("ghost", "nope")
	l.StreamAssistant("ghost", "x", false)
	l.StreamTool("ghost", "t", "start", nil)
	l.StreamCompaction("ghost", 1, "s")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 0 {
		t.Errorf("unknown runId produced %d events", len(rec.events))
	}
	if l.AbortSignal("ghost") != nil {
		t.Error("AbortSignal for unknown run should be nil")
	}
}

func TestLifecycle_StreamCarriesSessionKey(t *testing.T) {
	rec := &recorder{}
	l := NewLifecycle(rec.emit, nil)
	l.StartRun("r1", "whatsapp:614")
	l.StreamAssistant("r1", "hello", false)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var delta protocol.RunDeltaPayload
	found := false
	for _, e := range rec.events {
		if e.name == protocol.EventRunDelta {
			data, _ := json.Marshal(e.payload)
			json.Unmarshal(data, &delta)
			found = true
		}
	}
	if !found {
		t.Fatal("no run.delta emitted")
	}
	if delta.SessionKey != "whatsapp:614" || delta.Kind != protocol.DeltaAssistant || delta.Text != "hello" {
		t.Errorf("delta = %+v", delta)
	}
}

func TestLifecycle_ErrorRunStringForms(t *testing.T) {
	rec := &recorder{}
	l := NewLifecycle(rec.emit, nil)

	l.StartRun("r1", "a")
	l.ErrorRun("r1", errTest{"wrapped message"})
	l.StartRun("r2", "b")
	l.ErrorRun("r2", "plain string")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	msgs := []string{}
	for _, e := range rec.events {
		if e.name == protocol.EventRunError {
			m := e.payload.(map[string]any)
			msgs = append(msgs, m["error"].(string))
		}
	}
	if len(msgs) != 2 || msgs[0] != "wrapped message" || msgs[1] != "plain string" {
		t.Errorf("error strings = %v", msgs)
	}
}

type errTest struct{ msg string }

func (e errTest) Error() string { return e.msg }

func TestLifecycle_AbortSessionRuns(t *testing.T) {
	l := NewLifecycle(nil, nil)
	l.StartRun("r1", "a")
	l.StartRun("r2", "b")

	if n := l.AbortSessionRuns("a", "cleanup"); n != 1 {
		t.Errorf("aborted %d, want 1", n)
	}
	if l.IsRunning("r1") || !l.IsRunning("r2") {
		t.Error("wrong runs aborted")
	}
	if n := l.AbortSessionRuns("none", ""); n != 0 {
		t.Errorf("aborted %d for unknown session", n)
	}
}
