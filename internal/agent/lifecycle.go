// Package agent owns run identity, cancellation, and streaming: the
// lifecycle registry plus the gateway service that turns inbound
// messages and cron triggers into serialized runtime invocations.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chozzz/vargos/pkg/protocol"
)

// EmitFunc publishes one event through the gateway.
type EmitFunc func(event string, payload any) error

type run struct {
	runID      string
	sessionKey string
	startedAt  time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// RunInfo is the externally visible state of one active run.
type RunInfo struct {
	RunID      string    `json:"runId"`
	SessionKey string    `json:"sessionKey"`
	StartedAt  time.Time `json:"startedAt"`
}

// Lifecycle is the run registry. A run exists from StartRun until
// exactly one of EndRun, ErrorRun, or AbortRun removes it; after
// removal every streaming call for that runId is a silent no-op.
type Lifecycle struct {
	mu        sync.Mutex
	runs      map[string]*run
	bySession map[string]string // sessionKey → runID

	emit EmitFunc
	now  func() time.Time
}

// NewLifecycle creates a lifecycle registry. emit may be nil (events
// dropped); now defaults to time.Now.
func NewLifecycle(emit EmitFunc, now func() time.Time) *Lifecycle {
	if emit == nil {
		emit = func(string, any) error { return nil }
	}
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		runs:      make(map[string]*run),
		bySession: make(map[string]string),
		emit:      emit,
		now:       now,
	}
}

// SetEmit swaps the event sink; used once the gateway client connects.
func (l *Lifecycle) SetEmit(emit EmitFunc) {
	l.mu.Lock()
	l.emit = emit
	l.mu.Unlock()
}

// StartRun registers a run and returns its cancellation context. It
// fails when the session already has an active run; the session queue
// normally prevents that from ever happening.
func (l *Lifecycle) StartRun(runID, sessionKey string) (context.Context, error) {
	l.mu.Lock()
	if existing, busy := l.bySession[sessionKey]; busy {
		l.mu.Unlock()
		return nil, fmt.Errorf("session %s already has active run %s", sessionKey, existing)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		runID:      runID,
		sessionKey: sessionKey,
		startedAt:  l.now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	l.runs[runID] = r
	l.bySession[sessionKey] = runID
	l.mu.Unlock()

	l.publish(protocol.EventRunStart, map[string]any{
		"runId":      runID,
		"sessionKey": sessionKey,
	})
	return ctx, nil
}

// EndRun removes the run and emits run.end with the measured duration.
// Unknown runIds are silent no-ops.
func (l *Lifecycle) EndRun(runID string, tokens int) {
	r := l.remove(runID)
	if r == nil {
		return
	}
	r.cancel()
	payload := map[string]any{
		"runId":      runID,
		"sessionKey": r.sessionKey,
		"duration":   l.now().Sub(r.startedAt).Milliseconds(),
	}
	if tokens > 0 {
		payload["tokens"] = tokens
	}
	l.publish(protocol.EventRunEnd, payload)
}

// ErrorRun removes the run and emits run.error. err may be an error or
// any value; Error-shaped values contribute their message.
func (l *Lifecycle) ErrorRun(runID string, err any) {
	r := l.remove(runID)
	if r == nil {
		return
	}
	r.cancel()

	msg := ""
	switch v := err.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprintf("%v", v)
	}
	l.publish(protocol.EventRunError, map[string]any{
		"runId":      runID,
		"sessionKey": r.sessionKey,
		"error":      msg,
		"duration":   l.now().Sub(r.startedAt).Milliseconds(),
	})
}

// AbortRun cancels and removes a run. Returns true iff it was active.
// An aborted run ends with run.end carrying no response, per the
// cancellation-is-not-an-error contract.
func (l *Lifecycle) AbortRun(runID, reason string) bool {
	r := l.remove(runID)
	if r == nil {
		return false
	}
	r.cancel()
	slog.Info("run aborted", "run_id", runID, "session", r.sessionKey, "reason", reason)
	l.publish(protocol.EventRunEnd, map[string]any{
		"runId":      runID,
		"sessionKey": r.sessionKey,
		"duration":   l.now().Sub(r.startedAt).Milliseconds(),
		"aborted":    true,
		"reason":     reason,
	})
	return true
}

// AbortSessionRuns aborts every run registered on sessionKey and
// returns the count aborted.
func (l *Lifecycle) AbortSessionRuns(sessionKey, reason string) int {
	l.mu.Lock()
	var ids []string
	for id, r := range l.runs {
		if r.sessionKey == sessionKey {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	count := 0
	for _, id := range ids {
		if l.AbortRun(id, reason) {
			count++
		}
	}
	return count
}

// StreamAssistant emits an assistant text delta for an active run.
// Unknown runIds do nothing.
func (l *Lifecycle) StreamAssistant(runID, text string, isComplete bool) {
	key, ok := l.sessionFor(runID)
	if !ok {
		return
	}
	l.publish(protocol.EventRunDelta, protocol.RunDeltaPayload{
		RunID:      runID,
		SessionKey: key,
		Kind:       protocol.DeltaAssistant,
		Text:       text,
		IsComplete: isComplete,
	})
}

// StreamTool emits a tool phase delta for an active run.
func (l *Lifecycle) StreamTool(runID, toolName, phase string, args map[string]any) {
	key, ok := l.sessionFor(runID)
	if !ok {
		return
	}
	l.publish(protocol.EventRunDelta, protocol.RunDeltaPayload{
		RunID:      runID,
		SessionKey: key,
		Kind:       protocol.DeltaTool,
		ToolName:   toolName,
		Phase:      phase,
		Args:       args,
	})
}

// StreamCompaction emits a context-compaction delta for an active run.
func (l *Lifecycle) StreamCompaction(runID string, tokensBefore int, summary string) {
	key, ok := l.sessionFor(runID)
	if !ok {
		return
	}
	l.publish(protocol.EventRunDelta, protocol.RunDeltaPayload{
		RunID:        runID,
		SessionKey:   key,
		Kind:         protocol.DeltaCompaction,
		TokensBefore: tokensBefore,
		Summary:      summary,
	})
}

// AbortSignal returns the run's cancellation context, or nil when the
// run is not active.
func (l *Lifecycle) AbortSignal(runID string) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.runs[runID]; ok {
		return r.ctx
	}
	return nil
}

// IsRunning reports whether the run is active.
func (l *Lifecycle) IsRunning(runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.runs[runID]
	return ok
}

// ListActiveRuns returns the active runs, unordered.
func (l *Lifecycle) ListActiveRuns() []RunInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RunInfo, 0, len(l.runs))
	for _, r := range l.runs {
		out = append(out, RunInfo{RunID: r.runID, SessionKey: r.sessionKey, StartedAt: r.startedAt})
	}
	return out
}

func (l *Lifecycle) sessionFor(runID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.runs[runID]; ok {
		return r.sessionKey, true
	}
	return "", false
}

func (l *Lifecycle) remove(runID string) *run {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.runs[runID]
	if !ok {
		return nil
	}
	delete(l.runs, runID)
	if l.bySession[r.sessionKey] == runID {
		delete(l.bySession, r.sessionKey)
	}
	return r
}

func (l *Lifecycle) publish(event string, payload any) {
	l.mu.Lock()
	emit := l.emit
	l.mu.Unlock()
	if err := emit(event, payload); err != nil {
		slog.Debug("lifecycle event emit failed", "event", event, "error", err)
	}
}
