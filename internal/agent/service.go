package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chozzz/vargos/internal/queue"
	"github.com/chozzz/vargos/internal/sessions"
	"github.com/chozzz/vargos/internal/sessionsvc"
	"github.com/chozzz/vargos/internal/store"
	"github.com/chozzz/vargos/pkg/client"
	"github.com/chozzz/vargos/pkg/protocol"
)

// ServiceName is the registered gateway identity.
const ServiceName = "agent"

// Profile selects the model a runtime invocation uses.
type Profile struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// Options configures the agent service.
type Options struct {
	Runtime       Runtime
	Profile       Profile
	WorkspaceDir  string
	SystemPrompt  func() string // rebuilt per run from workspace context files
	RunTimeout    time.Duration // per run; default 5m
	HistoryLimit  int           // prior messages handed to the runtime; default 200
}

// Service consumes message.received and cron.trigger events, serializes
// them per session through the queue, and drives the runtime under the
// lifecycle registry.
type Service struct {
	opts      Options
	lifecycle *Lifecycle
	queue     *queue.Queue
	gw        *client.Client
}

// NewService creates the agent service. Connect wires it to a gateway.
func NewService(ctx context.Context, opts Options) *Service {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.SystemPrompt == nil {
		opts.SystemPrompt = func() string { return "" }
	}
	s := &Service{
		opts:      opts,
		lifecycle: NewLifecycle(nil, nil),
	}
	s.queue = queue.New(ctx, s.execute)
	return s
}

// Lifecycle exposes the run registry (CLI status, tests).
func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }

// Queue exposes the per-session queue (tests, stats).
func (s *Service) Queue() *queue.Queue { return s.queue }

// Registration declares the service to the gateway.
func Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: ServiceName,
		Methods: []string{
			protocol.MethodAgentRun,
			protocol.MethodAgentAbort,
			protocol.MethodAgentStatus,
			protocol.MethodAgentStats,
		},
		Events: []string{
			protocol.EventRunStart,
			protocol.EventRunDelta,
			protocol.EventRunCompleted,
			protocol.EventRunError,
			protocol.EventRunEnd,
		},
		Subscriptions: []string{
			protocol.EventMessageReceived,
			protocol.EventCronTrigger,
			protocol.EventSessionDeleted,
		},
	}
}

// Connect dials the gateway and registers the service.
func (s *Service) Connect(ctx context.Context, gatewayURL string) (*client.Client, error) {
	c := client.New(client.Options{
		URL:          gatewayURL,
		Registration: Registration(),
		Handler: client.HandlerFuncs{
			OnMethod: s.HandleMethod,
			OnEvent:  s.HandleEvent,
		},
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("agent service connect: %w", err)
	}
	s.gw = c
	s.lifecycle.SetEmit(c.Emit)
	return c, nil
}

// HandleEvent dispatches subscribed events. Work moves off the read
// loop immediately: gateway calls made while handling an event would
// otherwise deadlock waiting for their own responses.
func (s *Service) HandleEvent(event string, payload json.RawMessage) {
	switch event {
	case protocol.EventMessageReceived:
		var p protocol.MessageReceivedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("bad message.received payload", "error", err)
			return
		}
		go s.handleInbound(p)
	case protocol.EventCronTrigger:
		var p protocol.CronTriggerPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("bad cron.trigger payload", "error", err)
			return
		}
		go s.handleCronTrigger(p)
	case protocol.EventSessionDeleted:
		var p struct {
			SessionKey string `json:"sessionKey"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return
		}
		if n := s.lifecycle.AbortSessionRuns(p.SessionKey, "session deleted"); n > 0 {
			slog.Info("aborted runs for deleted session", "session", p.SessionKey, "count", n)
		}
		s.queue.ClearQueue(p.SessionKey)
	}
}

func (s *Service) handleInbound(p protocol.MessageReceivedPayload) {
	key := p.SessionKey
	if key == "" {
		key = sessions.MainKey(p.Channel, p.UserID)
	}

	meta := map[string]string{
		"channel": p.Channel,
		"userId":  p.UserID,
	}
	for k, v := range p.Metadata {
		meta[k] = v
	}

	if err := s.ensureSession(key, store.KindMain, p.Content, store.RoleUser, meta); err != nil {
		slog.Error("session persist failed for inbound message", "session", key, "error", err)
		return
	}

	future := s.queue.Enqueue(key, p.Content, store.RoleUser, meta)
	// The future's outcome is delivered to subscribers via run events;
	// waiting here only surfaces execution errors in the log.
	go func() {
		if _, err := future.Wait(context.Background()); err != nil && !errors.Is(err, queue.ErrQueueCleared) {
			slog.Warn("inbound run failed", "session", key, "error", err)
		}
	}()
}

func (s *Service) handleCronTrigger(p protocol.CronTriggerPayload) {
	key := p.SessionKey
	if key == "" {
		key = sessions.CronKey(p.TaskID, sessions.CronRunToken(time.Now()))
	}

	meta := map[string]string{"cronTask": p.TaskID}
	if len(p.Notify) > 0 {
		data, _ := json.Marshal(p.Notify)
		meta["notify"] = string(data)
	}

	if err := s.ensureSession(key, store.KindCron, p.Task, store.RoleUser, meta); err != nil {
		slog.Error("session persist failed for cron trigger", "task", p.TaskID, "error", err)
		return
	}
	s.queue.Enqueue(key, p.Task, store.RoleUser, meta)
}

// ensureSession creates the session (no-op if present) and appends the
// inbound message through the sessions service.
func (s *Service) ensureSession(key string, kind store.Kind, content, role string, meta map[string]string) error {
	ctx := context.Background()
	if sessions.IsSubagent(key) {
		kind = store.KindSubagent
	}
	if err := s.gw.CallInto(ctx, sessionsvc.ServiceName, protocol.MethodSessionCreate,
		sessionsvc.CreateParams{SessionKey: key, Kind: kind}, nil, 0); err != nil {
		return err
	}
	return s.gw.CallInto(ctx, sessionsvc.ServiceName, protocol.MethodSessionAddMessage,
		sessionsvc.AddMessageParams{SessionKey: key, Role: role, Content: content, Metadata: meta}, nil, 0)
}

// execute is the queue drainer hook: one runtime invocation per queued
// message, bracketed by the lifecycle.
func (s *Service) execute(ctx context.Context, msg queue.Message) (any, error) {
	runID := protocol.NewRunID()
	runCtx, err := s.lifecycle.StartRun(runID, msg.SessionKey)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(runCtx, s.opts.RunTimeout)
	defer cancel()

	prior := s.priorMessages(msg.SessionKey)

	result, runErr := s.opts.Runtime.Run(timeoutCtx, RunInput{
		SessionKey:    msg.SessionKey,
		WorkspaceDir:  s.opts.WorkspaceDir,
		Provider:      s.opts.Profile.Provider,
		Model:         s.opts.Profile.Model,
		APIKey:        s.opts.Profile.APIKey,
		BaseURL:       s.opts.Profile.BaseURL,
		SystemPrompt:  s.opts.SystemPrompt(),
		PriorMessages: prior,
		Message:       msg.Content,
	}, RunCallbacks{
		OnAssistantDelta: func(text string, isComplete bool) {
			s.lifecycle.StreamAssistant(runID, text, isComplete)
		},
		OnToolCall: func(name, phase string, args map[string]any) {
			s.lifecycle.StreamTool(runID, name, phase, args)
		},
		OnCompaction: func(tokensBefore int, summary string) {
			s.lifecycle.StreamCompaction(runID, tokensBefore, summary)
		},
	})

	switch {
	case runCtx.Err() != nil:
		// Aborted: the lifecycle already removed the run and emitted
		// run.end; the caller sees a cancelled indication, not an error.
		return nil, &protocol.CallError{Code: protocol.ErrCancelled, Message: "run aborted"}
	case timeoutCtx.Err() == context.DeadlineExceeded:
		s.lifecycle.ErrorRun(runID, protocol.ErrTimeout)
		return nil, &protocol.CallError{Code: protocol.ErrTimeout, Message: "run timed out"}
	case runErr != nil:
		s.lifecycle.ErrorRun(runID, runErr)
		return nil, runErr
	case !result.Success:
		s.lifecycle.ErrorRun(runID, result.Error)
		return nil, errors.New(result.Error)
	}

	s.persistAssistant(msg.SessionKey, result.Response)

	if emitErr := s.gw.Emit(protocol.EventRunCompleted, map[string]any{
		"runId":      runID,
		"sessionKey": msg.SessionKey,
		"response":   result.Response,
		"metadata":   msg.Metadata,
	}); emitErr != nil {
		slog.Debug("run.completed emit failed", "run_id", runID, "error", emitErr)
	}

	s.lifecycle.EndRun(runID, result.Tokens)
	return result.Response, nil
}

func (s *Service) priorMessages(key string) []store.SessionMessage {
	var out struct {
		Messages []store.SessionMessage `json:"messages"`
	}
	err := s.gw.CallInto(context.Background(), sessionsvc.ServiceName, protocol.MethodSessionGetMessages,
		sessionsvc.GetMessagesParams{SessionKey: key, Limit: s.opts.HistoryLimit}, &out, 0)
	if err != nil {
		slog.Warn("history fetch failed, running without prior transcript", "session", key, "error", err)
		return nil
	}
	// The newest entry is the message being executed; the runtime
	// receives it separately.
	if n := len(out.Messages); n > 0 {
		return out.Messages[:n-1]
	}
	return nil
}

func (s *Service) persistAssistant(key, response string) {
	if response == "" {
		return
	}
	err := s.gw.CallInto(context.Background(), sessionsvc.ServiceName, protocol.MethodSessionAddMessage,
		sessionsvc.AddMessageParams{SessionKey: key, Role: store.RoleAssistant, Content: response}, nil, 0)
	if err != nil {
		slog.Error("assistant message persist failed", "session", key, "error", err)
	}
}

// RunParams is the agent.run request shape.
type RunParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message"`
}

// AbortParams is the agent.abort request shape.
type AbortParams struct {
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HandleMethod dispatches one gateway request.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodAgentRun:
		var p RunParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		if p.Message == "" {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "message is required"}
		}
		key := p.SessionKey
		if key == "" {
			key = sessions.CLIKey("")
		}
		if err := s.ensureSession(key, store.KindMain, p.Message, store.RoleUser, nil); err != nil {
			return nil, err
		}
		response, err := s.queue.Enqueue(key, p.Message, store.RoleUser, nil).Wait(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sessionKey": key, "response": response}, nil

	case protocol.MethodAgentAbort:
		var p AbortParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		count := 0
		if p.RunID != "" {
			if s.lifecycle.AbortRun(p.RunID, p.Reason) {
				count++
			}
		}
		if p.SessionKey != "" {
			count += s.lifecycle.AbortSessionRuns(p.SessionKey, p.Reason)
			s.queue.ClearQueue(p.SessionKey)
		}
		return map[string]int{"aborted": count}, nil

	case protocol.MethodAgentStatus:
		return map[string]any{"activeRuns": s.lifecycle.ListActiveRuns()}, nil

	case protocol.MethodAgentStats:
		active := s.lifecycle.ListActiveRuns()
		return map[string]any{
			"activeRuns":     len(active),
			"queuedSessions": len(s.queue.ActiveSessions()),
		}, nil

	default:
		return nil, &protocol.CallError{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}
