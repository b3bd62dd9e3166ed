// Package cron schedules recurring agent tasks. Schedules are 5-field
// cron expressions (validated and advanced with adhocore/gronx); firing
// emits a cron.trigger event that the agent service consumes. The
// scheduler itself never runs anything.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/chozzz/vargos/internal/sessions"
	"github.com/chozzz/vargos/pkg/client"
	"github.com/chozzz/vargos/pkg/protocol"
)

// ServiceName is the registered gateway identity.
const ServiceName = "cron"

// Task is one scheduled instruction.
type Task struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Schedule    string   `json:"schedule"`
	Description string   `json:"description,omitempty"`
	Task        string   `json:"task"`
	Enabled     bool     `json:"enabled"`
	Notify      []string `json:"notify,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	BuiltIn     bool     `json:"builtIn,omitempty"`
}

// TaskSpec is the AddTask input; zero fields take defaults
// (name = id, description = task prefix, enabled = true).
type TaskSpec struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Schedule    string   `json:"schedule"`
	Description string   `json:"description,omitempty"`
	Task        string   `json:"task"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Notify      []string `json:"notify,omitempty"`
	Timezone    string   `json:"timezone,omitempty"`
	BuiltIn     bool     `json:"builtIn,omitempty"`
}

// BeforeFireHook gates one task's ticks; returning false skips the tick.
type BeforeFireHook func(task Task) bool

// PersistFunc receives the non-ephemeral task set after every mutation.
type PersistFunc func(tasks []Task) error

// EmitFunc publishes one event through the gateway.
type EmitFunc func(event string, payload any) error

type scheduled struct {
	task      Task
	ephemeral bool
	timer     *time.Timer
}

// Service owns the task table and its timers.
type Service struct {
	loc       *time.Location
	onPersist PersistFunc
	now       func() time.Time

	mu      sync.Mutex
	tasks   map[string]*scheduled
	hooks   map[string]BeforeFireHook
	emit    EmitFunc
	running bool

	gron gronx.Gronx
}

// New creates the scheduler. loc is the default timezone for schedules
// (UTC when nil); onPersist may be nil.
func New(loc *time.Location, onPersist PersistFunc, now func() time.Time) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if onPersist == nil {
		onPersist = func([]Task) error { return nil }
	}
	if now == nil {
		now = time.Now
	}
	return &Service{
		loc:       loc,
		onPersist: onPersist,
		now:       now,
		tasks:     make(map[string]*scheduled),
		hooks:     make(map[string]BeforeFireHook),
		emit:      func(string, any) error { return nil },
		gron:      *gronx.New(),
	}
}

// AddOptions modifies AddTask behaviour.
type AddOptions struct {
	Ephemeral bool // not handed to onPersist
}

// AddTask fills defaults, validates the schedule, and stores the task.
// When the scheduler is running and the task is enabled, its timer is
// armed immediately.
func (s *Service) AddTask(spec TaskSpec, opts AddOptions) (Task, error) {
	if spec.ID == "" {
		return Task{}, fmt.Errorf("task id is required")
	}
	if !s.gron.IsValid(spec.Schedule) {
		return Task{}, fmt.Errorf("invalid cron schedule %q", spec.Schedule)
	}

	task := Task{
		ID:          spec.ID,
		Name:        spec.Name,
		Schedule:    spec.Schedule,
		Description: spec.Description,
		Task:        spec.Task,
		Enabled:     spec.Enabled == nil || *spec.Enabled,
		Notify:      spec.Notify,
		Timezone:    spec.Timezone,
		BuiltIn:     spec.BuiltIn,
	}
	if task.Name == "" {
		task.Name = task.ID
	}
	if task.Description == "" {
		task.Description = truncate(task.Task, 100)
	}
	if task.Timezone != "" {
		if _, err := time.LoadLocation(task.Timezone); err != nil {
			return Task{}, fmt.Errorf("unknown timezone %q: %w", task.Timezone, err)
		}
	}

	s.mu.Lock()
	if prior, exists := s.tasks[spec.ID]; exists && prior.timer != nil {
		prior.timer.Stop()
	}
	entry := &scheduled{task: task, ephemeral: opts.Ephemeral}
	s.tasks[spec.ID] = entry
	if s.running && task.Enabled {
		s.armLocked(entry)
	}
	s.mu.Unlock()

	s.persist()
	slog.Info("cron task added", "task", task.ID, "schedule", task.Schedule, "enabled", task.Enabled)
	return task, nil
}

// UpdateTask applies a patch. A schedule change tears the timer down
// and re-arms it; other fields mutate in place.
func (s *Service) UpdateTask(id string, patch TaskSpec) (Task, error) {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("cron task %q not found", id)
	}

	if patch.Schedule != "" && patch.Schedule != entry.task.Schedule {
		if !s.gron.IsValid(patch.Schedule) {
			s.mu.Unlock()
			return Task{}, fmt.Errorf("invalid cron schedule %q", patch.Schedule)
		}
		entry.task.Schedule = patch.Schedule
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	if patch.Name != "" {
		entry.task.Name = patch.Name
	}
	if patch.Description != "" {
		entry.task.Description = patch.Description
	}
	if patch.Task != "" {
		entry.task.Task = patch.Task
	}
	if patch.Notify != nil {
		entry.task.Notify = patch.Notify
	}
	if patch.Timezone != "" {
		if _, err := time.LoadLocation(patch.Timezone); err != nil {
			s.mu.Unlock()
			return Task{}, fmt.Errorf("unknown timezone %q: %w", patch.Timezone, err)
		}
		entry.task.Timezone = patch.Timezone
	}
	if patch.Enabled != nil {
		entry.task.Enabled = *patch.Enabled
	}

	if entry.timer != nil && !entry.task.Enabled {
		entry.timer.Stop()
		entry.timer = nil
	}
	if s.running && entry.task.Enabled && entry.timer == nil {
		s.armLocked(entry)
	}
	out := entry.task
	s.mu.Unlock()

	s.persist()
	return out, nil
}

// RemoveTask stops and deletes a task; reports whether it existed.
func (s *Service) RemoveTask(id string) bool {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.tasks, id)
		delete(s.hooks, id)
	}
	s.mu.Unlock()

	if ok {
		s.persist()
	}
	return ok
}

// OnBeforeFire installs a per-task gate. A hook returning false cancels
// that tick.
func (s *Service) OnBeforeFire(id string, hook BeforeFireHook) {
	s.mu.Lock()
	s.hooks[id] = hook
	s.mu.Unlock()
}

// StartAll arms every enabled task.
func (s *Service) StartAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	for _, entry := range s.tasks {
		if entry.task.Enabled && entry.timer == nil {
			s.armLocked(entry)
		}
	}
	slog.Info("cron scheduler started", "tasks", len(s.tasks))
}

// StopAll disarms every timer.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	for _, entry := range s.tasks {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	slog.Info("cron scheduler stopped")
}

// List returns all tasks sorted by id.
func (s *Service) List() []Task {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, entry := range s.tasks {
		out = append(out, entry.task)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TriggerTask fires a task now, bypassing the schedule but still
// honoring the before-fire hook. Reports whether the trigger emitted.
func (s *Service) TriggerTask(id string) (bool, error) {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("cron task %q not found", id)
	}
	task := entry.task
	hook := s.hooks[id]
	s.mu.Unlock()

	return s.fire(task, hook), nil
}

// armLocked schedules the next tick. Callers hold s.mu.
func (s *Service) armLocked(entry *scheduled) {
	loc := s.loc
	if entry.task.Timezone != "" {
		if l, err := time.LoadLocation(entry.task.Timezone); err == nil {
			loc = l
		}
	}
	ref := s.now().In(loc)
	next, err := gronx.NextTickAfter(entry.task.Schedule, ref, false)
	if err != nil {
		slog.Error("cron schedule advance failed", "task", entry.task.ID, "error", err)
		return
	}

	id := entry.task.ID
	entry.timer = time.AfterFunc(next.Sub(ref), func() { s.tick(id) })
}

// tick fires one scheduled occurrence and re-arms the timer.
func (s *Service) tick(id string) {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok || !s.running {
		s.mu.Unlock()
		return
	}
	task := entry.task
	hook := s.hooks[id]
	enabled := task.Enabled
	if enabled {
		s.armLocked(entry)
	}
	s.mu.Unlock()

	if enabled {
		s.fire(task, hook)
	}
}

// fire runs the gate and emits cron.trigger. Reports whether it emitted.
func (s *Service) fire(task Task, hook BeforeFireHook) bool {
	if hook != nil && !hook(task) {
		slog.Debug("cron tick skipped by hook", "task", task.ID)
		return false
	}

	payload := protocol.CronTriggerPayload{
		TaskID:     task.ID,
		Task:       task.Task,
		Name:       task.Name,
		SessionKey: sessions.CronKey(task.ID, sessions.CronRunToken(s.now())),
		Notify:     task.Notify,
	}

	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if err := emit(protocol.EventCronTrigger, payload); err != nil {
		slog.Error("cron.trigger emit failed", "task", task.ID, "error", err)
		return false
	}
	slog.Info("cron task fired", "task", task.ID, "session", payload.SessionKey)
	return true
}

func (s *Service) persist() {
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, entry := range s.tasks {
		if !entry.ephemeral {
			out = append(out, entry.task)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if err := s.onPersist(out); err != nil {
		slog.Error("cron persist failed", "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// --- gateway surface ---

// Registration declares the service to the gateway.
func Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: ServiceName,
		Methods: []string{
			protocol.MethodCronList,
			protocol.MethodCronAdd,
			protocol.MethodCronRemove,
			protocol.MethodCronUpdate,
			protocol.MethodCronRun,
		},
		Events: []string{protocol.EventCronTrigger},
	}
}

// Connect dials the gateway and registers the service.
func (s *Service) Connect(ctx context.Context, gatewayURL string) (*client.Client, error) {
	c := client.New(client.Options{
		URL:          gatewayURL,
		Registration: Registration(),
		Handler: client.HandlerFuncs{
			OnMethod: s.HandleMethod,
		},
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("cron service connect: %w", err)
	}
	s.mu.Lock()
	s.emit = c.Emit
	s.mu.Unlock()
	return c, nil
}

// HandleMethod dispatches one gateway request.
func (s *Service) HandleMethod(_ context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodCronList:
		return map[string]any{"tasks": s.List()}, nil

	case protocol.MethodCronAdd:
		var spec TaskSpec
		if err := json.Unmarshal(params, &spec); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		task, err := s.AddTask(spec, AddOptions{})
		if err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: err.Error()}
		}
		return map[string]any{"task": task}, nil

	case protocol.MethodCronRemove:
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		return map[string]bool{"removed": s.RemoveTask(p.ID)}, nil

	case protocol.MethodCronUpdate:
		var p struct {
			ID    string   `json:"id"`
			Patch TaskSpec `json:"patch"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		task, err := s.UpdateTask(p.ID, p.Patch)
		if err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: err.Error()}
		}
		return map[string]any{"task": task}, nil

	case protocol.MethodCronRun:
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		fired, err := s.TriggerTask(p.ID)
		if err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: err.Error()}
		}
		return map[string]bool{"fired": fired}, nil

	default:
		return nil, &protocol.CallError{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}

// SetEmit swaps the event sink (tests).
func (s *Service) SetEmit(emit EmitFunc) {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()
}
