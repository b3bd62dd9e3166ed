// Package sessionsvc exposes the session store over the gateway. The
// store owns persistence; this service owns emission of the
// session.created / session.message / session.deleted events.
package sessionsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chozzz/vargos/internal/store"
	"github.com/chozzz/vargos/pkg/client"
	"github.com/chozzz/vargos/pkg/protocol"
)

// ServiceName is the registered gateway identity.
const ServiceName = "sessions"

// EmitFunc publishes one event through the gateway.
type EmitFunc func(event string, payload any) error

// Service handles the session.* gateway methods.
type Service struct {
	store store.Store
	emit  EmitFunc
}

// New creates the service around a store backend. Events are dropped
// until Connect wires the gateway client.
func New(st store.Store) *Service {
	return &Service{store: st, emit: func(string, any) error { return nil }}
}

// Registration declares the service to the gateway.
func Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: ServiceName,
		Methods: []string{
			protocol.MethodSessionCreate,
			protocol.MethodSessionGet,
			protocol.MethodSessionUpdate,
			protocol.MethodSessionDelete,
			protocol.MethodSessionList,
			protocol.MethodSessionAddMessage,
			protocol.MethodSessionGetMessages,
		},
		Events: []string{
			protocol.EventSessionCreated,
			protocol.EventSessionMessage,
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
		},
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("sessions service connect: %w", err)
	}
	s.emit = c.Emit
	return c, nil
}

// CreateParams is the session.create request shape.
type CreateParams struct {
	SessionKey string            `json:"sessionKey"`
	Label      string            `json:"label,omitempty"`
	AgentID    string            `json:"agentId,omitempty"`
	Kind       store.Kind        `json:"kind,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// KeyParams addresses a single session.
type KeyParams struct {
	SessionKey string `json:"sessionKey"`
}

// UpdateParams is the session.update request shape.
type UpdateParams struct {
	SessionKey string      `json:"sessionKey"`
	Patch      store.Patch `json:"patch"`
}

// AddMessageParams is the session.addMessage request shape.
type AddMessageParams struct {
	SessionKey string            `json:"sessionKey"`
	Role       string            `json:"role,omitempty"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// GetMessagesParams is the session.getMessages request shape.
type GetMessagesParams struct {
	SessionKey string    `json:"sessionKey"`
	Limit      int       `json:"limit,omitempty"`
	Before     time.Time `json:"before,omitempty"`
}

// HandleMethod dispatches one gateway request.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodSessionCreate:
		return s.create(ctx, params)
	case protocol.MethodSessionGet:
		return s.get(ctx, params)
	case protocol.MethodSessionUpdate:
		return s.update(ctx, params)
	case protocol.MethodSessionDelete:
		return s.delete(ctx, params)
	case protocol.MethodSessionList:
		return s.list(ctx, params)
	case protocol.MethodSessionAddMessage:
		return s.addMessage(ctx, params)
	case protocol.MethodSessionGetMessages:
		return s.getMessages(ctx, params)
	default:
		return nil, &protocol.CallError{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}

func (s *Service) create(ctx context.Context, params json.RawMessage) (any, error) {
	var p CreateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, validationErr("sessionKey is required")
	}

	created, sess, err := s.store.Create(ctx, store.Session{
		SessionKey: p.SessionKey,
		Label:      p.Label,
		AgentID:    p.AgentID,
		Kind:       p.Kind,
		Metadata:   p.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.publish(protocol.EventSessionCreated, sess)
	}
	return map[string]any{"session": sess, "created": created}, nil
}

func (s *Service) get(ctx context.Context, params json.RawMessage) (any, error) {
	var p KeyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.store.Get(ctx, p.SessionKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess}, nil
}

func (s *Service) update(ctx context.Context, params json.RawMessage) (any, error) {
	var p UpdateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	sess, err := s.store.Update(ctx, p.SessionKey, p.Patch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sess}, nil
}

func (s *Service) delete(ctx context.Context, params json.RawMessage) (any, error) {
	var p KeyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	removed, err := s.store.Delete(ctx, p.SessionKey)
	if err != nil {
		return nil, err
	}
	if removed {
		s.publish(protocol.EventSessionDeleted, map[string]string{"sessionKey": p.SessionKey})
	}
	return map[string]bool{"deleted": removed}, nil
}

func (s *Service) list(ctx context.Context, params json.RawMessage) (any, error) {
	var f store.ListFilter
	if err := decode(params, &f); err != nil {
		return nil, err
	}
	sessions, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	return map[string]any{"sessions": sessions}, nil
}

func (s *Service) addMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var p AddMessageParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.SessionKey == "" {
		return nil, validationErr("sessionKey is required")
	}

	msg, err := s.store.AddMessage(ctx, store.SessionMessage{
		SessionKey: p.SessionKey,
		Role:       p.Role,
		Content:    p.Content,
		Metadata:   p.Metadata,
	})
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, validationErr("session " + p.SessionKey + " does not exist")
	}
	if err != nil {
		return nil, err
	}
	s.publish(protocol.EventSessionMessage, msg)
	return map[string]any{"message": msg}, nil
}

func (s *Service) getMessages(ctx context.Context, params json.RawMessage) (any, error) {
	var p GetMessagesParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	msgs, err := s.store.GetMessages(ctx, p.SessionKey, store.MessageFilter{Limit: p.Limit, Before: p.Before})
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *Service) publish(event string, payload any) {
	if err := s.emit(event, payload); err != nil {
		slog.Warn("session event emit failed", "event", event, "error", err)
	}
}

func decode(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return validationErr("bad params: " + err.Error())
	}
	return nil
}

func validationErr(msg string) error {
	return &protocol.CallError{Code: protocol.ErrValidation, Message: msg}
}
