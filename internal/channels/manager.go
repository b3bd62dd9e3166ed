package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chozzz/vargos/internal/sessions"
	"github.com/chozzz/vargos/pkg/client"
	"github.com/chozzz/vargos/pkg/protocol"
)

// ServiceName is the registered gateway identity.
const ServiceName = "channels"

// Manager owns every registered adapter and exposes them over the
// gateway: it handles channel.send / channel.status / channel.list and
// emits message.received for each debounced inbound batch.
type Manager struct {
	adapters map[string]*Adapter
	gw       *client.Client
}

func NewManager() *Manager {
	return &Manager{adapters: make(map[string]*Adapter)}
}

// Register creates an adapter around platform with the shared pipeline
// and adds it to the manager. Must be called before StartAll.
func (m *Manager) Register(platform Platform, opts AdapterOptions) *Adapter {
	adapter := NewAdapter(platform, opts, m.routeInbound)
	m.adapters[platform.Name()] = adapter
	return adapter
}

// routeInbound emits one message.received event per debounced batch.
func (m *Manager) routeInbound(channel, userID, text string, metadata map[string]string) {
	if m.gw == nil {
		slog.Warn("inbound message before gateway connect", "channel", channel)
		return
	}
	payload := protocol.MessageReceivedPayload{
		Channel:    channel,
		UserID:     userID,
		Content:    text,
		SessionKey: sessions.MainKey(channel, userID),
		Metadata:   metadata,
	}
	if err := m.gw.Emit(protocol.EventMessageReceived, payload); err != nil {
		slog.Error("message.received emit failed", "channel", channel, "error", err)
	}
}

// Registration declares the service to the gateway.
func Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: ServiceName,
		Methods: []string{
			protocol.MethodChannelSend,
			protocol.MethodChannelStatus,
			protocol.MethodChannelList,
		},
		Events: []string{protocol.EventMessageReceived},
	}
}

// Connect dials the gateway and registers the service.
func (m *Manager) Connect(ctx context.Context, gatewayURL string) (*client.Client, error) {
	c := client.New(client.Options{
		URL:          gatewayURL,
		Registration: Registration(),
		Handler: client.HandlerFuncs{
			OnMethod: m.HandleMethod,
		},
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("channels service connect: %w", err)
	}
	m.gw = c
	return c, nil
}

// StartAll connects every adapter. A platform that fails to connect is
// logged and skipped; the rest still start.
func (m *Manager) StartAll(ctx context.Context) {
	for name, adapter := range m.adapters {
		slog.Info("starting channel", "channel", name)
		if err := adapter.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
		}
	}
}

// StopAll disconnects every adapter.
func (m *Manager) StopAll(ctx context.Context) {
	for name, adapter := range m.adapters {
		if err := adapter.Stop(ctx); err != nil {
			slog.Error("channel stop failed", "channel", name, "error", err)
		}
	}
}

// SendParams is the channel.send request shape.
type SendParams struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId"`
	Text    string `json:"text"`
	Typing  bool   `json:"typing,omitempty"` // start indicator instead of sending
}

// HandleMethod dispatches one gateway request.
func (m *Manager) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodChannelSend:
		var p SendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		adapter, ok := m.adapters[p.Channel]
		if !ok {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "unknown channel " + p.Channel}
		}
		if !adapter.Running() {
			return nil, &protocol.CallError{Code: protocol.ErrServiceUnavailable, Message: "channel " + p.Channel + " is not running"}
		}
		if err := adapter.Send(ctx, p.UserID, p.Text); err != nil {
			return nil, fmt.Errorf("send via %s: %w", p.Channel, err)
		}
		return map[string]bool{"sent": true}, nil

	case protocol.MethodChannelStatus:
		var p struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		adapter, ok := m.adapters[p.Channel]
		if !ok {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "unknown channel " + p.Channel}
		}
		return map[string]any{"channel": p.Channel, "running": adapter.Running()}, nil

	case protocol.MethodChannelList:
		out := make([]map[string]any, 0, len(m.adapters))
		for name, adapter := range m.adapters {
			out = append(out, map[string]any{"channel": name, "running": adapter.Running()})
		}
		return map[string]any{"channels": out}, nil

	default:
		return nil, &protocol.CallError{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}

// Adapter returns a registered adapter by name (tests, reply pipeline).
func (m *Manager) Adapter(name string) (*Adapter, bool) {
	a, ok := m.adapters[name]
	return a, ok
}
