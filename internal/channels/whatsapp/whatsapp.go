// Package whatsapp adapts a WhatsApp bridge to the channel pipeline.
// The bridge (a whatsapp-web.js sidecar) owns the WhatsApp protocol;
// this platform exchanges JSON messages with it over a WebSocket.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chozzz/vargos/internal/channels"
)

// bridgeMessage is the JSON envelope both directions use.
type bridgeMessage struct {
	Type   string `json:"type"` // "message", "send", "typing"
	ID     string `json:"id,omitempty"`
	UserID string `json:"userId,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Platform connects to the bridge WebSocket.
type Platform struct {
	bridgeURL string
	onMessage channels.InboundFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the platform for the given bridge URL.
func New(bridgeURL string) (*Platform, error) {
	if bridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge url is required")
	}
	return &Platform{bridgeURL: bridgeURL}, nil
}

func (p *Platform) Name() string { return "whatsapp" }

func (p *Platform) SetOnMessage(fn channels.InboundFunc) { p.onMessage = fn }

// Connect dials the bridge and starts the receive loop.
func (p *Platform) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.bridgeURL, nil)
	if err != nil {
		return fmt.Errorf("whatsapp bridge dial: %w", err)
	}

	recvCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.conn = conn
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", p.bridgeURL)

	go func() {
		defer close(p.done)
		for {
			if recvCtx.Err() != nil {
				return
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				if recvCtx.Err() == nil {
					slog.Warn("whatsapp bridge read failed", "error", err)
				}
				return
			}
			var msg bridgeMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Debug("whatsapp bridge sent malformed frame", "error", err)
				continue
			}
			if msg.Type == "message" && msg.Text != "" && p.onMessage != nil {
				p.onMessage(msg.ID, msg.UserID, msg.Text)
			}
		}
	}()
	return nil
}

// Disconnect closes the bridge connection.
func (p *Platform) Disconnect(_ context.Context) error {
	p.mu.Lock()
	conn := p.conn
	cancel := p.cancel
	done := p.done
	p.conn = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}

// SendText forwards one outbound message to the bridge.
func (p *Platform) SendText(_ context.Context, userID, text string) error {
	return p.write(bridgeMessage{Type: "send", UserID: userID, Text: text})
}

// SendTyping forwards a typing indicator to the bridge.
func (p *Platform) SendTyping(_ context.Context, userID string) error {
	return p.write(bridgeMessage{Type: "typing", UserID: userID})
}

func (p *Platform) write(msg bridgeMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}
