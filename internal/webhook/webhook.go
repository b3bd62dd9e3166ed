// Package webhook accepts HTTP POSTs and turns them into inbound agent
// messages: POST /hooks/{id} routes the body into the session
// webhook:{id} via a message.received event.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/chozzz/vargos/internal/sessions"
	"github.com/chozzz/vargos/pkg/client"
	"github.com/chozzz/vargos/pkg/protocol"
)

// ServiceName is the registered gateway identity.
const ServiceName = "webhook"

// maxBodyBytes bounds one hook payload.
const maxBodyBytes = 256 * 1024

// Options configure the listener.
type Options struct {
	Host  string
	Port  int
	Token string // required in the Authorization header when set
}

// Service is the webhook receiver.
type Service struct {
	opts Options
	gw   *client.Client
	srv  *http.Server
}

func New(opts Options) *Service {
	return &Service{opts: opts}
}

// Registration declares the service to the gateway.
func Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: ServiceName,
		Events:  []string{protocol.EventMessageReceived},
	}
}

// Start connects to the gateway and serves until ctx ends.
func (s *Service) Start(ctx context.Context, gatewayURL string) error {
	c := client.New(client.Options{
		URL:          gatewayURL,
		Registration: Registration(),
		Handler:      client.HandlerFuncs{},
	})
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("webhook service connect: %w", err)
	}
	s.gw = c
	defer c.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks/{id}", s.handleHook)

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("webhook receiver listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Service) handleHook(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	hookID := r.PathValue("id")
	if hookID == "" {
		http.Error(w, "bad hook id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	// JSON bodies with a "message" field use it; anything else is
	// passed through verbatim.
	content := string(body)
	var probe struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &probe) == nil && probe.Message != "" {
		content = probe.Message
	}

	payload := protocol.MessageReceivedPayload{
		Channel:    "webhook",
		UserID:     hookID,
		Content:    content,
		SessionKey: sessions.WebhookKey(hookID),
		Metadata:   map[string]string{"hookId": hookID},
	}
	if err := s.gw.Emit(protocol.EventMessageReceived, payload); err != nil {
		slog.Error("webhook event emit failed", "hook", hookID, "error", err)
		http.Error(w, "gateway unavailable", http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, `{"accepted":true}`)
}
