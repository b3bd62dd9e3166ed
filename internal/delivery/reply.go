package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chozzz/vargos/internal/channels"
	"github.com/chozzz/vargos/pkg/client"
	"github.com/chozzz/vargos/pkg/protocol"
)

// ServiceName is the registered gateway identity.
const ServiceName = "delivery"

// ReplyService subscribes to run.completed and routes each response
// back to the channel that originated the conversation, chunked and
// retried via DeliverReply.
type ReplyService struct {
	opts Options
	gw   *client.Client
}

func NewReplyService(opts Options) *ReplyService {
	return &ReplyService{opts: opts}
}

// Registration declares the service to the gateway.
func Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service:       ServiceName,
		Subscriptions: []string{protocol.EventRunCompleted},
	}
}

// Connect dials the gateway and registers the service.
func (s *ReplyService) Connect(ctx context.Context, gatewayURL string) (*client.Client, error) {
	c := client.New(client.Options{
		URL:          gatewayURL,
		Registration: Registration(),
		Handler: client.HandlerFuncs{
			OnEvent: s.HandleEvent,
		},
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("delivery service connect: %w", err)
	}
	s.gw = c
	return c, nil
}

// runCompletedPayload is the slice of run.completed this service needs.
type runCompletedPayload struct {
	RunID      string            `json:"runId"`
	SessionKey string            `json:"sessionKey"`
	Response   string            `json:"response"`
	Metadata   map[string]string `json:"metadata"`
}

// HandleEvent routes one completed run. Delivery happens off the read
// loop; channel.send calls must not block event dispatch.
func (s *ReplyService) HandleEvent(event string, payload json.RawMessage) {
	if event != protocol.EventRunCompleted {
		return
	}
	var p runCompletedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("bad run.completed payload", "error", err)
		return
	}

	if p.Response == "" {
		return
	}

	// Route back to the originating channel; cron runs route to the
	// task's notify targets ("channel:userId" entries) instead.
	type target struct{ channel, userID string }
	var targets []target
	if ch, user := p.Metadata["channel"], p.Metadata["userId"]; ch != "" && user != "" {
		targets = append(targets, target{ch, user})
	}
	if raw := p.Metadata["notify"]; raw != "" {
		var entries []string
		if json.Unmarshal([]byte(raw), &entries) == nil {
			for _, e := range entries {
				if ch, user, ok := strings.Cut(e, ":"); ok && ch != "" && user != "" {
					targets = append(targets, target{ch, user})
				}
			}
		}
	}
	if len(targets) == 0 {
		// CLI sessions have no channel route; their output is consumed
		// from run.delta subscribers instead.
		return
	}

	for _, tgt := range targets {
		tgt := tgt
		go func() {
			err := DeliverReply(context.Background(), func(ctx context.Context, text string) error {
				return s.gw.CallInto(ctx, channels.ServiceName, protocol.MethodChannelSend,
					channels.SendParams{Channel: tgt.channel, UserID: tgt.userID, Text: text}, nil, 0)
			}, p.Response, s.opts)
			if err != nil {
				slog.Error("reply delivery failed",
					"run_id", p.RunID,
					"channel", tgt.channel,
					"user", tgt.userID,
					"error", err,
				)
			}
		}()
	}
}
