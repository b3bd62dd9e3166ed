package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/chozzz/vargos/internal/config"
	"github.com/chozzz/vargos/pkg/client"
	"github.com/chozzz/vargos/pkg/protocol"
)

// dialGateway connects a short-lived CLI client. subscriptions may be
// empty; onEvent may be nil.
func dialGateway(ctx context.Context, cfg *config.Config, subscriptions []string, onEvent func(event string, payload json.RawMessage)) (*client.Client, error) {
	c := client.New(client.Options{
		URL: cfg.Gateway.URL(),
		Registration: protocol.ServiceRegistration{
			Service:       fmt.Sprintf("cli-%d", os.Getpid()),
			Subscriptions: subscriptions,
			Version:       Version,
		},
		Handler: client.HandlerFuncs{
			OnEvent: onEvent,
		},
	})
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s (is `vargos gateway start` running?): %w", cfg.Gateway.URL(), err)
	}
	return c, nil
}
