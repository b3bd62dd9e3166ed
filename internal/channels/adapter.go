// Package channels provides the ingress pipeline shared by every chat
// platform (allowlist gate, dedupe cache, per-user debouncer, typing
// indicators) plus the gateway service that owns channel.send.
// Concrete adapters supply only platform connect/send/typing calls.
package channels

import (
	"context"
	"log/slog"
	"time"
)

// Platform is the surface a concrete adapter implements. All calls must
// be safe for concurrent use.
type Platform interface {
	Name() string

	// SetOnMessage installs the raw inbound callback. The adapter wires
	// it to the pipeline before Connect is called.
	SetOnMessage(fn InboundFunc)

	// Connect authenticates and starts receiving.
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SendText(ctx context.Context, userID, text string) error
	SendTyping(ctx context.Context, userID string) error
}

// InboundFunc receives one raw platform message before the pipeline.
type InboundFunc func(msgID, userID, text string)

// RouteFunc receives exactly one call per debounced batch.
type RouteFunc func(channel, userID, text string, metadata map[string]string)

// AdapterOptions tune the pipeline stages.
type AdapterOptions struct {
	AllowFrom     []string      // empty = allow all
	DedupeTTL     time.Duration // default 120s
	DebounceDelay time.Duration // default 1.5s
	MaxBatch      int           // default 8
}

// Adapter runs the shared ingress pipeline in front of one platform.
type Adapter struct {
	platform Platform
	allow    map[string]struct{}
	dedupe   *DedupeCache
	debounce *Debouncer
	typing   *TypingManager
	route    RouteFunc
	running  bool
}

// NewAdapter wires the pipeline: allowlist → dedupe → debounce → route.
func NewAdapter(platform Platform, opts AdapterOptions, route RouteFunc) *Adapter {
	a := &Adapter{
		platform: platform,
		dedupe:   NewDedupeCache(opts.DedupeTTL),
		route:    route,
	}
	if len(opts.AllowFrom) > 0 {
		a.allow = make(map[string]struct{}, len(opts.AllowFrom))
		for _, id := range opts.AllowFrom {
			a.allow[id] = struct{}{}
		}
	}
	a.debounce = NewDebouncer(opts.DebounceDelay, opts.MaxBatch, func(userID, text string) {
		a.route(platform.Name(), userID, text, nil)
	})
	a.typing = NewTypingManager(platform.SendTyping)
	platform.SetOnMessage(a.HandleInbound)
	return a
}

// Name returns the platform name.
func (a *Adapter) Name() string { return a.platform.Name() }

// Running reports whether Start succeeded and Stop has not been called.
func (a *Adapter) Running() bool { return a.running }

// Start connects the platform.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.platform.Connect(ctx); err != nil {
		return err
	}
	a.running = true
	return nil
}

// Stop disconnects and discards pending batches.
func (a *Adapter) Stop(ctx context.Context) error {
	a.running = false
	a.debounce.Stop()
	a.typing.StopAll()
	return a.platform.Disconnect(ctx)
}

// HandleInbound feeds one raw platform message through the pipeline.
// Platforms call this from their receive loops.
func (a *Adapter) HandleInbound(msgID, userID, text string) {
	if a.allow != nil {
		if _, ok := a.allow[userID]; !ok {
			slog.Debug("sender not in allowlist", "channel", a.Name(), "user", userID)
			return
		}
	}
	if a.dedupe.Seen(msgID) {
		slog.Debug("duplicate message dropped", "channel", a.Name(), "msg_id", msgID)
		return
	}
	a.debounce.Push(userID, text)
}

// Send delivers text to a user on the platform.
func (a *Adapter) Send(ctx context.Context, userID, text string) error {
	return a.platform.SendText(ctx, userID, text)
}

// StartTyping / StopTyping drive the platform typing indicator.
func (a *Adapter) StartTyping(userID string) { a.typing.StartTyping(userID) }
func (a *Adapter) StopTyping(userID string)  { a.typing.StopTyping(userID) }
