// Package client is the shared gateway client that every service builds
// on: connect, register, dispatch inbound frames, call other services,
// emit events, and reconnect with backoff after transport loss.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chozzz/vargos/pkg/protocol"
)

// Handler is implemented by each service. HandleMethod runs for every
// Request frame addressed to one of the service's declared methods;
// returned values become ok=true payloads, returned errors become
// ok=false responses. HandleEvent runs for every subscribed Event frame.
type Handler interface {
	HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error)
	HandleEvent(event string, payload json.RawMessage)
}

// HandlerFuncs adapts two closures to the Handler interface.
type HandlerFuncs struct {
	OnMethod func(ctx context.Context, method string, params json.RawMessage) (any, error)
	OnEvent  func(event string, payload json.RawMessage)
}

func (h HandlerFuncs) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if h.OnMethod == nil {
		return nil, &protocol.CallError{Code: protocol.ErrNoHandler, Message: "service declares no methods"}
	}
	return h.OnMethod(ctx, method, params)
}

func (h HandlerFuncs) HandleEvent(event string, payload json.RawMessage) {
	if h.OnEvent != nil {
		h.OnEvent(event, payload)
	}
}

// Options configures a service client.
type Options struct {
	URL          string // ws://host:port/ws
	Registration protocol.ServiceRegistration
	Handler      Handler
	CallTimeout  time.Duration // default 10s
	Reconnect    ReconnectPolicy
}

// Client maintains one registered connection to the gateway.
type Client struct {
	opts    Options
	handler Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *protocol.Frame
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client. Call Connect before using it.
func New(opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		handler: opts.Handler,
		pending: make(map[string]chan *protocol.Frame),
		done:    make(chan struct{}),
	}
}

// Service returns the registered service name.
func (c *Client) Service() string { return c.opts.Registration.Service }

// Connect dials the gateway, registers the service declaration, and
// starts the read loop. A non-ok register response fails fast.
func (c *Client) Connect(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dialAndRegister(c.ctx); err != nil {
		c.cancel()
		return err
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.runLoop()
	return nil
}

func (c *Client) dialAndRegister(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	conn.SetReadLimit(8 << 20)

	// Register synchronously on the fresh connection before the read
	// loop takes over; the first inbound frame must be our response.
	id := protocol.NewRequestID()
	req := protocol.NewRequest(id, "gateway", protocol.MethodRegister, c.opts.Registration)
	data, err := req.Encode()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "write")
		return fmt.Errorf("send register: %w", err)
	}

	regCtx, regCancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer regCancel()
	_, raw, err := conn.Read(regCtx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "read")
		return fmt.Errorf("read register response: %w", err)
	}
	resp, err := protocol.ParseFrame(raw)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "parse")
		return err
	}
	if resp.Type != protocol.FrameResponse || resp.ID != id {
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return fmt.Errorf("register: unexpected frame %q before response", resp.Type)
	}
	if !resp.IsOK() {
		conn.Close(websocket.StatusNormalClosure, "register rejected")
		code, msg := protocol.ErrRegisterFailed, "register rejected"
		if resp.Error != nil {
			code, msg = resp.Error.Code, resp.Error.Message
		}
		return &protocol.CallError{Code: code, Message: msg}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	slog.Info("service connected", "service", c.Service(), "url", c.opts.URL)
	return nil
}

// runLoop reads frames until the connection drops, then drives the
// reconnector until it either re-establishes the session or gives up.
func (c *Client) runLoop() {
	defer close(c.done)
	for {
		c.readUntilError()

		if c.ctx.Err() != nil || c.isClosed() {
			return
		}

		c.failInFlight(protocol.ErrReconnecting, "connection lost")

		recon := NewReconnector(c.opts.Reconnect)
		reconnected := false
		for {
			delay, ok := recon.Next()
			if !ok {
				slog.Error("reconnect attempts exhausted", "service", c.Service())
				return
			}
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := c.dialAndRegister(c.ctx); err != nil {
				slog.Warn("reconnect failed", "service", c.Service(), "attempt", recon.Attempts(), "error", err)
				continue
			}
			reconnected = true
			break
		}
		if !reconnected {
			return
		}
	}
}

func (c *Client) readUntilError() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		frame, perr := protocol.ParseFrame(data)
		if perr != nil {
			slog.Warn("dropping malformed frame", "service", c.Service(), "error", perr)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FrameRequest:
		// Handlers may block on other gateway calls; run each request
		// on its own goroutine so the read loop never stalls.
		go c.serveRequest(frame)
	case protocol.FrameResponse:
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- frame
		}
	case protocol.FrameEvent:
		c.handler.HandleEvent(frame.Event, frame.Payload)
	}
}

func (c *Client) serveRequest(frame *protocol.Frame) {
	result, err := c.handler.HandleMethod(c.ctx, frame.Method, frame.Params)
	var resp *protocol.Frame
	if err != nil {
		code := "ERROR"
		if ce, ok := err.(*protocol.CallError); ok {
			code = ce.Code
		}
		resp = protocol.NewErrorResponse(frame.ID, code, err.Error())
	} else {
		resp = protocol.NewResponse(frame.ID, result)
	}
	if werr := c.send(resp); werr != nil {
		slog.Debug("response send failed", "service", c.Service(), "method", frame.Method, "error", werr)
	}
}

// Call sends a Request to target.method and waits for the matching
// Response. A zero timeout uses the client default.
func (c *Client) Call(ctx context.Context, target, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}
	id := protocol.NewRequestID()
	ch := make(chan *protocol.Frame, 1)

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, &protocol.CallError{Code: protocol.ErrReconnecting, Message: "not connected"}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(protocol.NewRequest(id, target, method, params)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.IsOK() {
			code, msg := "ERROR", "call failed"
			if resp.Error != nil {
				code, msg = resp.Error.Code, resp.Error.Message
			}
			return nil, &protocol.CallError{Code: code, Message: msg}
		}
		return resp.Payload, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, &protocol.CallError{Code: protocol.ErrTimeout, Message: method + " timed out"}
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// CallInto unmarshals a successful call payload into out.
func (c *Client) CallInto(ctx context.Context, target, method string, params, out any, timeout time.Duration) error {
	payload, err := c.Call(ctx, target, method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", method, err)
	}
	return nil
}

// Emit publishes an Event frame through the gateway.
func (c *Client) Emit(event string, payload any) error {
	return c.send(protocol.NewEvent(c.Service(), event, payload))
}

func (c *Client) send(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return &protocol.CallError{Code: protocol.ErrReconnecting, Message: "not connected"}
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// failInFlight rejects every pending call with the given code.
func (c *Client) failInFlight(code, message string) {
	ok := false
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *protocol.Frame)
	c.mu.Unlock()
	for id, ch := range pending {
		ch <- &protocol.Frame{
			Type:  protocol.FrameResponse,
			ID:    id,
			OK:    &ok,
			Error: &protocol.ErrorDetail{Code: code, Message: message},
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the connection down and fails in-flight calls with
// SHUTTING_DOWN. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	c.failInFlight(protocol.ErrShuttingDown, "client closing")
	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
	if started {
		<-c.done
	}
}
