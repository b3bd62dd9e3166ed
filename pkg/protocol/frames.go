// Package protocol defines the wire frames exchanged between services and
// the gateway, plus the canonical method, event, and error-code names.
//
// A frame is a single routed unit in one of three shapes:
//
//	Request:  {type:"req",   id, target, method, params?}
//	Response: {type:"res",   id, ok, payload? | error{code,message}}
//	Event:    {type:"event", source, event, payload?, seq}
//
// Unknown fields are tolerated on decode so that newer peers can add
// fields without breaking older ones.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType discriminates the three frame variants.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// ErrorDetail carries a typed error on a failed Response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Frame is the wire unit between a service and the gateway.
// Which fields are meaningful depends on Type.
type Frame struct {
	Type FrameType `json:"type"`

	// Request fields. ID is unique per caller per request and is echoed
	// on the matching Response.
	ID     string          `json:"id,omitempty"`
	Target string          `json:"target,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`

	// Event fields. Seq is assigned by the gateway and is strictly
	// increasing across the whole process.
	Source string `json:"source,omitempty"`
	Event  string `json:"event,omitempty"`
	Seq    uint64 `json:"seq,omitempty"`
}

// IsOK reports whether a Response frame carries a success result.
func (f *Frame) IsOK() bool { return f.OK != nil && *f.OK }

// ParseError is returned when a byte sequence cannot be decoded into a
// valid frame. The gateway converts it into a PARSE_ERROR response.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse frame: %s: %v", e.Reason, e.Err)
	}
	return "parse frame: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseFrame decodes one frame from its wire form. It never panics;
// malformed input yields a *ParseError.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}
	switch f.Type {
	case FrameRequest:
		if f.ID == "" || f.Method == "" {
			return nil, &ParseError{Reason: "request frame missing id or method"}
		}
	case FrameResponse:
		if f.ID == "" {
			return nil, &ParseError{Reason: "response frame missing id"}
		}
		if f.OK == nil {
			return nil, &ParseError{Reason: "response frame missing ok"}
		}
	case FrameEvent:
		if f.Event == "" {
			return nil, &ParseError{Reason: "event frame missing event name"}
		}
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
	return &f, nil
}

// Encode serializes a frame to its wire form.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// NewRequest builds a Request frame. params may be nil or any
// JSON-marshalable value.
func NewRequest(id, target, method string, params any) *Frame {
	f := &Frame{Type: FrameRequest, ID: id, Target: target, Method: method}
	f.Params = marshalRaw(params)
	return f
}

// NewResponse builds a success Response mirroring the request id.
func NewResponse(id string, payload any) *Frame {
	ok := true
	return &Frame{Type: FrameResponse, ID: id, OK: &ok, Payload: marshalRaw(payload)}
}

// NewErrorResponse builds a failure Response with a typed error code.
func NewErrorResponse(id, code, message string) *Frame {
	ok := false
	return &Frame{
		Type:  FrameResponse,
		ID:    id,
		OK:    &ok,
		Error: &ErrorDetail{Code: code, Message: message},
	}
}

// NewEvent builds an Event frame. Seq is left zero; the gateway assigns
// it during fan-out.
func NewEvent(source, event string, payload any) *Frame {
	return &Frame{Type: FrameEvent, Source: source, Event: event, Payload: marshalRaw(payload)}
}

func marshalRaw(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Callers pass plain structs and maps; a marshal failure here is
		// a programming error, surfaced as a null payload.
		return nil
	}
	return data
}

// ServiceRegistration is the payload of a gateway.register request.
// A service declares the methods it handles, the events it may emit,
// and the events it wants delivered.
type ServiceRegistration struct {
	Service       string   `json:"service"`
	Methods       []string `json:"methods,omitempty"`
	Events        []string `json:"events,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
	Version       string   `json:"version,omitempty"`
}

// Validate checks the registration shape.
func (r *ServiceRegistration) Validate() error {
	if r.Service == "" {
		return fmt.Errorf("registration missing service name")
	}
	for _, m := range r.Methods {
		if m == "" {
			return fmt.Errorf("registration for %q declares an empty method name", r.Service)
		}
	}
	return nil
}

// RoutingSnapshot is returned to a service after a successful register.
type RoutingSnapshot struct {
	Services []string `json:"services"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}
