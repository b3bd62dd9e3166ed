package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chozzz/vargos/pkg/client"
	"github.com/chozzz/vargos/pkg/protocol"
)

// ServiceName is the registered gateway identity.
const ServiceName = "tools"

// Service exposes a registry over the gateway.
type Service struct {
	registry *Registry
}

func NewService(registry *Registry) *Service {
	return &Service{registry: registry}
}

// Registration declares the service to the gateway.
func Registration() protocol.ServiceRegistration {
	return protocol.ServiceRegistration{
		Service: ServiceName,
		Methods: []string{
			protocol.MethodToolList,
			protocol.MethodToolExecute,
			protocol.MethodToolDescribe,
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
		return nil, fmt.Errorf("tools service connect: %w", err)
	}
	return c, nil
}

// ExecuteParams is the tool.execute request shape.
type ExecuteParams struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// HandleMethod dispatches one gateway request.
func (s *Service) HandleMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case protocol.MethodToolList:
		names := s.registry.Names()
		out := make([]map[string]any, 0, len(names))
		for _, name := range names {
			desc, err := s.registry.Describe(name)
			if err != nil {
				continue
			}
			out = append(out, desc)
		}
		return map[string]any{"tools": out}, nil

	case protocol.MethodToolDescribe:
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		desc, err := s.registry.Describe(p.Name)
		if err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: err.Error()}
		}
		return desc, nil

	case protocol.MethodToolExecute:
		var p ExecuteParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: "bad params: " + err.Error()}
		}
		result, err := s.registry.Execute(ctx, p.Name, p.Args)
		if err != nil {
			return nil, &protocol.CallError{Code: protocol.ErrValidation, Message: err.Error()}
		}
		return result, nil

	default:
		return nil, &protocol.CallError{Code: protocol.ErrNoHandler, Message: "unknown method " + method}
	}
}
